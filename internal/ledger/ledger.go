package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/script"
)

// Totals are the ledger-wide counters. They are incremented and
// decremented only alongside the structural mutation that changes them,
// so they are always consistent with the maps.
type Totals struct {
	Patients    int `json:"patients"`
	Studies     int `json:"studies"`
	Series      int `json:"series"`
	Instances   int `json:"instances"`
	Quarantined int `json:"quarantined"`
}

// SeriesRecord tracks one acquisition run of a study.
type SeriesRecord struct {
	SeriesUID    string   `json:"series_uid"`
	Description  string   `json:"description,omitempty"`
	Modality     string   `json:"modality,omitempty"`
	InstanceUIDs []string `json:"instance_uids"`
}

// InstanceCount returns the number of stored instances in the series.
func (s *SeriesRecord) InstanceCount() int { return len(s.InstanceUIDs) }

// StudyRecord tracks one exam and its shifted-date bookkeeping.
type StudyRecord struct {
	StudyUID      string          `json:"study_uid"`
	StudyDate     string          `json:"study_date,omitempty"`
	DateShift     int             `json:"date_shift"`
	Accession     string          `json:"accession,omitempty"`
	Description   string          `json:"description,omitempty"`
	Series        []*SeriesRecord `json:"series"`
	TargetCount   int             `json:"target_count"`
}

// StoredCount returns the number of instances stored across all series.
func (s *StudyRecord) StoredCount() int {
	n := 0
	for _, se := range s.Series {
		n += se.InstanceCount()
	}
	return n
}

// PHIRecord holds the protected health information captured for one
// anonymized patient.
type PHIRecord struct {
	PatientID   string         `json:"patient_id"`
	Name        string         `json:"name,omitempty"`
	BirthDate   string         `json:"birth_date,omitempty"`
	Sex         string         `json:"sex,omitempty"`
	EthnicGroup string         `json:"ethnic_group,omitempty"`
	Studies     []*StudyRecord `json:"studies"`
}

// Capture is the result of one identity capture.
type Capture struct {
	RealPatientID string
	AnonPatientID string
	AnonAccession string
	NewStudy      bool
	NewSeries     bool
	NewInstance   bool
}

// Ledger is the bidirectional identity-remapping ledger for one open
// project. It is the only state mutated from multiple goroutines; every
// mutator holds the single mutex for its whole critical section.
type Ledger struct {
	mu sync.Mutex

	site       string
	uidRoot    string
	path       string
	shiftDates bool
	rules      script.RuleSet
	log        *slog.Logger

	patients   *Bimap // real patient id -> anon patient id
	uids       *Bimap // real uid -> anon uid, any UID-valued tag
	accessions *Bimap // real accession -> anon accession

	phi      map[string]*PHIRecord // anon patient id -> record
	phiOrder []string

	// Derived indexes, rebuilt on load.
	studyOwner  map[string]string        // real study uid -> anon patient id
	studyIndex  map[string]*StudyRecord  // real study uid
	seriesIndex map[string]*SeriesRecord // real series uid
	seriesStudy map[string]*StudyRecord  // real series uid -> owning study

	patientSeq   int
	uidSeq       int
	accessionSeq int

	totals Totals
}

// Options configures a new ledger.
type Options struct {
	Site       string
	UIDRoot    string
	Path       string
	Rules      script.RuleSet
	ShiftDates bool
	Logger     *slog.Logger
}

// New creates a ledger, loading the persisted snapshot if one exists at
// the configured path.
func New(opts Options) (*Ledger, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Ledger{
		site:        opts.Site,
		uidRoot:     opts.UIDRoot,
		path:        opts.Path,
		shiftDates:  opts.ShiftDates,
		rules:       opts.Rules,
		log:         opts.Logger,
		patients:    NewBimap(),
		uids:        NewBimap(),
		accessions:  NewBimap(),
		phi:         make(map[string]*PHIRecord),
		studyOwner:  make(map[string]string),
		studyIndex:  make(map[string]*StudyRecord),
		seriesIndex: make(map[string]*SeriesRecord),
		seriesStudy: make(map[string]*StudyRecord),
	}

	if opts.Path != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Rules returns the parsed tag rule set.
func (l *Ledger) Rules() script.RuleSet { return l.rules }

func (l *Ledger) nextPatientIDLocked() string {
	l.patientSeq++
	return fmt.Sprintf("%s-%06d", l.site, l.patientSeq)
}

func (l *Ledger) nextUIDLocked() string {
	l.uidSeq++
	return fmt.Sprintf("%s.%s.%d", l.uidRoot, l.site, l.uidSeq)
}

func (l *Ledger) nextAccessionLocked() string {
	l.accessionSeq++
	return fmt.Sprintf("%07d", l.accessionSeq)
}

// anonUIDForLocked returns the anonymized UID for a real one, allocating
// the next sequential UID on first sight.
func (l *Ledger) anonUIDForLocked(real string) string {
	if anon, ok := l.uids.Anon(real); ok {
		return anon
	}
	anon := l.nextUIDLocked()
	l.uids.Put(real, anon)
	return anon
}

// AnonUIDFor maps a real UID to its anonymized value, allocating one if
// unseen. Used for UID-valued tags outside the core hierarchy.
func (l *Ledger) AnonUIDFor(real string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anonUIDForLocked(real)
}

// anonAccessionForStudyLocked resolves the anonymized accession through
// the study record that owns the study, so a re-send whose accession is
// missing or changed still maps to the accession captured first.
func (l *Ledger) anonAccessionForStudyLocked(studyUID string) string {
	study, ok := l.studyIndex[studyUID]
	if !ok || study.Accession == "" {
		return ""
	}
	anon, _ := l.accessions.Anon(study.Accession)
	return anon
}

// Capture is the single mutation entry point for identity bookkeeping.
// It records PHI, allocates anonymized identifiers for the dataset's
// patient, study, series and instance, and keeps the totals in step.
func (l *Ledger) Capture(source string, ds *dicomfile.Dataset) (Capture, error) {
	studyUID := ds.StudyUID()
	seriesUID := ds.SeriesUID()
	sopUID := ds.SOPInstanceUID()

	var missing []string
	if studyUID == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if seriesUID == "" {
		missing = append(missing, "SeriesInstanceUID")
	}
	if sopUID == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	if len(missing) > 0 {
		return Capture{}, &MissingIdentifiersError{Missing: missing}
	}

	realPID := ds.PatientID()
	realAcc := ds.AccessionNumber()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Idempotent re-delivery: the instance is already captured.
	if _, known := l.uids.Anon(sopUID); known {
		anonPID := l.studyOwner[studyUID]
		return Capture{RealPatientID: realPID, AnonPatientID: anonPID, AnonAccession: l.anonAccessionForStudyLocked(studyUID)}, nil
	}

	if anonPID, known := l.studyOwner[studyUID]; known {
		// Known study: the incoming patient identity must match the one
		// that owns it. Anything else is an inconsistent remote re-send
		// and must not be merged.
		if existing, ok := l.patients.Anon(realPID); !ok || existing != anonPID {
			rec := l.phi[anonPID]
			return Capture{}, &IdentityConflictError{
				StudyUID:        studyUID,
				KnownPatientID:  rec.PatientID,
				IncomingPatient: realPID,
			}
		}

		study := l.studyIndex[studyUID]
		res := Capture{
			RealPatientID: realPID,
			AnonPatientID: anonPID,
			AnonAccession: l.anonAccessionForStudyLocked(studyUID),
			NewInstance:   true,
		}

		series, ok := l.seriesIndex[seriesUID]
		if !ok {
			series = &SeriesRecord{
				SeriesUID:   seriesUID,
				Description: ds.SeriesDescription(),
				Modality:    ds.Modality(),
			}
			study.Series = append(study.Series, series)
			l.seriesIndex[seriesUID] = series
			l.seriesStudy[seriesUID] = study
			l.anonUIDForLocked(seriesUID)
			l.totals.Series++
			res.NewSeries = true
		}

		series.InstanceUIDs = append(series.InstanceUIDs, sopUID)
		l.anonUIDForLocked(sopUID)
		l.totals.Instances++

		l.log.Debug("captured instance", "source", source, "study", studyUID, "patient", anonPID)
		return res, nil
	}

	// New study.
	anonPID, knownPatient := l.patients.Anon(realPID)
	if !knownPatient {
		anonPID = l.nextPatientIDLocked()
		l.patients.Put(realPID, anonPID)
		l.phi[anonPID] = &PHIRecord{
			PatientID:   realPID,
			Name:        ds.PatientName(),
			BirthDate:   ds.PatientBirthDate(),
			Sex:         ds.PatientSex(),
			EthnicGroup: ds.EthnicGroup(),
		}
		l.phiOrder = append(l.phiOrder, anonPID)
		l.totals.Patients++
	}

	anonAcc, knownAcc := l.accessions.Anon(realAcc)
	if !knownAcc && realAcc != "" {
		anonAcc = l.nextAccessionLocked()
		l.accessions.Put(realAcc, anonAcc)
	}

	shift := 0
	if l.shiftDates {
		shift, _ = HashDate(ds.StudyDate(), realPID)
	}

	series := &SeriesRecord{
		SeriesUID:    seriesUID,
		Description:  ds.SeriesDescription(),
		Modality:     ds.Modality(),
		InstanceUIDs: []string{sopUID},
	}
	study := &StudyRecord{
		StudyUID:    studyUID,
		StudyDate:   ds.StudyDate(),
		DateShift:   shift,
		Accession:   realAcc,
		Description: ds.StudyDescription(),
		Series:      []*SeriesRecord{series},
	}

	rec := l.phi[anonPID]
	rec.Studies = append(rec.Studies, study)

	l.studyOwner[studyUID] = anonPID
	l.studyIndex[studyUID] = study
	l.seriesIndex[seriesUID] = series
	l.seriesStudy[seriesUID] = study

	l.anonUIDForLocked(studyUID)
	l.anonUIDForLocked(seriesUID)
	l.anonUIDForLocked(sopUID)

	l.totals.Studies++
	l.totals.Series++
	l.totals.Instances++

	l.log.Debug("captured new study", "source", source, "study", studyUID, "patient", anonPID)
	return Capture{
		RealPatientID: realPID,
		AnonPatientID: anonPID,
		AnonAccession: anonAcc,
		NewStudy:      true,
		NewSeries:     true,
		NewInstance:   true,
	}, nil
}

// RollbackInstance compensates a failed persistence after identity
// capture: the instance UID entry is removed and the counts revert, so no
// identity dangles without a stored file.
func (l *Ledger) RollbackInstance(seriesUID, sopUID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.uids.DeleteReal(sopUID) {
		return
	}
	if series, ok := l.seriesIndex[seriesUID]; ok {
		for i, uid := range series.InstanceUIDs {
			if uid == sopUID {
				series.InstanceUIDs = append(series.InstanceUIDs[:i], series.InstanceUIDs[i+1:]...)
				break
			}
		}
	}
	l.totals.Instances--
}

// RemoveUID removes a UID mapping by its real side.
func (l *Ledger) RemoveUID(real string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uids.DeleteReal(real)
}

// RemoveUIDInverse removes a UID mapping by its anonymized side.
func (l *Ledger) RemoveUIDInverse(anon string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uids.DeleteAnon(anon)
}

// RemoveStudy removes a study as a whole unit: its series and instance
// UID entries, its accession mapping when no other study shares it, and,
// when it was the patient's last study, the patient record itself. The
// freed anon patient id is never recycled.
func (l *Ledger) RemoveStudy(realStudyUID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	anonPID, ok := l.studyOwner[realStudyUID]
	if !ok {
		return fmt.Errorf("study %s not in ledger", realStudyUID)
	}
	rec := l.phi[anonPID]

	var study *StudyRecord
	for i, s := range rec.Studies {
		if s.StudyUID == realStudyUID {
			study = s
			rec.Studies = append(rec.Studies[:i], rec.Studies[i+1:]...)
			break
		}
	}
	if study == nil {
		return fmt.Errorf("study %s not under patient %s", realStudyUID, anonPID)
	}

	for _, series := range study.Series {
		for _, sop := range series.InstanceUIDs {
			l.uids.DeleteReal(sop)
			l.totals.Instances--
		}
		l.uids.DeleteReal(series.SeriesUID)
		delete(l.seriesIndex, series.SeriesUID)
		delete(l.seriesStudy, series.SeriesUID)
		l.totals.Series--
	}
	l.uids.DeleteReal(realStudyUID)
	delete(l.studyOwner, realStudyUID)
	delete(l.studyIndex, realStudyUID)
	l.totals.Studies--

	if study.Accession != "" && !l.accessionInUseLocked(study.Accession) {
		l.accessions.DeleteReal(study.Accession)
	}

	if len(rec.Studies) == 0 {
		l.patients.DeleteReal(rec.PatientID)
		delete(l.phi, anonPID)
		for i, id := range l.phiOrder {
			if id == anonPID {
				l.phiOrder = append(l.phiOrder[:i], l.phiOrder[i+1:]...)
				break
			}
		}
		l.totals.Patients--
	}
	return nil
}

func (l *Ledger) accessionInUseLocked(realAcc string) bool {
	for _, study := range l.studyIndex {
		if study.Accession == realAcc {
			return true
		}
	}
	return false
}

// KnownInstance reports whether a SOP Instance UID has been captured.
func (l *Ledger) KnownInstance(sopUID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.uids.Anon(sopUID)
	return ok
}

// KnownStudy reports whether a Study UID has been captured.
func (l *Ledger) KnownStudy(studyUID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.studyOwner[studyUID]
	return ok
}

// StudyStoredCount returns the independently verified number of instances
// stored for a study. Retrieval completion is decided on this, never on
// remote sub-operation counters.
func (l *Ledger) StudyStoredCount(realStudyUID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	study, ok := l.studyIndex[realStudyUID]
	if !ok {
		return 0
	}
	return study.StoredCount()
}

// SeriesStoredCount returns the stored instance count for one series.
func (l *Ledger) SeriesStoredCount(realSeriesUID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	series, ok := l.seriesIndex[realSeriesUID]
	if !ok {
		return 0
	}
	return series.InstanceCount()
}

// SetStudyTarget records the expected instance count for a retrieval.
func (l *Ledger) SetStudyTarget(realStudyUID string, target int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if study, ok := l.studyIndex[realStudyUID]; ok {
		study.TargetCount = target
	}
}

// AnonUID returns the anonymized UID for a real one without allocating.
func (l *Ledger) AnonUID(real string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uids.Anon(real)
}

// RealUID reverse-maps an anonymized UID.
func (l *Ledger) RealUID(anon string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uids.Real(anon)
}

// AnonPatientID returns the anonymized patient id for a real one.
func (l *Ledger) AnonPatientID(real string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.patients.Anon(real)
}

// PatientIDs returns the anonymized patient ids in assignment order.
func (l *Ledger) PatientIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.phiOrder))
	copy(out, l.phiOrder)
	return out
}

// Patient returns a deep copy of a patient's PHI record.
func (l *Ledger) Patient(anonPID string) (PHIRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.phi[anonPID]
	if !ok {
		return PHIRecord{}, false
	}
	out := *rec
	out.Studies = make([]*StudyRecord, len(rec.Studies))
	for i, s := range rec.Studies {
		sc := *s
		sc.Series = make([]*SeriesRecord, len(s.Series))
		for j, se := range s.Series {
			sec := *se
			sec.InstanceUIDs = append([]string(nil), se.InstanceUIDs...)
			sc.Series[j] = &sec
		}
		out.Studies[i] = &sc
	}
	return out, true
}

// IncQuarantined bumps the quarantine counter.
func (l *Ledger) IncQuarantined() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals.Quarantined++
}

// Totals returns a snapshot of the counters, consistent as of one instant.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}
