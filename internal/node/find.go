package node

import (
	"fmt"
	"sort"
	"strconv"

	"dicom-gateway/internal/dimse"
)

// Query identifier tags.
const (
	tagQueryRetrieveLevel = 0x0052 // group 0008
	tagSOPInstanceUID     = 0x0018 // group 0008
	tagStudyDate          = 0x0020 // group 0008
	tagAccessionNumber    = 0x0050 // group 0008
	tagModality           = 0x0060 // group 0008
	tagModalitiesInStudy  = 0x0061 // group 0008
	tagStudyDescription   = 0x1030 // group 0008
	tagSeriesDescription  = 0x103E // group 0008
	tagPatientName        = 0x0010 // group 0010
	tagPatientID          = 0x0020 // group 0010
	tagStudyInstanceUID   = 0x000D // group 0020
	tagSeriesInstanceUID  = 0x000E // group 0020
	tagStudyInstances     = 0x1208 // group 0020
	tagSeriesInstances    = 0x1209 // group 0020
)

// QueryFilter is the caller-supplied study search criteria. When
// Accessions is non-empty the other patient fields are ignored and one
// find is issued per accession.
type QueryFilter struct {
	PatientName string
	PatientID   string
	StudyDate   string
	Modality    string
	Accessions  []string
}

// StudyResult is one study-level match streamed to the query sink.
type StudyResult struct {
	PatientName       string
	PatientID         string
	StudyUID          string
	StudyDate         string
	Accession         string
	Description       string
	ModalitiesInStudy string
	InstanceCount     int
}

// MissingInstanceCountError signals a remote that omits the
// series-instance-count field: without it there is no reliable way to
// know when a series retrieval is complete.
type MissingInstanceCountError struct {
	StudyUID  string
	SeriesUID string
}

func (e *MissingInstanceCountError) Error() string {
	return fmt.Sprintf("remote reports no instance count for series %s of study %s", e.SeriesUID, e.StudyUID)
}

// Query streams study-level matches to sink as they arrive. Accession
// batches are de-duplicated, sorted numerically first, and matched
// exactly: wildcard expansions from lenient remotes are discarded.
func (n *Node) Query(remoteName string, filter QueryFilter, sink func(StudyResult) error) error {
	remote, err := n.remote(remoteName)
	if err != nil {
		return err
	}
	a, err := n.connect(remote, queryContexts())
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			a.Release()
		}
	}()

	run := func(identifier *dimse.Object, accept func(StudyResult) bool) error {
		return a.Find(identifier, func(match *dimse.Object) error {
			if n.queryAbort.Load() {
				return ErrAborted
			}
			res := studyResult(match)
			if !accept(res) {
				return nil
			}
			return sink(res)
		})
	}

	if len(filter.Accessions) > 0 {
		for _, acc := range sortAccessions(filter.Accessions) {
			identifier := studyIdentifier()
			identifier.SetString(0x0008, tagAccessionNumber, acc)
			want := acc
			err := run(identifier, func(r StudyResult) bool { return r.Accession == want })
			if err != nil {
				if err == ErrAborted {
					released = true
				}
				return err
			}
		}
		return nil
	}

	identifier := studyIdentifier()
	identifier.SetString(0x0010, tagPatientName, filter.PatientName)
	identifier.SetString(0x0010, tagPatientID, filter.PatientID)
	identifier.SetString(0x0008, tagStudyDate, filter.StudyDate)
	identifier.SetString(0x0008, tagModalitiesInStudy, filter.Modality)
	if err := run(identifier, func(StudyResult) bool { return true }); err != nil {
		if err == ErrAborted {
			released = true
		}
		return err
	}
	return nil
}

// studyIdentifier returns a study-level identifier with every return key
// present but empty.
func studyIdentifier() *dimse.Object {
	o := &dimse.Object{}
	o.SetString(0x0008, tagQueryRetrieveLevel, "STUDY")
	o.SetString(0x0010, tagPatientName, "")
	o.SetString(0x0010, tagPatientID, "")
	o.SetString(0x0020, tagStudyInstanceUID, "")
	o.SetString(0x0008, tagStudyDate, "")
	o.SetString(0x0008, tagAccessionNumber, "")
	o.SetString(0x0008, tagStudyDescription, "")
	o.SetString(0x0008, tagModalitiesInStudy, "")
	o.SetString(0x0020, tagStudyInstances, "")
	return o
}

func studyResult(match *dimse.Object) StudyResult {
	var r StudyResult
	r.PatientName, _ = match.GetString(0x0010, tagPatientName)
	r.PatientID, _ = match.GetString(0x0010, tagPatientID)
	r.StudyUID, _ = match.GetString(0x0020, tagStudyInstanceUID)
	r.StudyDate, _ = match.GetString(0x0008, tagStudyDate)
	r.Accession, _ = match.GetString(0x0008, tagAccessionNumber)
	r.Description, _ = match.GetString(0x0008, tagStudyDescription)
	r.ModalitiesInStudy, _ = match.GetString(0x0008, tagModalitiesInStudy)
	if s, ok := match.GetString(0x0020, tagStudyInstances); ok {
		r.InstanceCount, _ = strconv.Atoi(s)
	}
	return r
}

// sortAccessions de-duplicates and orders a batch: numeric accessions
// ascending, then the rest in input order.
func sortAccessions(in []string) []string {
	seen := make(map[string]bool, len(in))
	var numeric []int
	var other []string
	for _, acc := range in {
		if acc == "" || seen[acc] {
			continue
		}
		seen[acc] = true
		if v, err := strconv.Atoi(acc); err == nil {
			numeric = append(numeric, v)
		} else {
			other = append(other, acc)
		}
	}
	sort.Ints(numeric)
	out := make([]string, 0, len(numeric)+len(other))
	for _, v := range numeric {
		out = append(out, strconv.Itoa(v))
	}
	return append(out, other...)
}

// SeriesNode is one series of a hierarchy descriptor.
type SeriesNode struct {
	SeriesUID     string
	Modality      string
	Description   string
	InstanceCount int
	// InstanceUIDs is filled only by instance-level discovery.
	InstanceUIDs []string
}

// StudyHierarchy tracks the progress of one multi-step retrieval. Not
// persisted; owned by the retrieval that built it.
type StudyHierarchy struct {
	StudyUID  string
	Accession string
	Series    []*SeriesNode

	// Live counters merged from move responses; informational only.
	Completed int
	Failed    int
	Warning   int
	Remaining int
}

// InstanceTarget is the total instance count across all series.
func (h *StudyHierarchy) InstanceTarget() int {
	total := 0
	for _, s := range h.Series {
		total += s.InstanceCount
	}
	return total
}

// PendingInstances is the instance target minus the ledger-confirmed
// stored count supplied by the caller.
func (h *StudyHierarchy) PendingInstances(stored int) int {
	pending := h.InstanceTarget() - stored
	if pending < 0 {
		return 0
	}
	return pending
}

func (h *StudyHierarchy) mergeCounts(c dimse.SubOpCounts) {
	h.Completed = int(c.Completed)
	h.Failed = int(c.Failed)
	h.Warning = int(c.Warning)
	h.Remaining = int(c.Remaining)
}

// DiscoverHierarchy enumerates the series of a study, filtered by the
// project's accepted modalities, and optionally each series' instances.
// Without instance-level detail every series must report its instance
// count or the hierarchy is unusable for retrieval.
func (n *Node) DiscoverHierarchy(remoteName, studyUID string, withInstances bool) (*StudyHierarchy, error) {
	remote, err := n.remote(remoteName)
	if err != nil {
		return nil, err
	}
	a, err := n.connect(remote, queryContexts())
	if err != nil {
		return nil, err
	}
	defer a.Release()

	h := &StudyHierarchy{StudyUID: studyUID}

	identifier := &dimse.Object{}
	identifier.SetString(0x0008, tagQueryRetrieveLevel, "SERIES")
	identifier.SetString(0x0020, tagStudyInstanceUID, studyUID)
	identifier.SetString(0x0020, tagSeriesInstanceUID, "")
	identifier.SetString(0x0008, tagModality, "")
	identifier.SetString(0x0008, tagSeriesDescription, "")
	identifier.SetString(0x0020, tagSeriesInstances, "")

	var missingCount *SeriesNode
	err = a.Find(identifier, func(match *dimse.Object) error {
		modality, _ := match.GetString(0x0008, tagModality)
		if !n.cfg.AcceptsModality(modality) {
			return nil
		}
		s := &SeriesNode{Modality: modality}
		s.SeriesUID, _ = match.GetString(0x0020, tagSeriesInstanceUID)
		s.Description, _ = match.GetString(0x0008, tagSeriesDescription)
		if v, ok := match.GetString(0x0020, tagSeriesInstances); ok && v != "" {
			s.InstanceCount, _ = strconv.Atoi(v)
		} else if missingCount == nil {
			missingCount = s
		}
		h.Series = append(h.Series, s)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if withInstances {
		for _, s := range h.Series {
			if err := n.discoverInstances(a, studyUID, s); err != nil {
				return nil, err
			}
		}
	} else if missingCount != nil {
		return nil, &MissingInstanceCountError{StudyUID: studyUID, SeriesUID: missingCount.SeriesUID}
	}
	return h, nil
}

func (n *Node) discoverInstances(a *dimse.Assoc, studyUID string, s *SeriesNode) error {
	identifier := &dimse.Object{}
	identifier.SetString(0x0008, tagQueryRetrieveLevel, "IMAGE")
	identifier.SetString(0x0020, tagStudyInstanceUID, studyUID)
	identifier.SetString(0x0020, tagSeriesInstanceUID, s.SeriesUID)
	identifier.SetString(0x0008, tagSOPInstanceUID, "")

	s.InstanceUIDs = s.InstanceUIDs[:0]
	err := a.Find(identifier, func(match *dimse.Object) error {
		if uid, ok := match.GetString(0x0008, tagSOPInstanceUID); ok && uid != "" {
			s.InstanceUIDs = append(s.InstanceUIDs, uid)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.InstanceCount = len(s.InstanceUIDs)
	return nil
}
