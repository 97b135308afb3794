package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// snapshot is the JSON structure persisted to disk. The derived indexes
// are rebuilt on load rather than stored.
type snapshot struct {
	Patients     *Bimap                `json:"patient_id_map"`
	UIDs         *Bimap                `json:"uid_map"`
	Accessions   *Bimap                `json:"accession_map"`
	PHI          map[string]*PHIRecord `json:"phi_records"`
	PHIOrder     []string              `json:"phi_order"`
	PatientSeq   int                   `json:"patient_seq"`
	UIDSeq       int                   `json:"uid_seq"`
	AccessionSeq int                   `json:"accession_seq"`
	Totals       Totals                `json:"totals"`
	Updated      string                `json:"updated"`
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Start fresh.
		}
		return fmt.Errorf("could not read ledger file: %w", err)
	}

	snap := snapshot{
		Patients:   NewBimap(),
		UIDs:       NewBimap(),
		Accessions: NewBimap(),
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("could not load ledger file %s: %w", l.path, err)
	}

	l.patients = snap.Patients
	l.uids = snap.UIDs
	l.accessions = snap.Accessions
	l.phi = snap.PHI
	if l.phi == nil {
		l.phi = make(map[string]*PHIRecord)
	}
	l.phiOrder = snap.PHIOrder
	l.patientSeq = snap.PatientSeq
	l.uidSeq = snap.UIDSeq
	l.accessionSeq = snap.AccessionSeq
	l.totals = snap.Totals

	l.rebuildIndexes()

	l.log.Info("loaded ledger",
		"path", l.path,
		"patients", l.totals.Patients,
		"studies", l.totals.Studies,
		"instances", l.totals.Instances)
	return nil
}

func (l *Ledger) rebuildIndexes() {
	l.studyOwner = make(map[string]string)
	l.studyIndex = make(map[string]*StudyRecord)
	l.seriesIndex = make(map[string]*SeriesRecord)
	l.seriesStudy = make(map[string]*StudyRecord)

	for anonPID, rec := range l.phi {
		for _, study := range rec.Studies {
			l.studyOwner[study.StudyUID] = anonPID
			l.studyIndex[study.StudyUID] = study
			for _, series := range study.Series {
				l.seriesIndex[series.SeriesUID] = series
				l.seriesStudy[series.SeriesUID] = study
			}
		}
	}
}

// Save persists the ledger snapshot. The write is atomic: a temp sibling
// is written and renamed into place so a crash cannot corrupt the mapping
// between real and anonymized identities.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return nil
	}

	snap := snapshot{
		Patients:     l.patients,
		UIDs:         l.uids,
		Accessions:   l.accessions,
		PHI:          l.phi,
		PHIOrder:     l.phiOrder,
		PatientSeq:   l.patientSeq,
		UIDSeq:       l.uidSeq,
		AccessionSeq: l.accessionSeq,
		Totals:       l.totals,
		Updated:      time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create ledger directory: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("could not write ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("could not move ledger into place: %w", err)
	}
	return nil
}
