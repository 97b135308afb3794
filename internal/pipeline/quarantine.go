package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dicom-gateway/internal/audit"
	"dicom-gateway/internal/dicomfile"

	"github.com/suyashkumar/dicom"
)

// Quarantine categories, used as sub-path names so failed datasets can be
// located by failure class.
const (
	CategoryInvalid           = "invalid"
	CategoryReadError         = "read-error"
	CategoryMissingAttributes = "missing-attributes"
	CategoryStorageClass      = "storage-class"
	CategoryCaptureError      = "capture-error"
	CategoryStorageError      = "storage-error"
)

// Quarantine is the side storage area for datasets that failed
// processing. Records are never auto-deleted.
type Quarantine struct {
	root string
	log  *audit.Logger
}

// NewQuarantine creates the quarantine area rooted at dir.
func NewQuarantine(dir string, log *audit.Logger) *Quarantine {
	return &Quarantine{root: dir, log: log}
}

// PutFile copies a failed source file into the category sub-path.
func (q *Quarantine) PutFile(sourcePath, category, cause string) error {
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		// The file may be unreadable; still audit the failure.
		q.log.Record(sourcePath, category, cause)
		return fmt.Errorf("could not read source for quarantine: %w", err)
	}
	return q.put(sourcePath, raw, category, cause)
}

// PutDataset serializes a failed in-memory dataset into the category
// sub-path. Used for network ingest where no source file exists.
func (q *Quarantine) PutDataset(source string, ds *dicomfile.Dataset, category, cause string) error {
	raw := ds.Raw
	if raw == nil {
		var buf bytes.Buffer
		err := dicom.Write(&buf, ds.Data,
			dicom.SkipVRVerification(),
			dicom.SkipValueTypeVerification(),
			dicom.DefaultMissingTransferSyntax(),
		)
		if err != nil {
			q.log.Record(source, category, cause)
			return fmt.Errorf("could not serialize dataset for quarantine: %w", err)
		}
		raw = buf.Bytes()
	}
	return q.put(source, raw, category, cause)
}

// PutBytes stores already-encoded dataset bytes that could not be parsed
// into a dataset at all.
func (q *Quarantine) PutBytes(source string, raw []byte, category, cause string) error {
	return q.put(source, raw, category, cause)
}

func (q *Quarantine) put(source string, raw []byte, category, cause string) error {
	q.log.Record(source, category, cause)

	dir := filepath.Join(q.root, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create quarantine directory: %w", err)
	}

	name := fmt.Sprintf("%s.%d", filepath.Base(source), time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0644); err != nil {
		return fmt.Errorf("could not write quarantine record: %w", err)
	}
	return nil
}
