package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyStored marks an idempotent re-delivery: the instance is known
// to the ledger and the dataset is dropped without touching anything.
var ErrAlreadyStored = errors.New("instance already stored")

// MissingAttributesError signals a dataset lacking one of the required
// identifier attributes. The dataset is quarantined before the ledger is
// ever consulted.
type MissingAttributesError struct {
	Missing []string
}

func (e *MissingAttributesError) Error() string {
	return fmt.Sprintf("dataset missing required attributes: %s", strings.Join(e.Missing, ", "))
}

// InvalidStorageClassError signals a dataset whose declared content type
// is outside the project's accepted set.
type InvalidStorageClassError struct {
	SOPClassUID string
}

func (e *InvalidStorageClassError) Error() string {
	return fmt.Sprintf("storage class %s not accepted by project", e.SOPClassUID)
}

// StorageError signals a persistence failure after the transform
// succeeded. The capture is rolled back before this is returned.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("could not persist %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvalidFileError signals a source file without the DICOM magic bytes.
type InvalidFileError struct {
	Path string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("not a DICOM file: %s", e.Path)
}

// ReadError signals a source file that could not be parsed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("could not read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsAlreadyStored reports whether err marks an idempotent re-delivery.
func IsAlreadyStored(err error) bool { return errors.Is(err, ErrAlreadyStored) }

// CategoryFor maps a pipeline error to the quarantine category its
// dataset was filed under.
func CategoryFor(err error) string {
	var inv *InvalidFileError
	var re *ReadError
	var ma *MissingAttributesError
	var sc *InvalidStorageClassError
	var se *StorageError
	switch {
	case errors.As(err, &inv):
		return CategoryInvalid
	case errors.As(err, &re):
		return CategoryReadError
	case errors.As(err, &ma):
		return CategoryMissingAttributes
	case errors.As(err, &sc):
		return CategoryStorageClass
	case errors.As(err, &se):
		return CategoryStorageError
	default:
		return CategoryCaptureError
	}
}
