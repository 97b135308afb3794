package dicomfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// SetString sets a string value for a tag, replacing the existing element
// or appending a new one if the tag is absent.
func (d *Dataset) SetString(t tag.Tag, value string) error {
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return fmt.Errorf("could not create value: %w", err)
	}

	if elem, err := d.Data.FindElementByTag(t); err == nil {
		newElem := &dicom.Element{
			Tag:                    t,
			ValueRepresentation:    elem.ValueRepresentation,
			RawValueRepresentation: elem.RawValueRepresentation,
			ValueLength:            uint32(len(value)),
			Value:                  newValue,
		}
		for i, e := range d.Data.Elements {
			if e.Tag == t {
				d.Data.Elements[i] = newElem
				return nil
			}
		}
		return nil
	}

	newElem, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("could not create element: %w", err)
	}
	d.Data.Elements = append(d.Data.Elements, newElem)
	return nil
}

// ClearTag clears a tag value (sets to empty string).
func (d *Dataset) ClearTag(t tag.Tag) {
	if _, err := d.Data.FindElementByTag(t); err != nil {
		return
	}
	d.SetString(t, "")
}

// DeleteTag removes an element from the dataset entirely.
func (d *Dataset) DeleteTag(t tag.Tag) {
	for i, e := range d.Data.Elements {
		if e.Tag == t {
			d.Data.Elements = append(d.Data.Elements[:i], d.Data.Elements[i+1:]...)
			return
		}
	}
}

// Save writes the DICOM dataset to a file. The write goes through a
// temporary sibling so a crash never leaves a half-written instance at
// the final path.
func (d *Dataset) Save(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}

	// Relaxed verification: many real-world DICOM files don't strictly
	// follow VR specifications.
	if err := dicom.Write(file, d.Data,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("could not write DICOM: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("could not close output file: %w", err)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("could not move output into place: %w", err)
	}
	return nil
}
