package dicomfile

import (
	"bytes"
	"fmt"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Dataset wraps a DICOM dataset for easier access.
type Dataset struct {
	Data     dicom.Dataset
	FilePath string
	// Raw holds the original encoded bytes when the dataset arrived over
	// the network or was read for pass-through sending. May be nil.
	Raw []byte
}

// ReadFile reads a DICOM file and returns the dataset.
func ReadFile(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}

	return &Dataset{Data: ds, FilePath: path}, nil
}

// ReadMetadataOnly reads only the metadata (no pixel data).
func ReadMetadataOnly(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}

	return &Dataset{Data: ds, FilePath: path}, nil
}

// FromBytes parses a complete in-memory DICOM file (preamble included).
func FromBytes(raw []byte) (*Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}
	return &Dataset{Data: ds, Raw: raw}, nil
}

// GetString returns a string value for a tag, or empty string if not found.
func (d *Dataset) GetString(t tag.Tag) string {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return ElementString(elem)
}

// ElementString renders an element's value as a single string.
func ElementString(elem *dicom.Element) string {
	if elem == nil || elem.Value == nil {
		return ""
	}

	val := elem.Value.GetValue()
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case []string:
		if len(v) > 0 {
			return v[0]
		}
		return ""
	case string:
		return v
	case []int:
		if len(v) > 0 {
			return fmt.Sprintf("%d", v[0])
		}
		return ""
	}
	return fmt.Sprintf("%v", val)
}

// PatientID returns the real patient identifier.
func (d *Dataset) PatientID() string { return d.GetString(tag.PatientID) }

// PatientName returns the patient name.
func (d *Dataset) PatientName() string { return d.GetString(tag.PatientName) }

// PatientBirthDate returns the patient DOB.
func (d *Dataset) PatientBirthDate() string { return d.GetString(tag.PatientBirthDate) }

// PatientSex returns the patient sex.
func (d *Dataset) PatientSex() string { return d.GetString(tag.PatientSex) }

// EthnicGroup returns the ethnic group.
func (d *Dataset) EthnicGroup() string { return d.GetString(tag.EthnicGroup) }

// StudyUID returns the Study Instance UID.
func (d *Dataset) StudyUID() string { return d.GetString(tag.StudyInstanceUID) }

// SeriesUID returns the Series Instance UID.
func (d *Dataset) SeriesUID() string { return d.GetString(tag.SeriesInstanceUID) }

// SOPInstanceUID returns the SOP Instance UID.
func (d *Dataset) SOPInstanceUID() string { return d.GetString(tag.SOPInstanceUID) }

// SOPClassUID returns the SOP Class UID (the declared content type).
func (d *Dataset) SOPClassUID() string { return d.GetString(tag.SOPClassUID) }

// AccessionNumber returns the accession number.
func (d *Dataset) AccessionNumber() string { return d.GetString(tag.AccessionNumber) }

// StudyDate returns the study date.
func (d *Dataset) StudyDate() string { return d.GetString(tag.StudyDate) }

// StudyDescription returns the study description.
func (d *Dataset) StudyDescription() string { return d.GetString(tag.StudyDescription) }

// SeriesDescription returns the series description.
func (d *Dataset) SeriesDescription() string { return d.GetString(tag.SeriesDescription) }

// Modality returns the DICOM modality (e.g. "US", "CT", "MR", "CR", "DX").
func (d *Dataset) Modality() string { return d.GetString(tag.Modality) }

// TransferSyntax returns the transfer syntax UID from the file meta group.
func (d *Dataset) TransferSyntax() string { return d.GetString(tag.TransferSyntaxUID) }
