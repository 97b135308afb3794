package ledger

import (
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestQuantize(t *testing.T) {
	cases := []struct {
		in    string
		width int
		want  string
		ok    bool
	}{
		{"067Y", 5, "065Y", true},
		{"070Y", 5, "070Y", true},
		{"23", 10, "20", true},
		{"7", 5, "05", true}, // re-padded to even length
		{"003M", 5, "000M", true},
		{"", 5, "", false},
		{"Y067", 5, "", false},
		{"067Y", 0, "", false},
	}
	for _, tc := range cases {
		got, ok := quantize(tc.in, tc.width)
		if ok != tc.ok || got != tc.want {
			t.Errorf("quantize(%q,%d) = (%q,%v), want (%q,%v)", tc.in, tc.width, got, ok, tc.want, tc.ok)
		}
	}
}

func TestApplyRulesTransforms(t *testing.T) {
	l := newTestLedger(t)

	ds := makeDataset(t, "P100", "A1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err := ds.SetString(tag.PatientAge, "067Y"); err != nil {
		t.Fatalf("set age: %v", err)
	}
	// InstitutionName has no rule and must be dropped.
	if err := ds.SetString(tag.InstitutionName, "General Hospital"); err != nil {
		t.Fatalf("set institution: %v", err)
	}

	res, err := l.Capture("test", ds)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	l.ApplyRules(ds, res.RealPatientID, res.AnonPatientID, res.AnonAccession)

	if got := ds.PatientID(); got != res.AnonPatientID {
		t.Errorf("patient id = %q, want %q", got, res.AnonPatientID)
	}
	if got := ds.PatientName(); got != "" {
		t.Errorf("patient name not blanked: %q", got)
	}
	if got := ds.AccessionNumber(); got != res.AnonAccession {
		t.Errorf("accession = %q, want %q", got, res.AnonAccession)
	}
	if got := ds.GetString(tag.InstitutionName); got != "" {
		t.Errorf("unruled tag survived: %q", got)
	}
	if got := ds.Modality(); got != "CT" {
		t.Errorf("kept tag changed: %q", got)
	}
	if got := ds.GetString(tag.PatientAge); got != "065Y" {
		t.Errorf("age = %q, want 065Y", got)
	}

	anonStudy, _ := l.AnonUID("1.2.3")
	if got := ds.StudyUID(); got != anonStudy {
		t.Errorf("study uid = %q, want %q", got, anonStudy)
	}

	// Shifted date must match the deterministic hash.
	_, wantDate := HashDate("20240315", "P100")
	if got := ds.StudyDate(); got != wantDate {
		t.Errorf("study date = %q, want %q", got, wantDate)
	}
}

func TestApplyRulesMalformedQuantizePassesThrough(t *testing.T) {
	l := newTestLedger(t)

	ds := makeDataset(t, "P100", "A1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err := ds.SetString(tag.PatientAge, "unknown"); err != nil {
		t.Fatalf("set age: %v", err)
	}

	res, err := l.Capture("test", ds)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	l.ApplyRules(ds, res.RealPatientID, res.AnonPatientID, res.AnonAccession)

	if got := ds.GetString(tag.PatientAge); got != "unknown" {
		t.Errorf("malformed quantize input changed: %q", got)
	}
}
