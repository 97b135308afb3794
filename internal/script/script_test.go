package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestParseOperations(t *testing.T) {
	rules, err := Parse("test", []byte(`
"0010,0020": patientid
"0010,0010": blank
"0008,0050": accession
"0020,000D": uid
"0008,0020": shiftdate
"0010,1010": quantize(5)
"0008,0060": keep
"0008,0070": ""
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		tg   tag.Tag
		want Rule
	}{
		{tag.PatientID, Rule{Op: OpPatientID}},
		{tag.PatientName, Rule{Op: OpBlank}},
		{tag.AccessionNumber, Rule{Op: OpAccession}},
		{tag.StudyInstanceUID, Rule{Op: OpHashUID}},
		{tag.StudyDate, Rule{Op: OpShiftDate}},
		{tag.PatientAge, Rule{Op: OpQuantize, Width: 5}},
		{tag.Modality, Rule{Op: OpKeep}},
		{tag.Manufacturer, Rule{Op: OpKeep}}, // empty operation keeps verbatim
	}
	for _, tc := range cases {
		got, ok := rules[tc.tg]
		if !ok {
			t.Errorf("tag %v missing from rule set", tc.tg)
			continue
		}
		if got != tc.want {
			t.Errorf("rule for %v = %+v, want %+v", tc.tg, got, tc.want)
		}
	}
}

func TestParseTag(t *testing.T) {
	cases := []struct {
		in   string
		want tag.Tag
	}{
		{"0010,0020", tag.PatientID},
		{"(0010,0020)", tag.PatientID},
		{"0008, 0050", tag.AccessionNumber},
	}
	for _, tc := range cases {
		got, err := ParseTag(tc.in)
		if err != nil {
			t.Errorf("ParseTag(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTag(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"0010", "xxxx,0020", "0010,zzzz", "0010,0020,0030"} {
		if _, err := ParseTag(bad); err == nil {
			t.Errorf("ParseTag(%q) accepted", bad)
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not a map", "- a\n- b\n"},
		{"bad tag", `"nope": keep`},
		{"unknown op", `"0010,0020": scramble`},
		{"bad quantize", `"0010,1010": quantize(-1)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("test", []byte(tc.doc))
			var serr *ScriptError
			if !errors.As(err, &serr) {
				t.Errorf("expected ScriptError, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var serr *ScriptError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError for missing file, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(`"0010,0020": patientid`), 0644); err != nil {
		t.Fatal(err)
	}
	rules, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rules[tag.PatientID].Op != OpPatientID {
		t.Errorf("rule = %+v", rules[tag.PatientID])
	}
}
