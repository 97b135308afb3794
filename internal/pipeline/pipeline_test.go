package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-gateway/internal/audit"
	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/ledger"
	"dicom-gateway/internal/script"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func testPipeline(t *testing.T, workers int) (*Pipeline, *ledger.Ledger, *config.Config) {
	t.Helper()

	rules, err := script.Parse("test", []byte(`
"0010,0020": patientid
"0010,0010": blank
"0008,0050": accession
"0020,000D": uid
"0020,000E": uid
"0008,0018": uid
"0008,0016": keep
"0008,0020": shiftdate
"0008,0060": keep
`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}

	led, err := ledger.New(ledger.Options{Site: "47", UIDRoot: "1.2.826.0.1.3680043.10.474", Rules: rules})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	root := t.TempDir()
	cfg := &config.Config{
		StorageDir:             filepath.Join(root, "storage"),
		QuarantineDir:          filepath.Join(root, "quarantine"),
		AcceptedStorageClasses: []string{ctImageStorage},
	}

	auditLog, err := audit.NewLogger("")
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	q := NewQuarantine(cfg.QuarantineDir, auditLog)

	p := New(Options{Config: cfg, Ledger: led, Quarantine: q, Workers: workers})
	t.Cleanup(p.Stop)
	return p, led, cfg
}

func makeDataset(t *testing.T, patientID, studyUID, seriesUID, sopUID string) *dicomfile.Dataset {
	t.Helper()
	ds := &dicomfile.Dataset{}
	set := func(tg tag.Tag, v string) {
		if v == "" {
			return
		}
		if err := ds.SetString(tg, v); err != nil {
			t.Fatalf("set %v: %v", tg, err)
		}
	}
	set(tag.PatientID, patientID)
	set(tag.PatientName, "DOE^JANE")
	set(tag.AccessionNumber, "A1")
	set(tag.StudyDate, "20240315")
	set(tag.StudyInstanceUID, studyUID)
	set(tag.SeriesInstanceUID, seriesUID)
	set(tag.SOPInstanceUID, sopUID)
	set(tag.SOPClassUID, ctImageStorage)
	set(tag.Modality, "CT")
	return ds
}

func TestAnonymizePersistsAtDeterministicPath(t *testing.T) {
	p, led, cfg := testPipeline(t, 1)

	ds := makeDataset(t, "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	outPath, err := p.Anonymize("test", ds)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	anonPID, _ := led.AnonPatientID("P1")
	anonStudy, _ := led.AnonUID("1.2.3")
	anonSeries, _ := led.AnonUID("1.2.3.1")
	anonInstance, _ := led.AnonUID("1.2.3.1.1")
	want := filepath.Join(cfg.StorageDir, anonPID, anonStudy, anonSeries, anonInstance+".dcm")
	if outPath != want {
		t.Errorf("output path = %s, want %s", outPath, want)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("stored file missing: %v", err)
	}

	// The persisted identifiers are the anonymized ones.
	stored, err := dicomfile.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if stored.PatientID() != anonPID {
		t.Errorf("stored patient id = %q, want %q", stored.PatientID(), anonPID)
	}
	if stored.StudyUID() != anonStudy {
		t.Errorf("stored study uid = %q, want %q", stored.StudyUID(), anonStudy)
	}
}

func TestAnonymizeSecondDeliveryIsNoOp(t *testing.T) {
	p, led, _ := testPipeline(t, 1)

	if _, err := p.Anonymize("first", makeDataset(t, "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1")); err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	before := led.Totals()

	_, err := p.Anonymize("second", makeDataset(t, "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1"))
	if !errors.Is(err, ErrAlreadyStored) {
		t.Fatalf("expected ErrAlreadyStored, got %v", err)
	}
	if led.Totals() != before {
		t.Errorf("totals changed on re-delivery: %+v -> %+v", before, led.Totals())
	}
}

func TestAnonymizeMissingAttributesQuarantines(t *testing.T) {
	p, led, cfg := testPipeline(t, 1)

	ds := makeDataset(t, "P1", "1.2.3", "", "")
	_, err := p.Anonymize("test", ds)
	var missing *MissingAttributesError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingAttributesError, got %v", err)
	}

	tot := led.Totals()
	if tot.Patients != 0 || tot.Instances != 0 {
		t.Errorf("invalid dataset reached the ledger: %+v", tot)
	}
	if tot.Quarantined != 1 {
		t.Errorf("quarantined total = %d", tot.Quarantined)
	}

	entries, err := os.ReadDir(filepath.Join(cfg.QuarantineDir, CategoryMissingAttributes))
	if err != nil || len(entries) != 1 {
		t.Errorf("quarantine record not written: %v (%d entries)", err, len(entries))
	}
}

func TestAnonymizeRejectedStorageClass(t *testing.T) {
	p, led, _ := testPipeline(t, 1)

	ds := makeDataset(t, "P1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err := ds.SetString(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.7"); err != nil {
		t.Fatal(err)
	}
	_, err := p.Anonymize("test", ds)
	var bad *InvalidStorageClassError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidStorageClassError, got %v", err)
	}
	if led.Totals().Instances != 0 {
		t.Errorf("rejected dataset captured: %+v", led.Totals())
	}
}

func TestAnonymizeFileNotDicom(t *testing.T) {
	p, _, _ := testPipeline(t, 1)

	path := filepath.Join(t.TempDir(), "junk.dcm")
	if err := os.WriteFile(path, []byte("not dicom at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := p.AnonymizeFile(path)
	var inv *InvalidFileError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidFileError, got %v", err)
	}
	if CategoryFor(err) != CategoryInvalid {
		t.Errorf("category = %s", CategoryFor(err))
	}
}

func TestConcurrentEnqueueThenStopDrainsEverything(t *testing.T) {
	p, led, _ := testPipeline(t, 3)

	const n = 24
	for i := 0; i < n; i++ {
		ds := makeDataset(t, "P1",
			fmt.Sprintf("1.%d", i/6),
			fmt.Sprintf("1.%d.1", i/6),
			fmt.Sprintf("1.%d.1.%d", i/6, i))
		p.Enqueue(fmt.Sprintf("job-%d", i), ds)
	}
	p.Stop()

	if d, s := p.QueueDepths(); d != 0 || s != 0 {
		t.Errorf("queue depths after stop = (%d,%d)", d, s)
	}
	if !p.Idle() {
		t.Error("pipeline not idle after stop")
	}
	if got := led.Totals().Instances; got != n {
		t.Errorf("instances = %d, want %d", got, n)
	}
}
