package node

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dimse"
)

func testNode(stall time.Duration) *Node {
	return &Node{
		cfg: &config.Config{RetrieveStallTime: stall},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func finishedMove(err error) chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func TestAwaitStoredCompletes(t *testing.T) {
	n := testNode(time.Minute)
	err := n.awaitStored("1.2.3", 10, func() int { return 10 }, finishedMove(nil), func() {
		t.Error("abort called on clean completion")
	})
	if err != nil {
		t.Fatalf("awaitStored: %v", err)
	}
}

func TestAwaitStoredStallTimesOut(t *testing.T) {
	// The remote acknowledged every sub-operation but only 7 of 10
	// instances ever reached the ledger.
	n := testNode(100 * time.Millisecond)
	err := n.awaitStored("1.2.3", 10, func() int { return 7 }, finishedMove(nil), func() {
		t.Error("abort called after move already finished")
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Stored != 7 || te.Target != 10 {
		t.Errorf("timeout = %+v", te)
	}

	h := &StudyHierarchy{StudyUID: "1.2.3", Series: []*SeriesNode{
		{SeriesUID: "1.2.3.1", InstanceCount: 6},
		{SeriesUID: "1.2.3.2", InstanceCount: 4},
	}}
	if got := h.PendingInstances(te.Stored); got != 3 {
		t.Errorf("pending after timeout = %d, want 3", got)
	}
}

func TestAwaitStoredMoveFailureWithInstancesMissing(t *testing.T) {
	n := testNode(time.Minute)
	moveErr := &dimse.ProtocolStatusError{Operation: "C-MOVE", Status: 0xA702}
	err := n.awaitStored("1.2.3", 10, func() int { return 0 }, finishedMove(moveErr), nil)
	if !errors.Is(err, moveErr) {
		t.Fatalf("expected move failure surfaced, got %v", err)
	}
}

func TestAwaitStoredAbort(t *testing.T) {
	n := testNode(time.Minute)
	n.moveAbort.Store(true)
	err := n.awaitStored("1.2.3", 10, func() int { return 0 }, finishedMove(nil), nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestSortAccessions(t *testing.T) {
	got := sortAccessions([]string{"12", "3", "ABC", "3", "", "0042", "12X"})
	want := []string{"3", "12", "42", "ABC", "12X"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sortAccessions = %v, want %v", got, want)
	}
}

func TestStudyHierarchyCounts(t *testing.T) {
	h := &StudyHierarchy{Series: []*SeriesNode{
		{InstanceCount: 3},
		{InstanceCount: 5},
	}}
	if got := h.InstanceTarget(); got != 8 {
		t.Errorf("target = %d", got)
	}
	if got := h.PendingInstances(8); got != 0 {
		t.Errorf("pending at target = %d", got)
	}
	if got := h.PendingInstances(12); got != 0 {
		t.Errorf("pending past target = %d", got)
	}

	h.mergeCounts(dimse.SubOpCounts{Remaining: 2, Completed: 5, Failed: 1, Warning: 0})
	if h.Remaining != 2 || h.Completed != 5 || h.Failed != 1 || h.Warning != 0 {
		t.Errorf("merged counters = %+v", h)
	}
}

func TestMoveIdentifierLevels(t *testing.T) {
	o := moveIdentifier("SERIES", "1.2", "1.2.1", "")
	if v, _ := o.GetString(0x0008, tagQueryRetrieveLevel); v != "SERIES" {
		t.Errorf("level = %q", v)
	}
	if v, _ := o.GetString(0x0020, tagStudyInstanceUID); v != "1.2" {
		t.Errorf("study = %q", v)
	}
	if v, _ := o.GetString(0x0020, tagSeriesInstanceUID); v != "1.2.1" {
		t.Errorf("series = %q", v)
	}
	if o.Has(0x0008, tagSOPInstanceUID) {
		t.Error("instance uid present in series identifier")
	}
}

func TestRetrieveLevelString(t *testing.T) {
	cases := map[RetrieveLevel]string{
		LevelStudy:    "study",
		LevelSeries:   "series",
		LevelInstance: "instance",
	}
	for l, want := range cases {
		if l.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(l), l.String(), want)
		}
	}
}
