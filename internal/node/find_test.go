package node

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dimse"
)

// startFindRemote runs a find SCP whose handler plays the remote archive.
func startFindRemote(t *testing.T, onFind dimse.FindHandler) *config.Config {
	t.Helper()
	srv := dimse.NewServer(dimse.ServerOptions{
		AETitle: "ARCHIVE",
		OnFind:  onFind,
	})
	done := make(chan error, 1)
	go func() { done <- srv.Serve("127.0.0.1:0") }()
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("remote never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &config.Config{
		LocalAE: "GATEWAY",
		Remotes: map[string]config.RemoteNode{
			"archive": {
				Host:     "127.0.0.1",
				Port:     srv.Addr().(*net.TCPAddr).Port,
				CalledAE: "ARCHIVE",
			},
		},
		ConnectTimeout: 2 * time.Second,
		MessageTimeout: 2 * time.Second,
	}
}

func studyMatch(accession, studyUID string) *dimse.Object {
	o := &dimse.Object{}
	o.SetString(0x0008, tagAccessionNumber, accession)
	o.SetString(0x0020, tagStudyInstanceUID, studyUID)
	return o
}

func TestQueryAccessionBatchExactMatch(t *testing.T) {
	// A lenient remote treats the accession as a prefix wildcard and
	// returns "123" and "123A" for a "123" query.
	cfg := startFindRemote(t, func(_ string, identifier *dimse.Object) ([]*dimse.Object, uint16) {
		want, _ := identifier.GetString(0x0008, tagAccessionNumber)
		return []*dimse.Object{
			studyMatch(want, "1.2.3"),
			studyMatch(want+"A", "1.2.4"),
		}, dimse.StatusSuccess
	})
	n := &Node{cfg: cfg, log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var got []StudyResult
	err := n.Query("archive", QueryFilter{Accessions: []string{"123"}}, func(r StudyResult) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("matches = %d, want 1 (wildcard expansion must be discarded)", len(got))
	}
	if got[0].Accession != "123" || got[0].StudyUID != "1.2.3" {
		t.Errorf("match = %+v", got[0])
	}
}

func TestQueryAccessionBatchOnePerAccession(t *testing.T) {
	var mu sync.Mutex
	var asked []string
	cfg := startFindRemote(t, func(_ string, identifier *dimse.Object) ([]*dimse.Object, uint16) {
		acc, _ := identifier.GetString(0x0008, tagAccessionNumber)
		mu.Lock()
		asked = append(asked, acc)
		mu.Unlock()
		return []*dimse.Object{studyMatch(acc, "1.2."+acc)}, dimse.StatusSuccess
	})
	n := &Node{cfg: cfg, log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var got []string
	err := n.Query("archive", QueryFilter{Accessions: []string{"20", "3", "20"}}, func(r StudyResult) error {
		got = append(got, r.Accession)
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []string{"3", "20"}
	mu.Lock()
	if len(asked) != 2 || asked[0] != want[0] || asked[1] != want[1] {
		t.Errorf("remote asked %v, want %v", asked, want)
	}
	mu.Unlock()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sink got %v, want %v", got, want)
	}
}

func TestQueryContextsImplicitOnly(t *testing.T) {
	for _, pc := range queryContexts() {
		if len(pc.TransferSyntaxes) != 1 || pc.TransferSyntaxes[0] != dimse.ImplicitVRLittleEndian {
			t.Errorf("context %d proposes %v, want implicit VR little endian only",
				pc.ID, pc.TransferSyntaxes)
		}
	}
}
