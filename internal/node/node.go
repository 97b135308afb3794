package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/dimse"
	"dicom-gateway/internal/ledger"
	"dicom-gateway/internal/pipeline"
)

// ErrAborted is returned by query, retrieve and export loops when the
// caller raised the matching abort flag.
var ErrAborted = errors.New("operation aborted")

// lowMemoryRetries bounds the ingest back-off so a store request cannot
// stall an association forever.
const lowMemoryRetries = 20

// Node is the gateway's application entity: a passive receiver for
// inbound stores and an active client for query, retrieve and export.
type Node struct {
	cfg  *config.Config
	led  *ledger.Ledger
	pipe *pipeline.Pipeline
	quar *pipeline.Quarantine
	log  *slog.Logger

	server *dimse.Server

	queryAbort  atomic.Bool
	moveAbort   atomic.Bool
	exportAbort atomic.Bool
}

// Options wires a node to its collaborators.
type Options struct {
	Config     *config.Config
	Ledger     *ledger.Ledger
	Pipeline   *pipeline.Pipeline
	Quarantine *pipeline.Quarantine
	Logger     *slog.Logger
}

// New creates a node. Serve starts the listening side.
func New(opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	n := &Node{
		cfg:  opts.Config,
		led:  opts.Ledger,
		pipe: opts.Pipeline,
		quar: opts.Quarantine,
		log:  opts.Logger,
	}
	n.server = dimse.NewServer(dimse.ServerOptions{
		AETitle:        n.cfg.LocalAE,
		AcceptsClass:   n.cfg.AcceptsStorageClass,
		TransferSyntax: n.storageTransferSyntaxes(),
		MessageTimeout: n.cfg.MessageTimeout,
		OnStore:        n.handleStore,
		Logger:         n.log,
	})
	return n
}

// Serve blocks servicing inbound associations until Shutdown.
func (n *Node) Serve() error {
	addr := fmt.Sprintf(":%d", n.cfg.ListenPort)
	n.log.Info("listening", "addr", addr, "ae_title", n.cfg.LocalAE)
	return n.server.Serve(addr)
}

// Shutdown stops the listening side. The pipeline is stopped by its owner.
func (n *Node) Shutdown() {
	n.server.Shutdown()
}

// AbortQuery raises the query abort flag; the streaming loop tears the
// association down at the next response boundary.
func (n *Node) AbortQuery() { n.queryAbort.Store(true) }

// AbortMove cancels pending bulk retrieval work.
func (n *Node) AbortMove() { n.moveAbort.Store(true) }

// AbortExport cancels pending bulk export work.
func (n *Node) AbortExport() { n.exportAbort.Store(true) }

// ResetAborts clears all abort flags before a new batch operation.
func (n *Node) ResetAborts() {
	n.queryAbort.Store(false)
	n.moveAbort.Store(false)
	n.exportAbort.Store(false)
}

// handleStore is the SCP ingest path. Anonymization failures are handled
// downstream, so the peer sees success once the dataset is handed off.
func (n *Node) handleStore(callingAE, sopClassUID, sopInstanceUID, transferSyntax string, data []byte) uint16 {
	time.Sleep(n.cfg.StoreDelay)
	n.memoryBackoff()

	source := fmt.Sprintf("scu:%s/%s", callingAE, sopInstanceUID)

	data = dicomfile.StripStrayMeta(data)
	raw := append(dicomfile.BuildFileMeta(dicomfile.FileMeta{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: transferSyntax,
	}), data...)

	ds, err := dicomfile.FromBytes(raw)
	if err != nil {
		n.log.Warn("inbound dataset unreadable", "source", source, "error", err)
		n.led.IncQuarantined()
		if qerr := n.quar.PutBytes(source, raw, pipeline.CategoryReadError, err.Error()); qerr != nil {
			n.log.Error("could not quarantine inbound dataset", "source", source, "error", qerr)
		}
		return dimse.StatusSuccess
	}

	if ds.SOPInstanceUID() == "" || ds.StudyUID() == "" || ds.SeriesUID() == "" {
		n.log.Warn("inbound dataset missing identifiers", "source", source)
		n.led.IncQuarantined()
		if qerr := n.quar.PutBytes(source, raw, pipeline.CategoryMissingAttributes, "missing identifiers"); qerr != nil {
			n.log.Error("could not quarantine inbound dataset", "source", source, "error", qerr)
		}
		return dimse.StatusSuccess
	}

	if n.led.KnownInstance(ds.SOPInstanceUID()) {
		return dimse.StatusSuccess
	}

	n.pipe.Enqueue(source, ds)
	return dimse.StatusSuccess
}

// memoryBackoff delays ingest while system free memory sits under the
// configured floor. Coarse admission control against unbounded queues.
func (n *Node) memoryBackoff() {
	for i := 0; i < lowMemoryRetries; i++ {
		vm, err := mem.VirtualMemory()
		if err != nil || vm.Available >= n.cfg.LowMemoryBytes {
			return
		}
		n.log.Warn("low memory, delaying ingest", "available", vm.Available)
		time.Sleep(n.cfg.LowMemoryBackoff)
	}
}

// Echo verifies connectivity to a configured remote.
func (n *Node) Echo(remoteName string) error {
	remote, err := n.remote(remoteName)
	if err != nil {
		return err
	}
	a, err := n.connect(remote, []dimse.PresContext{{
		ID:               1,
		AbstractSyntax:   dimse.VerificationSOPClass,
		TransferSyntaxes: dimse.DefaultTransferSyntaxes,
	}})
	if err != nil {
		return err
	}
	defer a.Release()
	return a.Echo()
}

func (n *Node) remote(name string) (config.RemoteNode, error) {
	r, ok := n.cfg.Remotes[name]
	if !ok {
		return config.RemoteNode{}, fmt.Errorf("unknown remote %q", name)
	}
	return r, nil
}

func (n *Node) connect(remote config.RemoteNode, contexts []dimse.PresContext) (*dimse.Assoc, error) {
	addr := fmt.Sprintf("%s:%d", remote.Host, remote.Port)
	return dimse.Connect(addr, dimse.ConnectOptions{
		CallingAE:      n.cfg.LocalAE,
		CalledAE:       remote.CalledAE,
		PresContexts:   contexts,
		ConnectTimeout: n.cfg.ConnectTimeout,
		MessageTimeout: n.cfg.MessageTimeout,
	})
}

// queryContexts proposes find and move in implicit VR little endian only:
// identifiers and their matches are encoded as dimse.Object, which speaks
// no other syntax.
func queryContexts() []dimse.PresContext {
	return []dimse.PresContext{
		{ID: 1, AbstractSyntax: dimse.StudyRootQueryRetrieveFind, TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian}},
		{ID: 3, AbstractSyntax: dimse.StudyRootQueryRetrieveMove, TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian}},
	}
}

// storageTransferSyntaxes is the configured list plus the defaults.
func (n *Node) storageTransferSyntaxes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ts := range append(append([]string{}, n.cfg.TransferSyntaxes...), dimse.DefaultTransferSyntaxes...) {
		if !seen[ts] {
			seen[ts] = true
			out = append(out, ts)
		}
	}
	return out
}
