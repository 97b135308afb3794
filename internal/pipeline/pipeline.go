package pipeline

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/ledger"
)

// ScrubFunc is the opaque pixel-PHI scrubbing collaborator. It is invoked
// asynchronously with the path of a persisted file; its failures never
// touch the ledger.
type ScrubFunc func(path string)

const workQueueCap = 128

type job struct {
	source string
	ds     *dicomfile.Dataset
	stop   bool
}

// Pipeline turns one source dataset into one anonymized, persisted file,
// or quarantines it; synchronously for local import, asynchronously for
// network ingest, under bounded concurrency.
type Pipeline struct {
	cfg *config.Config
	led *ledger.Ledger
	q   *Quarantine
	log *slog.Logger

	work    chan job
	scrub   chan string
	workers int

	wg      sync.WaitGroup
	scrubWG sync.WaitGroup
}

// Options configures a pipeline.
type Options struct {
	Config     *config.Config
	Ledger     *ledger.Ledger
	Quarantine *Quarantine
	Workers    int
	Scrub      ScrubFunc // nil disables pixel scrubbing
	Logger     *slog.Logger
}

// New creates and starts a pipeline's worker pool.
func New(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		cfg:     opts.Config,
		led:     opts.Ledger,
		q:       opts.Quarantine,
		log:     opts.Logger,
		work:    make(chan job, workQueueCap),
		workers: opts.Workers,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	if opts.Scrub != nil {
		p.scrub = make(chan string, workQueueCap)
		p.scrubWG.Add(1)
		go p.scrubWorker(opts.Scrub)
	}
	return p
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for j := range p.work {
		if j.stop {
			return
		}
		if _, err := p.Anonymize(j.source, j.ds); err != nil && !errors.Is(err, ErrAlreadyStored) {
			p.log.Warn("dataset quarantined", "source", j.source, "error", err)
		}
	}
}

func (p *Pipeline) scrubWorker(scrub ScrubFunc) {
	defer p.scrubWG.Done()
	for path := range p.scrub {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("pixel scrub panicked", "path", path, "panic", r)
				}
			}()
			scrub(path)
		}()
	}
}

// Enqueue hands a dataset to the async path. Blocks when the bounded
// queue is full.
func (p *Pipeline) Enqueue(source string, ds *dicomfile.Dataset) {
	p.work <- job{source: source, ds: ds}
}

// Stop drains the queue and joins the workers: one sentinel per worker is
// enqueued behind the pending jobs, so everything enqueued before Stop is
// processed before any worker exits.
func (p *Pipeline) Stop() {
	for i := 0; i < p.workers; i++ {
		p.work <- job{stop: true}
	}
	p.wg.Wait()

	if p.scrub != nil {
		close(p.scrub)
		p.scrubWG.Wait()
	}
}

// QueueDepths returns the dataset and pixel-scrub queue depths.
func (p *Pipeline) QueueDepths() (int, int) {
	scrubDepth := 0
	if p.scrub != nil {
		scrubDepth = len(p.scrub)
	}
	return len(p.work), scrubDepth
}

// Idle reports whether both queues are empty.
func (p *Pipeline) Idle() bool {
	datasets, scrubs := p.QueueDepths()
	return datasets == 0 && scrubs == 0
}

// Anonymize runs the synchronous transform: validate, deduplicate, check
// the storage class, capture identity, apply the tag script and persist.
// It returns the stored path, or a typed error after quarantining.
func (p *Pipeline) Anonymize(source string, ds *dicomfile.Dataset) (string, error) {
	// Validation: the fixed identifier set must be present before the
	// ledger is touched.
	var missing []string
	if ds.StudyUID() == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if ds.SeriesUID() == "" {
		missing = append(missing, "SeriesInstanceUID")
	}
	if ds.SOPInstanceUID() == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	if ds.SOPClassUID() == "" {
		missing = append(missing, "SOPClassUID")
	}
	if len(missing) > 0 {
		err := &MissingAttributesError{Missing: missing}
		p.quarantineDataset(source, ds, CategoryMissingAttributes, err)
		return "", err
	}

	// Idempotent re-delivery.
	if p.led.KnownInstance(ds.SOPInstanceUID()) {
		return "", ErrAlreadyStored
	}

	if !p.cfg.AcceptsStorageClass(ds.SOPClassUID()) {
		err := &InvalidStorageClassError{SOPClassUID: ds.SOPClassUID()}
		p.quarantineDataset(source, ds, CategoryStorageClass, err)
		return "", err
	}

	studyUID := ds.StudyUID()
	seriesUID := ds.SeriesUID()
	sopUID := ds.SOPInstanceUID()

	capture, err := p.led.Capture(source, ds)
	if err != nil {
		p.quarantineDataset(source, ds, CategoryCaptureError, err)
		return "", err
	}

	// The transform rewrites the dataset's own identifiers, so the output
	// path is derived from the real UIDs captured above.
	outPath := p.outputPath(capture.AnonPatientID, studyUID, seriesUID, sopUID)

	p.led.ApplyRules(ds, capture.RealPatientID, capture.AnonPatientID, capture.AnonAccession)

	if err := ds.Save(outPath); err != nil {
		// Identity capture is the only side effect allowed to precede a
		// failure; undo it so no identity dangles without a file.
		p.led.RollbackInstance(seriesUID, sopUID)
		serr := &StorageError{Path: outPath, Err: err}
		p.quarantineDataset(source, ds, CategoryStorageError, serr)
		return "", serr
	}

	if p.scrub != nil {
		p.scrub <- outPath
	}
	return outPath, nil
}

// AnonymizeFile reads a file from disk and runs the synchronous
// transform. Used by local bulk import.
func (p *Pipeline) AnonymizeFile(path string) (string, error) {
	if !dicomfile.HasDicomMagicBytes(path) {
		err := &InvalidFileError{Path: path}
		p.quarantineFile(path, CategoryInvalid, err)
		return "", err
	}

	ds, err := dicomfile.ReadFile(path)
	if err != nil {
		rerr := &ReadError{Path: path, Err: err}
		p.quarantineFile(path, CategoryReadError, rerr)
		return "", rerr
	}
	return p.Anonymize(path, ds)
}

// outputPath is deterministic: anonymized identifiers at every level.
func (p *Pipeline) outputPath(anonPID, studyUID, seriesUID, sopUID string) string {
	anonStudy, _ := p.led.AnonUID(studyUID)
	anonSeries, _ := p.led.AnonUID(seriesUID)
	anonInstance, _ := p.led.AnonUID(sopUID)
	return filepath.Join(p.cfg.StorageDir, anonPID, anonStudy, anonSeries, anonInstance+".dcm")
}

func (p *Pipeline) quarantineDataset(source string, ds *dicomfile.Dataset, category string, cause error) {
	p.led.IncQuarantined()
	if err := p.q.PutDataset(source, ds, category, cause.Error()); err != nil {
		p.log.Error("could not quarantine dataset", "source", source, "error", err)
	}
}

func (p *Pipeline) quarantineFile(path, category string, cause error) {
	p.led.IncQuarantined()
	if err := p.q.PutFile(path, category, cause.Error()); err != nil {
		p.log.Error("could not quarantine file", "path", path, "error", err)
	}
}
