package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"dicom-gateway/internal/audit"
	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/ledger"
	"dicom-gateway/internal/node"
	"dicom-gateway/internal/objectstore"
	"dicom-gateway/internal/pipeline"
	"dicom-gateway/internal/script"
)

// Options holds CLI configuration options
type Options struct {
	ConfigFile string
	Command    string
	Args       []string

	Remote        string
	Level         string
	Recursive     bool
	WithInstances bool
	ObjectStore   bool

	PatientName string
	PatientID   string
	StudyDate   string
	Modality    string
	Accessions  string

	Logger *slog.Logger
}

// Run executes one gateway command against an opened project.
func Run(opts Options) error {
	if opts.ConfigFile == "" {
		return fmt.Errorf("config file is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	proj, err := openProject(opts.ConfigFile, opts.Logger)
	if err != nil {
		return err
	}
	defer proj.close()

	switch opts.Command {
	case "serve":
		return proj.serve()
	case "import":
		if len(opts.Args) != 1 {
			return fmt.Errorf("import needs exactly one input path")
		}
		return proj.importFiles(opts.Args[0], opts.Recursive)
	case "echo":
		return proj.echo(opts.Remote)
	case "query":
		return proj.query(opts.Remote, queryFilter(opts))
	case "retrieve":
		return proj.retrieve(opts.Remote, queryFilter(opts), opts.Level, opts.WithInstances)
	case "export":
		return proj.export(opts.Remote, opts.Args, opts.ObjectStore)
	case "totals":
		proj.printTotals()
		return nil
	default:
		return fmt.Errorf("unknown command %q", opts.Command)
	}
}

// project wires the core components for the lifetime of one command.
type project struct {
	cfg   *config.Config
	led   *ledger.Ledger
	pipe  *pipeline.Pipeline
	node  *node.Node
	audit *audit.Logger
	track *audit.ImportTracker
	log   *slog.Logger
}

func openProject(configFile string, log *slog.Logger) (*project, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	rules, err := script.Load(cfg.ScriptFile)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(filepath.Join(cfg.QuarantineDir, "quarantine.log"))
	if err != nil {
		return nil, err
	}

	led, err := ledger.New(ledger.Options{
		Site:       cfg.SiteID,
		UIDRoot:    cfg.UIDRoot,
		Path:       cfg.LedgerFile,
		Rules:      rules,
		ShiftDates: cfg.ShiftDates,
		Logger:     log,
	})
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	quar := pipeline.NewQuarantine(cfg.QuarantineDir, auditLog)

	var scrub pipeline.ScrubFunc
	if cfg.ScrubPixels {
		// The OCR pixel scrubber is an external collaborator; absent a
		// wired binary the hook only records the queue traffic.
		scrub = func(path string) {
			log.Debug("pixel scrub requested", "path", path)
		}
	}

	pipe := pipeline.New(pipeline.Options{
		Config:     cfg,
		Ledger:     led,
		Quarantine: quar,
		Workers:    cfg.AnonymizerWorkers,
		Scrub:      scrub,
		Logger:     log,
	})

	track := audit.NewImportTracker(filepath.Join(filepath.Dir(cfg.LedgerFile), "imported.json"))

	n := node.New(node.Options{
		Config:     cfg,
		Ledger:     led,
		Pipeline:   pipe,
		Quarantine: quar,
		Logger:     log,
	})

	return &project{cfg: cfg, led: led, pipe: pipe, node: n, audit: auditLog, track: track, log: log}, nil
}

func (p *project) close() {
	p.pipe.Stop()
	if err := p.led.Save(); err != nil {
		p.log.Error("could not save ledger", "error", err)
	}
	p.audit.Close()
}

// serve runs the listening application entity until interrupted.
func (p *project) serve() error {
	errc := make(chan error, 1)
	go func() { errc <- p.node.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sig:
		fmt.Println("\nShutting down...")
		p.node.Shutdown()
		return <-errc
	}
}

// importFiles runs the local bulk import with a progress bar, skipping
// files a previous run already handled.
func (p *project) importFiles(inputPath string, recursive bool) error {
	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("input path does not exist: %s", inputPath)
	}

	var files []string
	if info.IsDir() {
		files, err = dicomfile.FindFiles(inputPath, recursive)
		if err != nil {
			return err
		}
	} else {
		files = []string{inputPath}
	}

	printImportHeader(p.cfg, inputPath, len(files))

	pb := newProgressBar(50)
	var stored, skipped, failed int
	for i, f := range files {
		pb.update(i, len(files))

		if p.track.IsImported(f) {
			skipped++
			continue
		}

		outPath, err := p.pipe.AnonymizeFile(f)
		switch {
		case err == nil:
			p.track.MarkStored(f, outPath)
			stored++
		case pipeline.IsAlreadyStored(err):
			p.track.MarkStored(f, "")
			skipped++
		default:
			p.track.MarkQuarantined(f, pipeline.CategoryFor(err))
			failed++
		}
	}
	pb.update(len(files), len(files))
	fmt.Println()

	printImportSummary(stored, skipped, failed, p.led.Totals())
	return nil
}

func (p *project) echo(remote string) error {
	if err := p.node.Echo(remote); err != nil {
		return err
	}
	fmt.Printf("Echo to %q succeeded\n", remote)
	return nil
}

func queryFilter(opts Options) node.QueryFilter {
	f := node.QueryFilter{
		PatientName: opts.PatientName,
		PatientID:   opts.PatientID,
		StudyDate:   opts.StudyDate,
		Modality:    opts.Modality,
	}
	if opts.Accessions != "" {
		for _, acc := range strings.Split(opts.Accessions, ",") {
			if acc = strings.TrimSpace(acc); acc != "" {
				f.Accessions = append(f.Accessions, acc)
			}
		}
	}
	return f
}

func (p *project) query(remote string, filter node.QueryFilter) error {
	count := 0
	err := p.node.Query(remote, filter, func(r node.StudyResult) error {
		count++
		fmt.Printf("%-24s %-16s %-10s %-12s %5d  %s\n",
			r.PatientName, r.PatientID, r.StudyDate, r.Accession, r.InstanceCount, r.Description)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n%d matching studies\n", count)
	return nil
}

// retrieve queries the remote, then moves every matching study while the
// listening side ingests the inbound stores.
func (p *project) retrieve(remote string, filter node.QueryFilter, level string, withInstances bool) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- p.node.Serve() }()
	defer func() {
		p.node.Shutdown()
		<-errc
	}()

	var studyUIDs []string
	err = p.node.Query(remote, filter, func(r node.StudyResult) error {
		studyUIDs = append(studyUIDs, r.StudyUID)
		return nil
	})
	if err != nil {
		return err
	}
	if len(studyUIDs) == 0 {
		fmt.Println("No matching studies")
		return nil
	}

	var hierarchies []*node.StudyHierarchy
	for _, uid := range studyUIDs {
		h, err := p.node.DiscoverHierarchy(remote, uid, withInstances || lvl == node.LevelInstance)
		if err != nil {
			p.log.Warn("hierarchy discovery failed", "study_uid", uid, "error", err)
			continue
		}
		hierarchies = append(hierarchies, h)
	}

	fmt.Printf("Retrieving %d studies at %s level...\n", len(hierarchies), lvl)
	res := p.node.RetrieveStudies(remote, hierarchies, lvl)
	fmt.Printf("Complete: %d succeeded, %d failed\n", res.Succeeded, res.Failed)
	for _, e := range res.Errors {
		fmt.Printf("  %v\n", e)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d studies failed", res.Failed, len(hierarchies))
	}
	return nil
}

func parseLevel(s string) (node.RetrieveLevel, error) {
	switch strings.ToLower(s) {
	case "", "study":
		return node.LevelStudy, nil
	case "series":
		return node.LevelSeries, nil
	case "instance", "image":
		return node.LevelInstance, nil
	}
	return 0, fmt.Errorf("unknown retrieve level %q", s)
}

// export ships patients to the remote archive, or to the object store
// with -objectstore. No patient arguments means every patient.
func (p *project) export(remote string, patients []string, toObjectStore bool) error {
	if len(patients) == 0 {
		patients = p.led.PatientIDs()
	}
	if len(patients) == 0 {
		fmt.Println("Nothing to export")
		return nil
	}

	progress := func(pid string, sent, skipped int, err error) {
		if err != nil {
			fmt.Printf("%-16s FAILED: %v\n", pid, err)
			return
		}
		fmt.Printf("%-16s %d sent, %d already present\n", pid, sent, skipped)
	}

	var res node.BatchResult
	if toObjectStore {
		if p.cfg.ObjectStore == nil {
			return fmt.Errorf("object_store is not configured")
		}
		store, err := objectstore.New(p.cfg.ObjectStore, p.cfg.ProjectName, p.log)
		if err != nil {
			return err
		}
		res = p.node.ExportToObjectStore(context.Background(), store, patients, progress)
	} else {
		res = p.node.Export(remote, patients, progress)
	}

	fmt.Printf("\nExport complete: %d succeeded, %d failed\n", res.Succeeded, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d patients failed", res.Failed, len(patients))
	}
	return nil
}

func (p *project) printTotals() {
	t := p.led.Totals()
	fmt.Printf("Patients:    %d\n", t.Patients)
	fmt.Printf("Studies:     %d\n", t.Studies)
	fmt.Printf("Series:      %d\n", t.Series)
	fmt.Printf("Instances:   %d\n", t.Instances)
	fmt.Printf("Quarantined: %d\n", t.Quarantined)
}

func printImportHeader(cfg *config.Config, inputPath string, total int) {
	fmt.Println("DICOM Gateway - Import")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Input:     %s (%d files)\n", inputPath, total)
	fmt.Printf("Storage:   %s\n", cfg.StorageDir)
	fmt.Printf("Ledger:    %s\n", cfg.LedgerFile)
	fmt.Println()
}

func printImportSummary(stored, skipped, failed int, t ledger.Totals) {
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Complete! %d stored, %d skipped, %d quarantined\n", stored, skipped, failed)
	fmt.Printf("Totals:    %d patients, %d studies, %d series, %d instances\n",
		t.Patients, t.Studies, t.Series, t.Instances)
}

// progressBar represents a terminal progress bar
type progressBar struct {
	width int
}

// newProgressBar creates a new progress bar with specified width
func newProgressBar(width int) *progressBar {
	return &progressBar{width: width}
}

// update updates the progress bar display
func (pb *progressBar) update(current, total int) {
	if total == 0 {
		return
	}

	percent := float64(current) / float64(total)
	filled := int(percent * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}

	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)
	fmt.Printf("\r[%s] %3.0f%%  (%d/%d)", bar, percent*100, current, total)
}
