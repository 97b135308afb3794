package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/dimse"
	"dicom-gateway/internal/objectstore"
)

// ExportProgress receives per-patient completion of a bulk export.
type ExportProgress func(anonPatientID string, sent, skipped int, err error)

// localFile is one stored anonymized instance, keyed for dedup by its
// study/series/instance path relative to the patient directory.
type localFile struct {
	path   string
	relKey string
}

// patientFiles enumerates a patient's anonymized files in deterministic
// order so association reuse groups files of the same series.
func (n *Node) patientFiles(anonPatientID string) ([]localFile, error) {
	root := filepath.Join(n.cfg.StorageDir, anonPatientID)
	var files []localFile
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, ".dcm") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: p, relKey: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not enumerate files for %s: %w", anonPatientID, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relKey < files[j].relKey })
	return files, nil
}

// Export ships the given patients to a remote archive through a bounded
// worker pool, skipping instances the destination already holds.
func (n *Node) Export(remoteName string, anonPatientIDs []string, progress ExportProgress) BatchResult {
	n.exportAbort.Store(false)
	remote, err := n.remote(remoteName)
	if err != nil {
		return BatchResult{Failed: len(anonPatientIDs), Errors: []error{err}}
	}
	return n.exportPool(anonPatientIDs, progress, func(pid string) (int, int, error) {
		return n.exportPatientToNode(remote, remoteName, pid)
	})
}

// ExportToObjectStore ships the given patients to the configured object
// store, skipping objects already present under each patient's prefix.
func (n *Node) ExportToObjectStore(ctx context.Context, store *objectstore.Store, anonPatientIDs []string, progress ExportProgress) BatchResult {
	n.exportAbort.Store(false)
	return n.exportPool(anonPatientIDs, progress, func(pid string) (int, int, error) {
		return n.exportPatientToObjectStore(ctx, store, pid)
	})
}

func (n *Node) exportPool(anonPatientIDs []string, progress ExportProgress, send func(string) (int, int, error)) BatchResult {
	workers := n.cfg.ExportWorkers
	if workers > len(anonPatientIDs) {
		workers = len(anonPatientIDs)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	var mu sync.Mutex
	var res BatchResult
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pid := range jobs {
				if n.exportAbort.Load() {
					return
				}
				sent, skipped, err := send(pid)
				mu.Lock()
				if err != nil {
					res.Failed++
					res.Errors = append(res.Errors, fmt.Errorf("patient %s: %w", pid, err))
					n.log.Warn("patient export failed", "patient", pid, "error", err)
				} else {
					res.Succeeded++
				}
				mu.Unlock()
				if progress != nil {
					progress(pid, sent, skipped, err)
				}
			}
		}()
	}

	for _, pid := range anonPatientIDs {
		if n.exportAbort.Load() {
			break
		}
		jobs <- pid
	}
	close(jobs)
	wg.Wait()
	return res
}

// exportPatientToNode sends one patient's files over DIMSE. The
// association is re-established whenever the SOP class or transfer
// syntax changes from the previous file, since its presentation context
// was negotiated for exactly that pair.
func (n *Node) exportPatientToNode(remote config.RemoteNode, remoteName, anonPatientID string) (sent, skipped int, err error) {
	files, err := n.patientFiles(anonPatientID)
	if err != nil {
		return 0, 0, err
	}

	present, err := n.remoteInstances(remoteName, files)
	if err != nil {
		return 0, 0, err
	}

	var a *dimse.Assoc
	var curClass, curSyntax string
	defer func() {
		if a != nil {
			a.Release()
		}
	}()

	var failures []error
	for _, f := range files {
		if n.exportAbort.Load() {
			if a != nil {
				a.Abort()
				a = nil
			}
			return sent, skipped, ErrAborted
		}

		raw, err := os.ReadFile(f.path)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", f.relKey, err))
			continue
		}
		meta, dataset, err := dicomfile.SplitFileMeta(raw)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", f.relKey, err))
			continue
		}
		if present[meta.SOPInstanceUID] {
			skipped++
			continue
		}

		if a == nil || meta.SOPClassUID != curClass || meta.TransferSyntax != curSyntax {
			if a != nil {
				a.Release()
				a = nil
			}
			a, err = n.connect(remote, []dimse.PresContext{{
				ID:               1,
				AbstractSyntax:   meta.SOPClassUID,
				TransferSyntaxes: []string{meta.TransferSyntax},
			}})
			if err != nil {
				return sent, skipped, err
			}
			curClass, curSyntax = meta.SOPClassUID, meta.TransferSyntax
		}

		if err := a.Store(meta.SOPClassUID, meta.SOPInstanceUID, meta.TransferSyntax, dataset); err != nil {
			if isConnErr(err) {
				a.Abort()
				a = nil
				return sent, skipped, err
			}
			failures = append(failures, fmt.Errorf("%s: %w", f.relKey, err))
			continue
		}
		sent++
	}

	if len(failures) > 0 {
		return sent, skipped, fmt.Errorf("%d of %d files failed, first: %w", len(failures), len(files), failures[0])
	}
	return sent, skipped, nil
}

// remoteInstances queries the destination for the instances it already
// holds across the studies about to be sent.
func (n *Node) remoteInstances(remoteName string, files []localFile) (map[string]bool, error) {
	studies := make(map[string]bool)
	for _, f := range files {
		parts := strings.SplitN(f.relKey, "/", 2)
		if len(parts) > 0 && parts[0] != "" {
			studies[parts[0]] = true
		}
	}

	present := make(map[string]bool)
	for studyUID := range studies {
		h, err := n.DiscoverHierarchy(remoteName, studyUID, true)
		if err != nil {
			// A study the destination has never seen yields no matches, not
			// an error; real failures stop the export before any send.
			return nil, err
		}
		for _, s := range h.Series {
			for _, sop := range s.InstanceUIDs {
				present[sop] = true
			}
		}
	}
	return present, nil
}

// exportPatientToObjectStore uploads one patient's files, skipping keys
// the bucket already holds.
func (n *Node) exportPatientToObjectStore(ctx context.Context, store *objectstore.Store, anonPatientID string) (sent, skipped int, err error) {
	files, err := n.patientFiles(anonPatientID)
	if err != nil {
		return 0, 0, err
	}
	present, err := store.ListPatient(ctx, anonPatientID)
	if err != nil {
		return 0, 0, err
	}

	var failures []error
	for _, f := range files {
		if n.exportAbort.Load() {
			return sent, skipped, ErrAborted
		}
		if present[f.relKey] {
			skipped++
			continue
		}
		if err := store.PutFile(ctx, anonPatientID, f.relKey, f.path); err != nil {
			failures = append(failures, err)
			continue
		}
		sent++
	}
	if len(failures) > 0 {
		return sent, skipped, fmt.Errorf("%d of %d uploads failed, first: %w", len(failures), len(files), failures[0])
	}
	return sent, skipped, nil
}
