package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"dicom-gateway/internal/dimse"
)

// RetrieveLevel selects the move granularity.
type RetrieveLevel int

const (
	LevelStudy RetrieveLevel = iota
	LevelSeries
	LevelInstance
)

func (l RetrieveLevel) String() string {
	switch l {
	case LevelStudy:
		return "study"
	case LevelSeries:
		return "series"
	case LevelInstance:
		return "instance"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

const movePollInterval = time.Second

// TimeoutError reports a retrieval whose ledger-confirmed stored count
// stopped progressing before reaching the target. The caller may retry at
// a coarser or finer granularity.
type TimeoutError struct {
	Scope  string
	Stored int
	Target int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retrieval of %s stalled at %d of %d instances", e.Scope, e.Stored, e.Target)
}

// Retrieve moves one study from the remote to this node at the given
// granularity. Completion is decided solely by the identity ledger's
// stored counts; the remote's sub-operation counters are merged into the
// hierarchy for visibility only.
func (n *Node) Retrieve(remoteName string, h *StudyHierarchy, level RetrieveLevel) error {
	remote, err := n.remote(remoteName)
	if err != nil {
		return err
	}
	a, err := n.connect(remote, queryContexts())
	if err != nil {
		return err
	}
	aborted := false
	defer func() {
		if !aborted {
			a.Release()
		}
	}()

	n.led.SetStudyTarget(h.StudyUID, h.InstanceTarget())

	switch level {
	case LevelStudy:
		identifier := moveIdentifier("STUDY", h.StudyUID, "", "")
		err := n.moveAndAwait(a, h, identifier, h.StudyUID, h.InstanceTarget(), func() int {
			return n.led.StudyStoredCount(h.StudyUID)
		})
		if errors.Is(err, ErrAborted) || isConnErr(err) {
			aborted = true
			a.Abort()
		}
		return err

	case LevelSeries:
		var failures []error
		for _, s := range h.Series {
			if s.InstanceCount == 0 || n.led.SeriesStoredCount(s.SeriesUID) >= s.InstanceCount {
				continue
			}
			if n.moveAbort.Load() {
				aborted = true
				a.Abort()
				return ErrAborted
			}
			identifier := moveIdentifier("SERIES", h.StudyUID, s.SeriesUID, "")
			target := s.InstanceCount
			uid := s.SeriesUID
			err := n.moveAndAwait(a, h, identifier, uid, target, func() int {
				return n.led.SeriesStoredCount(uid)
			})
			if err != nil {
				if errors.Is(err, ErrAborted) || isConnErr(err) {
					aborted = true
					a.Abort()
					return err
				}
				// One bad series never aborts the study.
				failures = append(failures, err)
			}
		}
		return errors.Join(failures...)

	case LevelInstance:
		var failures []error
		for _, s := range h.Series {
			if len(s.InstanceUIDs) == 0 && s.InstanceCount > 0 {
				return fmt.Errorf("series %s has no instance list; rediscover with instance detail", s.SeriesUID)
			}
			for _, sop := range s.InstanceUIDs {
				if n.led.KnownInstance(sop) {
					continue
				}
				if n.moveAbort.Load() {
					aborted = true
					a.Abort()
					return ErrAborted
				}
				identifier := moveIdentifier("IMAGE", h.StudyUID, s.SeriesUID, sop)
				uid := sop
				err := n.moveAndAwait(a, h, identifier, uid, 1, func() int {
					if n.led.KnownInstance(uid) {
						return 1
					}
					return 0
				})
				if err != nil {
					if errors.Is(err, ErrAborted) || isConnErr(err) {
						aborted = true
						a.Abort()
						return err
					}
					failures = append(failures, err)
				}
			}
		}
		return errors.Join(failures...)
	}
	return fmt.Errorf("unknown retrieve level %v", level)
}

func moveIdentifier(level, studyUID, seriesUID, sopUID string) *dimse.Object {
	o := &dimse.Object{}
	o.SetString(0x0008, tagQueryRetrieveLevel, level)
	o.SetString(0x0020, tagStudyInstanceUID, studyUID)
	if seriesUID != "" {
		o.SetString(0x0020, tagSeriesInstanceUID, seriesUID)
	}
	if sopUID != "" {
		o.SetString(0x0008, tagSOPInstanceUID, sopUID)
	}
	return o
}

// moveAndAwait issues one move and polls the ledger until the stored
// count reaches target. The stall window resets on every observed
// increment; expiry with no progress is fatal for this item even when the
// remote already acknowledged every sub-operation.
func (n *Node) moveAndAwait(a *dimse.Assoc, h *StudyHierarchy, identifier *dimse.Object, scope string, target int, stored func() int) error {
	if target <= 0 {
		return nil
	}

	moveDone := make(chan error, 1)
	go func() {
		moveDone <- a.Move(n.cfg.LocalAE, identifier, func(rsp *dimse.Message) {
			if rsp.HasCounts {
				h.mergeCounts(rsp.Counts)
			}
		})
	}()

	return n.awaitStored(scope, target, stored, moveDone, a.Abort)
}

// awaitStored is the completion loop shared by every granularity: the
// move exchange runs concurrently while the ledger count is polled.
func (n *Node) awaitStored(scope string, target int, stored func() int, moveDone chan error, abort func()) error {
	last := stored()
	deadline := time.Now().Add(n.cfg.RetrieveStallTime)
	var moveErr error
	moveFinished := false

	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-moveDone:
			moveFinished = true
			moveErr = err
			moveDone = nil
		case <-ticker.C:
		}

		if n.moveAbort.Load() {
			if !moveFinished {
				abort()
				<-moveDone
			}
			return ErrAborted
		}

		count := stored()
		if count > last {
			last = count
			deadline = time.Now().Add(n.cfg.RetrieveStallTime)
		}
		if count >= target {
			if !moveFinished {
				// The remote is still reporting; let it finish within the
				// stall window before giving up on the association.
				select {
				case moveErr = <-moveDone:
				case <-time.After(n.cfg.RetrieveStallTime):
					abort()
					return &dimse.ConnectionError{Addr: scope, Err: fmt.Errorf("peer did not complete move exchange")}
				}
			}
			if moveErr != nil && !isConnErr(moveErr) {
				n.log.Warn("move reported failure after all instances stored", "scope", scope, "error", moveErr)
			}
			return nil
		}
		if moveFinished && moveErr != nil {
			// Move exchange failed with instances still missing.
			return moveErr
		}
		if time.Now().After(deadline) {
			if !moveFinished {
				abort()
				<-moveDone
			}
			return &TimeoutError{Scope: scope, Stored: count, Target: target}
		}
	}
}

func isConnErr(err error) bool {
	var ce *dimse.ConnectionError
	return errors.As(err, &ce)
}

// BatchResult summarizes a bulk retrieval or export.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// RetrieveStudies runs bulk retrieval across many studies through a
// bounded worker pool. Per-study failures are collected; only a caller
// abort stops the batch early.
func (n *Node) RetrieveStudies(remoteName string, hierarchies []*StudyHierarchy, level RetrieveLevel) BatchResult {
	n.moveAbort.Store(false)

	workers := n.cfg.MoveWorkers
	if workers > len(hierarchies) {
		workers = len(hierarchies)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan *StudyHierarchy)
	var mu sync.Mutex
	var res BatchResult
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range jobs {
				if n.moveAbort.Load() {
					return
				}
				err := n.Retrieve(remoteName, h, level)
				mu.Lock()
				if err != nil {
					res.Failed++
					res.Errors = append(res.Errors, fmt.Errorf("study %s: %w", h.StudyUID, err))
					n.log.Warn("study retrieval failed", "study_uid", h.StudyUID, "level", level.String(), "error", err)
				} else {
					res.Succeeded++
				}
				mu.Unlock()
			}
		}()
	}

	for _, h := range hierarchies {
		if n.moveAbort.Load() {
			break
		}
		jobs <- h
	}
	close(jobs)
	wg.Wait()
	return res
}
