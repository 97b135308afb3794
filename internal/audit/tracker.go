package audit

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ImportStatus is the bulk-import outcome for one source file.
type ImportStatus string

const (
	StatusStored      ImportStatus = "stored"
	StatusQuarantined ImportStatus = "quarantined"
)

// ImportEntry records the outcome of importing one file, keyed by a cheap
// size+mtime hash so unchanged files can be skipped on a re-run.
type ImportEntry struct {
	Status    ImportStatus `json:"status"`
	Hash      string       `json:"hash"`
	Output    string       `json:"output,omitempty"`
	Category  string       `json:"category,omitempty"`
	Timestamp string       `json:"timestamp"`
}

type trackerData struct {
	Files   map[string]*ImportEntry `json:"files"`
	Updated string                  `json:"updated"`
	Summary struct {
		Stored      int `json:"stored"`
		Quarantined int `json:"quarantined"`
		Total       int `json:"total"`
	} `json:"summary"`
}

// ImportTracker makes bulk file imports resumable.
type ImportTracker struct {
	mu        sync.Mutex
	trackFile string
	processed map[string]*ImportEntry
}

// NewImportTracker creates a tracker, loading prior state if present.
func NewImportTracker(trackFile string) *ImportTracker {
	t := &ImportTracker{
		trackFile: trackFile,
		processed: make(map[string]*ImportEntry),
	}
	if trackFile != "" {
		t.load()
	}
	return t
}

func (t *ImportTracker) load() {
	data, err := os.ReadFile(t.trackFile)
	if err != nil {
		return // Start fresh.
	}

	var td trackerData
	if err := json.Unmarshal(data, &td); err != nil {
		return
	}
	t.processed = td.Files
	if t.processed == nil {
		t.processed = make(map[string]*ImportEntry)
	}
}

func (t *ImportTracker) save() {
	if t.trackFile == "" {
		return
	}

	td := trackerData{
		Files:   t.processed,
		Updated: time.Now().Format(time.RFC3339),
	}
	td.Summary.Stored = t.countStatus(StatusStored)
	td.Summary.Quarantined = t.countStatus(StatusQuarantined)
	td.Summary.Total = len(t.processed)

	data, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(t.trackFile, data, 0644)
}

func (t *ImportTracker) countStatus(status ImportStatus) int {
	count := 0
	for _, entry := range t.processed {
		if entry.Status == status {
			count++
		}
	}
	return count
}

func fileHash(filePath string) string {
	info, err := os.Stat(filePath)
	if err != nil {
		return ""
	}
	hashInput := fmt.Sprintf("%d_%d", info.Size(), info.ModTime().Unix())
	hash := md5.Sum([]byte(hashInput))
	return fmt.Sprintf("%x", hash[:4])
}

// IsImported checks whether an unchanged file was already stored.
func (t *ImportTracker) IsImported(filePath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.processed[filePath]
	if !ok || entry.Status != StatusStored {
		return false
	}
	return entry.Hash == fileHash(filePath)
}

// MarkStored marks a file as imported and persisted.
func (t *ImportTracker) MarkStored(filePath, outputPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed[filePath] = &ImportEntry{
		Status:    StatusStored,
		Hash:      fileHash(filePath),
		Output:    outputPath,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	t.save()
}

// MarkQuarantined marks a file as quarantined under a category.
func (t *ImportTracker) MarkQuarantined(filePath, category string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed[filePath] = &ImportEntry{
		Status:    StatusQuarantined,
		Hash:      fileHash(filePath),
		Category:  category,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	t.save()
}

// ClearQuarantined removes quarantined entries so they retry on re-run.
func (t *ImportTracker) ClearQuarantined() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for key, entry := range t.processed {
		if entry.Status == StatusQuarantined {
			delete(t.processed, key)
			count++
		}
	}
	if count > 0 {
		t.save()
	}
	return count
}

// Stats returns stored and quarantined counts.
func (t *ImportTracker) Stats() (stored, quarantined int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countStatus(StatusStored), t.countStatus(StatusQuarantined)
}
