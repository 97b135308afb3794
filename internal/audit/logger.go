package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audited failure: a quarantined dataset or a per-item
// network error, with enough context to locate the artifact later.
type Entry struct {
	Source    string
	Category  string
	Detail    string
	Timestamp time.Time
}

// Logger appends failure entries to a log file.
type Logger struct {
	mu      sync.Mutex
	logFile string
	entries []Entry
	file    *os.File
}

// NewLogger creates a failure audit logger.
func NewLogger(logFile string) (*Logger, error) {
	logger := &Logger{logFile: logFile}

	if logFile != "" {
		dir := filepath.Dir(logFile)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		logger.file = file
	}
	return logger, nil
}

// Record appends one failure entry.
func (l *Logger) Record(source, category, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Source:    source,
		Category:  category,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	l.entries = append(l.entries, entry)

	if l.file != nil {
		line := fmt.Sprintf("%s | %s | %s | %s\n",
			entry.Timestamp.Format(time.RFC3339),
			category,
			source,
			detail)
		l.file.WriteString(line)
	}
}

// Summary returns a summary of recorded failures.
func (l *Logger) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return "No failures"
	}
	return fmt.Sprintf("%d failures logged to %s", len(l.entries), l.logFile)
}

// Count returns the number of recorded failures.
func (l *Logger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
