// Package pipeline processes fired alerts through the fixed stage order:
// dedup → throttle → enrich → journal → toast. Alerts from different samplers
// interleave freely; the shared dedup and throttle state is guarded here.
package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vigil/vigil/internal/event"
)

// Journal is the append-only JSONL alert log: one self-contained alert per
// line. The file is opened once with O_APPEND and kept open; a mutex
// serialises writers so lines never interleave.
type Journal struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (or creates) the journal at path, creating parent
// directories as needed.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: creating journal directory %q: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pipeline: opening journal %q: %w", path, err)
	}
	return &Journal{path: path, logger: logger, file: file}, nil
}

// Write appends one alert as a single JSON line.
func (j *Journal) Write(alert event.Alert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("pipeline: encoding alert %s: %w", alert.ID, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("pipeline: appending to journal %q: %w", j.path, err)
	}
	j.logger.Debug("alert journaled", slog.String("alert", alert.ID))
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
