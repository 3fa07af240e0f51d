// Package audit writes a per-run log file for every attack execution so a
// campaign can be reconstructed after the fact: which positions were hit,
// when cooling pauses happened, and how the run ended.
package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// Run is one attack execution's log file. Events are JSON lines.
type Run struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// NewRun opens a fresh log file named "<timestamp> - <attack>.log" in dir,
// creating dir if needed.
func NewRun(dir, attackName string, started time.Time) (*Run, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "Run", "NewRun", "create log directory")
	}

	name := started.Format("2006-01-02T15-04-05") + " - " + sanitize(attackName) + ".log"
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "Run", "NewRun", "create "+path)
	}

	r := &Run{
		path:   path,
		file:   file,
		logger: slog.New(slog.NewJSONHandler(file, nil)).With("attack", attackName),
	}
	r.Event("run_started", nil)
	return r, nil
}

// Path returns the log file's location
func (r *Run) Path() string { return r.path }

// Event appends one event record
func (r *Run) Event(event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}

	attrs := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.Info(event, attrs...)
}

// Close records the run's end and closes the file. outcome is one of
// "completed", "stopped", "failed", "torn_down".
func (r *Run) Close(outcome string) error {
	r.Event("run_ended", map[string]any{"outcome": outcome})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// sanitize strips path separators and other unsafe characters from an attack
// name before it becomes part of a filename.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
