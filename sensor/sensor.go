// Package sensor captures frames from the station's cameras and thermal
// imager. Every source runs its own capture loop; a slow or failing source
// never delays the others. Only the most recent frame per source is kept.
package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/config"
	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// Frame is one capture from one source
type Frame struct {
	Source   string
	Seq      uint64
	Captured time.Time
	Payload  []byte
}

// Source produces frames on demand. Capture is called from a single
// goroutine per source and may block up to its capture interval.
type Source interface {
	Name() string
	Capture(ctx context.Context) ([]byte, error)
	Close() error
}

// TemperatureSource is implemented by sources that can report a target
// temperature, derived from their most recent capture.
type TemperatureSource interface {
	Temperature() (float64, bool)
}

// NewSource builds a source from its configuration. Supported kinds are
// "sim" (synthetic image frames), "thermal" / "thermal-sim" (synthetic
// frames plus a temperature reading), and "microscope" / "file" (re-reads a
// snapshot file on every capture, for camera gadgets that expose their
// latest image as a file).
func NewSource(cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "sim":
		return &simSource{name: cfg.Name}, nil
	case "thermal", "thermal-sim":
		return &thermalSimSource{simSource: simSource{name: cfg.Name}, base: 35}, nil
	case "microscope", "file":
		if cfg.Device == "" {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Source", "NewSource",
				"configure device for source "+cfg.Name)
		}
		return &fileSource{name: cfg.Name, path: cfg.Device}, nil
	default:
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Source", "NewSource",
			"recognize source kind "+cfg.Kind)
	}
}

// simSource emits small synthetic payloads with an embedded counter so tests
// can tell frames apart.
type simSource struct {
	name string
	seq  uint64
}

func (s *simSource) Name() string { return s.name }

func (s *simSource) Capture(_ context.Context) ([]byte, error) {
	s.seq++
	payload := make([]byte, 16)
	copy(payload, s.name)
	binary.BigEndian.PutUint64(payload[8:], s.seq)
	return payload, nil
}

func (s *simSource) Close() error { return nil }

// thermalSimSource adds a slowly oscillating temperature reading on top of
// the synthetic frames.
type thermalSimSource struct {
	simSource
	mu   sync.Mutex
	base float64
	last float64
	seen bool
}

func (s *thermalSimSource) Capture(ctx context.Context) ([]byte, error) {
	payload, err := s.simSource.Capture(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = s.base + 5*math.Sin(float64(s.seq)/10)
	s.seen = true
	s.mu.Unlock()
	return payload, nil
}

func (s *thermalSimSource) Temperature() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

// fileSource re-reads a snapshot file on every capture
type fileSource struct {
	name string
	path string
}

func (s *fileSource) Name() string { return s.name }

func (s *fileSource) Capture(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	return data, nil
}

func (s *fileSource) Close() error { return nil }
