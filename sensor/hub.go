package sensor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
)

// Metrics holds Prometheus metrics for the sensor hub
type Metrics struct {
	framesTotal   *prometheus.CounterVec
	captureErrors *prometheus.CounterVec
	frameAge      *prometheus.GaugeVec
}

// NewMetrics creates and registers sensor hub metrics.
// Returns nil when registry is nil.
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "frames_total",
			Help:      "Total frames captured per source",
		}, []string{"source"}),

		captureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "capture_errors_total",
			Help:      "Total capture failures per source",
		}, []string{"source"}),

		frameAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "frame_age_seconds",
			Help:      "Age of the latest frame per source",
		}, []string{"source"}),
	}

	registry.MustRegister(m.framesTotal, m.captureErrors, m.frameAge)
	return m
}

// sourceLoop couples one source with its capture cadence
type sourceLoop struct {
	source   Source
	interval time.Duration
}

// Hub runs one capture goroutine per source and keeps only the latest frame
// from each. New frames are handed to the sink callback; consumers that fall
// behind are the sink's problem, never the hub's.
type Hub struct {
	loops   []sourceLoop
	sink    func(Frame)
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	latest map[string]Frame

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHub creates a hub over the given sources. sink is invoked from each
// source's own goroutine as frames arrive; it must be safe for concurrent
// use and must not block.
func NewHub(sink func(Frame), logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(Frame) {}
	}
	return &Hub{
		sink:    sink,
		logger:  logger.With("component", "sensorhub"),
		metrics: metrics,
		latest:  make(map[string]Frame),
	}
}

// AddSource registers a source and its capture interval. Must be called
// before Start.
func (h *Hub) AddSource(src Source, interval time.Duration) error {
	if h.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Hub", "AddSource", "add "+src.Name())
	}
	for _, loop := range h.loops {
		if loop.source.Name() == src.Name() {
			return errors.WrapFatal(errors.ErrDuplicateName, "Hub", "AddSource", "add "+src.Name())
		}
	}
	h.loops = append(h.loops, sourceLoop{source: src, interval: interval})
	return nil
}

// Names returns the registered source names in registration order
func (h *Hub) Names() []string {
	names := make([]string, len(h.loops))
	for i, loop := range h.loops {
		names[i] = loop.source.Name()
	}
	return names
}

// Start launches one capture loop per source
func (h *Hub) Start(ctx context.Context) error {
	if h.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Hub", "Start", "start")
	}
	h.started = true

	ctx, h.cancel = context.WithCancel(ctx)
	for _, loop := range h.loops {
		h.wg.Add(1)
		go h.run(ctx, loop)
	}
	h.logger.Info("capture loops started", "sources", len(h.loops))
	return nil
}

func (h *Hub) run(ctx context.Context, loop sourceLoop) {
	defer h.wg.Done()

	name := loop.source.Name()
	logger := h.logger.With("source", name)
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := loop.source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("capture failed", "error", err)
			if h.metrics != nil {
				h.metrics.captureErrors.WithLabelValues(name).Inc()
			}
			continue
		}

		seq++
		frame := Frame{Source: name, Seq: seq, Captured: time.Now(), Payload: payload}

		h.mu.Lock()
		h.latest[name] = frame
		h.mu.Unlock()

		if h.metrics != nil {
			h.metrics.framesTotal.WithLabelValues(name).Inc()
			h.metrics.frameAge.WithLabelValues(name).Set(0)
		}
		h.sink(frame)
	}
}

// Latest returns the most recent frame from the named source
func (h *Hub) Latest(source string) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	frame, ok := h.latest[source]
	return frame, ok
}

// Temperature returns the newest temperature reading from the first source
// that provides one. ok is false when no thermal source is configured or
// none has captured yet.
func (h *Hub) Temperature() (float64, bool) {
	for _, loop := range h.loops {
		if ts, ok := loop.source.(TemperatureSource); ok {
			if temp, seen := ts.Temperature(); seen {
				return temp, true
			}
		}
	}
	return 0, false
}

// Stop cancels all capture loops, waits for them to exit, and closes the
// sources.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	for _, loop := range h.loops {
		if err := loop.source.Close(); err != nil {
			h.logger.Warn("source close failed", "source", loop.source.Name(), "error", err)
		}
	}
	h.logger.Info("capture loops stopped")
}
