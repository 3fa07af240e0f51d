// Package motion drives the station's 3-axis stage through a Marlin-style
// G-code controller. The Link is a strict one-command-in-flight channel: a
// command is sent, then the caller blocks until the controller acknowledges
// or the quiet window elapses. A timed-out motion is never retried; the
// caller must treat the stage position as untrusted until the next homing.
package motion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
)

// Response carries every report line the controller produced before its
// acknowledgement.
type Response struct {
	Lines []string
}

// Link is a point-to-point command channel to the motion controller.
// Implementations must serialize commands internally: a second SendAwait
// while one is in flight blocks until the first completes.
type Link interface {
	// SendAwait transmits one command line and blocks until the controller
	// acknowledges, the quiet window elapses (ErrLinkTimeout), or ctx is
	// cancelled. On timeout the link state is undefined until cleared.
	SendAwait(ctx context.Context, line string) (Response, error)

	// Clear drops any pending input from the controller.
	Clear() error

	// Close releases the underlying channel.
	Close() error
}

// Metrics holds Prometheus metrics for the motion link
type Metrics struct {
	commandsTotal *prometheus.CounterVec
	timeoutsTotal prometheus.Counter
	ackDuration   prometheus.Histogram
}

// NewMetrics creates and registers motion link metrics.
// Returns nil when registry is nil (nil input = nil feature pattern).
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "motion",
			Name:      "commands_total",
			Help:      "Total commands sent to the motion controller",
		}, []string{"result"}),

		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "motion",
			Name:      "link_timeouts_total",
			Help:      "Total motion link timeouts",
		}),

		ackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "motion",
			Name:      "ack_duration_seconds",
			Help:      "Time from command transmission to acknowledgement",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	registry.MustRegister(m.commandsTotal, m.timeoutsTotal, m.ackDuration)
	return m
}

func (m *Metrics) observe(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(result).Inc()
	if result == "timeout" {
		m.timeoutsTotal.Inc()
	}
	if result == "ok" {
		m.ackDuration.Observe(elapsed.Seconds())
	}
}

// Stage tracks the last acknowledged stage state on top of a Link and
// provides the motion primitives the orchestrator issues. Position is only
// ever updated from confirmed acknowledgements, never optimistically.
type Stage struct {
	link    Link
	home    Position
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	pos   Position
	homed bool
	stale bool
}

// NewStage creates a stage tracker over the given link. home is the position
// the controller reports after a full homing cycle.
func NewStage(link Link, home Position, logger *slog.Logger, metrics *Metrics) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		link:    link,
		home:    home,
		logger:  logger.With("component", "stage"),
		metrics: metrics,
		stale:   true, // untrusted until the first homing
	}
}

// Position returns the last acknowledged position
func (s *Stage) Position() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos
}

// Homed reports whether a homing cycle has completed since startup
func (s *Stage) Homed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.homed
}

// Stale reports whether the tracked position is untrusted (before first
// homing, or after a link failure)
func (s *Stage) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// HomeReference returns the configured post-homing reference position
func (s *Stage) HomeReference() Position {
	return s.home
}

func (s *Stage) send(ctx context.Context, line string) (Response, error) {
	start := time.Now()
	resp, err := s.link.SendAwait(ctx, line)
	if err != nil {
		result := "error"
		if errors.Is(err, errors.ErrLinkTimeout) {
			result = "timeout"
		}
		s.metrics.observe(result, time.Since(start))

		// A failed motion command leaves the stage somewhere between the
		// last ack and the target. Flag the position untrusted.
		s.mu.Lock()
		s.stale = true
		s.mu.Unlock()
		return resp, err
	}
	s.metrics.observe("ok", time.Since(start))
	return resp, nil
}

// Home runs a homing cycle for the selected axes. On acknowledgement the
// tracked position snaps to the home reference for those axes and the
// position becomes trusted again.
func (s *Stage) Home(ctx context.Context, axes Axes) error {
	if !axes.Any() {
		return nil
	}

	if err := s.link.Clear(); err != nil {
		return errors.WrapLink(err, "Stage", "Home", "clear input")
	}
	if _, err := s.send(ctx, CmdHome(axes)); err != nil {
		return err
	}

	s.mu.Lock()
	if axes.X {
		s.pos.X = s.home.X
	}
	if axes.Y {
		s.pos.Y = s.home.Y
	}
	if axes.Z {
		s.pos.Z = s.home.Z
	}
	if axes.X && axes.Y && axes.Z {
		s.homed = true
		s.stale = false
	}
	s.mu.Unlock()

	s.logger.Info("homing complete", "x", axes.X, "y", axes.Y, "z", axes.Z)
	return nil
}

// MoveAbsolute moves the stage to target and waits for motion to finish.
func (s *Stage) MoveAbsolute(ctx context.Context, feedRate float64, target Position) error {
	if _, err := s.send(ctx, CmdMove(feedRate, target)); err != nil {
		return err
	}
	if _, err := s.send(ctx, CmdWaitComplete()); err != nil {
		return err
	}

	s.mu.Lock()
	s.pos = target
	s.mu.Unlock()

	s.logger.Debug("move complete", "x", target.X, "y", target.Y, "z", target.Z)
	return nil
}

// MoveRelative offsets the stage by delta and waits for motion to finish.
// The controller is switched back to absolute mode even when the move fails.
func (s *Stage) MoveRelative(ctx context.Context, feedRate float64, delta Position) error {
	if _, err := s.send(ctx, CmdRelativeMode(true)); err != nil {
		return err
	}

	_, moveErr := s.send(ctx, CmdMove(feedRate, delta))
	if moveErr == nil {
		_, moveErr = s.send(ctx, CmdWaitComplete())
	}

	if _, err := s.send(ctx, CmdRelativeMode(false)); err != nil && moveErr == nil {
		moveErr = err
	}
	if moveErr != nil {
		return moveErr
	}

	s.mu.Lock()
	s.pos = s.pos.Add(delta)
	s.mu.Unlock()
	return nil
}

// QueryPosition asks the controller for its position report and syncs the
// tracked position to it.
func (s *Stage) QueryPosition(ctx context.Context) (Position, error) {
	resp, err := s.send(ctx, CmdQueryPosition())
	if err != nil {
		return Position{}, err
	}

	for _, line := range resp.Lines {
		if pos, ok := ParsePositionReport(line); ok {
			s.mu.Lock()
			s.pos = pos
			s.mu.Unlock()
			return pos, nil
		}
	}

	return Position{}, errors.WrapLink(errors.New("no position report in response"),
		"Stage", "QueryPosition", "parse report")
}

// EmergencyStop halts motion immediately. Further commands remain possible.
func (s *Stage) EmergencyStop(ctx context.Context) error {
	s.logger.Warn("emergency stop")
	if _, err := s.send(ctx, CmdEmergencyStop()); err != nil {
		return err
	}
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	return nil
}

// SetAcceleration sets the travel acceleration in mm/s/s
func (s *Stage) SetAcceleration(ctx context.Context, accel int) error {
	_, err := s.send(ctx, CmdAcceleration(accel))
	return err
}

// SetFanSpeed sets the target cooling fan speed (0-255)
func (s *Stage) SetFanSpeed(ctx context.Context, speed int) error {
	_, err := s.send(ctx, CmdFanSpeed(2, speed))
	return err
}

// MarkStale flags the tracked position untrusted until the next full homing
func (s *Stage) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// Close shuts down the underlying link
func (s *Stage) Close() error {
	return s.link.Close()
}
