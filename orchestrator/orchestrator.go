// Package orchestrator owns the station's mode, stage position, and safe-Z
// floor. One goroutine runs the command loop; it is the only writer on the
// motion link. Every request, whether from an operator session or a running
// attack, enters the same FIFO queue and is checked against the current mode
// and the safe-Z predicate before anything reaches the hardware.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/attack"
	"github.com/fgsect/EM-Fault-It-Yourself/audit"
	"github.com/fgsect/EM-Fault-It-Yourself/bus"
	"github.com/fgsect/EM-Fault-It-Yourself/config"
	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
	"github.com/fgsect/EM-Fault-It-Yourself/sensor"
)

// Mode is the orchestrator's exclusive operating mode
type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeHoming       Mode = "homing"
	ModeStepping     Mode = "stepping"
	ModeAbsoluteMove Mode = "absolute_move"
	ModeJoystick     Mode = "joystick"
	ModeAttack       Mode = "attack"
)

// Progress is a running attack's reported work state
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// JoystickSettings are the parameters latched by enableJoystick
type JoystickSettings struct {
	Speed float64 `json:"speed"`
	Step  float64 `json:"step"`
}

// StateSnapshot is an immutable view of the orchestrator's state, suitable
// for JSON fan-out to sessions and the event bus.
type StateSnapshot struct {
	Mode          Mode              `json:"mode"`
	Position      motion.Position   `json:"position"`
	PositionStale bool              `json:"positionStale"`
	Homed         bool              `json:"homed"`
	SafeZ         float64           `json:"safeZ"`
	Temperature   *float64          `json:"temperature,omitempty"`
	Attacks       []string          `json:"attacks"`
	RunningAttack string            `json:"runningAttack,omitempty"`
	Progress      *Progress         `json:"progress,omitempty"`
	Joystick      *JoystickSettings `json:"joystick,omitempty"`
}

// Orchestrator is the station's single motion authority
type Orchestrator struct {
	stage    *motion.Stage
	registry *attack.Registry
	hub      *sensor.Hub
	eventBus *bus.Bus
	timing   config.TimingConfig
	logDir   string
	logger   *slog.Logger
	metrics  *Metrics

	requests chan *request

	// loop-owned state
	mode      Mode
	safeZ     float64
	joystick  JoystickSettings
	current   *run
	lastRunID uint64

	// published snapshot
	snapMu sync.RWMutex
	snap   StateSnapshot

	subMu       sync.RWMutex
	subscribers []func(StateSnapshot)

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// run is one attack execution tracked by the loop
type run struct {
	id       uint64
	name     string
	cancel   context.CancelFunc
	log      *audit.Run
	progress Progress
	stopping bool
}

// Options carries the orchestrator's collaborators. Hub and Bus may be nil.
type Options struct {
	Stage    *motion.Stage
	Registry *attack.Registry
	Hub      *sensor.Hub
	Bus      *bus.Bus
	Timing   config.TimingConfig
	SafeZ    float64
	LogDir   string
	Logger   *slog.Logger
	Metrics  *Metrics
}

// New creates an orchestrator in Idle mode
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		stage:    opts.Stage,
		registry: opts.Registry,
		hub:      opts.Hub,
		eventBus: opts.Bus,
		timing:   opts.Timing,
		logDir:   opts.LogDir,
		logger:   logger.With("component", "orchestrator"),
		metrics:  opts.Metrics,
		requests: make(chan *request, 64),
		mode:     ModeIdle,
		safeZ:    opts.SafeZ,
		done:     make(chan struct{}),
	}
	o.publishState()
	return o
}

// AttachHub wires in the sensor hub for temperature readings and snapshot
// enrichment. Must be called before Start.
func (o *Orchestrator) AttachHub(hub *sensor.Hub) {
	o.hub = hub
}

// Subscribe registers a callback invoked on every state change. Callbacks
// run on the command loop goroutine and must not block. Safe to call after
// Start; a late subscriber only sees changes from that point on.
func (o *Orchestrator) Subscribe(fn func(StateSnapshot)) {
	o.subMu.Lock()
	o.subscribers = append(o.subscribers, fn)
	o.subMu.Unlock()
}

// Snapshot returns the current state
func (o *Orchestrator) Snapshot() StateSnapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

// Start launches the command loop
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Orchestrator", "Start", "start")
	}
	o.started = true

	ctx, o.cancel = context.WithCancel(ctx)
	go o.loop(ctx)
	o.logger.Info("command loop started", "safeZ", o.safeZ)
	return nil
}

// Stop cancels the command loop and waits for it to exit
func (o *Orchestrator) Stop(timeout time.Duration) error {
	if !o.started {
		return errors.WrapFatal(errors.ErrNotStarted, "Orchestrator", "Stop", "stop")
	}
	o.cancel()

	select {
	case <-o.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapFatal(errors.New("command loop did not exit"), "Orchestrator", "Stop", "await shutdown")
	}
}

// loop is the single writer over the motion link
func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			if o.current != nil {
				o.current.stopping = true
				o.current.cancel()
				o.finishRun(o.current.id, context.Canceled)
			}
			return
		case req := <-o.requests:
			o.dispatch(ctx, req)
		}
	}
}

// publishState rebuilds the snapshot from loop-owned state and notifies
// subscribers.
func (o *Orchestrator) publishState() {
	snap := StateSnapshot{
		Mode:    o.mode,
		SafeZ:   o.safeZ,
		Attacks: []string{},
	}

	if o.stage != nil {
		snap.Position = o.stage.Position()
		snap.PositionStale = o.stage.Stale()
		snap.Homed = o.stage.Homed()
	}
	if o.registry != nil {
		snap.Attacks = o.registry.Names()
	}
	if o.hub != nil {
		if temp, ok := o.hub.Temperature(); ok {
			snap.Temperature = &temp
		}
	}
	if o.mode == ModeJoystick {
		js := o.joystick
		snap.Joystick = &js
	}
	if o.current != nil {
		snap.RunningAttack = o.current.name
		if o.current.progress.Total > 0 {
			p := o.current.progress
			snap.Progress = &p
		}
	}

	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()

	if o.metrics != nil {
		o.metrics.setMode(o.mode)
	}

	o.subMu.RLock()
	subs := o.subscribers
	o.subMu.RUnlock()
	for _, fn := range subs {
		fn(snap)
	}

	o.eventBus.PublishState(snap)
}

// setMode changes mode and publishes the new state
func (o *Orchestrator) setMode(mode Mode) {
	if o.mode == mode {
		return
	}
	o.logger.Info("mode change", "from", string(o.mode), "to", string(mode))
	o.mode = mode
	o.publishState()
}

// handleLinkFailure forces Idle after a motion link error; the stage has
// already flagged its position stale.
func (o *Orchestrator) handleLinkFailure(err error) {
	if !errors.IsLink(err) {
		return
	}
	o.logger.Error("motion link failure, forcing idle", "error", err)
	if o.metrics != nil {
		o.metrics.linkFailures.Inc()
	}
	o.setMode(ModeIdle)
}
