// Package attack holds the pluggable fault-injection units the orchestrator
// can run. A unit never touches the motion link directly: everything goes
// through the Handle it is given, which routes motion requests through the
// orchestrator's command queue so that only one writer drives the stage.
package attack

import (
	"context"
	"log/slog"

	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

// Handle is the capability set a running unit gets. All methods are safe to
// call from the unit's goroutine only; the context passed to Run governs
// cancellation of every blocking call.
type Handle interface {
	// Home requests a homing cycle for the selected axes.
	Home(ctx context.Context, axes motion.Axes) error

	// MoveTo requests an absolute stage move and blocks until it completes
	// or the run is cancelled.
	MoveTo(ctx context.Context, target motion.Position) error

	// MoveBy requests a relative stage move.
	MoveBy(ctx context.Context, delta motion.Position) error

	// Position returns the last acknowledged stage position.
	Position() motion.Position

	// Pulse fires one EM pulse at the current position and records the
	// resulting attack event.
	Pulse(ctx context.Context) error

	// Temperature returns the most recent target temperature reading in
	// degrees Celsius. ok is false when no thermal source is configured or
	// the reading is stale.
	Temperature() (temp float64, ok bool)

	// SetFanSpeed drives the target cooling fan (0-255).
	SetFanSpeed(ctx context.Context, speed int) error

	// Progress reports completed versus total work items. The value is
	// surfaced in state snapshots and the attack event stream.
	Progress(done, total int)

	// Emit records a structured attack event in the run log and publishes
	// it to any connected event bus.
	Emit(event string, fields map[string]any)

	// Logger returns a logger scoped to the current run.
	Logger() *slog.Logger
}

// Unit is one selectable attack. Run executes the whole attack and returns
// when it finishes, fails, or ctx is cancelled; it must not leave goroutines
// behind.
type Unit interface {
	Name() string
	Run(ctx context.Context, h Handle) error
}
