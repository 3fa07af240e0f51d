package orchestrator

import (
	"context"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

type op int

const (
	opHome op = iota
	opStep
	opMove
	opEnableJoystick
	opDisableJoystick
	opJog
	opStartAttack
	opStopAttack
	opSetSafeZ

	// internal ops submitted by a running attack or its timers
	opAttackHome
	opAttackMoveTo
	opAttackMoveBy
	opAttackFan
	opAttackProgress
	opAttackFinished
	opAttackTeardown
)

func (o op) String() string {
	switch o {
	case opHome:
		return "home"
	case opStep:
		return "step"
	case opMove:
		return "move"
	case opEnableJoystick:
		return "enableJoystick"
	case opDisableJoystick:
		return "disableJoystick"
	case opJog:
		return "jog"
	case opStartAttack:
		return "startAttack"
	case opStopAttack:
		return "stopAttack"
	case opSetSafeZ:
		return "safeZ"
	default:
		return "internal"
	}
}

// request is one queued command. reply, when non-nil, receives exactly one
// result; it must be buffered so the loop never blocks on a caller.
type request struct {
	op    op
	reply chan error

	axes     motion.Axes
	speed    float64
	delta    motion.Position
	target   motion.Position
	js       JoystickSettings
	name     string
	z        float64
	fan      int
	runID    uint64
	runErr   error
	progress Progress
}

// submit enqueues a request and waits for the loop's verdict
func (o *Orchestrator) submit(ctx context.Context, req *request) error {
	req.reply = make(chan error, 1)

	select {
	case o.requests <- req:
	case <-ctx.Done():
		return errors.WrapRejected(ctx.Err(), "Orchestrator", req.op.String(), "enqueue")
	case <-o.done:
		return errors.WrapRejected(errors.ErrNotStarted, "Orchestrator", req.op.String(), "enqueue")
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return errors.WrapRejected(ctx.Err(), "Orchestrator", req.op.String(), "await result")
	}
}

// submitInternal enqueues a fire-and-forget request from a run goroutine
func (o *Orchestrator) submitInternal(req *request) {
	select {
	case o.requests <- req:
	case <-o.done:
	}
}

// Home runs a homing cycle. Only valid in Idle.
func (o *Orchestrator) Home(ctx context.Context, axes motion.Axes) error {
	return o.submit(ctx, &request{op: opHome, axes: axes})
}

// Step performs a relative move. Only valid in Idle; speed in mm/s.
func (o *Orchestrator) Step(ctx context.Context, speed float64, delta motion.Position) error {
	return o.submit(ctx, &request{op: opStep, speed: speed, delta: delta})
}

// MoveAbsolute moves the stage to target. Only valid in Idle.
func (o *Orchestrator) MoveAbsolute(ctx context.Context, speed float64, target motion.Position) error {
	return o.submit(ctx, &request{op: opMove, speed: speed, target: target})
}

// EnableJoystick latches Joystick mode with the given impulse parameters
func (o *Orchestrator) EnableJoystick(ctx context.Context, speed, step float64) error {
	return o.submit(ctx, &request{op: opEnableJoystick, js: JoystickSettings{Speed: speed, Step: step}})
}

// DisableJoystick returns from Joystick mode to Idle
func (o *Orchestrator) DisableJoystick(ctx context.Context) error {
	return o.submit(ctx, &request{op: opDisableJoystick})
}

// Jog performs one joystick impulse: each axis is -1, 0 or +1 steps
func (o *Orchestrator) Jog(ctx context.Context, x, y, z int) error {
	return o.submit(ctx, &request{op: opJog, delta: motion.Position{
		X: float64(clampImpulse(x)),
		Y: float64(clampImpulse(y)),
		Z: float64(clampImpulse(z)),
	}})
}

// StartAttack launches the named attack unit. Only valid in Idle.
func (o *Orchestrator) StartAttack(ctx context.Context, name string) error {
	return o.submit(ctx, &request{op: opStartAttack, name: name})
}

// StopAttack cancels the running attack. Only valid in Attack mode. The
// transition back to Idle happens when the unit exits, or unilaterally after
// the configured grace period.
func (o *Orchestrator) StopAttack(ctx context.Context) error {
	return o.submit(ctx, &request{op: opStopAttack})
}

// SetSafeZ replaces the safe-Z floor. Applies to subsequently accepted
// motions only; motion already in flight is not re-checked.
func (o *Orchestrator) SetSafeZ(ctx context.Context, z float64) error {
	return o.submit(ctx, &request{op: opSetSafeZ, z: z})
}

func clampImpulse(v int) int {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// dispatch evaluates one dequeued request against the current mode and
// executes it. Rejections happen here, before anything is transmitted.
func (o *Orchestrator) dispatch(ctx context.Context, req *request) {
	var err error

	switch req.op {
	case opHome:
		err = o.doHome(ctx, req)
	case opStep:
		err = o.doStep(ctx, req)
	case opMove:
		err = o.doMove(ctx, req)
	case opEnableJoystick:
		err = o.doEnableJoystick(req)
	case opDisableJoystick:
		err = o.doDisableJoystick()
	case opJog:
		err = o.doJog(ctx, req)
	case opStartAttack:
		err = o.doStartAttack(ctx, req)
	case opStopAttack:
		err = o.doStopAttack()
	case opSetSafeZ:
		o.safeZ = req.z
		o.logger.Info("safe-z updated", "safeZ", req.z)
		o.publishState()

	case opAttackHome:
		err = o.doAttackMotion(ctx, req, func(mctx context.Context) error {
			return o.stage.Home(mctx, req.axes)
		})
	case opAttackMoveTo:
		err = o.doAttackMoveTo(ctx, req)
	case opAttackMoveBy:
		err = o.doAttackMoveBy(ctx, req)
	case opAttackFan:
		err = o.doAttackMotion(ctx, req, func(mctx context.Context) error {
			return o.stage.SetFanSpeed(mctx, req.fan)
		})
	case opAttackProgress:
		if o.current != nil && o.current.id == req.runID {
			o.current.progress = req.progress
			o.publishState()
		}
	case opAttackFinished:
		o.finishRun(req.runID, req.runErr)
	case opAttackTeardown:
		o.teardownRun(req.runID)
	}

	if o.metrics != nil {
		o.metrics.observe(req.op, err)
	}
	if req.reply != nil {
		req.reply <- err
	}
}

// checkSafeZ rejects a motion whose target z would drop below the floor
func (o *Orchestrator) checkSafeZ(targetZ float64, operation string) error {
	if targetZ < o.safeZ {
		return errors.WrapRejected(errors.ErrSafeZViolation, "Orchestrator", operation, "accept motion")
	}
	return nil
}

// checkRelative rejects relative motion while the position is untrusted and
// applies the safe-Z predicate to the resulting z.
func (o *Orchestrator) checkRelative(deltaZ float64, operation string) error {
	if o.stage.Stale() {
		return errors.WrapRejected(errors.ErrPositionStale, "Orchestrator", operation, "accept motion")
	}
	return o.checkSafeZ(o.stage.Position().Z+deltaZ, operation)
}

func (o *Orchestrator) rejectMode(operation string) error {
	return errors.WrapRejected(errors.ErrModeConflict, "Orchestrator", operation,
		"accept in mode "+string(o.mode))
}

func (o *Orchestrator) doHome(ctx context.Context, req *request) error {
	if o.mode != ModeIdle {
		return o.rejectMode("home")
	}
	if !req.axes.Any() {
		return errors.WrapRejected(errors.ErrMalformedCommand, "Orchestrator", "home", "select axes")
	}

	o.setMode(ModeHoming)
	hctx, cancel := context.WithTimeout(ctx, o.timing.CommandTimeoutHome.Std())
	err := o.stage.Home(hctx, req.axes)
	cancel()

	o.setMode(ModeIdle)
	if err != nil {
		o.handleLinkFailure(err)
		return err
	}
	return nil
}

func (o *Orchestrator) doStep(ctx context.Context, req *request) error {
	if o.mode != ModeIdle {
		return o.rejectMode("step")
	}
	if err := o.checkRelative(req.delta.Z, "step"); err != nil {
		return err
	}

	o.setMode(ModeStepping)
	mctx, cancel := context.WithTimeout(ctx, o.timing.CommandTimeoutMove.Std())
	err := o.stage.MoveRelative(mctx, req.speed, req.delta)
	cancel()

	o.setMode(ModeIdle)
	if err != nil {
		o.handleLinkFailure(err)
		return err
	}
	return nil
}

func (o *Orchestrator) doMove(ctx context.Context, req *request) error {
	if o.mode != ModeIdle {
		return o.rejectMode("move")
	}
	if err := o.checkSafeZ(req.target.Z, "move"); err != nil {
		return err
	}

	o.setMode(ModeAbsoluteMove)
	mctx, cancel := context.WithTimeout(ctx, o.timing.CommandTimeoutMove.Std())
	err := o.stage.MoveAbsolute(mctx, req.speed, req.target)
	cancel()

	o.setMode(ModeIdle)
	if err != nil {
		o.handleLinkFailure(err)
		return err
	}
	return nil
}

func (o *Orchestrator) doEnableJoystick(req *request) error {
	if o.mode != ModeIdle {
		return o.rejectMode("enableJoystick")
	}
	if req.js.Speed <= 0 || req.js.Step <= 0 {
		return errors.WrapRejected(errors.ErrMalformedCommand, "Orchestrator", "enableJoystick",
			"validate speed and step")
	}

	o.joystick = req.js
	o.setMode(ModeJoystick)
	return nil
}

func (o *Orchestrator) doDisableJoystick() error {
	if o.mode != ModeJoystick {
		return o.rejectMode("disableJoystick")
	}
	o.setMode(ModeIdle)
	return nil
}

func (o *Orchestrator) doJog(ctx context.Context, req *request) error {
	if o.mode != ModeJoystick {
		return o.rejectMode("jog")
	}

	delta := motion.Position{
		X: req.delta.X * o.joystick.Step,
		Y: req.delta.Y * o.joystick.Step,
		Z: req.delta.Z * o.joystick.Step,
	}
	if err := o.checkRelative(delta.Z, "jog"); err != nil {
		return err
	}

	mctx, cancel := context.WithTimeout(ctx, o.timing.CommandTimeoutMove.Std())
	err := o.stage.MoveRelative(mctx, o.joystick.Speed, delta)
	cancel()

	if err != nil {
		o.handleLinkFailure(err)
		return err
	}
	o.publishState()
	return nil
}

// doAttackMotion runs one stage operation on behalf of the current run
func (o *Orchestrator) doAttackMotion(ctx context.Context, req *request, fn func(context.Context) error) error {
	if o.mode != ModeAttack || o.current == nil || o.current.id != req.runID {
		return o.rejectMode(req.op.String())
	}

	timeout := o.timing.CommandTimeoutMove.Std()
	if req.op == opAttackHome {
		timeout = o.timing.CommandTimeoutHome.Std()
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	err := fn(mctx)
	cancel()

	if err != nil {
		return err
	}
	o.publishState()
	return nil
}

func (o *Orchestrator) doAttackMoveTo(ctx context.Context, req *request) error {
	if err := o.checkSafeZ(req.target.Z, "attackMove"); err != nil {
		return err
	}
	return o.doAttackMotion(ctx, req, func(mctx context.Context) error {
		return o.stage.MoveAbsolute(mctx, req.speed, req.target)
	})
}

func (o *Orchestrator) doAttackMoveBy(ctx context.Context, req *request) error {
	if err := o.checkRelative(req.delta.Z, "attackMoveBy"); err != nil {
		return err
	}
	return o.doAttackMotion(ctx, req, func(mctx context.Context) error {
		return o.stage.MoveRelative(mctx, req.speed, req.delta)
	})
}

func (o *Orchestrator) doStopAttack() error {
	if o.mode != ModeAttack || o.current == nil {
		return o.rejectMode("stopAttack")
	}
	if o.current.stopping {
		return nil
	}

	o.current.stopping = true
	o.current.cancel()
	o.logger.Info("attack stop requested", "attack", o.current.name)

	// unilateral teardown if the unit ignores cancellation
	id := o.current.id
	grace := o.timing.AttackStopGrace.Std()
	go func() {
		select {
		case <-time.After(grace):
			o.submitInternal(&request{op: opAttackTeardown, runID: id})
		case <-o.done:
		}
	}()
	return nil
}
