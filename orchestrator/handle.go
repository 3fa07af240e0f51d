package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/audit"
	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

func (o *Orchestrator) doStartAttack(ctx context.Context, req *request) error {
	if o.mode != ModeIdle {
		return o.rejectMode("startAttack")
	}

	unit, err := o.registry.Lookup(req.name)
	if err != nil {
		return err
	}

	runLog, err := audit.NewRun(o.logDir, req.name, time.Now())
	if err != nil {
		// the run cannot start cleanly; report it to the requester, no
		// mode change
		return errors.WrapRejected(err, "Orchestrator", "doStartAttack", "open run log for "+req.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.lastRunID++
	r := &run{
		id:     o.lastRunID,
		name:   req.name,
		cancel: cancel,
		log:    runLog,
	}
	o.current = r
	o.setMode(ModeAttack)

	h := &runHandle{
		o:      o,
		runID:  r.id,
		name:   r.name,
		log:    runLog,
		logger: o.logger.With("attack", r.name, "run", r.id),
	}

	o.logger.Info("attack started", "attack", r.name, "log", runLog.Path())
	go func() {
		runErr := unit.Run(runCtx, h)
		o.submitInternal(&request{op: opAttackFinished, runID: r.id, runErr: runErr})
	}()
	return nil
}

// finishRun handles a unit's exit. Exits from already torn-down runs are
// logged and dropped.
func (o *Orchestrator) finishRun(id uint64, runErr error) {
	if o.current == nil || o.current.id != id {
		o.logger.Warn("attack exited after teardown", "run", id)
		return
	}
	r := o.current

	outcome := "completed"
	switch {
	case runErr == nil:
	case r.stopping && errors.Is(runErr, context.Canceled):
		outcome = "stopped"
	default:
		outcome = "failed"
		o.logger.Error("attack failed", "attack", r.name, "error", runErr)
	}

	if err := r.log.Close(outcome); err != nil {
		o.logger.Warn("run log close failed", "error", err)
	}
	o.eventBus.PublishAttackEvent(r.name, "run_ended", map[string]any{"outcome": outcome})
	if o.metrics != nil {
		o.metrics.attackRuns.WithLabelValues(outcome).Inc()
	}

	r.cancel()
	o.current = nil
	o.setMode(ModeIdle)
	o.logger.Info("attack finished", "attack", r.name, "outcome", outcome)
}

// teardownRun forces Idle when a unit ignored cancellation past the grace
// period. The unit's goroutine is abandoned; any request it still makes is
// rejected by run-id mismatch.
func (o *Orchestrator) teardownRun(id uint64) {
	if o.current == nil || o.current.id != id {
		return
	}
	r := o.current

	pluginErr := errors.WrapFatal(errors.ErrPluginFault, "Orchestrator", "teardownRun", "stop "+r.name)
	o.logger.Error("attack ignored cancellation, forcing idle", "attack", r.name, "error", pluginErr)

	if err := r.log.Close("torn_down"); err != nil {
		o.logger.Warn("run log close failed", "error", err)
	}
	o.eventBus.PublishAttackEvent(r.name, "run_ended", map[string]any{"outcome": "torn_down"})
	if o.metrics != nil {
		o.metrics.attackRuns.WithLabelValues("torn_down").Inc()
	}

	o.current = nil
	o.setMode(ModeIdle)
}

// runHandle is the restricted authority handed to a running unit. Every
// motion request funnels through the orchestrator queue under the run's id.
type runHandle struct {
	o      *Orchestrator
	runID  uint64
	name   string
	log    *audit.Run
	logger *slog.Logger
}

func (h *runHandle) Home(ctx context.Context, axes motion.Axes) error {
	return h.o.submit(ctx, &request{op: opAttackHome, runID: h.runID, axes: axes})
}

func (h *runHandle) MoveTo(ctx context.Context, target motion.Position) error {
	return h.o.submit(ctx, &request{op: opAttackMoveTo, runID: h.runID, speed: attackFeedRate, target: target})
}

func (h *runHandle) MoveBy(ctx context.Context, delta motion.Position) error {
	return h.o.submit(ctx, &request{op: opAttackMoveBy, runID: h.runID, speed: attackFeedRate, delta: delta})
}

func (h *runHandle) Position() motion.Position {
	return h.o.stage.Position()
}

func (h *runHandle) Pulse(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pos := h.o.stage.Position()
	h.Emit("pulse", map[string]any{"x": pos.X, "y": pos.Y, "z": pos.Z})
	if h.o.metrics != nil {
		h.o.metrics.pulsesTotal.Inc()
	}
	return nil
}

func (h *runHandle) Temperature() (float64, bool) {
	if h.o.hub == nil {
		return 0, false
	}
	return h.o.hub.Temperature()
}

func (h *runHandle) SetFanSpeed(ctx context.Context, speed int) error {
	return h.o.submit(ctx, &request{op: opAttackFan, runID: h.runID, fan: speed})
}

func (h *runHandle) Progress(done, total int) {
	h.o.submitInternal(&request{
		op:       opAttackProgress,
		runID:    h.runID,
		progress: Progress{Done: done, Total: total},
	})
}

func (h *runHandle) Emit(event string, fields map[string]any) {
	h.log.Event(event, fields)
	h.o.eventBus.PublishAttackEvent(h.name, event, fields)
}

func (h *runHandle) Logger() *slog.Logger {
	return h.logger
}

// attackFeedRate is the stage speed for attack-driven moves, in mm/s
const attackFeedRate = 10
