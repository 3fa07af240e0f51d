package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/EM-Fault-It-Yourself/attack"
	"github.com/fgsect/EM-Fault-It-Yourself/config"
	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

// scriptedUnit runs a caller-provided function as an attack
type scriptedUnit struct {
	name string
	run  func(ctx context.Context, h attack.Handle) error
}

func (u *scriptedUnit) Name() string { return u.name }

func (u *scriptedUnit) Run(ctx context.Context, h attack.Handle) error {
	return u.run(ctx, h)
}

func testTiming() config.TimingConfig {
	return config.TimingConfig{
		CommandTimeoutHome: config.Duration(5 * time.Second),
		CommandTimeoutMove: config.Duration(5 * time.Second),
		AttackStopGrace:    config.Duration(100 * time.Millisecond),
	}
}

type fixture struct {
	o    *Orchestrator
	link *motion.SimLink
}

func newFixture(t *testing.T, units ...attack.Unit) *fixture {
	t.Helper()

	link := motion.NewSimLink(motion.Position{}, 0)
	stage := motion.NewStage(link, motion.Position{}, nil, nil)

	registry := attack.NewRegistry()
	for _, u := range units {
		require.NoError(t, registry.Register(u))
	}

	o := New(Options{
		Stage:    stage,
		Registry: registry,
		Timing:   testTiming(),
		SafeZ:    -100,
		LogDir:   t.TempDir(),
	})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(time.Second) })

	return &fixture{o: o, link: link}
}

func (f *fixture) homeAll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.o.Home(context.Background(), motion.Axes{X: true, Y: true, Z: true}))
}

func TestStartsIdleAndStale(t *testing.T) {
	f := newFixture(t)
	snap := f.o.Snapshot()

	assert.Equal(t, ModeIdle, snap.Mode)
	assert.True(t, snap.PositionStale)
	assert.False(t, snap.Homed)
	assert.InDelta(t, -100, snap.SafeZ, 1e-9)
}

func TestHomeAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	snap := f.o.Snapshot()
	assert.Equal(t, ModeIdle, snap.Mode)
	assert.True(t, snap.Homed)
	assert.False(t, snap.PositionStale)
	assert.Equal(t, motion.Position{}, snap.Position)
}

func TestStepBeforeHomingRejected(t *testing.T) {
	f := newFixture(t)

	err := f.o.Step(context.Background(), 10, motion.Position{X: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPositionStale))
}

func TestStepMovesStage(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	require.NoError(t, f.o.Step(context.Background(), 10, motion.Position{X: 2, Y: -1}))

	snap := f.o.Snapshot()
	assert.Equal(t, ModeIdle, snap.Mode)
	assert.InDelta(t, 2, snap.Position.X, 1e-9)
	assert.InDelta(t, -1, snap.Position.Y, 1e-9)
}

func TestSafeZRejectsAbsoluteMove(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)
	require.NoError(t, f.o.SetSafeZ(context.Background(), -50))

	err := f.o.MoveAbsolute(context.Background(), 10, motion.Position{Z: -60})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSafeZViolation))
	assert.True(t, errors.IsRejected(err))

	// nothing was transmitted
	assert.Equal(t, motion.Position{}, f.link.VirtualPosition())
	assert.Equal(t, ModeIdle, f.o.Snapshot().Mode)
}

func TestSafeZRejectsRelativeMove(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)
	require.NoError(t, f.o.SetSafeZ(context.Background(), -50))
	require.NoError(t, f.o.MoveAbsolute(context.Background(), 10, motion.Position{Z: -45}))

	err := f.o.Step(context.Background(), 10, motion.Position{Z: -10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSafeZViolation))

	// moving away from the floor is still allowed
	require.NoError(t, f.o.Step(context.Background(), 10, motion.Position{Z: 5}))
}

func TestUnknownAttackRejected(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	err := f.o.StartAttack(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAttack))
	assert.Equal(t, ModeIdle, f.o.Snapshot().Mode)
}

func TestStartAttackRejectedWhenRunLogUnwritable(t *testing.T) {
	unit := &scriptedUnit{name: "noop", run: func(context.Context, attack.Handle) error { return nil }}

	link := motion.NewSimLink(motion.Position{}, 0)
	stage := motion.NewStage(link, motion.Position{}, nil, nil)
	registry := attack.NewRegistry()
	require.NoError(t, registry.Register(unit))

	// a regular file where the log directory should be makes every run log
	// fail to open
	blocker := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	o := New(Options{
		Stage:    stage,
		Registry: registry,
		Timing:   testTiming(),
		SafeZ:    -100,
		LogDir:   blocker,
	})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(time.Second) })

	err := o.StartAttack(context.Background(), "noop")
	require.Error(t, err)
	assert.True(t, errors.IsRejected(err))
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, ModeIdle, o.Snapshot().Mode)
}

func TestStrayStopAttackRejected(t *testing.T) {
	f := newFixture(t)

	err := f.o.StopAttack(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrModeConflict))
}

func TestAttackBlocksOperatorMotion(t *testing.T) {
	release := make(chan struct{})
	unit := &scriptedUnit{name: "blocker", run: func(ctx context.Context, h attack.Handle) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}

	f := newFixture(t, unit)
	f.homeAll(t)
	require.NoError(t, f.o.StartAttack(context.Background(), "blocker"))
	require.Equal(t, ModeAttack, f.o.Snapshot().Mode)

	err := f.o.Step(context.Background(), 10, motion.Position{X: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrModeConflict))

	err = f.o.Home(context.Background(), motion.Axes{X: true, Y: true, Z: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrModeConflict))

	close(release)
	require.Eventually(t, func() bool {
		return f.o.Snapshot().Mode == ModeIdle
	}, time.Second, 5*time.Millisecond)
}

func TestAttackMotionThroughHandle(t *testing.T) {
	var reached motion.Position
	unit := &scriptedUnit{name: "mover", run: func(ctx context.Context, h attack.Handle) error {
		if err := h.MoveTo(ctx, motion.Position{X: 3, Y: 4, Z: -5}); err != nil {
			return err
		}
		if err := h.Pulse(ctx); err != nil {
			return err
		}
		reached = h.Position()
		h.Progress(1, 1)
		return nil
	}}

	f := newFixture(t, unit)
	f.homeAll(t)
	require.NoError(t, f.o.StartAttack(context.Background(), "mover"))

	require.Eventually(t, func() bool {
		return f.o.Snapshot().Mode == ModeIdle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, motion.Position{X: 3, Y: 4, Z: -5}, reached)
	assert.Equal(t, reached, f.link.VirtualPosition())
}

func TestAttackHandleRespectsSafeZ(t *testing.T) {
	errCh := make(chan error, 1)
	unit := &scriptedUnit{name: "deep", run: func(ctx context.Context, h attack.Handle) error {
		errCh <- h.MoveTo(ctx, motion.Position{Z: -200})
		return nil
	}}

	f := newFixture(t, unit)
	f.homeAll(t)
	require.NoError(t, f.o.StartAttack(context.Background(), "deep"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSafeZViolation))
	case <-time.After(time.Second):
		t.Fatal("attack never reported")
	}
}

func TestStopAttackCancelsUnit(t *testing.T) {
	started := make(chan struct{})
	unit := &scriptedUnit{name: "cancellable", run: func(ctx context.Context, h attack.Handle) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}

	f := newFixture(t, unit)
	f.homeAll(t)
	require.NoError(t, f.o.StartAttack(context.Background(), "cancellable"))
	<-started

	require.NoError(t, f.o.StopAttack(context.Background()))
	require.Eventually(t, func() bool {
		return f.o.Snapshot().Mode == ModeIdle
	}, time.Second, 5*time.Millisecond)
}

func TestStopAttackTearsDownStuckUnit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	unit := &scriptedUnit{name: "stuck", run: func(ctx context.Context, h attack.Handle) error {
		close(started)
		<-release // ignores ctx
		return nil
	}}

	f := newFixture(t, unit)
	f.homeAll(t)
	require.NoError(t, f.o.StartAttack(context.Background(), "stuck"))
	<-started

	require.NoError(t, f.o.StopAttack(context.Background()))

	// grace period is 100ms in the test timing
	require.Eventually(t, func() bool {
		return f.o.Snapshot().Mode == ModeIdle
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.o.Snapshot().RunningAttack)
	close(release)
}

func TestLinkTimeoutForcesIdleAndStale(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	f.link.SilenceFor(1)
	err := f.o.MoveAbsolute(context.Background(), 10, motion.Position{X: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLinkTimeout))

	snap := f.o.Snapshot()
	assert.Equal(t, ModeIdle, snap.Mode)
	assert.True(t, snap.PositionStale)

	// homing restores trust
	f.homeAll(t)
	assert.False(t, f.o.Snapshot().PositionStale)
}

func TestJoystickMode(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	require.NoError(t, f.o.EnableJoystick(context.Background(), 10, 0.5))
	snap := f.o.Snapshot()
	require.Equal(t, ModeJoystick, snap.Mode)
	require.NotNil(t, snap.Joystick)
	assert.InDelta(t, 0.5, snap.Joystick.Step, 1e-9)

	// impulses translate to step-sized relative moves
	require.NoError(t, f.o.Jog(context.Background(), 1, 0, -1))
	pos := f.o.Snapshot().Position
	assert.InDelta(t, 0.5, pos.X, 1e-9)
	assert.InDelta(t, -0.5, pos.Z, 1e-9)

	// jog outside joystick mode is a conflict
	require.NoError(t, f.o.DisableJoystick(context.Background()))
	err := f.o.Jog(context.Background(), 1, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrModeConflict))
}

func TestJoystickRejectsBadSettings(t *testing.T) {
	f := newFixture(t)

	err := f.o.EnableJoystick(context.Background(), 0, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedCommand))
}

func TestJogRespectsSafeZ(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)
	require.NoError(t, f.o.SetSafeZ(context.Background(), -1))
	require.NoError(t, f.o.EnableJoystick(context.Background(), 10, 2))

	err := f.o.Jog(context.Background(), 0, 0, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSafeZViolation))
}

func TestSnapshotNotifications(t *testing.T) {
	link := motion.NewSimLink(motion.Position{}, 0)
	stage := motion.NewStage(link, motion.Position{}, nil, nil)

	var mu sync.Mutex
	var modes []Mode
	o := New(Options{
		Stage:    stage,
		Registry: attack.NewRegistry(),
		Timing:   testTiming(),
		SafeZ:    -100,
		LogDir:   t.TempDir(),
	})
	o.Subscribe(func(s StateSnapshot) {
		mu.Lock()
		modes = append(modes, s.Mode)
		mu.Unlock()
	})
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(time.Second)

	require.NoError(t, o.Home(context.Background(), motion.Axes{X: true, Y: true, Z: true}))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, modes, ModeHoming)
	assert.Equal(t, ModeIdle, modes[len(modes)-1])
}

func TestSubscribeAfterStart(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var modes []Mode
	f.o.Subscribe(func(s StateSnapshot) {
		mu.Lock()
		modes = append(modes, s.Mode)
		mu.Unlock()
	})

	f.homeAll(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, modes, ModeHoming)
	assert.Equal(t, ModeIdle, modes[len(modes)-1])
}

func TestCommandsProcessedInOrder(t *testing.T) {
	f := newFixture(t)
	f.homeAll(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(x float64) {
			defer wg.Done()
			_ = f.o.MoveAbsolute(context.Background(), 10, motion.Position{X: x})
		}(float64(i))
	}
	wg.Wait()

	// all moves were serialized through one writer; the link never saw
	// interleaved commands, so final positions agree
	assert.Equal(t, f.o.Snapshot().Position, f.link.VirtualPosition())
	assert.Equal(t, ModeIdle, f.o.Snapshot().Mode)
}
