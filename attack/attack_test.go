package attack

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

// fakeHandle records everything a unit asks for
type fakeHandle struct {
	mu       sync.Mutex
	moves    []motion.Position
	events   []string
	fan      []int
	done     int
	total    int
	temp     float64
	tempOK   bool
	moveErr  error
	position motion.Position
}

func (h *fakeHandle) Home(_ context.Context, _ motion.Axes) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "home")
	return nil
}

func (h *fakeHandle) MoveBy(_ context.Context, delta motion.Position) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moveErr != nil {
		return h.moveErr
	}
	h.position = h.position.Add(delta)
	h.moves = append(h.moves, h.position)
	return nil
}

func (h *fakeHandle) Pulse(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "pulse")
	return nil
}

func (h *fakeHandle) MoveTo(_ context.Context, target motion.Position) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moveErr != nil {
		return h.moveErr
	}
	h.moves = append(h.moves, target)
	h.position = target
	return nil
}

func (h *fakeHandle) Position() motion.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

func (h *fakeHandle) Temperature() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.temp, h.tempOK
}

func (h *fakeHandle) SetFanSpeed(_ context.Context, speed int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fan = append(h.fan, speed)
	return nil
}

func (h *fakeHandle) Progress(done, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done, h.total = done, total
}

func (h *fakeHandle) Emit(event string, _ map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHandle) Logger() *slog.Logger { return slog.Default() }

type namedUnit struct{ name string }

func (u namedUnit) Name() string                      { return u.name }
func (u namedUnit) Run(context.Context, Handle) error { return nil }

func TestRegistryDuplicateNameIsFatal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedUnit{name: "probe-scan"}))

	err := r.Register(namedUnit{name: "probe-scan"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateName))
	assert.True(t, errors.IsFatal(err))
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAttack))
	assert.True(t, errors.IsRejected(err))
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(namedUnit{name: name}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestComputePositionsBoustrophedon(t *testing.T) {
	points := computePositions(
		motion.Position{X: 0, Y: 0, Z: -10},
		motion.Position{X: 2, Y: 1, Z: -10},
		1, 1,
	)

	want := []motion.Position{
		{X: 0, Y: 0, Z: -10}, {X: 1, Y: 0, Z: -10}, {X: 2, Y: 0, Z: -10},
		{X: 2, Y: 1, Z: -10}, {X: 1, Y: 1, Z: -10}, {X: 0, Y: 1, Z: -10},
	}
	require.Len(t, points, len(want))
	for i := range want {
		assert.InDelta(t, want[i].X, points[i].X, 1e-9, "point %d X", i)
		assert.InDelta(t, want[i].Y, points[i].Y, 1e-9, "point %d Y", i)
		assert.InDelta(t, want[i].Z, points[i].Z, 1e-9, "point %d Z", i)
	}
}

func TestComputePositionsSinglePoint(t *testing.T) {
	p := motion.Position{X: 5, Y: 5, Z: 0}
	points := computePositions(p, p, 1, 1)
	require.Len(t, points, 1)
	assert.Equal(t, p, points[0])
}

func TestGridScanRun(t *testing.T) {
	scan, err := NewGridScan("probe-scan", GridScanConfig{
		Start:       motion.Position{X: 0, Y: 0, Z: -5},
		End:         motion.Position{X: 1, Y: 1, Z: -5},
		StepX:       1,
		StepY:       1,
		Repetitions: 2,
		Dwell:       time.Millisecond,
	})
	require.NoError(t, err)

	h := &fakeHandle{}
	require.NoError(t, scan.Run(context.Background(), h))

	assert.Len(t, h.moves, 4)
	assert.Len(t, h.events, 8) // one pulse per repetition per point
	assert.Equal(t, 8, h.done)
	assert.Equal(t, 8, h.total)
}

func TestGridScanCancellation(t *testing.T) {
	scan, err := NewGridScan("probe-scan", GridScanConfig{
		Start:       motion.Position{X: 0, Y: 0},
		End:         motion.Position{X: 10, Y: 10},
		StepX:       1,
		StepY:       1,
		Repetitions: 1,
		Dwell:       10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &fakeHandle{}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err = scan.Run(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, h.done, h.total)
}

func TestGridScanMoveFailureAborts(t *testing.T) {
	scan, err := NewGridScan("probe-scan", GridScanConfig{
		Start: motion.Position{}, End: motion.Position{X: 2},
		StepX: 1, StepY: 1, Dwell: time.Millisecond,
	})
	require.NoError(t, err)

	h := &fakeHandle{moveErr: errors.ErrLinkTimeout}
	err = scan.Run(context.Background(), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLinkTimeout)
}

func TestGridScanRejectsBadStep(t *testing.T) {
	_, err := NewGridScan("probe-scan", GridScanConfig{StepX: 0, StepY: 1})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

const testScript = `
name = "lua-sweep"

function run()
	move(1, 2, -3)
	emit("pulse")
	progress(1, 1)
end
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScript(t *testing.T) {
	path := writeScript(t, t.TempDir(), "sweep.lua", testScript)

	unit, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "lua-sweep", unit.Name())
}

func TestLoadScriptMissingName(t *testing.T) {
	path := writeScript(t, t.TempDir(), "bad.lua", `function run() end`)

	_, err := LoadScript(path)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadScriptMissingRun(t *testing.T) {
	path := writeScript(t, t.TempDir(), "bad.lua", `name = "no-run"`)

	_, err := LoadScript(path)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLuaUnitRun(t *testing.T) {
	path := writeScript(t, t.TempDir(), "sweep.lua", testScript)
	unit, err := LoadScript(path)
	require.NoError(t, err)

	h := &fakeHandle{}
	require.NoError(t, unit.Run(context.Background(), h))

	require.Len(t, h.moves, 1)
	assert.Equal(t, motion.Position{X: 1, Y: 2, Z: -3}, h.moves[0])
	assert.Equal(t, []string{"pulse"}, h.events)
	assert.Equal(t, 1, h.done)
}

func TestLuaUnitMoveFailureSurfaces(t *testing.T) {
	path := writeScript(t, t.TempDir(), "sweep.lua", testScript)
	unit, err := LoadScript(path)
	require.NoError(t, err)

	h := &fakeHandle{moveErr: errors.ErrLinkTimeout}
	err = unit.Run(context.Background(), h)
	require.Error(t, err)
}

func TestLoadScriptDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `name = "a" function run() end`)
	writeScript(t, dir, "b.lua", `name = "b" function run() end`)
	writeScript(t, dir, "notes.txt", "ignored")

	r := NewRegistry()
	require.NoError(t, LoadScriptDir(dir, r))
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestLoadScriptDirDuplicateFatal(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `name = "same" function run() end`)
	writeScript(t, dir, "b.lua", `name = "same" function run() end`)

	r := NewRegistry()
	err := LoadScriptDir(dir, r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateName))
}

func TestLoadScriptDirMissingDirOK(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, LoadScriptDir(filepath.Join(t.TempDir(), "nope"), r))
	assert.Empty(t, r.Names())
}
