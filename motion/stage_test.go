package motion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

func newTestStage() (*Stage, *SimLink) {
	link := NewSimLink(Position{X: 0, Y: 0, Z: 0}, 0)
	return NewStage(link, Position{}, nil, nil), link
}

func TestStageStartsStale(t *testing.T) {
	stage, _ := newTestStage()
	assert.True(t, stage.Stale())
	assert.False(t, stage.Homed())
}

func TestStageHomeAllAxes(t *testing.T) {
	stage, _ := newTestStage()

	err := stage.Home(context.Background(), Axes{X: true, Y: true, Z: true})
	require.NoError(t, err)

	assert.True(t, stage.Homed())
	assert.False(t, stage.Stale())
	assert.Equal(t, Position{}, stage.Position())
}

func TestStagePartialHomeStaysStale(t *testing.T) {
	stage, _ := newTestStage()

	err := stage.Home(context.Background(), Axes{Z: true})
	require.NoError(t, err)

	assert.False(t, stage.Homed())
	assert.True(t, stage.Stale())
}

func TestStageMoveAbsolute(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))

	target := Position{X: 12.5, Y: 3, Z: -40}
	require.NoError(t, stage.MoveAbsolute(context.Background(), 10, target))

	assert.Equal(t, target, stage.Position())
	assert.Equal(t, target, link.VirtualPosition())
}

func TestStageMoveRelative(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))
	require.NoError(t, stage.MoveAbsolute(context.Background(), 10, Position{X: 10, Y: 10, Z: 0}))

	require.NoError(t, stage.MoveRelative(context.Background(), 10, Position{X: 0.1, Y: -0.1}))

	got := stage.Position()
	assert.InDelta(t, 10.1, got.X, 1e-9)
	assert.InDelta(t, 9.9, got.Y, 1e-9)
	assert.InDelta(t, 0, got.Z, 1e-9)
	// the virtual controller was returned to absolute mode
	assert.Equal(t, stage.Position(), link.VirtualPosition())
}

func TestStageTimeoutMarksStale(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))
	require.False(t, stage.Stale())

	link.SilenceFor(1)
	err := stage.MoveAbsolute(context.Background(), 10, Position{X: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLinkTimeout))
	assert.True(t, errors.IsLink(err))

	// position is untrusted after a failed motion command
	assert.True(t, stage.Stale())
}

func TestStageHomeClearsTimeoutStaleness(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))

	link.SilenceFor(1)
	_ = stage.MoveAbsolute(context.Background(), 10, Position{X: 5})
	require.True(t, stage.Stale())

	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))
	assert.False(t, stage.Stale())
}

func TestStageQueryPosition(t *testing.T) {
	stage, _ := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))
	require.NoError(t, stage.MoveAbsolute(context.Background(), 10, Position{X: 7, Y: 8, Z: -9}))

	pos, err := stage.QueryPosition(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 7, pos.X, 0.01)
	assert.InDelta(t, 8, pos.Y, 0.01)
	assert.InDelta(t, -9, pos.Z, 0.01)
}

func TestStageInjectedFault(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, stage.Home(context.Background(), Axes{X: true, Y: true, Z: true}))

	link.FailNext()
	err := stage.SetAcceleration(context.Background(), 100)
	require.Error(t, err)
	assert.True(t, errors.IsLink(err))
}

func TestStageClosedLink(t *testing.T) {
	stage, link := newTestStage()
	require.NoError(t, link.Close())

	err := stage.Home(context.Background(), Axes{X: true, Y: true, Z: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLinkClosed))
}
