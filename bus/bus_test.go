package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/EM-Fault-It-Yourself/config"
)

func TestDisabledBusSwallowsPublishes(t *testing.T) {
	b, err := Connect(config.NATSConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, b.Enabled())

	// none of these may panic or block
	b.PublishState(map[string]any{"mode": "idle"})
	b.PublishAttackEvent("probe-scan", "pulse", map[string]any{"x": 1.0})
	b.Close()
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.PublishState(nil)
	b.PublishAttackEvent("", "", nil)
	b.Close()
}
