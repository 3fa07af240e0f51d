// Package bus publishes station activity to a lab-wide NATS bus. The bus is
// optional: with no URL configured every publish is a no-op, and a dropped
// connection never blocks the orchestrator.
package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fgsect/EM-Fault-It-Yourself/config"
	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

const (
	// SubjectState carries state snapshots on every change
	SubjectState = "emfi.state"

	// SubjectAttackEvents carries attack run events
	SubjectAttackEvents = "emfi.attack.events"
)

// Bus is a fire-and-forget publisher over an optional NATS connection
type Bus struct {
	nc      *nats.Conn
	enabled bool
	logger  *slog.Logger
}

// Connect establishes the NATS connection described by cfg. An empty URL
// returns a disabled bus that swallows every publish.
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	if cfg.URL == "" {
		logger.Info("event bus disabled")
		return &Bus{enabled: false, logger: logger}, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Std()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapLink(err, "Bus", "Connect", "connect to "+cfg.URL)
	}

	logger.Info("event bus connected", "url", cfg.URL)
	return &Bus{nc: nc, enabled: true, logger: logger}, nil
}

// Enabled reports whether publishes reach a real connection
func (b *Bus) Enabled() bool { return b.enabled }

// PublishState sends a state snapshot. Failures are logged, never returned:
// the bus is observability, not control flow.
func (b *Bus) PublishState(snapshot any) {
	b.publish(SubjectState, snapshot)
}

// PublishAttackEvent sends one attack run event
func (b *Bus) PublishAttackEvent(attack, event string, fields map[string]any) {
	payload := map[string]any{
		"attack": attack,
		"event":  event,
		"time":   time.Now().UTC(),
	}
	for k, v := range fields {
		payload[k] = v
	}
	b.publish(SubjectAttackEvents, payload)
}

func (b *Bus) publish(subject string, v any) {
	if b == nil || !b.enabled {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal failed", "subject", subject, "error", err)
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

// Close drains and closes the connection
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("drain failed", "error", err)
		b.nc.Close()
	}
}
