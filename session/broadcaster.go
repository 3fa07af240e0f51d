// Package session fans the station's state and sensor frames out to any
// number of WebSocket operator sessions and feeds their commands into the
// orchestrator queue. A slow session loses frames and is eventually
// disconnected; it never slows another session or the orchestrator.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
	"github.com/fgsect/EM-Fault-It-Yourself/orchestrator"
	"github.com/fgsect/EM-Fault-It-Yourself/sensor"
)

// frameStaleAfter flags a frame as stale on the wire when the capture is
// older than this.
const frameStaleAfter = 2 * time.Second

// Metrics holds Prometheus metrics for the session broadcaster
type Metrics struct {
	sessionsGauge   prometheus.Gauge
	messagesTotal   *prometheus.CounterVec
	framesDropped   prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	disconnectTotal prometheus.Counter
}

// NewMetrics creates and registers session metrics.
// Returns nil when registry is nil.
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Connected operator sessions",
		}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Messages sent to sessions by type",
		}, []string{"type"}),

		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Frames skipped because a session was mid-write",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands received from sessions by result",
		}, []string{"result"}),

		disconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Sessions dropped after a failed or timed-out write",
		}),
	}

	registry.MustRegister(m.sessionsGauge, m.messagesTotal, m.framesDropped,
		m.commandsTotal, m.disconnectTotal)
	return m
}

// client is one connected operator session
type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	subMu sync.Mutex
	subs  map[string]bool // source -> subscribed
}

func (c *client) subscribed(source string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subs[source]
}

func (c *client) setSubscribed(source string, on bool) {
	c.subMu.Lock()
	c.subs[source] = on
	c.subMu.Unlock()
}

// Broadcaster owns the session set and all fan-out
type Broadcaster struct {
	orch          *orchestrator.Orchestrator
	upgrader      websocket.Upgrader
	writeTimeout  time.Duration
	stateInterval time.Duration
	logger        *slog.Logger
	metrics       *Metrics
	sources       []string

	mu      sync.RWMutex
	clients map[*client]struct{}

	stateCh chan orchestrator.StateSnapshot
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Options configures a broadcaster. Sources is the sensor hub's source list;
// new sessions start subscribed to every source.
type Options struct {
	Orchestrator  *orchestrator.Orchestrator
	Sources       []string
	WriteTimeout  time.Duration
	StateInterval time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

// NewBroadcaster creates a broadcaster; Start must be called before serving
func NewBroadcaster(opts Options) *Broadcaster {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	b := &Broadcaster{
		orch: opts.Orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout:  opts.WriteTimeout,
		stateInterval: opts.StateInterval,
		logger:        logger.With("component", "session"),
		metrics:       opts.Metrics,
		sources:       opts.Sources,
		clients:       make(map[*client]struct{}),
		stateCh:       make(chan orchestrator.StateSnapshot, 1),
	}
	return b
}

// SetSources replaces the source list new sessions subscribe to. Must be
// called before the server starts accepting sessions.
func (b *Broadcaster) SetSources(names []string) {
	b.sources = names
}

// Start launches the state pump and hooks the broadcaster into the
// orchestrator's change notifications.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Broadcaster", "Start", "start")
	}
	b.started = true

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.orch.Subscribe(b.queueState)

	b.wg.Add(1)
	go b.statePump()
	return nil
}

// queueState coalesces snapshots: only the latest unbroadcast one is kept,
// so the orchestrator loop never waits on session writes.
func (b *Broadcaster) queueState(snap orchestrator.StateSnapshot) {
	for {
		select {
		case b.stateCh <- snap:
			return
		default:
			select {
			case <-b.stateCh:
			default:
			}
		}
	}
}

// statePump broadcasts queued snapshots and re-sends the last one on the
// configured interval so late or lossy sessions converge.
func (b *Broadcaster) statePump() {
	defer b.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if b.stateInterval > 0 {
		ticker = time.NewTicker(b.stateInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case snap := <-b.stateCh:
			b.broadcastState(snap)
		case <-tick:
			b.broadcastState(b.orch.Snapshot())
		}
	}
}

func (b *Broadcaster) broadcastState(snap orchestrator.StateSnapshot) {
	msg := stateMsg{Type: "state", State: snap}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.write(c, msg, "state")
	}
}

// FrameSink receives frames from the sensor hub. It runs on the capture
// goroutines and must not block: a session that is mid-write simply misses
// this frame and catches up with the next one.
func (b *Broadcaster) FrameSink(frame sensor.Frame) {
	msg := frameMsg{
		Type:  frame.Source,
		Seq:   frame.Seq,
		Image: frame.Payload,
		Stale: time.Since(frame.Captured) > frameStaleAfter,
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.subscribed(frame.Source) {
			continue
		}
		if !c.writeMu.TryLock() {
			if b.metrics != nil {
				b.metrics.framesDropped.Inc()
			}
			continue
		}
		b.writeLocked(c, msg, "frame")
	}
}

// write sends one message to one session, blocking on its write mutex
func (b *Broadcaster) write(c *client, v any, kind string) {
	c.writeMu.Lock()
	b.writeLocked(c, v, kind)
}

// writeLocked completes a send started with the write mutex held
func (b *Broadcaster) writeLocked(c *client, v any, kind string) {
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		b.drop(c, err)
		return
	}
	if b.metrics != nil {
		b.metrics.messagesTotal.WithLabelValues(kind).Inc()
	}
}

// drop disconnects a session after a failed write. The orchestrator is
// untouched; a running attack keeps running.
func (b *Broadcaster) drop(c *client, cause error) {
	c.once.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()

		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()

		if b.metrics != nil {
			b.metrics.sessionsGauge.Dec()
			if cause != nil {
				b.metrics.disconnectTotal.Inc()
			}
		}
		if cause != nil {
			b.logger.Info("session dropped", "remote", c.conn.RemoteAddr().String(), "error", cause)
		} else {
			b.logger.Info("session closed", "remote", c.conn.RemoteAddr().String())
		}
	})
}

// HandleWS upgrades one HTTP request into an operator session
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, subs: make(map[string]bool, len(b.sources))}
	for _, source := range b.sources {
		c.subs[source] = true
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.sessionsGauge.Inc()
	}
	b.logger.Info("session connected", "remote", conn.RemoteAddr().String())

	// current state straight away so the client can render
	b.write(c, stateMsg{Type: "state", State: b.orch.Snapshot()}, "state")

	b.readLoop(c)
}

// readLoop handles one session's inbound messages until disconnect
func (b *Broadcaster) readLoop(c *client) {
	defer b.drop(c, nil)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.sendError(c, errors.ErrMalformedCommand.Error())
			continue
		}

		switch msg.Type {
		case "command":
			b.handleCommand(c, msg, raw)
		case "subscribe":
			c.setSubscribed(msg.Source, true)
		case "unsubscribe":
			c.setSubscribed(msg.Source, false)
		default:
			b.sendError(c, "unknown message type "+msg.Type)
		}
	}
}

// handleCommand validates and forwards one command; failures go back to the
// originating session only.
func (b *Broadcaster) handleCommand(c *client, msg inbound, raw []byte) {
	if msg.Cmd == "" {
		b.commandResult("malformed")
		b.sendError(c, errors.ErrMalformedCommand.Error())
		return
	}

	call, err := decodeCommand(msg.Cmd, raw)
	if err != nil {
		b.commandResult("malformed")
		b.sendError(c, err.Error())
		return
	}

	if err := call(b); err != nil {
		if errors.IsRejected(err) {
			b.commandResult("rejected")
		} else {
			b.commandResult("failed")
		}
		b.sendError(c, err.Error())
		return
	}
	b.commandResult("ok")
}

func (b *Broadcaster) commandResult(result string) {
	if b.metrics != nil {
		b.metrics.commandsTotal.WithLabelValues(result).Inc()
	}
}

func (b *Broadcaster) sendError(c *client, message string) {
	b.write(c, errorMsg{Type: "error", Message: message}, "error")
}

// Stop closes every session and stops the state pump
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		b.drop(c, nil)
	}
	b.wg.Wait()
}
