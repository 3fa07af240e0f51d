package session

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
)

// Server exposes the control surface: /ws for operator sessions, /metrics
// for Prometheus, /healthz for liveness probes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	listenErr  chan error
	boundAddr  string
}

// NewServer wires the broadcaster into an HTTP server on addr. registry may
// be nil, in which case /metrics is not served.
func NewServer(addr string, b *Broadcaster, registry *metric.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if registry != nil {
		mux.Handle("/metrics", registry.Handler())
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:    logger.With("component", "server"),
		listenErr: make(chan error, 1),
	}
}

// Start begins serving. The returned error covers bind failures only;
// later serve errors surface through Err.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.httpServer.Addr)
	}

	s.boundAddr = ln.Addr().String()
	s.logger.Info("listening", "addr", s.boundAddr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.listenErr <- err
		}
		close(s.listenErr)
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded
func (s *Server) Addr() string {
	return s.boundAddr
}

// Err reports an asynchronous serve failure; the channel closes on shutdown
func (s *Server) Err() <-chan error {
	return s.listenErr
}

// Stop drains in-flight requests within timeout
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
