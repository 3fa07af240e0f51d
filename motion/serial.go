package motion

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// SerialLink talks to a Marlin controller over a serial port. Commands are
// newline-terminated; the controller answers with zero or more report lines
// followed by an "ok" acknowledgement. Long operations emit periodic
// "echo:busy" keepalives, each of which restarts the quiet window.
type SerialLink struct {
	port       serial.Port
	reader     *bufio.Reader
	ackTimeout time.Duration
	logger     *slog.Logger

	mu     sync.Mutex // one command in flight
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

// SerialConfig holds the parameters for opening a controller port
type SerialConfig struct {
	Device     string
	BaudRate   int
	AckTimeout time.Duration
}

// OpenSerial opens the controller's serial device and starts the read loop.
// Marlin resets on connect; the caller should expect the first homing to be
// required before any coordinates are trusted.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*SerialLink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, errors.WrapLink(err, "SerialLink", "OpenSerial", "open port")
	}

	l := &SerialLink{
		port:       port,
		reader:     bufio.NewReader(port),
		ackTimeout: cfg.AckTimeout,
		logger:     logger.With("component", "serial", "device", cfg.Device),
		lines:      make(chan string, 64),
		closed:     make(chan struct{}),
	}

	go l.readLoop()
	return l, nil
}

// readLoop pumps controller output lines into the lines channel until the
// port errors or the link is closed.
func (l *SerialLink) readLoop() {
	defer close(l.lines)
	for {
		line, err := l.reader.ReadString('\n')
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.logger.Error("read failed", "error", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		select {
		case l.lines <- line:
		case <-l.closed:
			return
		}
	}
}

// SendAwait transmits one command line and collects report lines until the
// controller acknowledges. Each received line, including busy keepalives,
// restarts the quiet window; a full window with no output at all is a link
// timeout.
func (l *SerialLink) SendAwait(ctx context.Context, line string) (Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.closed:
		return Response{}, errors.WrapLink(errors.ErrLinkClosed, "SerialLink", "SendAwait", "send")
	default:
	}

	if _, err := l.port.Write([]byte(line + "\n")); err != nil {
		return Response{}, errors.WrapLink(err, "SerialLink", "SendAwait", "write command")
	}
	l.logger.Debug("sent", "command", line)

	var resp Response
	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return resp, errors.WrapLink(ctx.Err(), "SerialLink", "SendAwait", "await acknowledgement")

		case <-timer.C:
			return resp, errors.WrapLink(errors.ErrLinkTimeout, "SerialLink", "SendAwait", "await acknowledgement")

		case rx, ok := <-l.lines:
			if !ok {
				return resp, errors.WrapLink(errors.ErrLinkClosed, "SerialLink", "SendAwait", "read response")
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.ackTimeout)

			switch {
			case IsAck(rx):
				return resp, nil
			case IsBusy(rx):
				l.logger.Debug("controller busy", "command", line)
			default:
				resp.Lines = append(resp.Lines, rx)
			}
		}
	}
}

// Clear drains any buffered controller output
func (l *SerialLink) Clear() error {
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

// Close shuts down the read loop and releases the port
func (l *SerialLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.port.Close()
	})
	return err
}
