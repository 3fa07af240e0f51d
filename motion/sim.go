package motion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// SimLink is an in-process stand-in for a Marlin controller. It interprets
// the command subset the station uses, tracks a virtual position, and
// acknowledges after a configurable delay. Faults can be injected to
// exercise timeout and error paths.
type SimLink struct {
	ackDelay time.Duration

	mu       sync.Mutex
	pos      Position
	home     Position
	relative bool
	closed   bool

	failNext  bool
	silentFor int // commands that get no ack at all
}

// NewSimLink creates a simulated controller. home is the position reported
// after a homing cycle; ackDelay is applied before every acknowledgement.
func NewSimLink(home Position, ackDelay time.Duration) *SimLink {
	return &SimLink{home: home, ackDelay: ackDelay}
}

// FailNext makes the next command return a link error
func (l *SimLink) FailNext() {
	l.mu.Lock()
	l.failNext = true
	l.mu.Unlock()
}

// SilenceFor makes the next n commands time out without acknowledgement
func (l *SimLink) SilenceFor(n int) {
	l.mu.Lock()
	l.silentFor = n
	l.mu.Unlock()
}

// VirtualPosition returns the simulated controller's own coordinates
func (l *SimLink) VirtualPosition() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos
}

// SendAwait interprets one command line against the virtual controller
func (l *SimLink) SendAwait(ctx context.Context, line string) (Response, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Response{}, errors.WrapLink(errors.ErrLinkClosed, "SimLink", "SendAwait", "send")
	}
	if l.failNext {
		l.failNext = false
		l.mu.Unlock()
		return Response{}, errors.WrapLink(errors.New("injected fault"), "SimLink", "SendAwait", "write command")
	}
	if l.silentFor > 0 {
		l.silentFor--
		l.mu.Unlock()
		return Response{}, errors.WrapLink(errors.ErrLinkTimeout, "SimLink", "SendAwait", "await acknowledgement")
	}

	resp := l.interpret(line)
	l.mu.Unlock()

	if l.ackDelay > 0 {
		select {
		case <-time.After(l.ackDelay):
		case <-ctx.Done():
			return Response{}, errors.WrapLink(ctx.Err(), "SimLink", "SendAwait", "await acknowledgement")
		}
	}
	return resp, nil
}

// interpret mutates the virtual state for one command. Caller holds mu.
func (l *SimLink) interpret(line string) Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{}
	}

	switch fields[0] {
	case "G28":
		axes := Axes{}
		for _, f := range fields[1:] {
			switch f {
			case "X":
				axes.X = true
			case "Y":
				axes.Y = true
			case "Z":
				axes.Z = true
			}
		}
		if !axes.Any() {
			axes = Axes{X: true, Y: true, Z: true}
		}
		if axes.X {
			l.pos.X = l.home.X
		}
		if axes.Y {
			l.pos.Y = l.home.Y
		}
		if axes.Z {
			l.pos.Z = l.home.Z
		}

	case "G0", "G1":
		var target Position
		if l.relative {
			target = Position{}
		} else {
			target = l.pos
		}
		for _, f := range fields[1:] {
			if len(f) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(f[1:], 64)
			if err != nil {
				continue
			}
			switch f[0] {
			case 'X':
				target.X = v
			case 'Y':
				target.Y = v
			case 'Z':
				target.Z = v
			}
		}
		if l.relative {
			l.pos = l.pos.Add(target)
		} else {
			l.pos = target
		}

	case "G90":
		l.relative = false
	case "G91":
		l.relative = true

	case "M114":
		report := fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:0.00 Count X:0 Y:0 Z:0",
			l.pos.X, l.pos.Y, l.pos.Z)
		return Response{Lines: []string{report}}
	}

	// M400, M410, M204, M106 and anything unrecognized just ack
	return Response{}
}

// Clear is a no-op for the simulator
func (l *SimLink) Clear() error { return nil }

// Close marks the simulated link closed
func (l *SimLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
