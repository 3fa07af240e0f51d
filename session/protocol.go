package session

import (
	"encoding/json"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
	"github.com/fgsect/EM-Fault-It-Yourself/orchestrator"
)

// inbound is one client message. Type "command" names the command in "cmd"
// and carries its arguments as top-level fields; "subscribe"/"unsubscribe"
// adjust the session's source set.
type inbound struct {
	Type   string `json:"type"`
	Cmd    string `json:"cmd,omitempty"`
	Source string `json:"source,omitempty"`
}

// command arguments, decoded from the full message
type homeCmd struct {
	X bool `json:"x"`
	Y bool `json:"y"`
	Z bool `json:"z"`
}

type motionCmd struct {
	Speed float64 `json:"speed"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

type joystickCmd struct {
	Speed float64 `json:"speed"`
	Step  float64 `json:"step"`
}

type jogCmd struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

type attackCmd struct {
	Name string `json:"name"`
}

type safeZCmd struct {
	Z float64 `json:"z"`
}

// outbound message envelopes
type stateMsg struct {
	Type  string                     `json:"type"`
	State orchestrator.StateSnapshot `json:"state"`
}

type frameMsg struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq"`
	Image []byte `json:"image"` // base64 on the wire
	Stale bool   `json:"stale"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// decodeCommand maps a named command and its raw message onto an
// orchestrator call. Arguments live at the top level of the message.
func decodeCommand(name string, raw []byte) (func(*Broadcaster) error, error) {
	malformed := func() (func(*Broadcaster) error, error) {
		return nil, errors.WrapRejected(errors.ErrMalformedCommand, "Broadcaster", "decodeCommand",
			"parse "+name+" arguments")
	}

	switch name {
	case "home":
		var c homeCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.Home(b.ctx, motion.Axes{X: c.X, Y: c.Y, Z: c.Z})
		}, nil

	case "step":
		var c motionCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.Step(b.ctx, c.Speed, motion.Position{X: c.X, Y: c.Y, Z: c.Z})
		}, nil

	case "move":
		var c motionCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.MoveAbsolute(b.ctx, c.Speed, motion.Position{X: c.X, Y: c.Y, Z: c.Z})
		}, nil

	case "enableJoystick":
		var c joystickCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.EnableJoystick(b.ctx, c.Speed, c.Step)
		}, nil

	case "disableJoystick":
		return func(b *Broadcaster) error {
			return b.orch.DisableJoystick(b.ctx)
		}, nil

	case "jog":
		var c jogCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.Jog(b.ctx, c.X, c.Y, c.Z)
		}, nil

	case "startAttack":
		var c attackCmd
		if err := json.Unmarshal(raw, &c); err != nil || c.Name == "" {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.StartAttack(b.ctx, c.Name)
		}, nil

	case "stopAttack":
		return func(b *Broadcaster) error {
			return b.orch.StopAttack(b.ctx)
		}, nil

	case "safeZ":
		var c safeZCmd
		if err := json.Unmarshal(raw, &c); err != nil {
			return malformed()
		}
		return func(b *Broadcaster) error {
			return b.orch.SetSafeZ(b.ctx, c.Z)
		}, nil

	default:
		return nil, errors.WrapRejected(errors.ErrMalformedCommand, "Broadcaster", "decodeCommand",
			"recognize command "+name)
	}
}
