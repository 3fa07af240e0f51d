package motion

import (
	"fmt"
	"strconv"
	"strings"
)

// Marlin speaks a line-oriented G-code dialect. Every command is a single
// line; the controller answers with zero or more report lines followed by an
// "ok" acknowledgement, and emits "echo:busy: processing" keepalives while a
// long command (homing, M400) is still executing.
const (
	ackPrefix  = "ok"
	busyPrefix = "echo:busy"
)

// Axes selects a subset of the stage's three axes
type Axes struct {
	X bool `json:"x"`
	Y bool `json:"y"`
	Z bool `json:"z"`
}

// Any reports whether at least one axis is selected
func (a Axes) Any() bool {
	return a.X || a.Y || a.Z
}

// Position is a stage position in working units (mm)
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the position offset by delta
func (p Position) Add(delta Position) Position {
	return Position{X: p.X + delta.X, Y: p.Y + delta.Y, Z: p.Z + delta.Z}
}

// String formats the position the way it is shown to operators
func (p Position) String() string {
	return fmt.Sprintf("%.6f %.6f %.6f", p.X, p.Y, p.Z)
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// CmdHome builds a G28 homing command for the selected axes
func CmdHome(axes Axes) string {
	cmd := "G28"
	if axes.X {
		cmd += " X"
	}
	if axes.Y {
		cmd += " Y"
	}
	if axes.Z {
		cmd += " Z"
	}
	return cmd
}

// CmdMove builds a G0 move command. The feed rate is given in mm/s and
// converted to Marlin's integral mm/min.
func CmdMove(feedRate float64, target Position) string {
	return fmt.Sprintf("G0 F%d X%s Y%s Z%s",
		int(feedRate*60+0.5), fmtCoord(target.X), fmtCoord(target.Y), fmtCoord(target.Z))
}

// CmdRelativeMode switches between relative (G91) and absolute (G90) positioning
func CmdRelativeMode(enable bool) string {
	if enable {
		return "G91"
	}
	return "G90"
}

// CmdQueryPosition builds an M114 position report request
func CmdQueryPosition() string {
	return "M114"
}

// CmdWaitComplete builds an M400 wait-for-motion-complete command
func CmdWaitComplete() string {
	return "M400"
}

// CmdEmergencyStop builds an M410 quickstop. Motion halts immediately but the
// controller keeps accepting commands.
func CmdEmergencyStop() string {
	return "M410"
}

// CmdKill builds an M112 full shutdown. The controller requires a reboot after.
func CmdKill() string {
	return "M112"
}

// CmdAcceleration builds an M204 travel acceleration command (mm/s/s)
func CmdAcceleration(accel int) string {
	return fmt.Sprintf("M204 T%d", accel)
}

// CmdFanSpeed builds an M106 fan command. The target cooling fan sits in
// slot 2 on the station's board.
func CmdFanSpeed(slot, speed int) string {
	if speed < 0 {
		speed = 0
	}
	if speed > 255 {
		speed = 255
	}
	return fmt.Sprintf("M106 P%d S%d", slot, speed)
}

// IsAck reports whether a controller line acknowledges command completion
func IsAck(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ackPrefix)
}

// IsBusy reports whether a controller line is a busy keepalive
func IsBusy(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), busyPrefix)
}

// ParsePositionReport extracts a position from an M114 report line of the form
// "X:1.00 Y:2.00 Z:3.00 E:0.00 Count X:80 Y:160 Z:1200". Returns false when
// the line is not a position report.
func ParsePositionReport(line string) (Position, bool) {
	var pos Position
	found := 0

	for _, field := range strings.Fields(line) {
		// The report repeats axis labels after "Count"; only the first
		// occurrence carries the logical position.
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			if field == "Count" {
				break
			}
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			pos.X = f
			found++
		case "Y":
			pos.Y = f
			found++
		case "Z":
			pos.Z = f
			found++
		}
		if found == 3 {
			return pos, true
		}
	}

	return Position{}, false
}
