package attack

import (
	"context"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

// GridScanConfig describes a probe scan over a rectangular target area at a
// fixed probe height. Steps are in millimeters.
type GridScanConfig struct {
	Start       motion.Position `json:"start"`
	End         motion.Position `json:"end"`
	StepX       float64         `json:"step_x"`
	StepY       float64         `json:"step_y"`
	Repetitions int             `json:"repetitions"`

	// MaxTemp pauses the scan and runs the cooling fan until the target
	// drops below CoolTo. Zero disables the check.
	MaxTemp float64 `json:"max_temp"`
	CoolTo  float64 `json:"cool_to"`

	// Dwell is how long the probe rests on each point per repetition.
	Dwell time.Duration `json:"-"`
}

// GridScan is the builtin probe-scan unit: it sweeps the probe across a
// grid in a boustrophedon pattern, dwelling at each point for the configured
// number of repetitions.
type GridScan struct {
	name string
	cfg  GridScanConfig
}

// NewGridScan builds a grid scan unit registered under name
func NewGridScan(name string, cfg GridScanConfig) (*GridScan, error) {
	if cfg.StepX <= 0 || cfg.StepY <= 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "GridScan", "NewGridScan", "validate step size")
	}
	if cfg.Repetitions < 1 {
		cfg.Repetitions = 1
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = 50 * time.Millisecond
	}
	return &GridScan{name: name, cfg: cfg}, nil
}

// Name implements Unit
func (g *GridScan) Name() string { return g.name }

// Run implements Unit
func (g *GridScan) Run(ctx context.Context, h Handle) error {
	points := computePositions(g.cfg.Start, g.cfg.End, g.cfg.StepX, g.cfg.StepY)
	total := len(points) * g.cfg.Repetitions
	done := 0

	logger := h.Logger()
	logger.Info("grid scan starting", "points", len(points), "repetitions", g.cfg.Repetitions)
	h.Progress(0, total)

	for _, p := range points {
		if err := g.waitForCooldown(ctx, h); err != nil {
			return err
		}
		if err := h.MoveTo(ctx, p); err != nil {
			return err
		}

		for rep := 0; rep < g.cfg.Repetitions; rep++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.cfg.Dwell):
			}

			if err := h.Pulse(ctx); err != nil {
				return err
			}
			done++
			h.Progress(done, total)
		}
	}

	logger.Info("grid scan complete", "points", len(points))
	return nil
}

// waitForCooldown blocks while the target is over the configured limit,
// running the cooling fan at full speed until it drops below CoolTo.
func (g *GridScan) waitForCooldown(ctx context.Context, h Handle) error {
	if g.cfg.MaxTemp <= 0 {
		return nil
	}
	temp, ok := h.Temperature()
	if !ok || temp < g.cfg.MaxTemp {
		return nil
	}

	h.Logger().Warn("target over temperature, cooling", "temp", temp, "limit", g.cfg.MaxTemp)
	h.Emit("cooling_start", map[string]any{"temp": temp})
	if err := h.SetFanSpeed(ctx, 255); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		temp, ok = h.Temperature()
		if !ok || temp <= g.cfg.CoolTo {
			break
		}
	}

	if err := h.SetFanSpeed(ctx, 0); err != nil {
		return err
	}
	h.Emit("cooling_done", map[string]any{"temp": temp})
	return nil
}

// computePositions lays out the scan grid in a boustrophedon pattern:
// successive rows alternate direction so the probe never retraces a full
// row width between rows.
func computePositions(start, end motion.Position, stepX, stepY float64) []motion.Position {
	xs := axisSteps(start.X, end.X, stepX)
	ys := axisSteps(start.Y, end.Y, stepY)

	points := make([]motion.Position, 0, len(xs)*len(ys))
	for row, y := range ys {
		if row%2 == 0 {
			for _, x := range xs {
				points = append(points, motion.Position{X: x, Y: y, Z: start.Z})
			}
		} else {
			for i := len(xs) - 1; i >= 0; i-- {
				points = append(points, motion.Position{X: xs[i], Y: y, Z: start.Z})
			}
		}
	}
	return points
}

// axisSteps enumerates coordinates from a to b inclusive at the given step,
// in either direction.
func axisSteps(a, b, step float64) []float64 {
	if step <= 0 {
		return []float64{a}
	}
	if b < a {
		step = -step
	}

	var out []float64
	const eps = 1e-9
	if step > 0 {
		for v := a; v <= b+eps; v += step {
			out = append(out, v)
		}
	} else {
		for v := a; v >= b-eps; v += step {
			out = append(out, v)
		}
	}
	return out
}
