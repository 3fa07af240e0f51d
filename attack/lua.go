package attack

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
)

// LuaUnit is an attack defined by a Lua script. The script sets a global
// `name` string and defines a global `run` function; inside run it can call
//
//	home()                -- home all axes
//	move(x, y, z)         -- absolute stage move, blocks until complete
//	moveby(x, y, z)       -- relative stage move
//	position()            -- returns x, y, z
//	pulse()               -- fire one EM pulse at the current position
//	temperature()         -- returns temp, ok
//	fan(speed)            -- cooling fan 0-255
//	progress(done, total) -- report run progress
//	emit(event)           -- record an attack event
//	log(message)          -- write to the run log
//
// Each run executes in a fresh interpreter state; scripts cannot carry state
// between runs.
type LuaUnit struct {
	name string
	path string
}

// LoadScript validates a script and extracts its declared name
func LoadScript(path string) (*LuaUnit, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	if err := lua.DoFile(l, path); err != nil {
		return nil, errors.WrapFatal(err, "LuaUnit", "LoadScript", "execute "+path)
	}

	l.Global("name")
	name, ok := l.ToString(-1)
	l.Pop(1)
	if !ok || name == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "LuaUnit", "LoadScript",
			"read name global from "+path)
	}

	l.Global("run")
	if !l.IsFunction(-1) {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "LuaUnit", "LoadScript",
			"find run function in "+path)
	}
	l.Pop(1)

	return &LuaUnit{name: name, path: path}, nil
}

// Name implements Unit
func (u *LuaUnit) Name() string { return u.name }

// Run implements Unit. The script is reloaded into a fresh state so edits
// between runs take effect without a restart.
func (u *LuaUnit) Run(ctx context.Context, h Handle) error {
	l := lua.NewState()
	lua.OpenLibraries(l)
	u.bind(l, ctx, h)

	if err := lua.DoFile(l, u.path); err != nil {
		return errors.WrapFatal(err, "LuaUnit", "Run", "execute "+u.path)
	}

	l.Global("run")
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapFatal(err, "LuaUnit", "Run", "run "+u.name)
	}
	return nil
}

// bind installs the handle-backed functions scripts call
func (u *LuaUnit) bind(l *lua.State, ctx context.Context, h Handle) {
	fail := func(l *lua.State, err error) int {
		lua.Errorf(l, "%s", err.Error())
		panic("unreachable")
	}

	l.Register("home", func(l *lua.State) int {
		if err := h.Home(ctx, motion.Axes{X: true, Y: true, Z: true}); err != nil {
			return fail(l, err)
		}
		return 0
	})

	l.Register("moveby", func(l *lua.State) int {
		delta := motion.Position{
			X: lua.CheckNumber(l, 1),
			Y: lua.CheckNumber(l, 2),
			Z: lua.CheckNumber(l, 3),
		}
		if err := h.MoveBy(ctx, delta); err != nil {
			return fail(l, err)
		}
		return 0
	})

	l.Register("pulse", func(l *lua.State) int {
		if err := h.Pulse(ctx); err != nil {
			return fail(l, err)
		}
		return 0
	})

	l.Register("move", func(l *lua.State) int {
		target := motion.Position{
			X: lua.CheckNumber(l, 1),
			Y: lua.CheckNumber(l, 2),
			Z: lua.CheckNumber(l, 3),
		}
		if err := h.MoveTo(ctx, target); err != nil {
			return fail(l, err)
		}
		return 0
	})

	l.Register("position", func(l *lua.State) int {
		p := h.Position()
		l.PushNumber(p.X)
		l.PushNumber(p.Y)
		l.PushNumber(p.Z)
		return 3
	})

	l.Register("temperature", func(l *lua.State) int {
		temp, ok := h.Temperature()
		l.PushNumber(temp)
		l.PushBoolean(ok)
		return 2
	})

	l.Register("fan", func(l *lua.State) int {
		speed := lua.CheckInteger(l, 1)
		if err := h.SetFanSpeed(ctx, speed); err != nil {
			return fail(l, err)
		}
		return 0
	})

	l.Register("progress", func(l *lua.State) int {
		h.Progress(lua.CheckInteger(l, 1), lua.CheckInteger(l, 2))
		return 0
	})

	l.Register("emit", func(l *lua.State) int {
		h.Emit(lua.CheckString(l, 1), nil)
		return 0
	})

	l.Register("log", func(l *lua.State) int {
		h.Logger().Info(lua.CheckString(l, 1))
		return 0
	})
}

// LoadScriptDir registers every .lua script found directly in dir. A script
// whose declared name collides with an already registered unit aborts
// startup via the registry's duplicate check.
func LoadScriptDir(dir string, registry *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapFatal(err, "LuaUnit", "LoadScriptDir", "read "+dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		unit, err := LoadScript(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := registry.Register(unit); err != nil {
			return err
		}
	}
	return nil
}
