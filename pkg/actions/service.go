package actions

import (
	"fmt"
	"sort"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	"go.starlark.net/starlark"
)

// serviceValue is the handle returned by systemd(unit): system D-Bus control
// of one service unit.
type serviceValue struct {
	unit    string
	actions *Actions
}

var (
	_ starlark.Value    = (*serviceValue)(nil)
	_ starlark.HasAttrs = (*serviceValue)(nil)
)

func (s *serviceValue) String() string        { return fmt.Sprintf("<systemd %s>", s.unit) }
func (s *serviceValue) Type() string          { return "systemd_service" }
func (s *serviceValue) Freeze()               {}
func (s *serviceValue) Truth() starlark.Bool  { return starlark.True }
func (s *serviceValue) Hash() (uint32, error) { return starlark.String(s.unit).Hash() }

func (s *serviceValue) AttrNames() []string {
	names := []string{"start", "stop", "restart", "reload", "enable", "disable", "status"}
	sort.Strings(names)
	return names
}

func (s *serviceValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "start", "stop", "restart", "reload":
		verb := name
		return starlark.NewBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return s.control(verb)
		}), nil
	case "enable", "disable":
		verb := name
		return starlark.NewBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return s.setEnabled(verb == "enable")
		}), nil
	case "status":
		return starlark.NewBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return s.status()
		}), nil
	}
	return nil, nil
}

// builtinSystemd implements systemd(unit).
func (a *Actions) builtinSystemd(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var unit string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "unit", &unit); err != nil {
		return nil, err
	}
	return &serviceValue{unit: unit, actions: a}, nil
}

func (s *serviceValue) connect() (*systemd.Conn, error) {
	ctx, cancel := actionContext(0)
	defer cancel()
	conn, err := systemd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd: connecting to system bus: %w", err)
	}
	return conn, nil
}

// control drives a start/stop/restart/reload job and waits for its result.
func (s *serviceValue) control(verb string) (starlark.Value, error) {
	s.actions.begin("systemd", fmt.Sprintf("systemd %s %s", verb, s.unit))
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := actionContext(0)
	defer cancel()
	done := make(chan string, 1)
	switch verb {
	case "start":
		_, err = conn.StartUnitContext(ctx, s.unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, s.unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, s.unit, "replace", done)
	case "reload":
		_, err = conn.ReloadUnitContext(ctx, s.unit, "replace", done)
	}
	if err != nil {
		return nil, fmt.Errorf("systemd %s %s: %w", verb, s.unit, err)
	}
	result := <-done
	if result != "done" {
		return nil, fmt.Errorf("systemd %s %s: job result %q", verb, s.unit, result)
	}
	s.actions.end("systemd", true, "")
	return s, nil
}

func (s *serviceValue) setEnabled(enable bool) (starlark.Value, error) {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	s.actions.begin("systemd", fmt.Sprintf("systemd %s %s", verb, s.unit))
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := actionContext(0)
	defer cancel()
	var changed bool
	if enable {
		_, changes, err := conn.EnableUnitFilesContext(ctx, []string{s.unit}, false, true)
		if err != nil {
			return nil, fmt.Errorf("systemd enable %s: %w", s.unit, err)
		}
		changed = len(changes) > 0
	} else {
		changes, err := conn.DisableUnitFilesContext(ctx, []string{s.unit}, false)
		if err != nil {
			return nil, fmt.Errorf("systemd disable %s: %w", s.unit, err)
		}
		changed = len(changes) > 0
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return nil, fmt.Errorf("systemd daemon-reload: %w", err)
	}
	s.actions.end("systemd", changed, "")
	return s, nil
}

func (s *serviceValue) status() (starlark.Value, error) {
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := actionContext(0)
	defer cancel()
	units, err := conn.ListUnitsByNamesContext(ctx, []string{s.unit})
	if err != nil {
		return nil, fmt.Errorf("systemd status %s: %w", s.unit, err)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("systemd status %s: unit not found", s.unit)
	}
	u := units[0]
	return statusDict(map[string]starlark.Value{
		"name":   starlark.String(u.Name),
		"active": starlark.String(u.ActiveState),
		"load":   starlark.String(u.LoadState),
		"sub":    starlark.String(u.SubState),
	}), nil
}
