package script

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/vars"
)

// taskValue is the script-level task handle: an opaque wrapper over the
// registry arena index. Configs pass handles as dependency references, so a
// dependency can only name an already-registered task.
type taskValue struct {
	id   int
	host *Host
}

var _ starlark.Value = (*taskValue)(nil)

func (t *taskValue) String() string {
	task := t.host.registry.Task(t.id)
	if task.Name != "" {
		return fmt.Sprintf("<task %s>", task.Name)
	}
	return fmt.Sprintf("<task #%d>", t.id)
}

func (t *taskValue) Type() string          { return "task" }
func (t *taskValue) Freeze()               {}
func (t *taskValue) Truth() starlark.Bool  { return starlark.True }
func (t *taskValue) Hash() (uint32, error) { return uint32(t.id)*2654435761 + 1, nil }

// sigilKind tags the three outcome sigils.
type sigilKind int

const (
	sigilSuccess sigilKind = iota
	sigilCancel
	sigilFail
)

// sigil is a host-owned marker value returned from task bodies. The engine
// recognizes sigils by tag, never by message text.
type sigil struct {
	kind   sigilKind
	reason string
}

var _ starlark.Value = (*sigil)(nil)

func (s *sigil) String() string {
	switch s.kind {
	case sigilSuccess:
		return "<success>"
	case sigilCancel:
		return "<cancel>"
	default:
		return "<fail>"
	}
}

func (s *sigil) Type() string          { return "outcome" }
func (s *sigil) Freeze()               {}
func (s *sigil) Truth() starlark.Bool  { return starlark.Bool(s.kind == sigilSuccess) }
func (s *sigil) Hash() (uint32, error) { return uint32(s.kind) + 7, nil }

func builtinSuccess(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return &sigil{kind: sigilSuccess}, nil
}

func builtinCancel(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
		return nil, err
	}
	return &sigil{kind: sigilCancel, reason: reason}, nil
}

func builtinFail(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason", &reason); err != nil {
		return nil, err
	}
	return &sigil{kind: sigilFail, reason: reason}, nil
}

// varsValue exposes the variable mapping to scripts. Reads go through the
// precedence chain; assignments install script defaults, which CLI and file
// values override.
type varsValue struct {
	vars *vars.Variables
}

var (
	_ starlark.Value     = (*varsValue)(nil)
	_ starlark.Mapping   = (*varsValue)(nil)
	_ starlark.HasSetKey = (*varsValue)(nil)
)

func (v *varsValue) String() string        { return "<vars>" }
func (v *varsValue) Type() string          { return "vars" }
func (v *varsValue) Freeze()               {}
func (v *varsValue) Truth() starlark.Bool  { return starlark.True }
func (v *varsValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: vars") }

// Get implements vars["key"].
func (v *varsValue) Get(key starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(key)
	if !ok {
		return nil, false, fmt.Errorf("vars keys are strings, got %s", key.Type())
	}
	val, err := v.vars.Get(name)
	if err != nil {
		return nil, false, err
	}
	sv, err := ToStarlark(val)
	if err != nil {
		return nil, false, err
	}
	return sv, true, nil
}

// SetKey implements vars["key"] = value, installing a script default.
func (v *varsValue) SetKey(key, val starlark.Value) error {
	name, ok := starlark.AsString(key)
	if !ok {
		return fmt.Errorf("vars keys are strings, got %s", key.Type())
	}
	gv, err := FromStarlark(val)
	if err != nil {
		return err
	}
	v.vars.SetDefault(name, gv)
	return nil
}
