// Package script implements the HPG script host: a sandboxed Starlark
// interpreter with the task/target intrinsics, the outcome sigils, the vars
// mapping, and whatever action builtins get installed at construction.
//
// The host runs in two phases. LoadConfig executes the root config, during
// which task() and target() register into the engine registry without running
// any bodies. RunBody re-enters the interpreter for one task body during the
// Execution phase; task() and target() are runtime errors from then on.
package script

import (
	"fmt"
	"os"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/vars"
)

// phase tracks where the host is in its lifecycle.
type phase int

const (
	phaseDefining phase = iota
	phaseExecuting
)

// Host owns the interpreter state. It is not safe for concurrent use; the
// executor drives it from a single goroutine.
type Host struct {
	registry *engine.Registry
	vars     *vars.Variables
	sink     events.Sink

	bodies      map[int]starlark.Callable
	predeclared starlark.StringDict
	phase       phase
}

// Option configures a Host at construction.
type Option func(*Host)

// WithBuiltin installs an extra predeclared builtin, typically an action.
func WithBuiltin(name string, fn *starlark.Builtin) Option {
	return func(h *Host) { h.predeclared[name] = fn }
}

// WithValue installs an extra predeclared value, such as a capability table.
func WithValue(name string, v starlark.Value) Option {
	return func(h *Host) { h.predeclared[name] = v }
}

// New constructs a host around the registry, variables, and sink.
func New(reg *engine.Registry, v *vars.Variables, sink events.Sink, opts ...Option) *Host {
	h := &Host{
		registry:    reg,
		vars:        v,
		sink:        sink,
		bodies:      map[int]starlark.Callable{},
		predeclared: starlark.StringDict{},
	}

	h.predeclared["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	h.predeclared["task"] = starlark.NewBuiltin("task", h.builtinTask)
	h.predeclared["target"] = starlark.NewBuiltin("target", h.builtinTarget)
	h.predeclared["success"] = starlark.NewBuiltin("success", builtinSuccess)
	h.predeclared["cancel"] = starlark.NewBuiltin("cancel", builtinCancel)
	h.predeclared["fail"] = starlark.NewBuiltin("fail", builtinFail)
	h.predeclared["echo"] = starlark.NewBuiltin("echo", h.builtinEcho)
	h.predeclared["vars"] = &varsValue{vars: v}

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sink returns the event sink actions should emit into.
func (h *Host) Sink() events.Sink {
	return h.sink
}

func (h *Host) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			h.sink.Emit(events.Logf("info", msg))
		},
	}
}

// LoadConfig runs the Definition phase: execute the config file, resolve task
// names from the global bindings, and seal the registry.
func (h *Host) LoadConfig(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return engine.NewError(engine.ErrConfigParse,
			fmt.Sprintf("reading config %s", path), err)
	}

	globals, err := starlark.ExecFile(h.newThread(path), path, src, h.predeclared)
	if err != nil {
		return engine.NewError(engine.ErrConfigParse,
			fmt.Sprintf("config %s", path), scriptError(err))
	}

	// Task identity comes from the global binding name. Iterate sorted so
	// duplicate-binding errors are deterministic.
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tv, ok := globals[name].(*taskValue)
		if !ok {
			continue
		}
		if err := h.registry.Resolve(tv.id, name); err != nil {
			return err
		}
	}
	return h.registry.Seal()
}

// RunBody implements engine.BodyRunner: invoke the registered body and map
// the return value to an outcome. Script-level runtime errors become Fail.
func (h *Host) RunBody(id int) (engine.Outcome, error) {
	fn, ok := h.bodies[id]
	if !ok {
		return engine.Outcome{}, fmt.Errorf("no body registered for task %d", id)
	}
	h.phase = phaseExecuting

	ret, err := starlark.Call(h.newThread(h.registry.Task(id).Name), fn, nil, nil)
	if err != nil {
		return engine.Fail(scriptError(err).Error()), nil
	}
	switch v := ret.(type) {
	case starlark.NoneType:
		return engine.Success(), nil
	case *sigil:
		switch v.kind {
		case sigilSuccess:
			return engine.Success(), nil
		case sigilCancel:
			return engine.Cancel(v.reason), nil
		case sigilFail:
			return engine.Fail(v.reason), nil
		}
	}
	// Any other return value counts as success; configs often end bodies
	// with an action call that returns a status table.
	return engine.Success(), nil
}

// builtinTask implements task(description, deps?, body?).
func (h *Host) builtinTask(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if h.phase != phaseDefining {
		return nil, fmt.Errorf("task: cannot define tasks during execution")
	}
	var description string
	var deps starlark.Value
	var body starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"description", &description, "deps?", &deps, "body?", &body); err != nil {
		return nil, err
	}

	depIDs, err := taskIDs(deps)
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}

	id, err := h.registry.Define(description, depIDs)
	if err != nil {
		return nil, err
	}
	if body != nil && body != starlark.None {
		fn, ok := body.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("task: body must be callable, got %s", body.Type())
		}
		h.bodies[id] = fn
		h.registry.SetBody(id)
	}
	return &taskValue{id: id, host: h}, nil
}

// builtinTarget implements target(task, ...).
func (h *Host) builtinTarget(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if h.phase != phaseDefining {
		return nil, fmt.Errorf("target: cannot nominate targets during execution")
	}
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("target: unexpected keyword arguments")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("target: expected at least one task")
	}
	for i, arg := range args {
		tv, ok := arg.(*taskValue)
		if !ok {
			return nil, fmt.Errorf("target: argument %d is %s, not a task", i+1, arg.Type())
		}
		if err := h.registry.AddTarget(tv.id); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

// builtinEcho renders a value to the event sink.
func (h *Host) builtinEcho(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &v); err != nil {
		return nil, err
	}
	var msg string
	if s, ok := starlark.AsString(v); ok {
		msg = s
	} else {
		msg = v.String()
	}
	h.sink.Emit(events.Logf("info", msg))
	return starlark.None, nil
}

// taskIDs normalizes the deps argument: nil, a single task, or a sequence.
func taskIDs(deps starlark.Value) ([]int, error) {
	if deps == nil || deps == starlark.None {
		return nil, nil
	}
	if tv, ok := deps.(*taskValue); ok {
		return []int{tv.id}, nil
	}
	seq, ok := deps.(starlark.Sequence)
	if !ok {
		return nil, fmt.Errorf("deps must be a task or a sequence of tasks, got %s", deps.Type())
	}
	var ids []int
	iter := seq.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		tv, ok := x.(*taskValue)
		if !ok {
			return nil, fmt.Errorf("deps element is %s, not a task", x.Type())
		}
		ids = append(ids, tv.id)
	}
	return ids, nil
}

// scriptError strips the wrapper noise from a starlark error, keeping the
// backtrace for EvalErrors so failures point at config lines.
func scriptError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}
