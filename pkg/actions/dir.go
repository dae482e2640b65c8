package actions

import (
	"fmt"
	"os"
	"sort"

	"go.starlark.net/starlark"
)

// dirValue is the script-level directory handle returned by dir(path).
type dirValue struct {
	path    string
	actions *Actions
}

var (
	_ starlark.Value    = (*dirValue)(nil)
	_ starlark.HasAttrs = (*dirValue)(nil)
)

func (d *dirValue) String() string        { return fmt.Sprintf("<dir %s>", d.path) }
func (d *dirValue) Type() string          { return "dir" }
func (d *dirValue) Freeze()               {}
func (d *dirValue) Truth() starlark.Bool  { return starlark.True }
func (d *dirValue) Hash() (uint32, error) { return starlark.String(d.path).Hash() }

func (d *dirValue) AttrNames() []string {
	names := []string{"path", "exists", "mkdir", "chmod", "chown", "symlink"}
	sort.Strings(names)
	return names
}

func (d *dirValue) Attr(name string) (starlark.Value, error) {
	wrap := func(impl fileMethod) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return impl(args, kwargs)
		})
	}
	switch name {
	case "path":
		return starlark.String(d.path), nil
	case "exists":
		return wrap(d.methodExists), nil
	case "mkdir":
		return wrap(d.methodMkdir), nil
	case "chmod":
		return wrap(d.methodChmod), nil
	case "chown":
		return wrap(d.methodChown), nil
	case "symlink":
		return wrap(d.methodSymlink), nil
	}
	return nil, nil
}

// builtinDir implements dir(path).
func (a *Actions) builtinDir(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	return &dirValue{path: path, actions: a}, nil
}

func (d *dirValue) methodExists(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("exists", args, kwargs); err != nil {
		return nil, err
	}
	fi, err := os.Stat(d.path)
	return starlark.Bool(err == nil && fi.IsDir()), nil
}

func (d *dirValue) methodMkdir(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("mkdir", args, kwargs); err != nil {
		return nil, err
	}
	d.actions.begin("mkdir", "mkdir "+d.path)
	_, statErr := os.Stat(d.path)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", d.path, err)
	}
	d.actions.end("mkdir", created, "")
	return d, nil
}

func (d *dirValue) methodChmod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mode string
	if err := starlark.UnpackArgs("chmod", args, kwargs, "mode", &mode); err != nil {
		return nil, err
	}
	d.actions.begin("chmod", fmt.Sprintf("chmod %s %s", mode, d.path))
	changed, err := chmodPath(d.path, mode)
	if err != nil {
		return nil, err
	}
	d.actions.end("chmod", changed, "")
	return d, nil
}

func (d *dirValue) methodChown(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var opts starlark.Value
	if err := starlark.UnpackArgs("chown", args, kwargs, "opts", &opts); err != nil {
		return nil, err
	}
	changed, err := chownPath(d.actions, d.path, opts)
	if err != nil {
		return nil, err
	}
	d.actions.end("chown", changed, "")
	return d, nil
}

func (d *dirValue) methodSymlink(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dst string
	if err := starlark.UnpackArgs("symlink", args, kwargs, "dst", &dst); err != nil {
		return nil, err
	}
	d.actions.begin("symlink", fmt.Sprintf("symlink %s -> %s", dst, d.path))
	changed, err := ensureSymlink(d.path, dst)
	if err != nil {
		return nil, err
	}
	d.actions.end("symlink", changed, "")
	return &dirValue{path: dst, actions: d.actions}, nil
}
