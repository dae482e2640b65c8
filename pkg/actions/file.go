package actions

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"go.starlark.net/starlark"
)

// fileValue is the script-level file handle returned by file(path). Methods
// mutate idempotently: they compare current state first and report changed.
type fileValue struct {
	path    string
	actions *Actions
}

var (
	_ starlark.Value    = (*fileValue)(nil)
	_ starlark.HasAttrs = (*fileValue)(nil)
)

func (f *fileValue) String() string        { return fmt.Sprintf("<file %s>", f.path) }
func (f *fileValue) Type() string          { return "file" }
func (f *fileValue) Freeze()               {}
func (f *fileValue) Truth() starlark.Bool  { return starlark.True }
func (f *fileValue) Hash() (uint32, error) { return starlark.String(f.path).Hash() }

func (f *fileValue) AttrNames() []string {
	names := []string{
		"path", "exists", "contents", "hash", "chmod", "chown",
		"copy", "template", "symlink", "touch", "append",
	}
	sort.Strings(names)
	return names
}

func (f *fileValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "path":
		return starlark.String(f.path), nil
	case "exists":
		return f.method(name, f.methodExists), nil
	case "contents":
		return f.method(name, f.methodContents), nil
	case "hash":
		return f.method(name, f.methodHash), nil
	case "chmod":
		return f.method(name, f.methodChmod), nil
	case "chown":
		return f.method(name, f.methodChown), nil
	case "copy":
		return f.method(name, f.methodCopy), nil
	case "template":
		return f.method(name, f.methodTemplate), nil
	case "symlink":
		return f.method(name, f.methodSymlink), nil
	case "touch":
		return f.method(name, f.methodTouch), nil
	case "append":
		return f.method(name, f.methodAppend), nil
	}
	return nil, nil
}

type fileMethod func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (f *fileValue) method(name string, impl fileMethod) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return impl(args, kwargs)
	})
}

// builtinFile implements file(path).
func (a *Actions) builtinFile(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	return &fileValue{path: path, actions: a}, nil
}

func (f *fileValue) methodExists(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("exists", args, kwargs); err != nil {
		return nil, err
	}
	_, err := os.Lstat(f.path)
	return starlark.Bool(err == nil), nil
}

func (f *fileValue) methodContents(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("contents", args, kwargs); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("contents %s: %w", f.path, err)
	}
	return starlark.String(data), nil
}

func (f *fileValue) methodHash(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("hash", args, kwargs); err != nil {
		return nil, err
	}
	h, err := fileHash(f.path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", f.path, err)
	}
	return starlark.String(h), nil
}

func (f *fileValue) methodChmod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mode string
	if err := starlark.UnpackArgs("chmod", args, kwargs, "mode", &mode); err != nil {
		return nil, err
	}
	f.actions.begin("chmod", fmt.Sprintf("chmod %s %s", mode, f.path))
	changed, err := chmodPath(f.path, mode)
	if err != nil {
		return nil, err
	}
	f.actions.end("chmod", changed, "")
	return f, nil
}

func (f *fileValue) methodChown(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var opts starlark.Value
	if err := starlark.UnpackArgs("chown", args, kwargs, "opts", &opts); err != nil {
		return nil, err
	}
	changed, err := chownPath(f.actions, f.path, opts)
	if err != nil {
		return nil, err
	}
	f.actions.end("chown", changed, "")
	return f, nil
}

func (f *fileValue) methodCopy(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dst string
	if err := starlark.UnpackArgs("copy", args, kwargs, "dst", &dst); err != nil {
		return nil, err
	}
	src, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", f.path, err)
	}
	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		dst = filepath.Join(dst, filepath.Base(f.path))
	}
	f.actions.begin("copy", fmt.Sprintf("copy %s to %s", f.path, dst))
	changed, err := writeIfChanged(dst, src)
	if err != nil {
		return nil, err
	}
	f.actions.end("copy", changed, "")
	return starlark.Bool(changed), nil
}

func (f *fileValue) methodTemplate(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dst string
	var ctx starlark.Value
	if err := starlark.UnpackArgs("template", args, kwargs, "dst", &dst, "context?", &ctx); err != nil {
		return nil, err
	}
	src, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", f.path, err)
	}
	rendered, err := renderTemplate(f.path, string(src), ctx)
	if err != nil {
		return nil, err
	}
	f.actions.begin("template", fmt.Sprintf("render %s to %s", f.path, dst))
	changed, err := writeIfChanged(dst, []byte(rendered))
	if err != nil {
		return nil, err
	}
	f.actions.end("template", changed, "")
	return starlark.Bool(changed), nil
}

func (f *fileValue) methodSymlink(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dst string
	if err := starlark.UnpackArgs("symlink", args, kwargs, "dst", &dst); err != nil {
		return nil, err
	}
	f.actions.begin("symlink", fmt.Sprintf("symlink %s -> %s", dst, f.path))
	changed, err := ensureSymlink(f.path, dst)
	if err != nil {
		return nil, err
	}
	f.actions.end("symlink", changed, "")
	return &fileValue{path: dst, actions: f.actions}, nil
}

func (f *fileValue) methodTouch(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("touch", args, kwargs); err != nil {
		return nil, err
	}
	f.actions.begin("touch", "touch "+f.path)
	_, statErr := os.Lstat(f.path)
	created := os.IsNotExist(statErr)
	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("touch %s: %w", f.path, err)
	}
	fh.Close()
	f.actions.end("touch", created, "")
	return f, nil
}

func (f *fileValue) methodAppend(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var opts starlark.Value
	if err := starlark.UnpackArgs("append", args, kwargs, "opts", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("append", opts, "src", "contents", "marker")
	if err != nil {
		return nil, err
	}
	src, err := bundle.str("src", "")
	if err != nil {
		return nil, err
	}
	contents, err := bundle.str("contents", "")
	if err != nil {
		return nil, err
	}
	marker, err := bundle.str("marker", "")
	if err != nil {
		return nil, err
	}
	switch {
	case src == "" && contents == "":
		return nil, fmt.Errorf("append: must specify one of 'src' or 'contents'")
	case src != "" && contents != "":
		return nil, fmt.Errorf("append: 'src' and 'contents' are mutually exclusive")
	case marker == "":
		return nil, fmt.Errorf("append: 'marker' is required")
	}
	if src != "" {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("append: reading %s: %w", src, err)
		}
		contents = string(data)
	}
	f.actions.begin("append", fmt.Sprintf("append to %s (marker %s)", f.path, marker))
	changed, err := appendWithMarker(f.path, marker, contents)
	if err != nil {
		return nil, err
	}
	f.actions.end("append", changed, "")
	return starlark.Bool(changed), nil
}

// writeIfChanged writes contents in place only when the hash differs.
func writeIfChanged(dst string, contents []byte) (bool, error) {
	update, err := shouldUpdateFile(dst, contents)
	if err != nil {
		return false, fmt.Errorf("comparing %s: %w", dst, err)
	}
	if !update {
		return false, nil
	}
	if err := os.WriteFile(dst, contents, 0o644); err != nil {
		return false, fmt.Errorf("writing %s: %w", dst, err)
	}
	return true, nil
}

// chmodPath applies an octal mode string, reporting whether bits changed.
func chmodPath(path, mode string) (bool, error) {
	bits, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return false, fmt.Errorf("invalid mode %q: %w", mode, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("chmod %s: %w", path, err)
	}
	if fi.Mode().Perm() == os.FileMode(bits).Perm() {
		return false, nil
	}
	if err := os.Chmod(path, os.FileMode(bits)); err != nil {
		return false, fmt.Errorf("chmod %s: %w", path, err)
	}
	return true, nil
}

// chownPath resolves user/group options and applies ownership.
func chownPath(a *Actions, path string, opts starlark.Value) (bool, error) {
	bundle, err := decodeOpts("chown", opts, "user", "group")
	if err != nil {
		return false, err
	}
	userName, err := bundle.str("user", "")
	if err != nil {
		return false, err
	}
	groupName, err := bundle.str("group", "")
	if err != nil {
		return false, err
	}
	a.begin("chown", fmt.Sprintf("chown %s:%s %s", userName, groupName, path))

	uid, gid := -1, -1
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return false, fmt.Errorf("chown: %w", err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return false, fmt.Errorf("chown: %w", err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	if fi, err := os.Stat(path); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok &&
			(uid == -1 || int(st.Uid) == uid) && (gid == -1 || int(st.Gid) == gid) {
			return false, nil
		}
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return false, fmt.Errorf("chown %s: %w", path, err)
	}
	return true, nil
}

// ensureSymlink points dst at target, replacing a wrong link and reporting
// an already-correct one as unchanged.
func ensureSymlink(target, dst string) (bool, error) {
	if existing, err := os.Readlink(dst); err == nil {
		if existing == target {
			return false, nil
		}
		if err := os.Remove(dst); err != nil {
			return false, fmt.Errorf("symlink: removing %s: %w", dst, err)
		}
	} else if _, statErr := os.Lstat(dst); statErr == nil {
		if err := os.Remove(dst); err != nil {
			return false, fmt.Errorf("symlink: removing %s: %w", dst, err)
		}
	}
	if err := os.Symlink(target, dst); err != nil {
		return false, fmt.Errorf("symlink %s: %w", dst, err)
	}
	return true, nil
}
