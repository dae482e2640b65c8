package actions

import (
	"fmt"
	"os/exec"
	"os/user"
	"strings"

	"go.starlark.net/starlark"
)

// builtinUser implements user(name, opts): create-or-modify a system user.
// Recognized options: comment, home_dir, groups, shell, system, create_home.
func (a *Actions) builtinUser(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("user", opts, "comment", "home_dir", "groups", "shell", "system", "create_home")
	if err != nil {
		return nil, err
	}
	comment, err := bundle.str("comment", "")
	if err != nil {
		return nil, err
	}
	homeDir, err := bundle.str("home_dir", "")
	if err != nil {
		return nil, err
	}
	groups, err := bundle.strList("groups")
	if err != nil {
		return nil, err
	}
	shell, err := bundle.str("shell", "")
	if err != nil {
		return nil, err
	}
	system, err := bundle.boolean("system", false)
	if err != nil {
		return nil, err
	}
	createHome, err := bundle.boolean("create_home", true)
	if err != nil {
		return nil, err
	}

	a.begin("user", "user "+name)

	_, lookupErr := user.Lookup(name)
	exists := lookupErr == nil

	var argv []string
	if exists {
		argv = []string{"usermod"}
	} else {
		argv = []string{"useradd"}
		if system {
			argv = append(argv, "--system")
		}
		if createHome && !system {
			argv = append(argv, "--create-home")
		}
	}
	if comment != "" {
		argv = append(argv, "--comment", comment)
	}
	if homeDir != "" {
		argv = append(argv, "--home-dir", homeDir)
	}
	if shell != "" {
		argv = append(argv, "--shell", shell)
	}
	if len(groups) > 0 {
		argv = append(argv, "--groups", strings.Join(groups, ","))
		if exists {
			argv = append(argv, "--append")
		}
	}
	argv = append(argv, name)

	// usermod with nothing to change complains; treat a bare modify as a
	// no-op instead of shelling out.
	if exists && len(argv) == 2 {
		a.end("user", false, "")
		return statusDict(map[string]starlark.Value{
			"name":    starlark.String(name),
			"changed": starlark.False,
		}), nil
	}

	if err := runAdminCommand(argv); err != nil {
		return nil, fmt.Errorf("user %s: %w", name, err)
	}
	a.end("user", true, "")
	return statusDict(map[string]starlark.Value{
		"name":    starlark.String(name),
		"changed": starlark.True,
		"created": starlark.Bool(!exists),
	}), nil
}

// builtinGroup implements group(name, opts): create a group if absent.
// Recognized options: system.
func (a *Actions) builtinGroup(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("group", opts, "system")
	if err != nil {
		return nil, err
	}
	system, err := bundle.boolean("system", false)
	if err != nil {
		return nil, err
	}

	a.begin("group", "group "+name)

	if _, err := user.LookupGroup(name); err == nil {
		a.end("group", false, "")
		return statusDict(map[string]starlark.Value{
			"name":    starlark.String(name),
			"changed": starlark.False,
		}), nil
	}

	argv := []string{"groupadd"}
	if system {
		argv = append(argv, "--system")
	}
	argv = append(argv, name)
	if err := runAdminCommand(argv); err != nil {
		return nil, fmt.Errorf("group %s: %w", name, err)
	}
	a.end("group", true, "")
	return statusDict(map[string]starlark.Value{
		"name":    starlark.String(name),
		"changed": starlark.True,
	}), nil
}

func builtinUserExists(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	_, err := user.Lookup(name)
	return starlark.Bool(err == nil), nil
}

func builtinGroupExists(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	_, err := user.LookupGroup(name)
	return starlark.Bool(err == nil), nil
}

// runAdminCommand runs a system administration command, folding stderr into
// the error.
func runAdminCommand(argv []string) error {
	ctx, cancel := actionContext(0)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
