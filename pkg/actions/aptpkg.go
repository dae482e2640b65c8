package actions

import (
	"fmt"
	"os/exec"
	"strings"

	"go.starlark.net/starlark"
)

// aptUpdateKey is the memo key for the repo refresh. Within one invocation
// the refresh runs at most once unless forced.
const aptUpdateKey = "apt.update"

// pkgTable builds the script-visible pkg capability table. Only the apt
// driver ships; the table shape leaves room for others.
func (a *Actions) pkgTable() starlark.Value {
	apt := starlark.NewDict(5)
	_ = apt.SetKey(starlark.String("update"), starlark.NewBuiltin("pkg.apt.update", a.aptUpdate))
	_ = apt.SetKey(starlark.String("status"), starlark.NewBuiltin("pkg.apt.status", a.aptStatus))
	_ = apt.SetKey(starlark.String("install"), starlark.NewBuiltin("pkg.apt.install", a.aptInstall))
	_ = apt.SetKey(starlark.String("remove"), starlark.NewBuiltin("pkg.apt.remove", a.aptRemove))
	_ = apt.SetKey(starlark.String("ensure"), starlark.NewBuiltin("pkg.apt.ensure", a.aptEnsure))
	apt.Freeze()

	table := starlark.NewDict(1)
	_ = table.SetKey(starlark.String("apt"), apt)
	table.Freeze()
	return table
}

// aptUpdate implements pkg.apt.update(force?). Memoized process-wide: the
// second call in a run is a no-op unless force=True.
func (a *Actions) aptUpdate(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var force bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "force?", &force); err != nil {
		return nil, err
	}
	if force {
		a.memo.Forget(aptUpdateKey)
	}
	if !a.memo.Once(aptUpdateKey) {
		a.begin("pkg.update", "update repos: skip")
		a.end("pkg.update", false, "already refreshed")
		return starlark.False, nil
	}
	a.begin("pkg.update", "apt-get update")
	if _, err := aptRun("update"); err != nil {
		a.memo.Forget(aptUpdateKey)
		return nil, err
	}
	a.end("pkg.update", true, "")
	return starlark.True, nil
}

// aptStatus implements pkg.apt.status(name) -> {name, status, version?}.
func (a *Actions) aptStatus(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	status, version, err := aptQueryStatus(name)
	if err != nil {
		return nil, err
	}
	pairs := map[string]starlark.Value{
		"name":   starlark.String(name),
		"status": starlark.String(status),
	}
	if version != "" {
		pairs["version"] = starlark.String(version)
	}
	return statusDict(pairs), nil
}

// aptInstall implements pkg.apt.install(packages).
func (a *Actions) aptInstall(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	names, err := unpackPackageList(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	a.begin("pkg.install", "apt-get install "+strings.Join(names, " "))
	if _, err := aptRun(append([]string{"install", "-y"}, names...)...); err != nil {
		return nil, err
	}
	a.end("pkg.install", true, "")
	return a.packageStatuses(names)
}

// aptRemove implements pkg.apt.remove(packages).
func (a *Actions) aptRemove(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	names, err := unpackPackageList(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	a.begin("pkg.remove", "apt-get remove "+strings.Join(names, " "))
	if _, err := aptRun(append([]string{"remove", "-y"}, names...)...); err != nil {
		return nil, err
	}
	a.end("pkg.remove", true, "")
	return a.packageStatuses(names)
}

// aptEnsure implements pkg.apt.ensure(packages): inspect current state and
// install only when something differs, reusing the warm repo cache.
func (a *Actions) aptEnsure(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	names, err := unpackPackageList(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	a.begin("pkg.ensure", "ensure "+strings.Join(names, " "))

	missing := false
	for _, name := range names {
		status, _, err := aptQueryStatus(name)
		if err != nil {
			return nil, err
		}
		if status != "installed" {
			missing = true
			break
		}
	}
	if !missing {
		a.end("pkg.ensure", false, "all up-to-date")
		statuses, err := a.packageStatuses(names)
		if err != nil {
			return nil, err
		}
		return statusDict(map[string]starlark.Value{
			"updated":  starlark.False,
			"packages": statuses,
		}), nil
	}

	if a.memo.Once(aptUpdateKey) {
		if _, err := aptRun("update"); err != nil {
			a.memo.Forget(aptUpdateKey)
			return nil, err
		}
	}
	if _, err := aptRun(append([]string{"install", "-y"}, names...)...); err != nil {
		return nil, err
	}
	a.end("pkg.ensure", true, "")
	statuses, err := a.packageStatuses(names)
	if err != nil {
		return nil, err
	}
	return statusDict(map[string]starlark.Value{
		"updated":  starlark.True,
		"packages": statuses,
	}), nil
}

func (a *Actions) packageStatuses(names []string) (starlark.Value, error) {
	var out []starlark.Value
	for _, name := range names {
		status, version, err := aptQueryStatus(name)
		if err != nil {
			return nil, err
		}
		pairs := map[string]starlark.Value{
			"name":   starlark.String(name),
			"status": starlark.String(status),
		}
		if version != "" {
			pairs["version"] = starlark.String(version)
		}
		out = append(out, statusDict(pairs))
	}
	return starlark.NewList(out), nil
}

func unpackPackageList(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]string, error) {
	var packages starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "packages", &packages); err != nil {
		return nil, err
	}
	if s, ok := starlark.AsString(packages); ok {
		return []string{s}, nil
	}
	seq, ok := packages.(starlark.Sequence)
	if !ok {
		return nil, fmt.Errorf("%s: packages must be a string or list of strings", b.Name())
	}
	var names []string
	iter := seq.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s: package names must be strings, got %s", b.Name(), x.Type())
		}
		names = append(names, s)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no packages given", b.Name())
	}
	return names, nil
}

// aptRun shells out to apt-get non-interactively.
func aptRun(args ...string) (string, error) {
	ctx, cancel := actionContext(0)
	defer cancel()
	cmd := exec.CommandContext(ctx, "apt-get", args...)
	cmd.Env = append(cmd.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("apt-get %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// aptQueryStatus inspects one package via dpkg-query.
func aptQueryStatus(name string) (status, version string, err error) {
	ctx, cancel := actionContext(0)
	defer cancel()
	cmd := exec.CommandContext(ctx, "dpkg-query", "--show",
		"--showformat=${db:Status-Status} ${Version}", name)
	out, runErr := cmd.Output()
	if runErr != nil {
		// dpkg-query exits nonzero for unknown packages.
		return "notfound", "", nil
	}
	fields := strings.SplitN(strings.TrimSpace(string(out)), " ", 2)
	if fields[0] != "installed" {
		return "notinstalled", "", nil
	}
	if len(fields) == 2 {
		version = fields[1]
	}
	return "installed", version, nil
}
