// Package actions implements the built-in side-effecting operations callable
// from task bodies: subprocess execution, file and directory management,
// templating, HTTP fetches, archive installation, user/group management,
// systemd control, and apt packaging.
//
// Every action accepts a typed option bundle with explicitly enumerated keys;
// an unrecognized key is a script error, never silently ignored. Actions are
// idempotent in report: they inspect current state, apply only the diff, and
// return a changed flag. Each emits a begin/end event pair to the sink. Hard
// failures raise script-visible errors, which the engine turns into a task
// Fail unless the action's own options make them non-fatal.
package actions

import (
	"os"
	"runtime"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/script"
)

// Actions carries the shared state behind the action builtins: the event
// sink and the process-wide memo table.
type Actions struct {
	sink events.Sink
	memo *Memo
}

// New creates the action set around a sink.
func New(sink events.Sink) *Actions {
	return &Actions{sink: sink, memo: &Memo{}}
}

// Options returns the script host options that install every action builtin
// plus the machine facts struct.
func (a *Actions) Options() []script.Option {
	return []script.Option{
		script.WithBuiltin("exec", starlark.NewBuiltin("exec", a.builtinExec)),
		script.WithBuiltin("shell", starlark.NewBuiltin("shell", a.builtinShell)),
		script.WithBuiltin("file", starlark.NewBuiltin("file", a.builtinFile)),
		script.WithBuiltin("dir", starlark.NewBuiltin("dir", a.builtinDir)),
		script.WithBuiltin("tmpl", starlark.NewBuiltin("tmpl", a.builtinTmpl)),
		script.WithBuiltin("http_get", starlark.NewBuiltin("http_get", a.builtinHTTPGet)),
		script.WithBuiltin("archive", starlark.NewBuiltin("archive", a.builtinArchive)),
		script.WithBuiltin("install", starlark.NewBuiltin("install", a.builtinInstall)),
		script.WithBuiltin("user", starlark.NewBuiltin("user", a.builtinUser)),
		script.WithBuiltin("group", starlark.NewBuiltin("group", a.builtinGroup)),
		script.WithBuiltin("user_exists", starlark.NewBuiltin("user_exists", builtinUserExists)),
		script.WithBuiltin("group_exists", starlark.NewBuiltin("group_exists", builtinGroupExists)),
		script.WithBuiltin("systemd", starlark.NewBuiltin("systemd", a.builtinSystemd)),
		script.WithBuiltin("hash_text", starlark.NewBuiltin("hash_text", builtinHashText)),
		script.WithBuiltin("from_json", starlark.NewBuiltin("from_json", builtinFromJSON)),
		script.WithValue("pkg", a.pkgTable()),
		script.WithValue("machine", machineFacts()),
	}
}

// begin/end wrap an action invocation in its event pair.
func (a *Actions) begin(kind, summary string) {
	a.sink.Emit(events.ActionBegin(kind, summary))
}

func (a *Actions) end(kind string, changed bool, detail string) {
	a.sink.Emit(events.ActionEnd(kind, changed, detail))
}

// Memo is the process-wide memoization table with write-once-per-key
// discipline, used to cache package repo refreshes within one invocation.
type Memo struct {
	mu   sync.Mutex
	done map[string]bool
}

// Once returns true the first time key is seen. Subsequent calls return
// false until Forget clears the key.
func (m *Memo) Once(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		m.done = map[string]bool{}
	}
	if m.done[key] {
		return false
	}
	m.done[key] = true
	return true
}

// Forget clears one key so a forced refresh re-runs.
func (m *Memo) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.done, key)
}

// machineFacts builds the read-only machine struct visible to scripts.
func machineFacts() starlark.Value {
	hostname, _ := os.Hostname()
	return starlarkstruct.FromStringDict(starlark.String("machine"), starlark.StringDict{
		"hostname": starlark.String(hostname),
		"os":       starlark.String(runtime.GOOS),
		"arch":     starlark.String(runtime.GOARCH),
	})
}
