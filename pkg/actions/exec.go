package actions

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/events"
)

// sigkillGrace is how long a cancelled subprocess gets between SIGTERM and
// SIGKILL.
const sigkillGrace = 5 * time.Second

// baseContext is the run-wide cancellation context, installed by the
// executor so SIGINT reaches in-flight subprocesses.
var (
	baseCtxMu   sync.RWMutex
	baseContext = context.Background()
)

// SetBaseContext installs the cancellation context for all actions.
func SetBaseContext(ctx context.Context) {
	baseCtxMu.Lock()
	defer baseCtxMu.Unlock()
	baseContext = ctx
}

func actionContext(timeoutSecs int64) (context.Context, context.CancelFunc) {
	baseCtxMu.RLock()
	base := baseContext
	baseCtxMu.RUnlock()
	if timeoutSecs > 0 {
		return context.WithTimeout(base, time.Duration(timeoutSecs)*time.Second)
	}
	return context.WithCancel(base)
}

// execResult is what a finished subprocess reports back to the script.
type execResult struct {
	status int
	stdout string
	stderr string
}

// streamLine is one captured output line tagged with its stream.
type streamLine struct {
	stream string
	line   string
}

// builtinExec implements exec(cmd, opts). Recognized options: args, env,
// cwd, echo, ignore_exit, timeout, stdin.
func (a *Actions) builtinExec(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cmd string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmd, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("exec", opts, "args", "env", "cwd", "echo", "ignore_exit", "timeout", "stdin")
	if err != nil {
		return nil, err
	}
	argv, err := bundle.strList("args")
	if err != nil {
		return nil, err
	}
	return a.runProcess(cmd, argv, bundle)
}

// builtinShell implements shell(script, opts): the script runs under sh -c.
// Recognized options: env, cwd, echo, ignore_exit, timeout, stdin.
func (a *Actions) builtinShell(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var scriptText string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "script", &scriptText, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("shell", opts, "env", "cwd", "echo", "ignore_exit", "timeout", "stdin")
	if err != nil {
		return nil, err
	}
	return a.runProcess("/bin/sh", []string{"-c", scriptText}, bundle)
}

func (a *Actions) runProcess(name string, argv []string, bundle *optBundle) (starlark.Value, error) {
	env, err := bundle.strMap("env")
	if err != nil {
		return nil, err
	}
	cwd, err := bundle.str("cwd", "")
	if err != nil {
		return nil, err
	}
	echo, err := bundle.boolean("echo", true)
	if err != nil {
		return nil, err
	}
	ignoreExit, err := bundle.boolean("ignore_exit", false)
	if err != nil {
		return nil, err
	}
	timeout, err := bundle.integer("timeout", 0)
	if err != nil {
		return nil, err
	}
	stdin, err := bundle.str("stdin", "")
	if err != nil {
		return nil, err
	}

	summary := name
	if len(argv) > 0 {
		summary = name + " " + strings.Join(argv, " ")
	}
	a.begin("exec", summary)

	ctx, cancelCtx := actionContext(timeout)
	defer cancelCtx()

	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	// Escalate gently on cancellation: SIGTERM first, SIGKILL after the
	// grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = sigkillGrace

	result, runErr := a.pumpProcess(cmd, echo)
	if runErr != nil && result == nil {
		a.end("exec", false, "")
		return nil, fmt.Errorf("exec %s: %w", name, runErr)
	}
	changed := true
	detail := fmt.Sprintf("exit %d", result.status)
	a.end("exec", changed, detail)

	if result.status != 0 && !ignoreExit {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("exec %s: exit status %d: %s", name, result.status,
			strings.TrimSpace(result.stderr))
	}
	return statusDict(map[string]starlark.Value{
		"status": starlark.MakeInt(result.status),
		"stdout": starlark.String(result.stdout),
		"stderr": starlark.String(result.stderr),
	}), nil
}

// pumpProcess starts the command with background readers on both output
// streams and drains their lines on the calling goroutine, so the sink keeps
// a single producer while the body is suspended.
func (a *Actions) pumpProcess(cmd *exec.Cmd, echo bool) (*execResult, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lines := make(chan streamLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	reader := func(stream string, r *bufio.Scanner) {
		defer readers.Done()
		r.Buffer(make([]byte, 64*1024), 1024*1024)
		for r.Scan() {
			lines <- streamLine{stream: stream, line: r.Text()}
		}
	}
	go reader("stdout", bufio.NewScanner(stdout))
	go reader("stderr", bufio.NewScanner(stderr))
	go func() {
		readers.Wait()
		close(lines)
	}()

	var outBuf, errBuf strings.Builder
	for l := range lines {
		if l.stream == "stdout" {
			outBuf.WriteString(l.line)
			outBuf.WriteByte('\n')
		} else {
			errBuf.WriteString(l.line)
			errBuf.WriteByte('\n')
		}
		if echo {
			a.sink.Emit(events.Stdio(l.stream, l.line))
		}
	}

	waitErr := cmd.Wait()
	result := &execResult{
		status: cmd.ProcessState.ExitCode(),
		stdout: outBuf.String(),
		stderr: errBuf.String(),
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return nil, waitErr
		}
	}
	return result, nil
}
