package events

import (
	"strings"
	"testing"
)

func TestConsoleRendersLifecycle(t *testing.T) {
	var buf strings.Builder
	c := NewConsole(&buf, false)

	c.Emit(RunBegin(2))
	c.Emit(TaskBegin("install"))
	c.Emit(ActionBegin("exec", "apt-get install nginx"))
	c.Emit(Stdio("stdout", "Setting up nginx"))
	c.Emit(ActionEnd("exec", true, "exit 0"))
	c.Emit(TaskEnd("install", "success", ""))
	c.Emit(TaskEnd("cleanup", "skipped", ""))
	c.Emit(RunEnd(true))

	out := buf.String()
	for _, want := range []string{
		"Running 2 tasks",
		"install",
		"apt-get install nginx",
		"Setting up nginx",
		"changed",
		"skipped",
		"Run complete",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleDebugGatesLogEvents(t *testing.T) {
	var quiet, chatty strings.Builder
	NewConsole(&quiet, false).Emit(Logf("debug", "wire detail"))
	NewConsole(&chatty, true).Emit(Logf("debug", "wire detail"))

	if strings.Contains(quiet.String(), "wire detail") {
		t.Error("debug log leaked without --debug")
	}
	if !strings.Contains(chatty.String(), "wire detail") {
		t.Error("debug log missing with --debug")
	}
}

func TestConsoleCancelShowsReason(t *testing.T) {
	var buf strings.Builder
	c := NewConsole(&buf, false)
	c.Emit(TaskEnd("optional", "cancel", "not applicable"))
	c.Emit(TaskEnd("quiet", "cancel", ""))

	out := buf.String()
	if !strings.Contains(out, "not applicable") {
		t.Errorf("cancel reason missing:\n%s", out)
	}
	if !strings.Contains(out, "cancelled") {
		t.Errorf("empty reason must render as cancelled:\n%s", out)
	}
}
