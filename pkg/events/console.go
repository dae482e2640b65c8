package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleTask    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleSkip    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleChanged = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// Console renders the event stream as a line-oriented terminal view.
// Rendering is orthogonal to the event contract: the agent replaces it with a
// frame forwarder, and tests replace it with a Recorder.
type Console struct {
	out   io.Writer
	debug bool
}

// NewConsole creates a console renderer writing to out.
func NewConsole(out io.Writer, debug bool) *Console {
	return &Console{out: out, debug: debug}
}

// Emit implements Sink.
func (c *Console) Emit(ev Event) {
	switch ev.Kind {
	case KindRunBegin:
		fmt.Fprintf(c.out, "%s\n", styleTask.Render(fmt.Sprintf("Running %d tasks", ev.Count)))
	case KindRunEnd:
		if ev.Ok {
			fmt.Fprintf(c.out, "%s\n", styleOK.Render("Run complete"))
		} else {
			fmt.Fprintf(c.out, "%s\n", styleFail.Render("Run failed"))
		}
	case KindTaskBegin:
		fmt.Fprintf(c.out, "%s %s\n", styleTask.Render("→"), ev.Task)
	case KindTaskEnd:
		c.taskEnd(ev)
	case KindActionBegin:
		fmt.Fprintf(c.out, "  %s\n", ev.Summary)
	case KindActionEnd:
		c.actionEnd(ev)
	case KindStdio:
		prefix := "  | "
		if ev.Stream == "stderr" {
			prefix = "  ! "
		}
		fmt.Fprintf(c.out, "%s%s\n", styleDim.Render(prefix), ev.Line)
	case KindLog:
		if ev.Level == "debug" && !c.debug {
			return
		}
		fmt.Fprintf(c.out, "  %s\n", ev.Message)
	}
}

func (c *Console) taskEnd(ev Event) {
	switch ev.Outcome {
	case "success":
		fmt.Fprintf(c.out, "%s %s\n", styleOK.Render("✓"), ev.Task)
	case "cancel":
		reason := ev.Reason
		if reason == "" {
			reason = "cancelled"
		}
		fmt.Fprintf(c.out, "%s %s (%s)\n", styleSkip.Render("⊘"), ev.Task, reason)
	case "skipped":
		fmt.Fprintf(c.out, "%s %s %s\n", styleSkip.Render("»"), ev.Task, styleDim.Render("skipped"))
	case "fail":
		fmt.Fprintf(c.out, "%s %s: %s\n", styleFail.Render("✗"), ev.Task, ev.Reason)
	}
}

func (c *Console) actionEnd(ev Event) {
	if ev.Changed {
		fmt.Fprintf(c.out, "  %s%s\n", styleChanged.Render("changed"), detailSuffix(ev.Detail))
		return
	}
	if c.debug || ev.Detail != "" {
		fmt.Fprintf(c.out, "  %s%s\n", styleDim.Render("unchanged"), detailSuffix(ev.Detail))
	}
}

func detailSuffix(detail string) string {
	if detail == "" {
		return ""
	}
	return " " + strings.TrimSpace(detail)
}
