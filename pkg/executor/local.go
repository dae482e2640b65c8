// Package executor drives complete HPG runs: the local path that owns the
// script host, engine, and console sink in-process, and the ssh path that
// delegates execution to a remote agent over the transport.
package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/pkg/actions"
	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/script"
	"github.com/hpg/hpg/pkg/vars"
)

// Options is the shared run configuration assembled from CLI flags.
type Options struct {
	// ConfigPath is the root config file, relative to ProjectDir.
	ConfigPath string

	// ProjectDir is the project root the run executes in.
	ProjectDir string

	// Targets are the positional task names.
	Targets []string

	// RunDefaults includes the config's default target list (-D).
	RunDefaults bool

	// Show prints the ordered plan without executing (-s).
	Show bool

	// List prints registered tasks and stops after Definition (-l).
	List bool

	// Vars is the merged fixed variable layer.
	Vars *vars.Variables

	// Debug raises log and sink verbosity.
	Debug bool
}

// RunLocal executes a run in this process. The returned error carries the
// exit class; nil means exit zero.
func RunLocal(ctx context.Context, opts Options) error {
	if err := os.Chdir(opts.ProjectDir); err != nil {
		return engine.NewError(engine.ErrConfigParse,
			"entering project dir "+opts.ProjectDir, err)
	}
	actions.SetBaseContext(ctx)

	sink := events.NewConsole(os.Stdout, opts.Debug)
	reg := engine.NewRegistry()
	acts := actions.New(sink)
	host := script.New(reg, opts.Vars, sink, acts.Options()...)

	if err := host.LoadConfig(opts.ConfigPath); err != nil {
		return err
	}
	log.Debug().Int("tasks", reg.Len()).Msg("definition phase complete")

	if opts.List {
		fmt.Println("Available tasks:")
		for _, task := range reg.ListByName() {
			fmt.Printf("  %s: %s\n", task.Name, task.Description)
		}
		return nil
	}

	plan, err := engine.BuildPlan(reg, opts.Targets, opts.RunDefaults)
	if err != nil {
		return err
	}
	if opts.Show {
		fmt.Println("Execution plan:")
		for i, task := range plan.Tasks() {
			fmt.Printf("  %2d. %s: %s\n", i+1, task.Name, task.Description)
		}
		return nil
	}

	return engine.NewScheduler(reg, host, sink).Run(plan)
}
