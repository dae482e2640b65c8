package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hpg/hpg/pkg/executor"
	"github.com/hpg/hpg/pkg/vars"
)

// hpgOpts is the flag bundle shared by the local and ssh subcommands.
type hpgOpts struct {
	configPath  string
	projectDir  string
	runDefaults bool
	varFlags    []string
	varFiles    []string
	show        bool
	list        bool
}

// register installs the shared flags on a subcommand.
func (o *hpgOpts) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "hpg.star", "path to hpg config file")
	cmd.Flags().StringVarP(&o.projectDir, "project-dir", "p", ".", "path to project root")
	cmd.Flags().BoolVarP(&o.runDefaults, "default-targets", "D", false, "run default targets in config")
	cmd.Flags().StringArrayVarP(&o.varFlags, "var", "v", nil, "KEY=VALUE variable (repeatable)")
	cmd.Flags().StringArrayVar(&o.varFiles, "vars", nil, "path to JSON variables file (repeatable)")
	cmd.Flags().BoolVarP(&o.show, "show", "s", false, "show planned execution but do not execute")
	cmd.Flags().BoolVarP(&o.list, "list", "l", false, "show available tasks")
}

// options assembles executor options from the flags and positional targets.
// Variable precedence: -v beats --vars files, later files beat earlier ones.
func (o *hpgOpts) options(targets []string) (executor.Options, error) {
	merged := vars.New()
	for _, path := range o.varFiles {
		fileVars, err := vars.FromFile(path)
		if err != nil {
			return executor.Options{}, err
		}
		merged = merged.Merge(fileVars)
	}

	pairs := map[string]string{}
	for _, raw := range o.varFlags {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return executor.Options{}, fmt.Errorf("invalid variable %q: missing '='", raw)
		}
		pairs[key] = value
	}
	merged = merged.Merge(vars.FromPairs(pairs))

	projectDir, err := filepath.Abs(o.projectDir)
	if err != nil {
		return executor.Options{}, fmt.Errorf("resolving project dir: %w", err)
	}

	return executor.Options{
		ConfigPath:  o.configPath,
		ProjectDir:  projectDir,
		Targets:     targets,
		RunDefaults: o.runDefaults,
		Show:        o.show,
		List:        o.list,
		Vars:        merged,
		Debug:       flagDebug,
	}, nil
}
