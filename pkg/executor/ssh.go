package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/inventory"
	"github.com/hpg/hpg/pkg/remote"
	"github.com/hpg/hpg/pkg/remote/protocol"
	"github.com/hpg/hpg/pkg/transports/ssh"
)

// RunSSH executes a run on a remote host: connect, upload this executable as
// the agent, sync the project tree, and stream events back to the local
// console.
func RunSSH(ctx context.Context, hostSpec, inventoryPath string, opts Options) error {
	// --list only needs the Definition phase, and the config lives locally.
	if opts.List {
		return RunLocal(ctx, opts)
	}

	inv, err := loadInventory(inventoryPath)
	if err != nil {
		return engine.NewError(engine.ErrSSH, "loading inventory", err)
	}
	cfg, err := ssh.ResolveConfig(hostSpec, inv)
	if err != nil {
		return engine.NewError(engine.ErrSSH, "resolving host "+hostSpec, err)
	}

	client, err := ssh.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	self, err := os.Executable()
	if err != nil {
		return engine.NewError(engine.ErrSSH, "locating own executable", err)
	}
	agentPath := fmt.Sprintf("/tmp/hpg-agent-%s", uuid.NewString()[:8])
	if err := client.Upload(ctx, self, agentPath, true); err != nil {
		return err
	}

	workdir := remoteWorkdir(opts.ProjectDir)
	command := fmt.Sprintf("%s agent %s", agentPath, workdir)
	if opts.Debug {
		command += " --debug"
	}
	session, err := client.StartAgent(command)
	if err != nil {
		return err
	}
	defer session.Close()

	sink := events.NewConsole(os.Stdout, opts.Debug)
	driver := remote.NewDriver(session.Stdout, session.Stdin, opts.ProjectDir, sink)
	exit, err := driver.Run(protocol.Invoke{
		ConfigPath:  opts.ConfigPath,
		Targets:     opts.Targets,
		Vars:        fixedVars(opts),
		RunDefaults: opts.RunDefaults,
		Show:        opts.Show,
		Debug:       opts.Debug,
	})
	if err != nil {
		return err
	}

	_ = session.Stdin.Close()
	if waitErr := session.Wait(); waitErr != nil {
		log.Debug().Err(waitErr).Msg("agent session exit")
	}

	switch exit {
	case engine.ExitOK:
		return nil
	case engine.ExitTaskFail:
		return engine.NewError(engine.ErrTaskFailure, "remote task failed", nil)
	case engine.ExitPlanError:
		return engine.NewError(engine.ErrGraph, "remote definition failed", nil)
	default:
		return engine.NewError(engine.ErrAgentCrashed,
			fmt.Sprintf("agent exited with status %d", exit), nil)
	}
}

func loadInventory(path string) (*inventory.Inventory, error) {
	if path != "" {
		return inventory.Load(path)
	}
	return inventory.LoadDefault()
}

func fixedVars(opts Options) map[string]any {
	if opts.Vars == nil {
		return nil
	}
	return opts.Vars.Fixed()
}

// remoteWorkdir derives a stable agent-side working directory from the local
// project path, so repeat runs resync cheaply against the previous tree.
func remoteWorkdir(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "hpg-sync-"+hex.EncodeToString(sum[:])[:12])
}
