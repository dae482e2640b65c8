package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/cmd/hpg/commands"
	"github.com/hpg/hpg/pkg/engine"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	// SIGINT cancels the current action, then drives the engine to Fail.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("interrupted, cancelling current action")
		cancel()
	}()

	if err := commands.Execute(ctx, Version); err != nil {
		printError(err)
		os.Exit(engine.ExitCodeFor(err))
	}
}

// printError renders the error by class, the way operators expect to read
// it, rather than as a log record.
func printError(err error) {
	var e *engine.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case engine.ErrConfigParse:
			log.Error().Msgf("config error: %v", err)
		case engine.ErrGraph:
			log.Error().Msgf("graph error: %v", err)
		case engine.ErrTaskFailure:
			log.Error().Msgf("task failed: %v", err)
		case engine.ErrSSH:
			log.Error().Msgf("ssh error: %v", err)
		case engine.ErrAgentCrashed:
			log.Error().Msgf("agent error: %v", err)
		default:
			log.Error().Msgf("transport error: %v", err)
		}
		return
	}
	log.Error().Err(err).Msg("run failed")
}
