// GRIDRUN Worker Agent
// Node binary: registers with the coordinator and executes assigned jobs
// inside the container sandbox.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"gridrun/internal/agent"
	"gridrun/internal/config"
	"gridrun/internal/logging"
	"gridrun/internal/sandbox"
)

// Overridden by the release build.
var version = "dev"

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.S()

	cfg := config.LoadAgent()
	log.Infow("starting gridrun agent",
		"version", version,
		"server", cfg.ServerURL,
		"channel", cfg.Channel,
		"sandbox_enabled", cfg.Sandbox.Enabled)

	var runner sandbox.Runner
	if cfg.Sandbox.Enabled {
		dockerRunner, err := sandbox.NewDockerRunner(cfg.Sandbox)
		if err != nil {
			log.Fatalw("container runtime unavailable", "error", err,
				"hint", "start Docker or set SANDBOX_ENABLED=false for host execution")
		}
		runner = dockerRunner
	} else {
		runner = sandbox.NewHostRunner(cfg.Sandbox)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, runner)
	a.Version = version
	if err := a.Run(ctx); err != nil {
		log.Fatalw("agent exited", "error", err)
	}
	log.Infow("agent stopped")
}
