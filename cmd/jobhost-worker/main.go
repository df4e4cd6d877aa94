// Command jobhost-worker runs a single job on behalf of the agent. It is
// started as `jobhost-worker spawnclient <out> <in>` and never by hand.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/jobhost/internal/engine"
	"github.com/mattjoyce/jobhost/internal/log"
	"github.com/mattjoyce/jobhost/internal/worker"
)

const scriptKillDelay = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// stdout and stderr are captured by the agent into the job's output.
	log.SetupWriter(os.Stderr, envOr("JOBHOST_LOG_LEVEL", "info"), envOr("JOBHOST_LOG_FORMAT", "text"))
	logger := log.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eng := &engine.Shell{
		KillDelay: scriptKillDelay,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Logger:    logger,
	}
	return worker.Run(ctx, args, eng, worker.Options{Logger: logger})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
