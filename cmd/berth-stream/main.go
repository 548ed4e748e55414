package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/cli"
)

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	log.SetFlags(0)
	log.SetOutput(pslog.LogLogger(logger).Writer())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx = pslog.ContextWithLogger(ctx, logger)

	r := cli.NewRunner(os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
