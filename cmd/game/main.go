// Command game runs the detective-game kernel: it constructs the
// component graph, drives the priority-ordered bootstrap and then waits
// for a shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"noirdesk/internal/di"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	container, err := di.NewContainer(*configPath)
	if err != nil {
		log.Fatalf("failed to build container: %v", err)
	}
	defer func() {
		if err := container.Shutdown(); err != nil {
			container.Logger.Error("shutdown finished with errors", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := container.Bootstrap(ctx)
	if err != nil {
		container.Logger.Error("bootstrap failed", zap.Error(err))
		return
	}
	if report.HasFailures() {
		container.Logger.Warn("running degraded",
			zap.Strings("failedServices", report.FailedServices()))
	}

	<-ctx.Done()
	container.Logger.Info("shutdown signal received")
}
