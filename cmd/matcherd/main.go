// Command matcherd runs the Matching Service (§4.7): it holds the
// MATCHING_SERVICE advisory lock for its lifetime, polls for pending import
// jobs, and hands each to the Matcher through an in-process JobRunner.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/empicore/empi/pkg/config"
	"github.com/empicore/empi/pkg/database"
	"github.com/empicore/empi/pkg/jobrunner"
	"github.com/empicore/empi/pkg/linker"
	"github.com/empicore/empi/pkg/matcher"
	"github.com/empicore/empi/pkg/scheduler"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("matcherd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A second SIGINT/SIGTERM terminates immediately rather than waiting for
	// the in-flight job to drain, per §4.7.
	hardExit := make(chan os.Signal, 1)
	signal.Notify(hardExit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-hardExit
		<-hardExit
		logger.Warn("second interrupt received, exiting immediately")
		os.Exit(1)
	}()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("failed to close database client", "error", err)
		}
	}()
	logger.Info("connected to database")

	l := linker.NewHTTPLinker(cfg.Linker.Endpoint, &http.Client{Timeout: cfg.Linker.Timeout})
	m := matcher.New(dbClient.DB(), l, nil, logger)
	runner := jobrunner.NewInProcessRunner(m)
	sched := scheduler.New(dbClient.DB(), runner, cfg.Scheduler, logger)

	logger.Info("matching service starting", "linker_endpoint", cfg.Linker.Endpoint)
	if err := sched.Run(ctx); err != nil {
		return err
	}
	logger.Info("matching service stopped")
	return nil
}
