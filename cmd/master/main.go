package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/distmaster/internal/config"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/injector"
	"github.com/zeusync/distmaster/internal/master"
	"github.com/zeusync/distmaster/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	jobRole := flag.String("job-role", "", "role to run the job on; empty uses whole systems")
	jobUnits := flag.Int("job-units", 0, "units of work to schedule once slaves are attached")
	minSystems := flag.Int("min-systems", 1, "systems to wait for before scheduling the job")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	srv, err := injector.InitializeMaster(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building server:", err)
		os.Exit(1)
	}
	logger := log.Provide()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = srv.Start(ctx); err != nil {
		logger.Error("Error starting server", log.Error(err))
		_ = srv.Close()
		os.Exit(1)
	}
	logger.Info("Master listening", log.String("addr", srv.Addr().String()))

	if *jobUnits > 0 {
		go runJob(ctx, srv, logger, *jobRole, *jobUnits, *minSystems)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	if err = srv.Close(); err != nil {
		logger.Error("Error stopping server", log.Error(err))
	}
	_ = logger.Sync()
}

func runJob(ctx context.Context, srv *server.Server, logger log.Log, role string, units, minSystems int) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for srv.Registry().Len() < minSystems {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	job, err := master.NewJob(role, units, nil)
	if err != nil {
		logger.Error("Invalid job", log.Error(err))
		return
	}

	start := time.Now()
	rounds, err := srv.Scheduler().Run(ctx, job)
	if err != nil {
		logger.Error("Job failed",
			log.String("job", job.ID),
			log.Int("rounds", len(rounds)),
			log.Int("remaining", job.Remaining()),
			log.Error(err))
		return
	}
	logger.Info("Job finished",
		log.String("job", job.ID),
		log.Int("units", job.Total()),
		log.Int("rounds", len(rounds)),
		log.Duration("elapsed", time.Since(start)))

	for _, sys := range srv.Registry().Systems() {
		for _, r := range sys.Roles() {
			logger.Info("Performance",
				log.String("system", sys.Name()),
				log.String("role", r.Name),
				log.Float64("performance", r.Performance))
		}
	}
}
