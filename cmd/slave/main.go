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
	"github.com/zeusync/distmaster/sdk/go/client"
)

const defaultUnitCost = 10 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	rolesPath := flag.String("roles", "", "YAML file with role declarations; overrides slave.roles")
	name := flag.String("name", "", "logical name; overrides slave.name")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *rolesPath != "" {
		cfg.Slave.RolesFile = *rolesPath
	}
	if *name != "" {
		cfg.Slave.Name = *name
	}

	c, err := injector.InitializeSlave(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building client:", err)
		os.Exit(1)
	}
	logger := log.Provide()

	if capacity, err := client.DetectCapacity(); err == nil {
		logger.Info("Host capacity",
			log.Int("logical_cpus", capacity.LogicalCPUs),
			log.Uint64("total_memory", capacity.TotalMemory))
	}

	costs := unitCosts(c.Config().Roles, logger)
	c.Handle("", func(ctx context.Context, task client.Task) (int, error) {
		cost, ok := costs[task.Role]
		if !ok {
			cost = defaultUnitCost
		}
		return process(ctx, task.Units(), cost)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		logger.Error("Error connecting to master", log.Error(err))
		os.Exit(1)
	}
	for _, p := range c.Performances() {
		logger.Info("Role accepted", log.String("role", p.Name), log.Float64("performance", p.Performance))
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case <-c.Done():
		logger.Warn("Master closed the connection")
	}
	if err = c.Close(); err != nil {
		logger.Error("Error closing client", log.Error(err))
	}
	_ = logger.Sync()
}

// unitCosts reads the unit_cost attribute of every role.
func unitCosts(roles []client.Role, logger log.Log) map[string]time.Duration {
	costs := make(map[string]time.Duration, len(roles))
	for _, r := range roles {
		raw, ok := r.Attributes["unit_cost"]
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			logger.Warn("Ignoring unit_cost", log.String("role", r.Name), log.String("value", raw))
			continue
		}
		costs[r.Name] = d
	}
	return costs
}

// process spends cost per unit and stops early when ctx ends.
func process(ctx context.Context, units int, cost time.Duration) (int, error) {
	timer := time.NewTimer(cost)
	defer timer.Stop()
	for done := 0; done < units; done++ {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-timer.C:
			timer.Reset(cost)
		}
	}
	return units, nil
}
