package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/odgrim/abathur-swarm-sub017/internal/config"
	"github.com/odgrim/abathur-swarm-sub017/internal/events"
	"github.com/odgrim/abathur-swarm-sub017/internal/executor"
	"github.com/odgrim/abathur-swarm-sub017/internal/orchestrator"
	"github.com/odgrim/abathur-swarm-sub017/internal/persistence"
	"github.com/odgrim/abathur-swarm-sub017/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath    = flag.String("db", "", "database path (overrides config)")
		limit     = flag.Int("task-limit", -1, "max outcomes this run (-1 = unbounded)")
		verbosity = flag.Bool("v", false, "log queue events")
	)
	flag.Parse()

	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *limit >= 0 {
		cfg.TaskLimit = limit
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	registry := executor.NewRegistry()
	for workerType, worker := range cfg.Workers {
		provider := executor.NewProcessProvider(worker.Command, worker.Args...)
		if err := registry.Register(workerType, provider); err != nil {
			return fmt.Errorf("registering worker %q: %w", workerType, err)
		}
	}
	if len(registry.Types()) == 0 {
		return fmt.Errorf("no workers configured; add a workers section to the config")
	}
	log.Printf("registered worker types: %v", registry.Types())

	bus := events.NewBus()
	defer bus.Close()
	if *verbosity {
		go func() {
			for e := range bus.SubscribeAll(0) {
				log.Printf("event %T task=%s", e, e.TaskID())
			}
		}()
	}

	q, err := queue.NewService(ctx, store,
		queue.WithBus(bus),
		queue.WithWorkerTypeValidator(registry.Validate),
		queue.WithFailurePolicy(queue.FailurePolicy(cfg.FailurePolicy)),
		queue.WithRetrySchedule(queue.RetrySchedule{
			InitialInterval: cfg.Retry.InitialInterval.Std(),
			MaxInterval:     cfg.Retry.MaxInterval.Std(),
			Multiplier:      cfg.Retry.Multiplier,
		}),
	)
	if err != nil {
		return fmt.Errorf("building queue service: %w", err)
	}

	runner := executor.NewRunner(registry, cfg.TaskTimeout.Std())
	swarm := orchestrator.New(q, runner, store, orchestrator.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		TaskLimit:     cfg.TaskLimit,
		PollInterval:  cfg.PollInterval.Std(),
	})
	swarm.SetBus(bus)

	stats, err := swarm.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("run %s finished: %d completed, %d failed, %d claimed",
		stats.RunID, stats.Completed, stats.Failed, stats.Claimed)
	return nil
}
