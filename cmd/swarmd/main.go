// swarmd orchestrator server — ingests coding-task submissions, schedules
// them against a dependency graph, spawns ephemeral agent workers through
// an execution provider, and streams events to connected clients.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmops/swarmd/pkg/api"
	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/config"
	"github.com/swarmops/swarmd/pkg/conflict"
	"github.com/swarmops/swarmd/pkg/events"
	"github.com/swarmops/swarmd/pkg/graph"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/orchestrator"
	"github.com/swarmops/swarmd/pkg/provider"
	"github.com/swarmops/swarmd/pkg/router"
	"github.com/swarmops/swarmd/pkg/scheduler"
	"github.com/swarmops/swarmd/pkg/scoring"
	"github.com/swarmops/swarmd/pkg/store"
	"github.com/swarmops/swarmd/pkg/topology"
)

// decayInterval drives the scoring-decay and bolt-sweep housekeeping tick.
const decayInterval = 1 * time.Hour

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting swarmd",
		"http_port", cfg.HTTPPort,
		"store", cfg.StoreBackend,
		"provider", cfg.Provider,
		"topology", cfg.Topology)

	ctx := context.Background()

	// 1. State store
	st, err := buildStore(cfg)
	if err != nil {
		slog.Error("Failed to open state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()
	if err := st.Ping(ctx); err != nil {
		slog.Error("State store unreachable", "error", err)
		os.Exit(1)
	}

	// 2. Budget limits from environment, when overridden
	bg := budget.NewGuard(st, logger)
	if cfg.DailyLimitCents > 0 || cfg.WeeklyLimitCents > 0 {
		budgetCfg := models.DefaultBudgetConfig()
		if cfg.DailyLimitCents > 0 {
			budgetCfg.DailyLimitCents = cfg.DailyLimitCents
		}
		if cfg.WeeklyLimitCents > 0 {
			budgetCfg.WeeklyLimitCents = cfg.WeeklyLimitCents
		}
		if err := bg.UpdateConfig(ctx, budgetCfg); err != nil {
			slog.Error("Failed to apply budget limits", "error", err)
			os.Exit(1)
		}
	}

	// 3. Core components
	g := graph.New(st)
	registry := scoring.NewRegistry(scoring.DefaultAlpha)
	rt := router.New(registry)
	cm := conflict.NewMonitor()
	hub := events.NewHub(logger)
	hub.Start()
	defer hub.Stop()

	sched := scheduler.New(st, g, rt, registry, cm, bg, hub, logger, scheduler.Options{})

	prov := buildProvider(cfg, logger)
	topo := buildTopology(cfg, sched, st, hub, logger)

	orch := orchestrator.New(st, g, sched, topo, prov, cm, bg, hub, logger)
	orch.Start(ctx)
	defer orch.Stop()

	// 4. Housekeeping: score decay and durable-store sweep
	housekeepingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(decayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-housekeepingStop:
				return
			case <-ticker.C:
				if n := registry.Decay(); n > 0 {
					slog.Info("Decayed idle performance records", "count", n)
				}
				if bolt, ok := st.(*store.BoltStore); ok {
					if n, err := bolt.Sweep(ctx); err != nil {
						slog.Error("Store sweep failed", "error", err)
					} else if n > 0 {
						slog.Info("Swept expired records", "count", n)
					}
				}
			}
		}
	}()
	defer close(housekeepingStop)

	// 5. HTTP server (non-blocking)
	httpServer := api.NewServer(st, orch, bg, hub, []byte(cfg.JWTSecret), logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("swarmd started successfully")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: close the listener first, then drain the
	// orchestrator's in-flight completion monitors.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		orch.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Orchestrator stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Shutdown timeout exceeded, abandoning in-flight executions")
	}

	slog.Info("Shutdown complete")
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBolt:
		return store.NewBoltStore(cfg.BoltPath)
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildProvider(cfg *config.Config, logger *slog.Logger) provider.Provider {
	pcfg := provider.Config{
		BaseURL:   cfg.ProviderBaseURL,
		APIToken:  cfg.ProviderAPIToken,
		AppName:   cfg.ProviderApp,
		Image:     cfg.WorkerImage,
		LLMAPIKey: cfg.LLMAPIKey,
		SCMToken:  cfg.SCMToken,
	}
	switch cfg.Provider {
	case config.ProviderMachines:
		return provider.NewMachinesProvider(pcfg, logger)
	case config.ProviderJobs:
		return provider.NewJobsProvider(pcfg, cfg.JobTemplate, logger)
	default:
		return provider.NewMockProvider(logger)
	}
}

func buildTopology(cfg *config.Config, sched *scheduler.Scheduler, st store.Store,
	hub *events.Hub, logger *slog.Logger) topology.Handler {
	switch cfg.Topology {
	case config.TopologyHierarchical:
		return topology.NewHierarchical(sched, st, hub, logger)
	case config.TopologyMesh:
		return topology.NewMesh(sched, st, logger)
	default:
		return topology.NewHub(sched)
	}
}
