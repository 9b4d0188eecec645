package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/agents"
	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/config"
	"github.com/user/comply-core/pkg/escalation"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/ingest"
	"github.com/user/comply-core/pkg/llm"
	"github.com/user/comply-core/pkg/orchestrator"
	"github.com/user/comply-core/pkg/server"
	"github.com/user/comply-core/pkg/sidecar"
	"github.com/user/comply-core/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assessment HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	graphs := graph.NewStore(log)
	resultCache := cache.New(cfg.Cache.TTL, cfg.Cache.WaitBound, log)

	bundle, err := ingest.LoadBundle(cfg.Graph.BundlePath)
	if err != nil {
		return err
	}
	snap, err := graphs.Publish(bundle)
	if err != nil {
		return fmt.Errorf("publishing initial graph: %w", err)
	}

	engine := escalation.NewEngine(escalation.Config{
		Thresholds:      cfg.Escalation.Thresholds,
		HistoryWeight:   cfg.Escalation.HistoryWeight,
		HistoryAlpha:    cfg.Escalation.HistoryAlpha,
		HistoryCapacity: cfg.Escalation.HistoryCapacity,
	}, st, log)
	seedHistory(engine, st, log)

	registry := agents.NewRegistry()
	for _, fwID := range snap.FrameworkIDs() {
		if err := registry.Register(agents.NewBaselineAgent(fwID)); err != nil {
			return err
		}
	}

	resolver, err := loadResolver(cfg.Orchestrator.RulesPath, snap)
	if err != nil {
		return err
	}

	provider, err := llm.NewProvider(ctx, cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return fmt.Errorf("building llm provider: %w", err)
	}
	if provider != nil {
		defer provider.Close()
	}

	pipeline := sidecar.NewPipeline(st, sidecar.Config{
		Workers:     cfg.Sidecar.Workers,
		QueueSize:   cfg.Sidecar.QueueSize,
		TaskTimeout: cfg.Sidecar.TaskTimeout,
		MaxRetries:  cfg.Sidecar.MaxRetries,
		BackoffBase: cfg.Sidecar.BackoffBase,
	}, log)
	if err := pipeline.RegisterConsumer(sidecar.NewLegalRiskConsumer(provider)); err != nil {
		return err
	}
	if err := pipeline.RegisterConsumer(sidecar.NewThreatScenarioConsumer(graphs)); err != nil {
		return err
	}
	if err := pipeline.Start(); err != nil {
		return err
	}
	defer pipeline.Stop()

	orch := orchestrator.New(registry, graphs, resolver, resultCache, engine, st, pipeline,
		orchestrator.Config{
			AgentTimeout: cfg.Orchestrator.AgentTimeout,
			MaxWorkers:   cfg.Orchestrator.MaxWorkers,
		}, log)

	if cfg.Graph.Watch {
		watcher, err := ingest.NewWatcher(cfg.Graph.BundlePath, graphs, resultCache, log)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	srv := server.New(cfg.Server.Addr, orch, st, graphs, resultCache, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedHistory preloads the escalation engine's per-industry confidence EMAs
// from persisted assessment history.
func seedHistory(engine *escalation.Engine, st *store.Store, log *zap.Logger) {
	industries, err := st.Industries()
	if err != nil {
		log.Warn("loading history industries failed", zap.Error(err))
		return
	}
	for _, ind := range industries {
		values, err := st.RecentConfidence(ind, 0)
		if err != nil {
			log.Warn("loading confidence history failed", zap.String("industry", ind), zap.Error(err))
			continue
		}
		engine.SeedHistory(ind, values)
	}
}

func loadResolver(path string, snap *graph.Snapshot) (*orchestrator.Resolver, error) {
	if path == "" {
		// Without rules, every published framework applies by default.
		return orchestrator.NewResolver(nil, snap.FrameworkIDs()), nil
	}
	return orchestrator.LoadResolver(path)
}
