package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/comply-core/pkg/agents"
	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/config"
	"github.com/user/comply-core/pkg/escalation"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/ingest"
	"github.com/user/comply-core/pkg/model"
	"github.com/user/comply-core/pkg/orchestrator"
	"github.com/user/comply-core/pkg/store"
)

var (
	assessProfilePath string
	assessFrameworks  []string
	assessDeadlineMs  int
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Run a one-shot assessment for a company profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAssess(cmd)
	},
}

func init() {
	assessCmd.Flags().StringVar(&assessProfilePath, "profile", "", "Path to company profile YAML (required)")
	assessCmd.Flags().StringSliceVar(&assessFrameworks, "frameworks", nil, "Framework ids to assess (default: resolved from profile)")
	assessCmd.Flags().IntVar(&assessDeadlineMs, "deadline-ms", 0, "Overall deadline in milliseconds (0 = none)")
	assessCmd.MarkFlagRequired("profile")
	rootCmd.AddCommand(assessCmd)
}

func runAssess(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	data, err := os.ReadFile(assessProfilePath)
	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	var profile model.CompanyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	st, err := store.New(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	graphs := graph.NewStore(log)
	bundle, err := ingest.LoadBundle(cfg.Graph.BundlePath)
	if err != nil {
		return err
	}
	snap, err := graphs.Publish(bundle)
	if err != nil {
		return fmt.Errorf("publishing graph: %w", err)
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

	// One-shot runs skip the sidecar pipeline; enrichment belongs to serve.
	orch := orchestrator.New(registry, graphs, resolver,
		cache.New(cfg.Cache.TTL, cfg.Cache.WaitBound, log), engine, st, nil,
		orchestrator.Config{
			AgentTimeout: cfg.Orchestrator.AgentTimeout,
			MaxWorkers:   cfg.Orchestrator.MaxWorkers,
		}, log)

	res, err := orch.Assess(cmd.Context(), model.AssessmentRequest{
		Profile:    profile,
		Frameworks: assessFrameworks,
		DeadlineMs: assessDeadlineMs,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
