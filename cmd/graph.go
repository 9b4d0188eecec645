package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/comply-core/pkg/config"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/ingest"
	"github.com/user/comply-core/pkg/model"
	"github.com/user/comply-core/pkg/store"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and validate knowledge graph bundles",
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate <bundle.yaml>",
	Short: "Validate a graph bundle without publishing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := ingest.LoadBundle(args[0])
		if err != nil {
			return err
		}
		snap, err := graph.NewSnapshot(bundle)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bundle ok: version %d, %d frameworks\n",
			snap.Version(), len(snap.FrameworkIDs()))
		return nil
	},
}

var (
	prioritizeProfile   string
	prioritizeFramework string
	prioritizeRisk      float64
)

var graphPrioritizeCmd = &cobra.Command{
	Use:   "prioritize",
	Short: "Rank a framework's controls by evidence reuse, threat coverage and archetype affinity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := buildLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		data, err := os.ReadFile(prioritizeProfile)
		if err != nil {
			return fmt.Errorf("reading profile: %w", err)
		}
		var profile model.CompanyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return fmt.Errorf("parsing profile: %w", err)
		}

		bundle, err := ingest.LoadBundle(cfg.Graph.BundlePath)
		if err != nil {
			return err
		}
		snap, err := graph.NewSnapshot(bundle)
		if err != nil {
			return err
		}

		// Score with persisted archetype history when the store is reachable.
		var scorer graph.ArchetypeScorer = graph.NopScorer{}
		if st, err := store.New(cfg.Store.Path, log); err == nil {
			defer st.Close()
			scorer = st
		}

		recs, err := snap.Prioritize(profile, prioritizeFramework, prioritizeRisk, scorer)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var graphEquivalentCmd = &cobra.Command{
	Use:   "equivalent <framework> <control>",
	Short: "List controls equivalent to one control across frameworks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		bundle, err := ingest.LoadBundle(cfg.Graph.BundlePath)
		if err != nil {
			return err
		}
		snap, err := graph.NewSnapshot(bundle)
		if err != nil {
			return err
		}
		equivalents, err := snap.EquivalentControls(graph.ControlRef{Framework: args[0], Control: args[1]})
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(equivalents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var publishServerURL string

var graphPublishCmd = &cobra.Command{
	Use:   "publish <bundle.yaml>",
	Short: "Publish a validated bundle to a running comply server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := ingest.LoadBundle(args[0])
		if err != nil {
			return err
		}
		// Validate locally before sending anything over the wire.
		if _, err := graph.NewSnapshot(bundle); err != nil {
			return err
		}

		body, err := json.Marshal(bundle)
		if err != nil {
			return err
		}
		resp, err := http.Post(publishServerURL+"/graph/publish", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("publishing bundle: %w", err)
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("publish rejected (%s): %s", resp.Status, string(payload))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	},
}

func init() {
	graphPublishCmd.Flags().StringVar(&publishServerURL, "server", "http://localhost:8080", "Base URL of the running comply server")

	graphPrioritizeCmd.Flags().StringVar(&prioritizeProfile, "profile", "", "Path to company profile YAML (required)")
	graphPrioritizeCmd.Flags().StringVar(&prioritizeFramework, "framework", "", "Target framework id (required)")
	graphPrioritizeCmd.Flags().Float64Var(&prioritizeRisk, "risk-tolerance", 0, "Effort penalty multiplier, higher values favor cheap controls")
	graphPrioritizeCmd.MarkFlagRequired("profile")
	graphPrioritizeCmd.MarkFlagRequired("framework")

	graphCmd.AddCommand(graphValidateCmd)
	graphCmd.AddCommand(graphPrioritizeCmd)
	graphCmd.AddCommand(graphEquivalentCmd)
	graphCmd.AddCommand(graphPublishCmd)
	rootCmd.AddCommand(graphCmd)
}
