// Package cmd wires the comply command tree.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "comply",
	Short: "Compliance assessment engine with a cross-framework knowledge graph",
	Long: `comply runs framework-specific compliance assessments against company
profiles, correlates controls through a shared knowledge graph, and routes
low-confidence results through an audit-logged escalation workflow.`,
}

var (
	debugMode  bool
	configPath string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debugMode {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
