// Package config loads service configuration from a YAML file plus COMPLY_
// environment variables, with sane defaults for everything.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/comply-core/pkg/escalation"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type GraphConfig struct {
	BundlePath string `mapstructure:"bundle_path"`
	Watch      bool   `mapstructure:"watch"`
}

type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	WaitBound time.Duration `mapstructure:"wait_bound"`
}

type OrchestratorConfig struct {
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	RulesPath    string        `mapstructure:"rules_path"`
}

type EscalationConfig struct {
	Thresholds      escalation.Thresholds `mapstructure:"thresholds"`
	HistoryWeight   float64               `mapstructure:"history_weight"`
	HistoryAlpha    float64               `mapstructure:"history_alpha"`
	HistoryCapacity int                   `mapstructure:"history_capacity"`
}

type SidecarConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Graph        GraphConfig        `mapstructure:"graph"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Sidecar      SidecarConfig      `mapstructure:"sidecar"`
	LLM          LLMConfig          `mapstructure:"llm"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.path", "comply.db")
	v.SetDefault("graph.bundle_path", "graph.yaml")
	v.SetDefault("graph.watch", true)
	v.SetDefault("cache.ttl", 15*time.Minute)
	v.SetDefault("cache.wait_bound", 10*time.Second)
	v.SetDefault("orchestrator.agent_timeout", 30*time.Second)
	v.SetDefault("orchestrator.max_workers", 4)
	v.SetDefault("orchestrator.rules_path", "")

	t := escalation.DefaultThresholds()
	v.SetDefault("escalation.thresholds.confidence_cutoff", t.ConfidenceCutoff)
	v.SetDefault("escalation.thresholds.high_risk_industries", t.HighRiskIndustries)
	v.SetDefault("escalation.thresholds.large_org_size", t.LargeOrgSize)
	v.SetDefault("escalation.thresholds.legal_patterns", t.LegalPatterns)
	v.SetDefault("escalation.history_weight", 0.30)
	v.SetDefault("escalation.history_alpha", 0.3)
	v.SetDefault("escalation.history_capacity", 32)

	v.SetDefault("sidecar.workers", 2)
	v.SetDefault("sidecar.queue_size", 64)
	v.SetDefault("sidecar.task_timeout", 30*time.Second)
	v.SetDefault("sidecar.max_retries", 2)
	v.SetDefault("sidecar.backoff_base", 500*time.Millisecond)

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Environment variables use the COMPLY_
// prefix, e.g. COMPLY_SERVER_ADDR or COMPLY_ESCALATION_HISTORY_WEIGHT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
