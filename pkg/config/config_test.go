package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.Cache.WaitBound)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.AgentTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.MaxWorkers)
	assert.InDelta(t, 0.70, cfg.Escalation.Thresholds.ConfidenceCutoff, 1e-9)
	assert.Contains(t, cfg.Escalation.Thresholds.HighRiskIndustries, "healthcare")
	assert.Equal(t, 5000, cfg.Escalation.Thresholds.LargeOrgSize)
	assert.Equal(t, 2, cfg.Sidecar.Workers)
	assert.Equal(t, 2, cfg.Sidecar.MaxRetries)
	assert.Empty(t, cfg.LLM.Provider)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COMPLY_SERVER_ADDR", ":9999")
	t.Setenv("COMPLY_CACHE_TTL", "5m")
	t.Setenv("COMPLY_ESCALATION_THRESHOLDS_CONFIDENCE_CUTOFF", "0.85")
	t.Setenv("COMPLY_LLM_PROVIDER", "gemini")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.InDelta(t, 0.85, cfg.Escalation.Thresholds.ConfidenceCutoff, 1e-9)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comply.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7070"
orchestrator:
  max_workers: 8
escalation:
  thresholds:
    high_risk_industries: [energy]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, []string{"energy"}, cfg.Escalation.Thresholds.HighRiskIndustries)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
