package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/models"
)

const sampleYAML = `
server:
  http_addr: ":9090"
logging:
  level: debug
auth:
  signing_key: test-key
redis:
  addr: localhost:6379
orchestrator:
  tick_interval: 250ms
  checkpoint_interval: 10s
  max_iterations: 5
concurrency:
  max_total_agents: 6
  max_per_type:
    executor: 2
  resources:
    max_tokens_per_minute: 50000
tracing:
  enabled: true
  otlp_endpoint: collector:4317
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "test-key", cfg.Auth.SigningKey)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.CheckpointInterval)
	assert.Equal(t, 5, cfg.Orchestrator.MaxIterations)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)

	// Defaults fill what the file omits.
	assert.Equal(t, "config/aats", cfg.Paths.AATDir)
	assert.Equal(t, 5*time.Minute, cfg.Broker.ViewTTL)
}

func TestConcurrencyPolicyMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	pol := cfg.ConcurrencyPolicy()
	assert.Equal(t, 6, pol.MaxTotalAgents)
	assert.Equal(t, 2, pol.MaxPerType[models.ArchetypeExecutor])
	assert.Equal(t, 50_000, pol.Resources.MaxTokensPerMinute)
	// Unset limits fall back to the stock policy.
	assert.Equal(t, 10.0, pol.Resources.MaxCostPerHour)
	assert.Equal(t, 10, pol.Resources.MaxConcurrentAPICalls)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_REDIS_ADDR", "redis-prod:6379")
	t.Setenv("LOOM_AUTH_SIGNING_KEY", "env-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
	assert.Equal(t, "env-key", cfg.Auth.SigningKey)
}

func TestValidation(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")

	_, err = Load(writeConfig(t, `
auth:
  signing_key: k
database:
  dsn: "postgres://x"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}
