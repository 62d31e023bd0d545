package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

const minimalYAML = `
gateway:
  backends:
    - name: openai
      family: strict-object
      api_key_env: OPENAI_API_KEY
      default_model: gpt-4o
      max_reasoning: xhigh
      priority: 1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corthex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithMinimalFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, minimalYAML)).Load()
	require.NoError(t, err)

	// Untouched sections keep their defaults.
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 8, cfg.Loop.MaxIterations)
	assert.Equal(t, 4000, cfg.Loop.ResultCharBudget)
	assert.Equal(t, 30*time.Minute, cfg.Delegation.TaskTTL)
	assert.False(t, cfg.Quality.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Gateway.Backends, 1)
	assert.Equal(t, "openai", cfg.Gateway.Backends[0].Name)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Gateway.Backends[0].APIKeyEnv)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, minimalYAML+`
loop:
  max_iterations: 3
  wall_clock: 90s
delegation:
  debate_rounds: 4
`)).Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Loop.WallClock)
	assert.Equal(t, 4, cfg.Delegation.DebateRounds)
	assert.Equal(t, 4000, cfg.Loop.ResultCharBudget, "unset keys keep defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CORTHEX_LOOP_MAX_ITERATIONS", "12")
	t.Setenv("CORTHEX_LOOP_WALL_CLOCK", "2m")
	t.Setenv("CORTHEX_QUALITY_ENABLED", "true")
	t.Setenv("CORTHEX_QUALITY_THRESHOLD", "0.85")
	t.Setenv("CORTHEX_LOG_OUTPUT_PATHS", "stdout, /var/log/corthex.log")

	cfg, err := NewLoader().WithConfigPath(writeConfig(t, minimalYAML+`
loop:
  max_iterations: 3
`)).Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Loop.MaxIterations, "env beats file")
	assert.Equal(t, 2*time.Minute, cfg.Loop.WallClock)
	assert.True(t, cfg.Quality.Enabled)
	assert.InDelta(t, 0.85, cfg.Quality.Threshold, 1e-9)
	assert.Equal(t, []string{"stdout", "/var/log/corthex.log"}, cfg.Log.OutputPaths)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("ACME_SERVER_METRICS_PORT", "7070")

	cfg, err := NewLoader().
		WithConfigPath(writeConfig(t, minimalYAML)).
		WithEnvPrefix("ACME").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.MetricsPort)
}

func TestLoadMissingFileUsesDefaultsButFailsValidation(t *testing.T) {
	// Without a file there are no backends, and a gateway without backends
	// must not start.
	_, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigInvalid, types.GetErrorCode(err))
}

func TestLoadRejectsUnknownBackendFamily(t *testing.T) {
	_, err := NewLoader().WithConfigPath(writeConfig(t, `
gateway:
  backends:
    - name: mystery
      family: quantum
`)).Load()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigInvalid, types.GetErrorCode(err))
}

func TestLoadRejectsUnknownReasoningDepth(t *testing.T) {
	_, err := NewLoader().WithConfigPath(writeConfig(t, `
gateway:
  backends:
    - name: openai
      family: strict-object
      max_reasoning: galaxy-brain
`)).Load()
	require.Error(t, err)
}

func TestLoadRejectsMalformedAgentTree(t *testing.T) {
	_, err := NewLoader().WithConfigPath(writeConfig(t, minimalYAML+`
agents:
  - id: hq
    tier: coordinator
    model: gpt-4o
    subordinates: [ops]
  - id: ops
    tier: manager
    model: gpt-4o
    superior: ghost
`)).Load()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigInvalid, types.GetErrorCode(err))
}

func TestLoadAgentDefinitionsRoundTrip(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, minimalYAML+`
agents:
  - id: hq
    tier: coordinator
    model: gpt-4o
    reasoning: high
    subordinates: [ops]
  - id: ops
    tier: manager
    model: claude-sonnet-4
    superior: hq
    auto_spawn: true
    tools: [web_search]
`)).Load()
	require.NoError(t, err)

	defs := cfg.AgentDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, types.ReasoningHigh, defs[0].Reasoning)
	assert.True(t, defs[1].AutoSpawn)
	assert.Equal(t, []string{"web_search"}, defs[1].Tools)
}

func TestLoadCustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithConfigPath(writeConfig(t, minimalYAML)).
		WithValidator(func(c *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}
