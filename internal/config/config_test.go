package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bindelta.sqlite", cfg.DatabasePath)
	assert.False(t, cfg.Verbose)
	assert.False(t, cfg.JSONLogs)

	// Strictest steps lead both lists.
	require.NotEmpty(t, cfg.CallGraphSteps)
	assert.Equal(t, "name_hash", cfg.CallGraphSteps[0].Name)
	require.NotEmpty(t, cfg.FlowGraphSteps)
	assert.Equal(t, "hash", cfg.FlowGraphSteps[0].Name)
	assert.Equal(t, 4, cfg.FlowGraphSteps[0].MinInstructions)
}

func TestSaveAndLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.DatabasePath = "out/results.sqlite"
	cfg.Verbose = true
	cfg.FlowGraphSteps = cfg.FlowGraphSteps[:4]
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "out/results.sqlite", loaded.DatabasePath)
	assert.True(t, loaded.Verbose)
	assert.Len(t, loaded.FlowGraphSteps, 4)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("callgraph_steps: [unclosed"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BDT_DATABASE_PATH", "/tmp/env.sqlite")
	t.Setenv("BDT_VERBOSE", "true")
	t.Setenv("BDT_JSON_LOGS", "1")
	t.Setenv("BDT_MIN_INSTRUCTIONS", "6")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "/tmp/env.sqlite", cfg.DatabasePath)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.JSONLogs)

	// The instruction minimum only retunes steps that already carry one.
	for _, s := range cfg.FlowGraphSteps {
		switch s.Name {
		case "hash", "prime":
			assert.Equal(t, 6, s.MinInstructions)
		default:
			assert.Zero(t, s.MinInstructions)
		}
	}
}

func TestEnvOverridesIgnoreMalformedValues(t *testing.T) {
	t.Setenv("BDT_VERBOSE", "definitely")
	t.Setenv("BDT_MIN_INSTRUCTIONS", "-3")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	assert.False(t, cfg.Verbose)
	assert.Equal(t, 4, cfg.FlowGraphSteps[0].MinInstructions)
}

func TestValidateRejectsBadStepLists(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty callgraph list", func(c *Config) { c.CallGraphSteps = nil }},
		{"empty flowgraph list", func(c *Config) { c.FlowGraphSteps = nil }},
		{"empty step name", func(c *Config) { c.CallGraphSteps[0].Name = "" }},
		{"duplicate step", func(c *Config) { c.CallGraphSteps[1].Name = c.CallGraphSteps[0].Name }},
		{"negative minimum", func(c *Config) { c.FlowGraphSteps[0].MinInstructions = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
