package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StepConfig selects one matching step by name, in priority order, with its
// tuning parameters. The priority list itself is configuration, not a
// hardcoded contract: reordering or removing entries changes match quality,
// never correctness.
type StepConfig struct {
	Name string `yaml:"name"`

	// MinInstructions excludes vertices below the threshold from the step.
	// Only meaningful for the size-sensitive steps; zero means no minimum.
	MinInstructions int `yaml:"min_instructions,omitempty"`
}

// Config holds all configuration for bindelta
type Config struct {
	// CallGraphSteps is the ordered function-level step list, most
	// discriminating first.
	CallGraphSteps []StepConfig `yaml:"callgraph_steps"`

	// FlowGraphSteps is the ordered basic-block-level step list.
	FlowGraphSteps []StepConfig `yaml:"flowgraph_steps"`

	// DatabasePath is the default result database location
	DatabasePath string `yaml:"database_path" env:"BDT_DATABASE_PATH"`

	// CacheDir enables the fingerprint cache when non-empty. Cached
	// fingerprints are keyed by input file content, so the directory can be
	// shared between projects.
	CacheDir string `yaml:"cache_dir,omitempty" env:"BDT_CACHE_DIR"`

	// Logging
	Verbose  bool `yaml:"verbose" env:"BDT_VERBOSE"`
	JSONLogs bool `yaml:"json_logs" env:"BDT_JSON_LOGS"`
}

// DefaultConfig returns a Config with the default step priority lists and
// thresholds.
func DefaultConfig() *Config {
	return &Config{
		CallGraphSteps: []StepConfig{
			{Name: "name_hash"},
			{Name: "hash"},
			{Name: "string_refs"},
			{Name: "instruction_count", MinInstructions: 8},
			{Name: "call_sequence"},
			{Name: "call_refs"},
			{Name: "matched_blocks"},
		},
		FlowGraphSteps: []StepConfig{
			{Name: "hash", MinInstructions: 4},
			{Name: "prime", MinInstructions: 4},
			{Name: "call_refs"},
			{Name: "string_refs"},
			{Name: "edge_propagation"},
			{Name: "entry_point"},
			{Name: "instruction_count"},
			{Name: "relative_position"},
		},
		DatabasePath: "bindelta.sqlite",
		Verbose:      false,
		JSONLogs:     false,
	}
}

// globalConfigFilePath returns the global config file path (~/.bindelta/config.yaml)
func globalConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bindelta/config.yaml"
	}
	return filepath.Join(home, ".bindelta", "config.yaml")
}

// projectConfigFilePath returns the project-level config file path (./.bindelta/config.yaml)
func projectConfigFilePath() string {
	return ".bindelta/config.yaml"
}

// Load reads configuration with the following priority (highest to lowest):
// 1. Project-level config (./.bindelta/config.yaml)
// 2. Environment variables
// 3. Global config (~/.bindelta/config.yaml)
// 4. Defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	globalConfigPath := globalConfigFilePath()
	if data, err := os.ReadFile(globalConfigPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", globalConfigPath, err)
		}
	}

	projectConfigPath := projectConfigFilePath()
	if data, err := os.ReadFile(projectConfigPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", projectConfigPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific YAML file path
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the specified YAML file path.
// It creates parent directories if they don't exist.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BDT_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("BDT_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("BDT_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
	if v := os.Getenv("BDT_JSON_LOGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.JSONLogs = b
		}
	}
	if v := os.Getenv("BDT_MIN_INSTRUCTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			for i := range cfg.FlowGraphSteps {
				if cfg.FlowGraphSteps[i].MinInstructions > 0 {
					cfg.FlowGraphSteps[i].MinInstructions = n
				}
			}
		}
	}
}

// Validate checks the configuration for consistency. Unknown step names are
// reported later, when the step lists are instantiated.
func (c *Config) Validate() error {
	if len(c.CallGraphSteps) == 0 {
		return fmt.Errorf("config: callgraph_steps must not be empty")
	}
	if len(c.FlowGraphSteps) == 0 {
		return fmt.Errorf("config: flowgraph_steps must not be empty")
	}
	for _, lists := range [][]StepConfig{c.CallGraphSteps, c.FlowGraphSteps} {
		seen := make(map[string]bool)
		for _, s := range lists {
			if s.Name == "" {
				return fmt.Errorf("config: step with empty name")
			}
			if seen[s.Name] {
				return fmt.Errorf("config: duplicate step %q", s.Name)
			}
			seen[s.Name] = true
			if s.MinInstructions < 0 {
				return fmt.Errorf("config: step %q: min_instructions must be >= 0", s.Name)
			}
		}
	}
	return nil
}
