package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aegisops/aegis/pkg/models"
)

// aegisYAMLConfig mirrors the aegis.yaml file structure. Pointer sections so
// an absent section falls through to built-in defaults untouched.
type aegisYAMLConfig struct {
	Database  *DatabaseConfig  `yaml:"database"`
	Queue     *QueueConfig     `yaml:"queue"`
	API       *APIConfig       `yaml:"api"`
	Timeouts  *TimeoutConfig   `yaml:"timeouts"`
	Consensus *ConsensusConfig `yaml:"consensus"`
	Fabric    *FabricConfig    `yaml:"fabric"`
	Impact    *ImpactConfig    `yaml:"impact"`
	Retention *RetentionConfig `yaml:"retention"`
	Actuator  *ActuatorConfig  `yaml:"actuator"`
	Agents    []AgentConfig    `yaml:"agents"`
}

// actionsYAMLConfig mirrors the actions.yaml file structure: the action
// whitelist as a list of templates.
type actionsYAMLConfig struct {
	Actions []models.ActionTemplate `yaml:"actions"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load aegis.yaml and actions.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user YAML over built-in defaults
//  4. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"agents", len(cfg.Agents),
		"actions", len(cfg.Actions),
		"channels", len(cfg.Fabric.Channels),
		"impact_tiers", len(cfg.Impact.Tiers))

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var yamlCfg aegisYAMLConfig
	if err := loader.loadYAML("aegis.yaml", &yamlCfg); err != nil {
		return nil, NewLoadError("aegis.yaml", err)
	}

	actions, err := loader.loadActionsYAML()
	if err != nil {
		return nil, NewLoadError("actions.yaml", err)
	}

	// Start from built-in defaults; user YAML overrides non-zero values.
	cfg := DefaultConfig()
	if err := mergeSection(&cfg.Database, yamlCfg.Database); err != nil {
		return nil, fmt.Errorf("failed to merge database config: %w", err)
	}
	if err := mergeSection(&cfg.Queue, yamlCfg.Queue); err != nil {
		return nil, fmt.Errorf("failed to merge queue config: %w", err)
	}
	if err := mergeSection(&cfg.API, yamlCfg.API); err != nil {
		return nil, fmt.Errorf("failed to merge api config: %w", err)
	}
	if err := mergeSection(&cfg.Timeouts, yamlCfg.Timeouts); err != nil {
		return nil, fmt.Errorf("failed to merge timeouts config: %w", err)
	}
	if err := mergeSection(&cfg.Consensus, yamlCfg.Consensus); err != nil {
		return nil, fmt.Errorf("failed to merge consensus config: %w", err)
	}
	if err := mergeSection(&cfg.Fabric, yamlCfg.Fabric); err != nil {
		return nil, fmt.Errorf("failed to merge fabric config: %w", err)
	}
	if err := mergeSection(&cfg.Impact, yamlCfg.Impact); err != nil {
		return nil, fmt.Errorf("failed to merge impact config: %w", err)
	}
	if err := mergeSection(&cfg.Retention, yamlCfg.Retention); err != nil {
		return nil, fmt.Errorf("failed to merge retention config: %w", err)
	}
	if err := mergeSection(&cfg.Actuator, yamlCfg.Actuator); err != nil {
		return nil, fmt.Errorf("failed to merge actuator config: %w", err)
	}
	cfg.Agents = yamlCfg.Agents
	cfg.Actions = actions

	return cfg, nil
}

// mergeSection merges a user-provided YAML section into the defaults; non-zero
// user values override. A nil section leaves the defaults untouched.
func mergeSection[T any](dst *T, src *T) error {
	if src == nil {
		return nil
	}
	return mergo.Merge(dst, *src, mergo.WithOverride)
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadActionsYAML loads the action whitelist. A missing file yields an empty
// whitelist; every proposed action then fails the security gate, which is the
// safe default.
func (l *configLoader) loadActionsYAML() (map[string]models.ActionTemplate, error) {
	var raw actionsYAMLConfig
	if err := l.loadYAML("actions.yaml", &raw); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return map[string]models.ActionTemplate{}, nil
		}
		return nil, err
	}

	actions := make(map[string]models.ActionTemplate, len(raw.Actions))
	for _, tmpl := range raw.Actions {
		if _, dup := actions[tmpl.ActionID]; dup {
			return nil, NewValidationError("action", tmpl.ActionID, "action_id", fmt.Errorf("duplicate action id"))
		}
		actions[tmpl.ActionID] = tmpl
	}
	return actions, nil
}
