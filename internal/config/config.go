// Package config provides project-scoped configuration for autoloop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// Dir is the autoloop configuration directory inside a project
	Dir = ".autoloop"
)

// StepConfig defines one pipeline step.
type StepConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Order        int    `yaml:"order"`
	Instructions string `yaml:"instructions,omitempty"`
	Command      string `yaml:"command,omitempty"`
	Type         string `yaml:"type,omitempty"`
}

// PipelineConfig holds the ordered pipeline step definitions.
type PipelineConfig struct {
	Steps []StepConfig `yaml:"steps,omitempty"`
}

// MemoryConfig controls project-memory context loading.
type MemoryConfig struct {
	// AutoLoad enables loading project memory files into agent prompts.
	AutoLoad bool `yaml:"auto_load"`
	// Patterns are doublestar globs, relative to the project root.
	Patterns []string `yaml:"patterns,omitempty"`
}

// Config represents the per-project autoloop configuration.
type Config struct {
	Version int `yaml:"version"`

	// Model settings
	Model string `yaml:"model"`

	// AgentCommand is the executable invoked for agent runs.
	AgentCommand string `yaml:"agent_command,omitempty"`

	// Plan approval gate
	RequirePlanApproval   bool  `yaml:"require_plan_approval,omitempty"`
	PlanApprovalTimeoutMs int64 `yaml:"plan_approval_timeout_ms,omitempty"`

	// Test-fix loop
	MaxTestAttempts int    `yaml:"max_test_attempts"`
	TestCommand     string `yaml:"test_command,omitempty"`

	// Concurrency
	MaxConcurrency int `yaml:"max_concurrency"`

	// Worktrees
	UseWorktrees bool `yaml:"use_worktrees"`

	// Merge
	TargetBranch string `yaml:"target_branch"`
	MergeURL     string `yaml:"merge_url,omitempty"`

	// Pipeline
	Pipeline PipelineConfig `yaml:"pipeline,omitempty"`

	// Project memory
	Memory MemoryConfig `yaml:"memory,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:         1,
		Model:           "sonnet",
		AgentCommand:    "claude",
		MaxTestAttempts: 5,
		MaxConcurrency:  3,
		UseWorktrees:    true,
		TargetBranch:    "main",
		Memory: MemoryConfig{
			AutoLoad: true,
			Patterns: []string{"MEMORY.md", "docs/memory/**/*.md"},
		},
	}
}

// Path returns the config file path for a project.
func Path(projectPath string) string {
	return filepath.Join(projectPath, Dir, ConfigFileName)
}

// Load reads the project config, returning defaults when the file is absent.
func Load(projectPath string) (*Config, error) {
	data, err := os.ReadFile(Path(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the project's config file.
func (c *Config) Save(projectPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := Path(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// PlanApprovalTimeout returns the configured approval timeout, falling back
// to 30 minutes when unset or invalid.
func (c *Config) PlanApprovalTimeout() time.Duration {
	if c == nil || c.PlanApprovalTimeoutMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.PlanApprovalTimeoutMs) * time.Millisecond
}

// Provider supplies project-scoped settings. Implemented by the file loader
// above; faked in tests.
type Provider interface {
	ProjectConfig(projectPath string) (*Config, error)
}

// FileProvider loads settings from .autoloop/config.yaml per project.
type FileProvider struct{}

// ProjectConfig implements Provider.
func (FileProvider) ProjectConfig(projectPath string) (*Config, error) {
	return Load(projectPath)
}
