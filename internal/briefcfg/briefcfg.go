// Package briefcfg parses the two brief collaborator files:
// PROJECT_BRIEF.md (required, free text) and PROJECT_BRIEF.yaml
// (optional, structured).
package briefcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Tests describes the structured brief's test-command selection.
type Tests struct {
	CommandSource string   `yaml:"command_source"`
	Commands      []string `yaml:"commands"`
}

// Validators describes structured-brief validator toggles.
type Validators struct {
	RequireDockerCompose bool `yaml:"require_docker_compose"`
}

// Structured is the parsed shape of PROJECT_BRIEF.yaml.
type Structured struct {
	ProjectType     string     `yaml:"project_type"`
	BackendRequired bool       `yaml:"backend_required"`
	Tests           Tests      `yaml:"tests"`
	Validators      Validators `yaml:"validators"`
}

// Config bundles whether the structured brief exists with its parsed
// contents.
type Config struct {
	Exists bool
	Parsed Structured
}

// Load reads PROJECT_BRIEF.yaml from root if present. A missing file is not
// an error; a malformed one, or one with an empty project_type, is.
func Load(root string) (Config, error) {
	path := filepath.Join(root, "PROJECT_BRIEF.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("briefcfg: read: %w", err)
	}

	var s Structured
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Config{}, fmt.Errorf("briefcfg: parse: %w", err)
	}
	if s.ProjectType == "" {
		return Config{}, fmt.Errorf("briefcfg: project_type must be a non-empty string")
	}
	return Config{Exists: true, Parsed: s}, nil
}

// BriefText reads PROJECT_BRIEF.md's content, or "" if absent.
func BriefText(root string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, "PROJECT_BRIEF.md"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// OrchestratorConfig is the orchestrator's own optional configuration file,
// .orchestrator/config.yaml -- not part of the generated project. It holds
// the agent binary name, the per-invocation timeout, and the brief token
// set the validators check for.
type OrchestratorConfig struct {
	BriefTokens           []string `yaml:"brief_tokens"`
	AgentBinary           string   `yaml:"agent_binary"`
	AgentTimeoutSeconds   int      `yaml:"agent_timeout_seconds"`
}

// LoadOrchestratorConfig reads .orchestrator/config.yaml if present,
// defaulting every field the caller is expected to fill in when absent.
func LoadOrchestratorConfig(root string) (OrchestratorConfig, error) {
	path := filepath.Join(root, ".orchestrator", "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return OrchestratorConfig{}, nil
	}
	if err != nil {
		return OrchestratorConfig{}, fmt.Errorf("briefcfg: read orchestrator config: %w", err)
	}
	var cfg OrchestratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return OrchestratorConfig{}, fmt.Errorf("briefcfg: parse orchestrator config: %w", err)
	}
	return cfg, nil
}
