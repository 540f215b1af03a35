package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScheduleDef is one recurring direction in the agent file: a standard
// 5-field cron expression plus the task fields to create when it fires.
type ScheduleDef struct {
	Name      string `yaml:"name"`
	Cron      string `yaml:"cron"`
	Direction string `yaml:"direction"`
	TaskType  string `yaml:"task_type"`
	Executor  string `yaml:"executor,omitempty"`
	Disabled  bool   `yaml:"disabled,omitempty"`
}

// AgentFile is the optional YAML file next to the env surface: static
// routing-table overrides (model aliases) and recurring scheduled
// directions. Env vars win over file values where both set the same knob.
type AgentFile struct {
	ModelAliases map[string]string `yaml:"model_aliases,omitempty"`
	Schedules    []ScheduleDef     `yaml:"schedules,omitempty"`
}

// LoadAgentFile reads the YAML agent file at path. A missing file is not an
// error — it yields an empty AgentFile, the same way a fresh home directory
// starts with no config.yaml.
func LoadAgentFile(path string) (AgentFile, error) {
	var f AgentFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("read agent file: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("parse agent file: %w", err)
		}
	}
	for i := range f.Schedules {
		f.Schedules[i].Name = strings.TrimSpace(f.Schedules[i].Name)
		f.Schedules[i].Direction = strings.TrimSpace(f.Schedules[i].Direction)
	}
	return f, nil
}

// MergeAliases layers file-level model aliases under env-level ones: the
// env map wins on conflict, since AGENT_MODEL_ALIAS_MAP is the operator's
// last word.
func MergeAliases(fileAliases, envAliases map[string]string) map[string]string {
	if len(fileAliases) == 0 {
		return envAliases
	}
	out := make(map[string]string, len(fileAliases)+len(envAliases))
	for k, v := range fileAliases {
		out[k] = v
	}
	for k, v := range envAliases {
		out[k] = v
	}
	return out
}
