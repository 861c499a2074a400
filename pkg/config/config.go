// Copyright 2026 The Helm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the typed experiment pattern model and its YAML
// loader. Patterns describe agents, guard rules, coordination paths,
// evaluation dimensions, and resource limits for a single experiment run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentRole is the role an agent plays in a coordination pattern.
type AgentRole string

const (
	RoleHub    AgentRole = "hub"
	RoleWorker AgentRole = "worker"
	RolePeer   AgentRole = "peer" // implicit when no role is specified
)

// GuardAction is an intervention the runtime guard can take.
type GuardAction string

const (
	ActionApprove          GuardAction = "approve"
	ActionReject           GuardAction = "reject"
	ActionEscalate         GuardAction = "escalate"
	ActionEscalateToHuman  GuardAction = "escalate_to_human"
	ActionLog              GuardAction = "log"
	ActionNudge            GuardAction = "nudge"
	ActionNudgeCoordinator GuardAction = "nudge_coordinator"
)

var validActions = map[GuardAction]bool{
	ActionApprove:          true,
	ActionReject:           true,
	ActionEscalate:         true,
	ActionEscalateToHuman:  true,
	ActionLog:              true,
	ActionNudge:            true,
	ActionNudgeCoordinator: true,
}

// Agent configures a single agent in the experiment.
type Agent struct {
	ID           string    `yaml:"id"`
	Harness      string    `yaml:"harness"`
	Role         AgentRole `yaml:"role"`
	SystemPrompt string    `yaml:"system_prompt"`
}

// GuardRule defines when and how the runtime guard intervenes.
//
// YAML 1.1 parsers resolve a bare `on:` key to the boolean true; the custom
// unmarshaller below keys off the scalar text so the rule survives either way.
type GuardRule struct {
	On      string      `yaml:"on"`    // event kind, e.g. permission.requested, no_activity
	If      string      `yaml:"if"`    // condition grammar: action contains "x" [or ...]
	From    string      `yaml:"from"`  // agent id or role filter
	After   string      `yaml:"after"` // duration string like "120s", "5m"
	Then    GuardAction `yaml:"then"`
	Reason  string      `yaml:"reason"`
	Message string      `yaml:"message"`
}

// UnmarshalYAML decodes a rule mapping while repairing keys that a YAML 1.1
// resolver turned into booleans (`on:` -> true, `off:` -> false).
func (r *GuardRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("guard rule must be a mapping, got %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := strings.ToLower(node.Content[i].Value)
		val := node.Content[i+1]
		// A boolean-resolved `on:` key surfaces as "true" in some pipelines.
		if key == "true" {
			key = "on"
		}
		switch key {
		case "on":
			r.On = val.Value
		case "if":
			r.If = val.Value
		case "from":
			r.From = val.Value
		case "after":
			r.After = val.Value
		case "then":
			r.Then = GuardAction(strings.ToLower(strings.TrimSpace(val.Value)))
		case "reason":
			r.Reason = val.Value
		case "message":
			r.Message = val.Value
		}
	}
	return nil
}

// GuardConfig configures the runtime guard's behavior. The YAML section is
// named "orchestrator" for compatibility with existing pattern files.
type GuardConfig struct {
	Role        string      `yaml:"role"`
	Description string      `yaml:"description"`
	Rules       []GuardRule `yaml:"rules"`
}

// CoordinationPaths holds filesystem path aliases for coordination,
// relative to the experiment directory. Empty means not configured.
type CoordinationPaths struct {
	Base string `yaml:"base"`
	// Hub-and-spoke paths
	Tasks     string `yaml:"tasks"`
	Status    string `yaml:"status"`
	Blocked   string `yaml:"blocked"`
	Questions string `yaml:"questions"`
	Decisions string `yaml:"decisions"`
	// Peer-network paths
	Messages string `yaml:"messages"`
	State    string `yaml:"state"`
	Signals  string `yaml:"signals"`
	Reviews  string `yaml:"reviews"`
}

// All returns the configured alias map, keyed by alias name. Unset aliases
// are omitted; base is always present.
func (p CoordinationPaths) All() map[string]string {
	out := map[string]string{"base": p.Base}
	for alias, path := range map[string]string{
		"tasks":     p.Tasks,
		"status":    p.Status,
		"blocked":   p.Blocked,
		"questions": p.Questions,
		"decisions": p.Decisions,
		"messages":  p.Messages,
		"state":     p.State,
		"signals":   p.Signals,
		"reviews":   p.Reviews,
	} {
		if path != "" {
			out[alias] = path
		}
	}
	return out
}

// Coordination configures the inter-agent coordination mechanism.
type Coordination struct {
	Mechanism       string            `yaml:"mechanism"`
	Paths           CoordinationPaths `yaml:"paths"`
	BackendSettings map[string]any    `yaml:"backend_settings"`
	TaskFormat      string            `yaml:"task_format"`
	MessageFormat   string            `yaml:"message_format"`
	StateSchema     map[string]any    `yaml:"state_schema"`
}

// JudgeBackend selects how transcripts are scored.
type JudgeBackend string

const (
	JudgeBackendSDK        JudgeBackend = "sdk"
	JudgeBackendOpenRouter JudgeBackend = "openrouter"
)

// Judge configures the evaluation judge.
type Judge struct {
	Backend JudgeBackend `yaml:"backend"`
	Model   string       `yaml:"model"` // openrouter backend only
}

// Evaluation configures experiment evaluation.
type Evaluation struct {
	Dimensions []string `yaml:"dimensions"`
	Judge      Judge    `yaml:"judge"`
}

// Limits holds resource limits for the experiment.
type Limits struct {
	MaxDuration      string            `yaml:"max_duration"`
	MaxTurnsPerAgent int               `yaml:"max_turns_per_agent"`
	MaxBudgetUSD     float64           `yaml:"max_budget_usd"`
	BlockedCommands  []string          `yaml:"blocked_commands"`
	WorkspaceFiles   map[string]string `yaml:"workspace_files"`
}

// Duration parses the max_duration string.
func (l Limits) Duration() (time.Duration, error) {
	return ParseDuration(l.MaxDuration)
}

// Metadata describes the pattern document itself.
type Metadata struct {
	Created string `yaml:"created"`
	Author  string `yaml:"author"`
	Version int    `yaml:"version"`
}

// Experiment is the complete experiment configuration.
type Experiment struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Agents       []Agent      `yaml:"agents"`
	Orchestrator GuardConfig  `yaml:"orchestrator"`
	Coordination Coordination `yaml:"coordination"`
	Evaluation   Evaluation   `yaml:"evaluation"`
	Limits       Limits       `yaml:"limits"`
	Metadata     Metadata     `yaml:"metadata"`
}

// Load reads and validates an experiment pattern from a YAML file.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates an experiment pattern document.
func Parse(data []byte) (*Experiment, error) {
	var cfg Experiment
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pattern YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return &cfg, nil
}

func (c *Experiment) applyDefaults() {
	if c.Coordination.Mechanism == "" {
		c.Coordination.Mechanism = "filesystem"
	}
	if c.Coordination.Paths.Base == "" {
		c.Coordination.Paths.Base = "coordination/"
	}
	if c.Orchestrator.Role == "" {
		c.Orchestrator.Role = "observer"
	}
	if c.Evaluation.Judge.Backend == "" {
		c.Evaluation.Judge.Backend = JudgeBackendSDK
	}
	if c.Evaluation.Judge.Model == "" {
		c.Evaluation.Judge.Model = "google/gemini-2.0-flash-001"
	}
	if c.Limits.MaxDuration == "" {
		c.Limits.MaxDuration = "30m"
	}
	if c.Limits.MaxTurnsPerAgent == 0 {
		c.Limits.MaxTurnsPerAgent = 50
	}
	if c.Limits.MaxBudgetUSD == 0 {
		c.Limits.MaxBudgetUSD = 15.00
	}
	if c.Limits.BlockedCommands == nil {
		c.Limits.BlockedCommands = []string{"rm -rf", "sudo"}
	}
	if c.Metadata.Version == 0 {
		c.Metadata.Version = 1
	}
	for i := range c.Agents {
		if c.Agents[i].Harness == "" {
			c.Agents[i].Harness = "claude-code"
		}
	}
}

// Validate checks structural invariants of the pattern.
func (c *Experiment) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		seen[a.ID] = true
		switch a.Role {
		case "", RoleHub, RoleWorker, RolePeer:
		default:
			return fmt.Errorf("agent %s: unknown role %q", a.ID, a.Role)
		}
	}
	for i, r := range c.Orchestrator.Rules {
		if r.On == "" {
			return fmt.Errorf("rule %d: on is required", i)
		}
		if !validActions[r.Then] {
			return fmt.Errorf("rule %d: unknown action %q", i, r.Then)
		}
		if r.After != "" {
			if _, err := ParseDuration(r.After); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
	}
	if _, err := c.Limits.Duration(); err != nil {
		return fmt.Errorf("limits.max_duration: %w", err)
	}
	switch c.Evaluation.Judge.Backend {
	case JudgeBackendSDK, JudgeBackendOpenRouter:
	default:
		return fmt.Errorf("evaluation.judge.backend: unknown backend %q", c.Evaluation.Judge.Backend)
	}
	return nil
}

// IsHubAndSpoke reports whether any agent has the hub role.
func (c *Experiment) IsHubAndSpoke() bool {
	for _, a := range c.Agents {
		if a.Role == RoleHub {
			return true
		}
	}
	return false
}

// HubAgent returns the hub agent, or nil for peer networks.
func (c *Experiment) HubAgent() *Agent {
	for i := range c.Agents {
		if c.Agents[i].Role == RoleHub {
			return &c.Agents[i]
		}
	}
	return nil
}

// WorkerAgents returns all non-hub agents.
func (c *Experiment) WorkerAgents() []Agent {
	var out []Agent
	for _, a := range c.Agents {
		if a.Role != RoleHub {
			out = append(out, a)
		}
	}
	return out
}

// AgentIDs returns all agent ids in configuration order.
func (c *Experiment) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// AgentRoles maps agent id to role, defaulting to peer.
func (c *Experiment) AgentRoles() map[string]string {
	roles := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		role := string(a.Role)
		if role == "" {
			role = string(RolePeer)
		}
		roles[a.ID] = role
	}
	return roles
}

// ParseDuration parses the pattern duration grammar: a number followed by
// one of s/m/h, or a bare number meaning seconds. Narrower than
// time.ParseDuration on purpose.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := time.Second
	switch trimmed[len(trimmed)-1] {
	case 's':
		trimmed = trimmed[:len(trimmed)-1]
	case 'm':
		unit = time.Minute
		trimmed = trimmed[:len(trimmed)-1]
	case 'h':
		unit = time.Hour
		trimmed = trimmed[:len(trimmed)-1]
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}
