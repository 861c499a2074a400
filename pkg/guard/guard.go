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

// Package guard implements the rule-based runtime guard: it registers
// agents, counts turns, matches session events against ordered rules, and
// applies the matched rule's intervention. It also runs per-agent
// inactivity timers that fire synthetic no_activity events.
package guard

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/k3nnethfrancis/helm/pkg/config"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

// SessionControl is the slice of the daemon client the guard needs to
// intervene. *sdk.Client satisfies it.
type SessionControl interface {
	ReplyPermission(ctx context.Context, sessionID, permissionID, reply string) error
	PostMessage(ctx context.Context, sessionID, message string) error
}

// EscalateFunc is invoked out of band when a rule escalates.
type EscalateFunc func(agentID string, event sdk.Event, rule config.GuardRule)

// AgentState tracks per-agent activity and turn counts.
type AgentState struct {
	AgentID      string
	SessionID    string
	Role         string
	LastActivity time.Time
	TurnCount    int
}

// Intervention records one applied rule.
type Intervention struct {
	Timestamp   time.Time
	Rule        config.GuardRule
	Event       sdk.Event
	AgentID     string
	ActionTaken config.GuardAction
	Details     map[string]any
}

// Guard matches incoming events against the configured rule list and
// executes the first matching rule's action. Safe for concurrent use.
type Guard struct {
	cfg        config.GuardConfig
	sessions   SessionControl
	onEscalate EscalateFunc
	logger     *zap.Logger

	mu            sync.Mutex
	agents        map[string]*AgentState
	interventions []Intervention
	timers        map[string]*time.Timer
	stopped       bool
}

// New creates a guard over the given rule configuration. onEscalate may be
// nil when no operator callback is wired.
func New(cfg config.GuardConfig, sessions SessionControl, onEscalate EscalateFunc, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:        cfg,
		sessions:   sessions,
		onEscalate: onEscalate,
		logger:     logger,
		agents:     make(map[string]*AgentState),
		timers:     make(map[string]*time.Timer),
	}
}

// RegisterAgent starts monitoring an agent's session.
func (g *Guard) RegisterAgent(agentID, sessionID, role string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agents[agentID] = &AgentState{
		AgentID:      agentID,
		SessionID:    sessionID,
		Role:         role,
		LastActivity: time.Now(),
	}
}

// AgentBySession returns a snapshot of the agent state owning a session,
// or nil when the session is unknown.
func (g *Guard) AgentBySession(sessionID string) *AgentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if agent := g.agentBySessionLocked(sessionID); agent != nil {
		snapshot := *agent
		return &snapshot
	}
	return nil
}

func (g *Guard) agentBySessionLocked(sessionID string) *AgentState {
	for _, agent := range g.agents {
		if agent.SessionID == sessionID {
			return agent
		}
	}
	return nil
}

// HandleEvent processes one event from an agent session. It returns true
// when a rule matched and its intervention was applied.
func (g *Guard) HandleEvent(ctx context.Context, sessionID string, event sdk.Event) bool {
	g.mu.Lock()
	agent := g.agentBySessionLocked(sessionID)
	if agent == nil {
		g.mu.Unlock()
		return false
	}

	agent.LastActivity = time.Now()
	if event.Type == sdk.EventItemCompleted && event.ItemRole() == "assistant" {
		agent.TurnCount++
	}
	g.resetInactivityTimerLocked(agent.AgentID)

	var matched *config.GuardRule
	for i := range g.cfg.Rules {
		if g.ruleMatchesLocked(&g.cfg.Rules[i], event, agent) {
			matched = &g.cfg.Rules[i]
			break
		}
	}
	agentID, sessID := agent.AgentID, agent.SessionID
	g.mu.Unlock()

	if matched == nil {
		return false
	}
	g.applyRule(ctx, *matched, event, agentID, sessID)
	return true
}

// conditionRe extracts the substring targets of an
// `action contains "<substr>"` clause chain. Clauses are OR-joined.
var conditionRe = regexp.MustCompile(`(?i)action contains ["']?([^"']+)["']?`)

func (g *Guard) ruleMatchesLocked(rule *config.GuardRule, event sdk.Event, agent *AgentState) bool {
	if rule.On != event.Type {
		return false
	}

	if rule.From != "" && rule.From != agent.AgentID {
		filter := strings.ToLower(strings.TrimSpace(rule.From))
		role := strings.ToLower(agent.Role)
		switch filter {
		case "coordinator", "hub":
			if role != "hub" {
				return false
			}
		case "worker":
			if role != "worker" {
				return false
			}
		case "peer":
			// An unset role counts as peer.
			if role != "" && role != "peer" {
				return false
			}
		default:
			return false
		}
	}

	if rule.If != "" {
		targets := conditionRe.FindAllStringSubmatch(rule.If, -1)
		if len(targets) == 0 {
			// Unknown condition syntax never matches implicitly.
			return false
		}
		action := strings.ToLower(event.Action())
		for _, m := range targets {
			if strings.Contains(action, strings.ToLower(m[1])) {
				return true
			}
		}
		return false
	}

	return true
}

func (g *Guard) applyRule(ctx context.Context, rule config.GuardRule, event sdk.Event, agentID, sessionID string) {
	intervention := Intervention{
		Timestamp:   time.Now(),
		Rule:        rule,
		Event:       event,
		AgentID:     agentID,
		ActionTaken: rule.Then,
		Details:     map[string]any{},
	}

	switch rule.Then {
	case config.ActionApprove, config.ActionReject:
		if event.Type == sdk.EventPermissionRequested {
			if permissionID := event.PermissionID(); permissionID != "" {
				reply := "once"
				if rule.Then == config.ActionReject {
					reply = "deny"
				}
				if err := g.sessions.ReplyPermission(ctx, sessionID, permissionID, reply); err != nil {
					g.logger.Warn("Permission reply failed",
						zap.String("agent_id", agentID),
						zap.String("permission_id", permissionID),
						zap.Error(err))
				}
				intervention.Details["permission_id"] = permissionID
			}
		}

	case config.ActionEscalate, config.ActionEscalateToHuman:
		if g.onEscalate != nil {
			g.onEscalate(agentID, event, rule)
		}
		intervention.Details["escalated"] = true
		if rule.Reason != "" {
			intervention.Details["reason"] = rule.Reason
		}

	case config.ActionLog:
		intervention.Details["logged_only"] = true

	case config.ActionNudge, config.ActionNudgeCoordinator:
		message := rule.Message
		if message == "" {
			message = "Please continue with your task."
		}
		targetID, targetSession := agentID, sessionID
		if rule.Then == config.ActionNudgeCoordinator {
			if hub := g.findCoordinator(); hub != nil {
				targetID, targetSession = hub.AgentID, hub.SessionID
			}
		}
		if err := g.sessions.PostMessage(ctx, targetSession, message); err != nil {
			g.logger.Warn("Guard nudge failed",
				zap.String("agent_id", targetID),
				zap.Error(err))
		}
		intervention.Details["nudge_message"] = message
		intervention.Details["target_agent_id"] = targetID
	}

	g.mu.Lock()
	g.interventions = append(g.interventions, intervention)
	g.mu.Unlock()

	g.logger.Info("Guard intervention",
		zap.String("agent_id", agentID),
		zap.String("event", event.Type),
		zap.String("action", string(rule.Then)))
}

func (g *Guard) findCoordinator() *AgentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, agent := range g.agents {
		if strings.EqualFold(agent.Role, "hub") {
			snapshot := *agent
			return &snapshot
		}
	}
	return nil
}

// resetInactivityTimerLocked cancels any pending timer for the agent and,
// if a no_activity rule is configured, arms a fresh one-shot for the first
// such rule's `after` duration.
func (g *Guard) resetInactivityTimerLocked(agentID string) {
	if timer, ok := g.timers[agentID]; ok {
		timer.Stop()
		delete(g.timers, agentID)
	}
	if g.stopped {
		return
	}

	for i := range g.cfg.Rules {
		rule := g.cfg.Rules[i]
		if rule.On != sdk.EventNoActivity || rule.After == "" {
			continue
		}
		delay, err := config.ParseDuration(rule.After)
		if err != nil {
			g.logger.Warn("Invalid no_activity duration",
				zap.String("after", rule.After),
				zap.Error(err))
			return
		}
		g.timers[agentID] = time.AfterFunc(delay, func() {
			g.inactivityFired(agentID, rule, delay)
		})
		return // first no_activity rule wins
	}
}

func (g *Guard) inactivityFired(agentID string, rule config.GuardRule, delay time.Duration) {
	g.mu.Lock()
	agent, ok := g.agents[agentID]
	if !ok || g.stopped || time.Since(agent.LastActivity) < delay {
		g.mu.Unlock()
		return
	}
	sessionID := agent.SessionID
	g.mu.Unlock()

	g.applyRule(context.Background(), rule,
		sdk.Event{Type: sdk.EventNoActivity, Data: map[string]any{}},
		agentID, sessionID)
}

// Stop cancels all pending inactivity timers. The guard stays queryable.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for id, timer := range g.timers {
		timer.Stop()
		delete(g.timers, id)
	}
}

// Interventions returns a copy of the intervention log.
func (g *Guard) Interventions() []Intervention {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Intervention(nil), g.interventions...)
}

// TurnCount returns the number of completed assistant turns for an agent.
func (g *Guard) TurnCount(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if agent, ok := g.agents[agentID]; ok {
		return agent.TurnCount
	}
	return 0
}

// AgentStats returns per-agent turn counts, keyed by agent id.
func (g *Guard) AgentStats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := make(map[string]int, len(g.agents))
	for id, agent := range g.agents {
		stats[id] = agent.TurnCount
	}
	return stats
}
