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

// Package experiment owns the full lifecycle of a multi-agent run: setup
// (directories, workspace staging, coordination backend, session daemon,
// sessions), the run loop (event fan-in, guard mediation, turn budgets,
// completion detection), and teardown (session cleanup, transcripts,
// metadata).
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/k3nnethfrancis/helm/pkg/collector"
	"github.com/k3nnethfrancis/helm/pkg/config"
	"github.com/k3nnethfrancis/helm/pkg/coordination"
	"github.com/k3nnethfrancis/helm/pkg/guard"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

// Setup failure classes callers can branch on with errors.Is.
var (
	// ErrSessionDaemonUnavailable means the daemon subprocess did not
	// start or never became healthy.
	ErrSessionDaemonUnavailable = errors.New("session daemon unavailable")
	// ErrStageFailed means a limits.workspace_files source could not be
	// fetched or copied.
	ErrStageFailed = errors.New("workspace staging failed")
)

// TurnLimitAction is the decision returned when an agent hits its turn
// budget.
type TurnLimitAction string

const (
	// TurnLimitContinue removes the agent's budget entirely.
	TurnLimitContinue TurnLimitAction = "continue"
	// TurnLimitExtend grants the agent more turns.
	TurnLimitExtend TurnLimitAction = "extend"
	// TurnLimitKillAgent terminates only the offending agent's session.
	TurnLimitKillAgent TurnLimitAction = "kill_agent"
	// TurnLimitEndExperiment ends the whole run.
	TurnLimitEndExperiment TurnLimitAction = "end_experiment"
)

// TurnLimitDecision pairs the action with an optional extension size.
type TurnLimitDecision struct {
	Action    TurnLimitAction
	Extension int // extra turns for TurnLimitExtend; 0 means the default of 20
}

// TurnLimitFunc decides what happens when an agent reaches its turn limit.
type TurnLimitFunc func(agentID string, turns, limit int) TurnLimitDecision

// EscalateFunc is notified when a guard rule escalates.
type EscalateFunc func(agentID string, event sdk.Event, rule config.GuardRule)

// Escalation records one guard escalation for metadata and run-data.
type Escalation struct {
	Timestamp string         `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	Reason    *string        `json:"reason"`
	EventData map[string]any `json:"event_data"`
}

// Result is the outcome of a run.
type Result struct {
	ExperimentID   string
	ExperimentName string
	Success        bool
	StartTime      time.Time
	EndTime        time.Time
	TranscriptPath string
	Error          string
	AgentStats     map[string]map[string]any
}

// Options configures a Controller.
type Options struct {
	Config         *config.Experiment
	DaemonBinary   string // session daemon executable
	ExperimentsDir string // parent of all experiment directories
	Logger         *zap.Logger
	OnEscalate     EscalateFunc
	OnTurnLimit    TurnLimitFunc
}

// Controller manages one experiment run end to end.
type Controller struct {
	cfg            *config.Experiment
	daemonBinary   string
	experimentsDir string
	logger         *zap.Logger
	onEscalate     EscalateFunc
	onTurnLimit    TurnLimitFunc

	ExperimentID  string
	ExperimentDir string

	client    *sdk.Client
	backend   coordination.Backend
	guard     *guard.Guard
	collector *collector.Collector

	mu             sync.Mutex
	sessions       map[string]string // agent id -> session id
	streamsEnded   map[string]bool
	streamErrors   map[string]string
	escalations    []Escalation
	turnLimits     map[string]*int // nil entry = unlimited
	task           string
	startTime      time.Time
	endTime        time.Time
	stopped        bool
	endedByBudget  bool
	streamsWG      sync.WaitGroup
}

// New creates a controller for one run of the given pattern.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	experimentID := fmt.Sprintf("%s-%s", opts.Config.Name, uuid.NewString()[:8])

	limits := make(map[string]*int, len(opts.Config.Agents))
	for _, agent := range opts.Config.Agents {
		limit := opts.Config.Limits.MaxTurnsPerAgent
		limits[agent.ID] = &limit
	}

	return &Controller{
		cfg:            opts.Config,
		daemonBinary:   opts.DaemonBinary,
		experimentsDir: opts.ExperimentsDir,
		logger:         logger,
		onEscalate:     opts.OnEscalate,
		onTurnLimit:    opts.OnTurnLimit,
		ExperimentID:   experimentID,
		ExperimentDir:  filepath.Join(opts.ExperimentsDir, experimentID),
		sessions:       make(map[string]string),
		streamsEnded:   make(map[string]bool),
		streamErrors:   make(map[string]string),
		turnLimits:     limits,
	}
}

// Setup prepares the experiment environment: directories, staged workspace
// files, the coordination backend, the session daemon, and one session per
// agent.
func (c *Controller) Setup(ctx context.Context) error {
	for _, dir := range []string{
		c.ExperimentDir,
		filepath.Join(c.ExperimentDir, "workspace"),
		filepath.Join(c.ExperimentDir, "transcripts"),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create experiment directory: %w", err)
		}
	}

	if err := c.stageWorkspaceFiles(ctx); err != nil {
		return err
	}

	backend, err := coordination.New(c.cfg.Coordination.Mechanism)
	if err != nil {
		return err
	}
	if fsBackend, ok := backend.(*coordination.FilesystemBackend); ok {
		fsBackend.WithLogger(c.logger)
	}
	c.backend = backend
	if err := c.backend.Setup(c.ExperimentDir, c.cfg.AgentIDs(), c.coordinationSettings()); err != nil {
		return fmt.Errorf("coordination setup failed: %w", err)
	}

	c.client = sdk.NewClient(sdk.Config{
		BinaryPath: c.daemonBinary,
		Logger:     c.logger,
	})
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionDaemonUnavailable, err)
	}

	c.collector = collector.New(c.ExperimentID, c.cfg.Name)
	c.guard = guard.New(c.cfg.Orchestrator, c.client, c.handleEscalation, c.logger)

	if err := c.createSessions(ctx); err != nil {
		return err
	}

	return c.saveMetadata(nil)
}

// coordinationSettings resolves the backend-independent settings from the
// pattern, including optional backend_settings overrides.
func (c *Controller) coordinationSettings() coordination.Settings {
	settings := coordination.Settings{
		Paths:      c.cfg.Coordination.Paths.All(),
		AgentRoles: c.cfg.AgentRoles(),
	}
	if hub := c.cfg.HubAgent(); hub != nil {
		settings.HubAgentID = hub.ID
	}

	raw := c.cfg.Coordination.BackendSettings
	if watches, ok := raw["workspace_watches"].([]any); ok {
		for _, w := range watches {
			settings.WorkspaceWatches = append(settings.WorkspaceWatches, fmt.Sprint(w))
		}
	}
	switch v := raw["poll_interval"].(type) {
	case string:
		if d, err := config.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	case int:
		settings.PollInterval = time.Duration(v) * time.Second
	case float64:
		settings.PollInterval = time.Duration(v * float64(time.Second))
	}
	return settings
}

// stageWorkspaceFiles materializes limits.workspace_files entries: URLs are
// fetched over HTTP, anything else is copied from the local filesystem.
func (c *Controller) stageWorkspaceFiles(ctx context.Context) error {
	workspace := filepath.Join(c.ExperimentDir, "workspace")
	for filename, source := range c.cfg.Limits.WorkspaceFiles {
		dest := filepath.Join(workspace, filename)
		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStageFailed, filename, err)
		}

		parsed, _ := url.Parse(source)
		if parsed != nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
			if err := fetchToFile(ctx, source, dest); err != nil {
				return fmt.Errorf("%w: %s from %s: %v", ErrStageFailed, filename, source, err)
			}
			continue
		}

		data, err := os.ReadFile(expandHome(source))
		if err != nil {
			return fmt.Errorf("%w: source not found: %s", ErrStageFailed, source)
		}
		if err := os.WriteFile(dest, data, 0640); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStageFailed, filename, err)
		}
	}
	return nil
}

func fetchToFile(ctx context.Context, source, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	_, err = io.Copy(out, resp.Body)
	return err
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// createSessions creates agent sessions in role-aware order: the hub
// first, then workers; peer networks start everyone concurrently.
func (c *Controller) createSessions(ctx context.Context) error {
	if c.cfg.IsHubAndSpoke() {
		if hub := c.cfg.HubAgent(); hub != nil {
			if err := c.createAgentSession(ctx, *hub); err != nil {
				return err
			}
		}
		for _, worker := range c.cfg.WorkerAgents() {
			if err := c.createAgentSession(ctx, worker); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range c.cfg.Agents {
		agent := agent
		g.Go(func() error {
			return c.createAgentSession(gctx, agent)
		})
	}
	return g.Wait()
}

func (c *Controller) createAgentSession(ctx context.Context, agent config.Agent) error {
	sessionID := fmt.Sprintf("helm-%s-%s", c.ExperimentID, agent.ID)
	err := c.client.CreateSession(ctx, sessionID, sdk.SessionConfig{
		Agent: "claude",
		// Bypass mode: the guard makes permission decisions explicitly.
		PermissionMode: "bypass",
		Cwd:            c.ExperimentDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create session for %s: %w", agent.ID, err)
	}

	c.mu.Lock()
	c.sessions[agent.ID] = sessionID
	c.mu.Unlock()

	role := string(agent.Role)
	if role == "" {
		role = string(config.RolePeer)
	}
	c.collector.RegisterAgent(agent.ID, sessionID)
	c.guard.RegisterAgent(agent.ID, sessionID, role)
	return nil
}

// Run executes the experiment with the given task. Hub-and-spoke sends the
// task to the hub only and activation prompts to workers; peer networks
// send the task to everyone.
func (c *Controller) Run(ctx context.Context, task string) (*Result, error) {
	c.mu.Lock()
	c.task = task
	c.startTime = time.Now()
	c.mu.Unlock()

	timeout, err := c.cfg.Limits.Duration()
	if err != nil {
		return nil, err
	}

	if c.cfg.IsHubAndSpoke() {
		if hub := c.cfg.HubAgent(); hub != nil {
			if err := c.runAgent(ctx, *hub, task); err != nil {
				return c.finishRun(false, err.Error()), nil
			}
		}
		for _, worker := range c.cfg.WorkerAgents() {
			if err := c.runAgent(ctx, worker,
				"You are now active. Check your task queue for assignments."); err != nil {
				return c.finishRun(false, err.Error()), nil
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, agent := range c.cfg.Agents {
			agent := agent
			g.Go(func() error {
				return c.runAgent(gctx, agent, task)
			})
		}
		if err := g.Wait(); err != nil {
			return c.finishRun(false, err.Error()), nil
		}
	}

	sessions := c.sessionSnapshot()
	if err := c.backend.StartWatching(ctx, c.client, sessions, c.recordCoordinationMessage); err != nil {
		return c.finishRun(false, err.Error()), nil
	}

	c.waitForCompletion(ctx, timeout)

	if runErr := c.determineRunError(); runErr != "" {
		return c.finishRun(false, runErr), nil
	}
	return c.finishRun(true, ""), nil
}

func (c *Controller) finishRun(success bool, errMsg string) *Result {
	c.mu.Lock()
	c.endTime = time.Now()
	c.mu.Unlock()

	result := c.buildResult(success, errMsg)
	if err := c.saveMetadata(result); err != nil {
		c.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return result
}

// runAgent starts the agent's event stream and posts its opening message:
// system prompt, environment context, backend instructions, then the task.
func (c *Controller) runAgent(ctx context.Context, agent config.Agent, task string) error {
	c.mu.Lock()
	sessionID := c.sessions[agent.ID]
	c.mu.Unlock()

	preamble := fmt.Sprintf(`## Environment
Working directory: %s
Your agent ID: %s
Coordination directory: %s
Workspace directory: %s

`,
		c.ExperimentDir,
		agent.ID,
		filepath.Join(c.ExperimentDir, "coordination"),
		filepath.Join(c.ExperimentDir, "workspace"))

	if agent.SystemPrompt != "" {
		preamble = agent.SystemPrompt + "\n\n---\n\n" + preamble
	}
	if instructions := c.backend.PromptInstructions(agent.ID); instructions != "" {
		preamble += "\n## Coordination Backend Instructions\n" + instructions + "\n\n"
	}
	message := preamble + "## Task\n" + task

	c.streamsWG.Add(1)
	go c.streamAgentEvents(ctx, agent.ID, sessionID)

	return c.client.PostMessage(ctx, sessionID, message)
}

// streamAgentEvents is the per-agent fan-in task: record each event, let
// the guard intervene, auto-approve safe permissions, and stop on a local
// completion signal.
func (c *Controller) streamAgentEvents(ctx context.Context, agentID, sessionID string) {
	defer c.streamsWG.Done()
	defer func() {
		c.mu.Lock()
		c.streamsEnded[agentID] = true
		c.mu.Unlock()
	}()

	events, errs := c.client.StreamEvents(ctx, sessionID)
	for event := range events {
		if c.stopRequested() {
			return
		}

		if err := c.collector.Record(sessionID, event); err != nil {
			c.logger.Warn("Failed to record event", zap.String("agent_id", agentID), zap.Error(err))
		}
		c.guard.HandleEvent(ctx, sessionID, event)

		if event.Type == sdk.EventPermissionRequested {
			permissionID := event.PermissionID()
			if permissionID != "" && c.isSafeAction(event.Action()) {
				// Bypass mode may have already resolved it; ignore failures.
				_ = c.client.ReplyPermission(ctx, sessionID, permissionID, "always")
			}
		}

		if c.checkCompletionSignal(agentID, event) {
			return
		}
	}

	select {
	case err := <-errs:
		c.logger.Warn("Event stream failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		c.mu.Lock()
		c.streamErrors[agentID] = err.Error()
		c.mu.Unlock()
	default:
	}
}

// isSafeAction reports whether a permission action can be auto-approved:
// anything touching the experiment directory, or anything free of the
// configured blocked-command substrings.
func (c *Controller) isSafeAction(action string) bool {
	if strings.Contains(action, c.ExperimentDir) {
		return true
	}
	for _, blocked := range c.cfg.Limits.BlockedCommands {
		if strings.Contains(action, blocked) {
			return false
		}
	}
	return true
}

// checkCompletionSignal reports whether an event ends this agent's stream:
// its session ended, or it wrote a completion signal file.
func (c *Controller) checkCompletionSignal(agentID string, event sdk.Event) bool {
	if event.Type == sdk.EventSessionEnded {
		return true
	}
	if event.Type != sdk.EventItemCompleted {
		return false
	}
	for _, part := range event.ContentParts() {
		if partType, _ := part["type"].(string); partType != "file_ref" {
			continue
		}
		path, _ := part["path"].(string)
		if strings.Contains(path, "signals/done") ||
			strings.Contains(path, "signals/"+agentID+".done") {
			return true
		}
	}
	return false
}

// waitForCompletion polls once a second until the run should end:
// stop requested, all completion signals present, every stream ended, a
// turn-budget decision ends the experiment, or the wall-clock deadline
// passes. It never reports how the wait ended; determineRunError
// classifies the run from recorded state afterwards.
func (c *Controller) waitForCompletion(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if c.stopRequested() || c.allAgentsDone() || c.allStreamsEnded() {
			return
		}
		if c.checkTurnLimits(ctx) {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			// Caller cancellation (Ctrl-C) is an operator stop.
			c.Stop()
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) recordCoordinationMessage(msg coordination.Message) {
	c.collector.RecordCoordination(msg)
}

func (c *Controller) allAgentsDone() bool {
	return c.backend.IsComplete(c.cfg.AgentIDs())
}

func (c *Controller) allStreamsEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range c.cfg.Agents {
		if !c.streamsEnded[agent.ID] {
			return false
		}
	}
	return true
}

// checkTurnLimits enforces per-agent budgets. Returns true when the run
// should end.
func (c *Controller) checkTurnLimits(ctx context.Context) bool {
	for _, agent := range c.cfg.Agents {
		c.mu.Lock()
		ended := c.streamsEnded[agent.ID]
		limit := c.turnLimits[agent.ID]
		sessionID := c.sessions[agent.ID]
		c.mu.Unlock()

		if ended || limit == nil {
			continue
		}
		turns := c.guard.TurnCount(agent.ID)
		if turns < *limit {
			continue
		}

		decision := TurnLimitDecision{Action: TurnLimitEndExperiment}
		if c.onTurnLimit != nil {
			decision = c.onTurnLimit(agent.ID, turns, *limit)
		}

		switch decision.Action {
		case TurnLimitContinue:
			c.mu.Lock()
			c.turnLimits[agent.ID] = nil
			c.mu.Unlock()
		case TurnLimitExtend:
			extension := decision.Extension
			if extension <= 0 {
				extension = 20
			}
			next := turns + extension
			c.mu.Lock()
			c.turnLimits[agent.ID] = &next
			c.mu.Unlock()
		case TurnLimitKillAgent:
			_ = c.client.TerminateSession(ctx, sessionID)
			c.mu.Lock()
			c.streamsEnded[agent.ID] = true
			c.mu.Unlock()
		default: // TurnLimitEndExperiment
			c.mu.Lock()
			c.endedByBudget = true
			c.mu.Unlock()
			return true
		}
	}
	return false
}

// Stop signals the run to end. Streams notice on their next event; the
// wait loop notices within a second.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// handleEscalation records the escalation, notifies the caller, and pauses
// the run so an operator can inspect it.
func (c *Controller) handleEscalation(agentID string, event sdk.Event, rule config.GuardRule) {
	var reason *string
	if rule.Reason != "" {
		reason = &rule.Reason
	}
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	record := Escalation{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		AgentID:   agentID,
		EventType: event.Type,
		Reason:    reason,
		EventData: data,
	}

	c.mu.Lock()
	c.escalations = append(c.escalations, record)
	c.stopped = true
	c.mu.Unlock()

	if c.onEscalate != nil {
		c.onEscalate(agentID, event, rule)
	}
}

// determineRunError classifies failure in precedence order: stream errors,
// escalations, turn budget, missing completion signals. Empty means
// success.
func (c *Controller) determineRunError() string {
	c.mu.Lock()
	streamErrors := make(map[string]string, len(c.streamErrors))
	for k, v := range c.streamErrors {
		streamErrors[k] = v
	}
	escalations := c.escalations
	endedByBudget := c.endedByBudget
	stopped := c.stopped
	c.mu.Unlock()

	if len(streamErrors) > 0 {
		agents := make([]string, 0, len(streamErrors))
		for agent := range streamErrors {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		details := make([]string, 0, len(agents))
		for _, agent := range agents {
			details = append(details, fmt.Sprintf("%s: %s", agent, streamErrors[agent]))
		}
		return "Event stream failed: " + strings.Join(details, "; ")
	}

	if len(escalations) > 0 {
		reason := "human input required"
		if escalations[0].Reason != nil {
			reason = *escalations[0].Reason
		}
		return "Escalation required human input and execution was paused. First escalation: " + reason
	}

	if endedByBudget {
		return "Turn limit reached; experiment ended before completion."
	}

	if !c.allAgentsDone() {
		if stopped {
			return "Experiment stopped before completion signals were observed."
		}
		return "Experiment ended before completion signals were observed."
	}

	return ""
}

// Teardown releases every resource and persists the transcripts. Cleanup
// is best effort: session termination failures are swallowed.
func (c *Controller) Teardown(ctx context.Context) {
	if c.backend != nil {
		c.backend.Teardown()
	}
	if c.guard != nil {
		c.guard.Stop()
	}

	if c.client != nil {
		for _, sessionID := range c.sessionSnapshot() {
			_ = c.client.TerminateSession(ctx, sessionID)
		}
		c.client.Dispose()
	}

	// Terminating the sessions ends the event streams; wait for the stream
	// goroutines so the transcripts include their final events.
	c.streamsWG.Wait()

	if c.collector != nil {
		transcriptPath := filepath.Join(c.ExperimentDir, "transcripts", "full.json")
		if err := c.collector.Save(transcriptPath); err != nil {
			c.logger.Warn("Failed to save transcript", zap.Error(err))
		}
		markdownPath := filepath.Join(c.ExperimentDir, "transcripts", "full.md")
		if err := c.collector.SaveMarkdown(markdownPath); err != nil {
			c.logger.Warn("Failed to save markdown transcript", zap.Error(err))
		}
	}
}

func (c *Controller) sessionSnapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := make(map[string]string, len(c.sessions))
	for id, sid := range c.sessions {
		sessions[id] = sid
	}
	return sessions
}

func (c *Controller) buildResult(success bool, errMsg string) *Result {
	stats := make(map[string]map[string]any, len(c.cfg.Agents))
	if c.guard != nil {
		for _, agent := range c.cfg.Agents {
			stats[agent.ID] = map[string]any{"turns": c.guard.TurnCount(agent.ID)}
		}
	}

	c.mu.Lock()
	start, end := c.startTime, c.endTime
	c.mu.Unlock()
	if start.IsZero() {
		start = time.Now()
	}
	if end.IsZero() {
		end = time.Now()
	}

	return &Result{
		ExperimentID:   c.ExperimentID,
		ExperimentName: c.cfg.Name,
		Success:        success,
		StartTime:      start,
		EndTime:        end,
		TranscriptPath: filepath.Join(c.ExperimentDir, "transcripts", "full.json"),
		Error:          errMsg,
		AgentStats:     stats,
	}
}

// saveMetadata persists metadata.json. Called twice: at the end of setup
// with initial state, and again after the run with task, timing, agent
// stats, escalations, and stream errors.
func (c *Controller) saveMetadata(result *Result) error {
	pattern := "peer-network"
	if c.cfg.IsHubAndSpoke() {
		pattern = "hub-and-spoke"
	}

	agents := make([]map[string]any, 0, len(c.cfg.Agents))
	for _, agent := range c.cfg.Agents {
		var role any
		if agent.Role != "" {
			role = string(agent.Role)
		}
		agents = append(agents, map[string]any{"id": agent.ID, "role": role})
	}

	metadata := map[string]any{
		"experiment_id":   c.ExperimentID,
		"experiment_name": c.cfg.Name,
		"pattern":         pattern,
		"agents":          agents,
		"limits": map[string]any{
			"max_duration":        c.cfg.Limits.MaxDuration,
			"max_turns_per_agent": c.cfg.Limits.MaxTurnsPerAgent,
			"max_budget_usd":      c.cfg.Limits.MaxBudgetUSD,
		},
		"created_at": time.Now().Format(time.RFC3339Nano),
	}

	c.mu.Lock()
	if c.task != "" {
		metadata["task"] = c.task
	}
	escalations := c.escalations
	if escalations == nil {
		escalations = []Escalation{}
	}
	streamErrors := make(map[string]string, len(c.streamErrors))
	for k, v := range c.streamErrors {
		streamErrors[k] = v
	}
	c.mu.Unlock()

	if result != nil {
		var errField any
		if result.Error != "" {
			errField = result.Error
		}
		metadata["run"] = map[string]any{
			"success":          result.Success,
			"start_time":       result.StartTime.Format(time.RFC3339Nano),
			"end_time":         result.EndTime.Format(time.RFC3339Nano),
			"duration_seconds": result.EndTime.Sub(result.StartTime).Seconds(),
			"error":            errField,
			"agent_stats":      result.AgentStats,
			"escalations":      escalations,
			"stream_errors":    streamErrors,
		}
	}

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(c.ExperimentDir, "metadata.json"), data, 0640)
}

// RunPattern runs an experiment from a pattern file end to end, including
// teardown, and returns the result.
func RunPattern(ctx context.Context, patternPath, task, daemonBinary, experimentsDir string, logger *zap.Logger, onEscalate EscalateFunc, onTurnLimit TurnLimitFunc) (*Result, error) {
	cfg, err := config.Load(patternPath)
	if err != nil {
		return nil, err
	}

	controller := New(Options{
		Config:         cfg,
		DaemonBinary:   daemonBinary,
		ExperimentsDir: experimentsDir,
		Logger:         logger,
		OnEscalate:     onEscalate,
		OnTurnLimit:    onTurnLimit,
	})
	defer controller.Teardown(ctx)

	if err := controller.Setup(ctx); err != nil {
		return nil, err
	}
	return controller.Run(ctx, task)
}
