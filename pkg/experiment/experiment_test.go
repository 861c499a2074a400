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
package experiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/k3nnethfrancis/helm/pkg/collector"
	"github.com/k3nnethfrancis/helm/pkg/config"
	"github.com/k3nnethfrancis/helm/pkg/coordination"
	"github.com/k3nnethfrancis/helm/pkg/guard"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

type stubBackend struct {
	complete bool
}

func (s *stubBackend) Setup(string, []string, coordination.Settings) error { return nil }
func (s *stubBackend) PromptInstructions(string) string                    { return "" }
func (s *stubBackend) StartWatching(context.Context, coordination.Messenger, map[string]string, coordination.OnMessage) error {
	return nil
}
func (s *stubBackend) StopWatching()                 {}
func (s *stubBackend) IsComplete(agents []string) bool { return s.complete }
func (s *stubBackend) Teardown()                     {}

type stubSessions struct{}

func (stubSessions) ReplyPermission(context.Context, string, string, string) error { return nil }
func (stubSessions) PostMessage(context.Context, string, string) error             { return nil }

func testConfig(agents ...config.Agent) *config.Experiment {
	cfg := &config.Experiment{
		Name:   "demo",
		Agents: agents,
	}
	cfg.Limits.MaxDuration = "30m"
	cfg.Limits.MaxTurnsPerAgent = 50
	cfg.Limits.BlockedCommands = []string{"rm -rf", "sudo"}
	cfg.Coordination.Mechanism = "filesystem"
	cfg.Coordination.Paths.Base = "coordination/"
	return cfg
}

func newTestController(t *testing.T, cfg *config.Experiment) *Controller {
	t.Helper()
	c := New(Options{
		Config:         cfg,
		DaemonBinary:   "agent-daemon",
		ExperimentsDir: t.TempDir(),
		Logger:         zaptest.NewLogger(t),
	})
	c.backend = &stubBackend{}
	require.NoError(t, os.MkdirAll(c.ExperimentDir, 0750))
	return c
}

func TestExperimentIDIncludesName(t *testing.T) {
	c := newTestController(t, testConfig(config.Agent{ID: "dev"}))
	assert.Contains(t, c.ExperimentID, "demo-")
	assert.Equal(t, filepath.Base(c.ExperimentDir), c.ExperimentID)
}

func TestIsSafeAction(t *testing.T) {
	c := newTestController(t, testConfig(config.Agent{ID: "dev"}))

	assert.True(t, c.isSafeAction("cat "+c.ExperimentDir+"/workspace/notes.md"),
		"paths inside the experiment directory are always safe")
	assert.True(t, c.isSafeAction("rm -rf "+c.ExperimentDir+"/workspace/tmp"),
		"the experiment directory overrides the blocked list")
	assert.True(t, c.isSafeAction("git status"))
	assert.False(t, c.isSafeAction("sudo apt install nmap"))
	assert.False(t, c.isSafeAction("rm -rf /"))
}

func TestCheckCompletionSignal(t *testing.T) {
	c := newTestController(t, testConfig(config.Agent{ID: "dev"}))

	assert.True(t, c.checkCompletionSignal("dev", sdk.Event{Type: sdk.EventSessionEnded}))

	fileRef := func(path string) sdk.Event {
		return sdk.Event{
			Type: sdk.EventItemCompleted,
			Data: map[string]any{"item": map[string]any{
				"content": []any{map[string]any{"type": "file_ref", "path": path}},
			}},
		}
	}
	assert.True(t, c.checkCompletionSignal("dev", fileRef("coordination/signals/done")))
	assert.True(t, c.checkCompletionSignal("dev", fileRef("coordination/signals/dev.done")))
	assert.False(t, c.checkCompletionSignal("dev", fileRef("coordination/signals/other.done")))
	assert.False(t, c.checkCompletionSignal("dev", fileRef("workspace/report.md")))
	assert.False(t, c.checkCompletionSignal("dev", sdk.Event{Type: sdk.EventItemStarted}))
}

func TestCoordinationSettings(t *testing.T) {
	cfg := testConfig(
		config.Agent{ID: "lead", Role: config.RoleHub},
		config.Agent{ID: "dev", Role: config.RoleWorker},
	)
	cfg.Coordination.Paths.Signals = "coordination/signals/"
	cfg.Coordination.BackendSettings = map[string]any{
		"workspace_watches": []any{"*.md", "src/*.go"},
		"poll_interval":     "5s",
	}
	c := newTestController(t, cfg)

	settings := c.coordinationSettings()
	assert.Equal(t, "lead", settings.HubAgentID)
	assert.Equal(t, "hub", settings.AgentRoles["lead"])
	assert.Equal(t, []string{"*.md", "src/*.go"}, settings.WorkspaceWatches)
	assert.Equal(t, 5*time.Second, settings.PollInterval)
	assert.Equal(t, "coordination/signals/", settings.Paths["signals"])
}

func TestDetermineRunErrorPrecedence(t *testing.T) {
	cfg := testConfig(config.Agent{ID: "dev"})

	t.Run("stream errors outrank everything", func(t *testing.T) {
		c := newTestController(t, cfg)
		c.streamErrors["dev"] = "connection reset"
		c.escalations = []Escalation{{AgentID: "dev"}}
		c.endedByBudget = true

		err := c.determineRunError()
		assert.Contains(t, err, "Event stream failed")
		assert.Contains(t, err, "dev: connection reset")
	})

	t.Run("escalation outranks turn limit", func(t *testing.T) {
		c := newTestController(t, cfg)
		reason := "network access"
		c.escalations = []Escalation{{AgentID: "dev", Reason: &reason}}
		c.endedByBudget = true

		err := c.determineRunError()
		assert.Contains(t, err, "Escalation required human input")
		assert.Contains(t, err, "network access")
	})

	t.Run("turn limit outranks incomplete", func(t *testing.T) {
		c := newTestController(t, cfg)
		c.endedByBudget = true
		assert.Contains(t, c.determineRunError(), "Turn limit reached")
	})

	t.Run("incomplete vs stopped", func(t *testing.T) {
		c := newTestController(t, cfg)
		assert.Contains(t, c.determineRunError(), "ended before completion signals")

		c.stopped = true
		assert.Contains(t, c.determineRunError(), "stopped before completion signals")
	})

	t.Run("success when backend complete", func(t *testing.T) {
		c := newTestController(t, cfg)
		c.backend.(*stubBackend).complete = true
		assert.Empty(t, c.determineRunError())
	})
}

func TestWaitForCompletionOutcomes(t *testing.T) {
	cfg := testConfig(config.Agent{ID: "dev"})

	newWaiting := func(t *testing.T) *Controller {
		c := newTestController(t, cfg)
		c.guard = guard.New(config.GuardConfig{}, stubSessions{}, nil, zaptest.NewLogger(t))
		return c
	}

	t.Run("stream errors survive the deadline", func(t *testing.T) {
		c := newWaiting(t)
		c.streamErrors["dev"] = "connection reset"

		c.waitForCompletion(context.Background(), -time.Second)
		err := c.determineRunError()
		assert.Contains(t, err, "Event stream failed")
		assert.Contains(t, err, "dev: connection reset")
	})

	t.Run("escalations survive the deadline", func(t *testing.T) {
		c := newWaiting(t)
		reason := "network access"
		c.escalations = []Escalation{{AgentID: "dev", Reason: &reason}}

		c.waitForCompletion(context.Background(), -time.Second)
		assert.Contains(t, c.determineRunError(), "Escalation required human input")
	})

	t.Run("clean deadline reads as incomplete", func(t *testing.T) {
		c := newWaiting(t)
		c.waitForCompletion(context.Background(), -time.Second)

		err := c.determineRunError()
		assert.Contains(t, err, "ended before completion signals")
		assert.NotContains(t, err, "stopped")
	})

	t.Run("cancellation reads as an operator stop", func(t *testing.T) {
		c := newWaiting(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		c.waitForCompletion(ctx, time.Minute)
		assert.True(t, c.stopRequested())
		assert.Contains(t, c.determineRunError(), "stopped before completion signals")
	})
}

func TestTeardownWaitsForStreams(t *testing.T) {
	c := newTestController(t, testConfig(config.Agent{ID: "dev"}))
	c.collector = collector.New(c.ExperimentID, "demo")
	c.collector.RegisterAgent("dev", "s-dev")
	require.NoError(t, os.MkdirAll(filepath.Join(c.ExperimentDir, "transcripts"), 0750))

	c.streamsWG.Add(1)
	go func() {
		defer c.streamsWG.Done()
		time.Sleep(50 * time.Millisecond)
		_ = c.collector.Record("s-dev", sdk.Event{Type: sdk.EventItemCompleted})
	}()

	c.Teardown(context.Background())

	raw, err := os.ReadFile(filepath.Join(c.ExperimentDir, "transcripts", "full.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), sdk.EventItemCompleted)
}

func TestHandleEscalationPausesRun(t *testing.T) {
	cfg := testConfig(config.Agent{ID: "dev"})
	var notified []string
	c := newTestController(t, cfg)
	c.onEscalate = func(agentID string, event sdk.Event, rule config.GuardRule) {
		notified = append(notified, agentID)
	}

	event := sdk.Event{
		Type: sdk.EventPermissionRequested,
		Data: map[string]any{"permission_id": "p-1", "action": "curl https://example.com"},
	}
	rule := config.GuardRule{
		On:     sdk.EventPermissionRequested,
		Then:   config.ActionEscalate,
		Reason: "network egress",
	}
	c.handleEscalation("dev", event, rule)

	assert.True(t, c.stopRequested(), "escalation pauses the run")
	assert.Equal(t, []string{"dev"}, notified)
	require.Len(t, c.escalations, 1)
	assert.Equal(t, "network egress", *c.escalations[0].Reason)
	assert.Equal(t, "p-1", c.escalations[0].EventData["permission_id"])

	err := c.determineRunError()
	assert.Contains(t, err, "Escalation required human input")
}

func bumpTurns(t *testing.T, g *guard.Guard, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		g.HandleEvent(context.Background(), sessionID, sdk.Event{
			Type: sdk.EventItemCompleted,
			Data: map[string]any{"item": map[string]any{"role": "assistant"}},
		})
	}
}

func TestCheckTurnLimits(t *testing.T) {
	cfg := testConfig(config.Agent{ID: "dev"})
	cfg.Limits.MaxTurnsPerAgent = 2

	newWithGuard := func(t *testing.T, decide TurnLimitFunc) *Controller {
		c := New(Options{
			Config:         cfg,
			ExperimentsDir: t.TempDir(),
			Logger:         zaptest.NewLogger(t),
			OnTurnLimit:    decide,
		})
		c.backend = &stubBackend{}
		c.guard = guard.New(config.GuardConfig{}, stubSessions{}, nil, zaptest.NewLogger(t))
		c.guard.RegisterAgent("dev", "s-dev", "peer")
		c.sessions["dev"] = "s-dev"
		return c
	}

	t.Run("default ends experiment", func(t *testing.T) {
		c := newWithGuard(t, nil)
		bumpTurns(t, c.guard, "s-dev", 2)
		assert.True(t, c.checkTurnLimits(context.Background()))
		assert.True(t, c.endedByBudget)
	})

	t.Run("continue lifts the budget", func(t *testing.T) {
		var calls int
		c := newWithGuard(t, func(agentID string, turns, limit int) TurnLimitDecision {
			calls++
			assert.Equal(t, "dev", agentID)
			assert.Equal(t, 2, turns)
			assert.Equal(t, 2, limit)
			return TurnLimitDecision{Action: TurnLimitContinue}
		})
		bumpTurns(t, c.guard, "s-dev", 2)
		assert.False(t, c.checkTurnLimits(context.Background()))
		assert.Equal(t, 1, calls)

		// More turns never re-trigger the handler: the budget is gone.
		bumpTurns(t, c.guard, "s-dev", 10)
		assert.False(t, c.checkTurnLimits(context.Background()))
		assert.Equal(t, 1, calls)
	})

	t.Run("extend grants more turns", func(t *testing.T) {
		c := newWithGuard(t, func(string, int, int) TurnLimitDecision {
			return TurnLimitDecision{Action: TurnLimitExtend, Extension: 3}
		})
		bumpTurns(t, c.guard, "s-dev", 2)
		assert.False(t, c.checkTurnLimits(context.Background()))
		require.NotNil(t, c.turnLimits["dev"])
		assert.Equal(t, 5, *c.turnLimits["dev"])
	})

	t.Run("below limit never calls handler", func(t *testing.T) {
		c := newWithGuard(t, func(string, int, int) TurnLimitDecision {
			t.Fatal("handler must not fire below the limit")
			return TurnLimitDecision{}
		})
		bumpTurns(t, c.guard, "s-dev", 1)
		assert.False(t, c.checkTurnLimits(context.Background()))
	})
}

func TestSaveMetadata(t *testing.T) {
	cfg := testConfig(
		config.Agent{ID: "lead", Role: config.RoleHub},
		config.Agent{ID: "dev", Role: config.RoleWorker},
	)
	cfg.Limits.MaxBudgetUSD = 15.0
	c := newTestController(t, cfg)

	require.NoError(t, c.saveMetadata(nil))
	raw, err := os.ReadFile(filepath.Join(c.ExperimentDir, "metadata.json"))
	require.NoError(t, err)
	var initial map[string]any
	require.NoError(t, json.Unmarshal(raw, &initial))

	assert.Equal(t, "hub-and-spoke", initial["pattern"])
	assert.NotContains(t, initial, "run")
	assert.NotContains(t, initial, "task")
	agents := initial["agents"].([]any)
	require.Len(t, agents, 2)
	assert.Equal(t, "hub", agents[0].(map[string]any)["role"])

	// Second write after a run adds task and run sections.
	c.task = "build a parser"
	start := time.Now().Add(-3 * time.Second)
	result := &Result{
		ExperimentID:   c.ExperimentID,
		ExperimentName: "demo",
		Success:        false,
		StartTime:      start,
		EndTime:        start.Add(3 * time.Second),
		Error:          "Turn limit reached; experiment ended before completion.",
		AgentStats:     map[string]map[string]any{"dev": {"turns": 5}},
	}
	require.NoError(t, c.saveMetadata(result))

	raw, err = os.ReadFile(filepath.Join(c.ExperimentDir, "metadata.json"))
	require.NoError(t, err)
	var final map[string]any
	require.NoError(t, json.Unmarshal(raw, &final))

	assert.Equal(t, "build a parser", final["task"])
	run := final["run"].(map[string]any)
	assert.Equal(t, false, run["success"])
	assert.InDelta(t, 3.0, run["duration_seconds"], 0.1)
	assert.Contains(t, run["error"], "Turn limit reached")
	assert.NotNil(t, run["escalations"])
	assert.NotNil(t, run["stream_errors"])
}

func TestStageWorkspaceFiles(t *testing.T) {
	t.Run("local copy", func(t *testing.T) {
		source := filepath.Join(t.TempDir(), "seed.txt")
		require.NoError(t, os.WriteFile(source, []byte("seed data"), 0640))

		cfg := testConfig(config.Agent{ID: "dev"})
		cfg.Limits.WorkspaceFiles = map[string]string{"input/seed.txt": source}
		c := newTestController(t, cfg)

		require.NoError(t, c.stageWorkspaceFiles(context.Background()))
		data, err := os.ReadFile(filepath.Join(c.ExperimentDir, "workspace", "input", "seed.txt"))
		require.NoError(t, err)
		assert.Equal(t, "seed data", string(data))
	})

	t.Run("http fetch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("remote data"))
		}))
		defer server.Close()

		cfg := testConfig(config.Agent{ID: "dev"})
		cfg.Limits.WorkspaceFiles = map[string]string{"dataset.csv": server.URL + "/dataset.csv"}
		c := newTestController(t, cfg)

		require.NoError(t, c.stageWorkspaceFiles(context.Background()))
		data, err := os.ReadFile(filepath.Join(c.ExperimentDir, "workspace", "dataset.csv"))
		require.NoError(t, err)
		assert.Equal(t, "remote data", string(data))
	})

	t.Run("missing source fails", func(t *testing.T) {
		cfg := testConfig(config.Agent{ID: "dev"})
		cfg.Limits.WorkspaceFiles = map[string]string{"x.txt": "/no/such/file"}
		c := newTestController(t, cfg)

		err := c.stageWorkspaceFiles(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStageFailed)
		assert.Contains(t, err.Error(), "not found")
	})
}
