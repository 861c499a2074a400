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
package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/k3nnethfrancis/helm/pkg/config"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

type fakeSessions struct {
	mu          sync.Mutex
	permissions []permissionReply
	messages    []sessionMessage
}

type permissionReply struct {
	sessionID, permissionID, reply string
}

type sessionMessage struct {
	sessionID, message string
}

func (f *fakeSessions) ReplyPermission(_ context.Context, sessionID, permissionID, reply string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionReply{sessionID, permissionID, reply})
	return nil
}

func (f *fakeSessions) PostMessage(_ context.Context, sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sessionMessage{sessionID, message})
	return nil
}

func (f *fakeSessions) allMessages() []sessionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionMessage(nil), f.messages...)
}

func permissionEvent(permissionID, action string) sdk.Event {
	return sdk.Event{
		Type: sdk.EventPermissionRequested,
		Data: map[string]any{"permission_id": permissionID, "action": action},
	}
}

func assistantTurn() sdk.Event {
	return sdk.Event{
		Type: sdk.EventItemCompleted,
		Data: map[string]any{"item": map[string]any{"role": "assistant"}},
	}
}

func newGuard(t *testing.T, rules []config.GuardRule, sessions SessionControl, onEscalate EscalateFunc) *Guard {
	t.Helper()
	return New(config.GuardConfig{Rules: rules}, sessions, onEscalate, zaptest.NewLogger(t))
}

func TestApproveMatchingPermission(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventPermissionRequested,
		If:   `action contains "git commit"`,
		Then: config.ActionApprove,
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	handled := g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-1", "git commit -m 'wip'"))

	assert.True(t, handled)
	require.Len(t, sessions.permissions, 1)
	assert.Equal(t, permissionReply{"sess-1", "p-1", "once"}, sessions.permissions[0])

	interventions := g.Interventions()
	require.Len(t, interventions, 1)
	assert.Equal(t, config.ActionApprove, interventions[0].ActionTaken)
	assert.Equal(t, "p-1", interventions[0].Details["permission_id"])
}

func TestRejectDeniesPermission(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventPermissionRequested,
		If:   `action contains "rm -rf"`,
		Then: config.ActionReject,
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	handled := g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-2", "rm -rf /tmp/scratch"))

	assert.True(t, handled)
	require.Len(t, sessions.permissions, 1)
	assert.Equal(t, "deny", sessions.permissions[0].reply)
}

func TestFirstMatchingRuleWins(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{
		{On: sdk.EventPermissionRequested, If: `action contains "git"`, Then: config.ActionApprove},
		{On: sdk.EventPermissionRequested, If: `action contains "git push"`, Then: config.ActionReject},
	}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	g.HandleEvent(context.Background(), "sess-1", permissionEvent("p-3", "git push origin main"))

	require.Len(t, sessions.permissions, 1)
	assert.Equal(t, "once", sessions.permissions[0].reply, "rule order decides, not specificity")
}

func TestConditionOrChain(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventPermissionRequested,
		If:   `action contains "curl" or action contains "wget"`,
		Then: config.ActionReject,
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	assert.True(t, g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-1", "WGET http://example.com")), "match is case-insensitive")
	assert.False(t, g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-2", "ls -la")))
}

func TestUnknownConditionNeverMatches(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventPermissionRequested,
		If:   `command matches /rm/`,
		Then: config.ActionReject,
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	assert.False(t, g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-1", "rm -rf /")))
	assert.Empty(t, sessions.permissions)
}

func TestFromFilterMatchesIDAndRole(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		agentID string
		role    string
		want    bool
	}{
		{"literal id", "dev", "dev", "worker", true},
		{"other id", "dev", "lead", "hub", false},
		{"coordinator matches hub role", "coordinator", "lead", "hub", true},
		{"hub matches hub role", "hub", "lead", "hub", true},
		{"worker filter on hub", "worker", "lead", "hub", false},
		{"peer matches unset role", "peer", "solo", "", true},
		{"peer rejects worker", "peer", "dev", "worker", false},
		{"unknown filter", "observer", "dev", "worker", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sessions := &fakeSessions{}
			g := newGuard(t, []config.GuardRule{{
				On:   sdk.EventPermissionRequested,
				From: tc.from,
				Then: config.ActionApprove,
			}}, sessions, nil)
			g.RegisterAgent(tc.agentID, "sess-1", tc.role)

			handled := g.HandleEvent(context.Background(), "sess-1",
				permissionEvent("p-1", "anything"))
			assert.Equal(t, tc.want, handled)
		})
	}
}

func TestEscalateInvokesCallback(t *testing.T) {
	var (
		mu        sync.Mutex
		escalated []string
	)
	g := newGuard(t, []config.GuardRule{{
		On:     sdk.EventPermissionRequested,
		If:     `action contains "curl"`,
		Then:   config.ActionEscalate,
		Reason: "network access",
	}}, &fakeSessions{}, func(agentID string, event sdk.Event, rule config.GuardRule) {
		mu.Lock()
		escalated = append(escalated, agentID)
		mu.Unlock()
	})
	g.RegisterAgent("dev", "sess-1", "worker")

	g.HandleEvent(context.Background(), "sess-1",
		permissionEvent("p-1", "curl https://example.com"))

	assert.Equal(t, []string{"dev"}, escalated)
	interventions := g.Interventions()
	require.Len(t, interventions, 1)
	assert.Equal(t, true, interventions[0].Details["escalated"])
	assert.Equal(t, "network access", interventions[0].Details["reason"])
}

func TestNudgeCoordinatorTargetsHub(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:      sdk.EventQuestionRequested,
		Then:    config.ActionNudgeCoordinator,
		Message: "A worker is blocked, please unblock them.",
	}}, sessions, nil)
	g.RegisterAgent("lead", "sess-hub", "hub")
	g.RegisterAgent("dev", "sess-dev", "worker")

	g.HandleEvent(context.Background(), "sess-dev",
		sdk.Event{Type: sdk.EventQuestionRequested, Data: map[string]any{"question_id": "q-1"}})

	msgs := sessions.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sess-hub", msgs[0].sessionID)
	assert.Equal(t, "A worker is blocked, please unblock them.", msgs[0].message)

	interventions := g.Interventions()
	require.Len(t, interventions, 1)
	assert.Equal(t, "lead", interventions[0].Details["target_agent_id"])
}

func TestNudgeCoordinatorFallsBackWithoutHub(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventQuestionRequested,
		Then: config.ActionNudgeCoordinator,
	}}, sessions, nil)
	g.RegisterAgent("alice", "sess-a", "peer")

	g.HandleEvent(context.Background(), "sess-a",
		sdk.Event{Type: sdk.EventQuestionRequested, Data: map[string]any{}})

	msgs := sessions.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sess-a", msgs[0].sessionID)
	assert.Equal(t, "Please continue with your task.", msgs[0].message)
}

func TestTurnCountsOnlyAssistantCompletions(t *testing.T) {
	g := newGuard(t, nil, &fakeSessions{}, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	ctx := context.Background()
	g.HandleEvent(ctx, "sess-1", assistantTurn())
	g.HandleEvent(ctx, "sess-1", sdk.Event{
		Type: sdk.EventItemCompleted,
		Data: map[string]any{"item": map[string]any{"role": "user"}},
	})
	g.HandleEvent(ctx, "sess-1", sdk.Event{Type: sdk.EventItemStarted, Data: map[string]any{}})
	g.HandleEvent(ctx, "sess-1", assistantTurn())

	assert.Equal(t, 2, g.TurnCount("dev"))
	assert.Equal(t, map[string]int{"dev": 2}, g.AgentStats())
}

func TestUnknownSessionIgnored(t *testing.T) {
	g := newGuard(t, []config.GuardRule{{
		On:   sdk.EventPermissionRequested,
		Then: config.ActionApprove,
	}}, &fakeSessions{}, nil)

	assert.False(t, g.HandleEvent(context.Background(), "nope", permissionEvent("p", "x")))
	assert.Equal(t, 0, g.TurnCount("missing"))
}

func TestInactivityTimerFires(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:      sdk.EventNoActivity,
		After:   "0.05s",
		Then:    config.ActionNudge,
		Message: "Are you still there?",
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	// Any event arms the timer; then the agent goes quiet.
	g.HandleEvent(context.Background(), "sess-1", assistantTurn())

	require.Eventually(t, func() bool {
		return len(sessions.allMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Are you still there?", sessions.allMessages()[0].message)

	interventions := g.Interventions()
	require.Len(t, interventions, 1)
	assert.Equal(t, sdk.EventNoActivity, interventions[0].Event.Type)
}

func TestActivityCancelsInactivityTimer(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:      sdk.EventNoActivity,
		After:   "0.2s",
		Then:    config.ActionNudge,
		Message: "ping",
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.HandleEvent(ctx, "sess-1", assistantTurn())
		time.Sleep(50 * time.Millisecond)
	}
	assert.Empty(t, sessions.allMessages(), "steady activity must keep resetting the timer")
}

func TestStopCancelsTimers(t *testing.T) {
	sessions := &fakeSessions{}
	g := newGuard(t, []config.GuardRule{{
		On:      sdk.EventNoActivity,
		After:   "0.05s",
		Then:    config.ActionNudge,
		Message: "ping",
	}}, sessions, nil)
	g.RegisterAgent("dev", "sess-1", "worker")
	g.HandleEvent(context.Background(), "sess-1", assistantTurn())

	g.Stop()
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sessions.allMessages())
}
