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

// Package coordination turns passive inter-agent message passing into an
// active, event-driven fabric. A backend owns the coordination lifecycle:
// it sets up the coordination environment, watches for new artifacts,
// delivers their content to the right agents as nudges, and detects
// experiment completion.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MessageType classifies coordination messages between agents.
type MessageType string

const (
	TypeTaskAssignment   MessageType = "task_assignment"
	TypeStatusUpdate     MessageType = "status_update"
	TypeCompletionSignal MessageType = "completion_signal"
	TypeQuestion         MessageType = "question"
	TypeDecision         MessageType = "decision"
	TypePeerMessage      MessageType = "peer_message"
	TypeNudge            MessageType = "nudge"
)

// Broadcast is the recipient value meaning "every agent except the sender".
const Broadcast = "__all__"

// Message is a single coordination event observed by a backend. Content is
// lossless: it always carries the full body even when the nudge delivered
// to agents was truncated.
type Message struct {
	Timestamp         time.Time
	Sender            string // empty when unknown
	Recipient         string // Broadcast, an agent id, or empty
	Type              MessageType
	Content           string
	SourcePath        string
	Delivered         bool
	DeliveryTimestamp time.Time // zero until delivered
	NudgeText         string
	Metadata          map[string]any
}

// MarshalJSON emits the transcript wire form, with explicit nulls for
// absent optional fields.
func (m Message) MarshalJSON() ([]byte, error) {
	strOrNil := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	var delivery *string
	if !m.DeliveryTimestamp.IsZero() {
		ts := m.DeliveryTimestamp.Format(time.RFC3339Nano)
		delivery = &ts
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return json.Marshal(struct {
		Timestamp         string         `json:"timestamp"`
		Sender            *string        `json:"sender"`
		Recipient         *string        `json:"recipient"`
		MessageType       string         `json:"message_type"`
		Content           string         `json:"content"`
		SourcePath        *string        `json:"source_path"`
		Delivered         bool           `json:"delivered"`
		DeliveryTimestamp *string        `json:"delivery_timestamp"`
		NudgeText         *string        `json:"nudge_text"`
		Metadata          map[string]any `json:"metadata"`
	}{
		Timestamp:         m.Timestamp.Format(time.RFC3339Nano),
		Sender:            strOrNil(m.Sender),
		Recipient:         strOrNil(m.Recipient),
		MessageType:       string(m.Type),
		Content:           m.Content,
		SourcePath:        strOrNil(m.SourcePath),
		Delivered:         m.Delivered,
		DeliveryTimestamp: delivery,
		NudgeText:         strOrNil(m.NudgeText),
		Metadata:          metadata,
	})
}

// OnMessage is invoked for each coordination message a backend observes.
type OnMessage func(Message)

// Messenger posts nudge messages into agent sessions. *sdk.Client
// satisfies it.
type Messenger interface {
	PostMessage(ctx context.Context, sessionID, message string) error
}

// Settings carries the backend-independent slice of the coordination
// configuration, resolved by the controller.
type Settings struct {
	// Paths maps alias name to a path relative to the experiment
	// directory. "base" is always present.
	Paths map[string]string
	// AgentRoles maps agent id to role (hub, worker, peer).
	AgentRoles map[string]string
	// HubAgentID is the explicitly configured hub, if any.
	HubAgentID string
	// WorkspaceWatches are glob patterns under workspace/ whose new files
	// trigger artifact notifications.
	WorkspaceWatches []string
	// PollInterval overrides the backend's scan cadence when positive.
	PollInterval time.Duration
}

// Backend is the coordination mechanism contract. Implementations must be
// safe for use from multiple goroutines.
type Backend interface {
	// Setup initializes the coordination environment for an experiment.
	Setup(experimentDir string, agents []string, settings Settings) error

	// PromptInstructions returns coordination instructions to inject into
	// an agent's opening prompt. Empty when the pattern's own prompts
	// already cover the mechanism.
	PromptInstructions(agentID string) string

	// StartWatching begins monitoring for coordination events, delivering
	// nudges through messenger and reporting every observed message.
	StartWatching(ctx context.Context, messenger Messenger, sessions map[string]string, onMessage OnMessage) error

	// StopWatching stops the monitoring loop, then performs one final scan
	// with delivery suppressed so late-arriving files are still captured.
	StopWatching()

	// IsComplete reports whether the coordination protocol signals that
	// all work is done.
	IsComplete(agents []string) bool

	// Teardown stops watching and releases resources.
	Teardown()
}

// Constructor builds a backend instance.
type Constructor func() Backend

var registry = map[string]Constructor{
	"filesystem":       func() Backend { return NewFilesystemBackend() },
	"filesystem_nudge": func() Backend { return NewFilesystemBackend() },
}

// New creates a coordination backend by mechanism name.
func New(mechanism string) (Backend, error) {
	ctor, ok := registry[mechanism]
	if !ok {
		names := make([]string, 0, len(registry))
		for name := range registry {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown coordination mechanism %q, available: %v", mechanism, names)
	}
	return ctor(), nil
}

// Register adds a custom coordination backend to the registry.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}
