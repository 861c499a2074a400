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

// Package collector aggregates session events from multiple agents into a
// unified transcript for analysis and evaluation.
package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/k3nnethfrancis/helm/pkg/coordination"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

// Item is a single recorded event in an agent's transcript.
type Item struct {
	Timestamp time.Time
	SessionID string
	AgentID   string
	EventType string
	Data      map[string]any
}

// MarshalJSON emits the transcript wire form.
func (i Item) MarshalJSON() ([]byte, error) {
	data := i.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(struct {
		Timestamp string         `json:"timestamp"`
		SessionID string         `json:"session_id"`
		AgentID   string         `json:"agent_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}{
		Timestamp: i.Timestamp.Format(time.RFC3339Nano),
		SessionID: i.SessionID,
		AgentID:   i.AgentID,
		EventType: i.EventType,
		Data:      data,
	})
}

// AgentTranscript is one agent's ordered event log.
type AgentTranscript struct {
	AgentID   string
	SessionID string
	Items     []Item
	StartTime time.Time // zero until the first event
	EndTime   time.Time
}

func (t *AgentTranscript) addEvent(event sdk.Event, ts time.Time) {
	if t.StartTime.IsZero() {
		t.StartTime = ts
	}
	t.Items = append(t.Items, Item{
		Timestamp: ts,
		SessionID: t.SessionID,
		AgentID:   t.AgentID,
		EventType: event.Type,
		Data:      event.Data,
	})
	t.EndTime = ts
}

// MarshalJSON emits the transcript wire form.
func (t *AgentTranscript) MarshalJSON() ([]byte, error) {
	items := t.Items
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(struct {
		AgentID   string  `json:"agent_id"`
		SessionID string  `json:"session_id"`
		StartTime *string `json:"start_time"`
		EndTime   *string `json:"end_time"`
		ItemCount int     `json:"item_count"`
		Items     []Item  `json:"items"`
	}{
		AgentID:   t.AgentID,
		SessionID: t.SessionID,
		StartTime: timeOrNil(t.StartTime),
		EndTime:   timeOrNil(t.EndTime),
		ItemCount: len(items),
		Items:     items,
	})
}

// CoordinationSummary summarizes coordination traffic for a run.
type CoordinationSummary struct {
	TotalMessages int            `json:"total_messages"`
	Delivered     int            `json:"delivered"`
	DeliveryRate  float64        `json:"delivery_rate"`
	ByType        map[string]int `json:"by_type"`
}

// Collector records events and coordination messages for every agent in an
// experiment. Safe for concurrent use.
type Collector struct {
	experimentID   string
	experimentName string

	mu             sync.Mutex
	agents         map[string]*AgentTranscript
	agentOrder     []string
	sessionToAgent map[string]string
	coordination   []coordination.Message
	startTime      time.Time
	endTime        time.Time
}

// New creates a collector for an experiment run.
func New(experimentID, experimentName string) *Collector {
	return &Collector{
		experimentID:   experimentID,
		experimentName: experimentName,
		agents:         make(map[string]*AgentTranscript),
		sessionToAgent: make(map[string]string),
	}
}

// RegisterAgent starts collecting for an agent session.
func (c *Collector) RegisterAgent(agentID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[agentID]; !exists {
		c.agentOrder = append(c.agentOrder, agentID)
	}
	c.agents[agentID] = &AgentTranscript{AgentID: agentID, SessionID: sessionID}
	c.sessionToAgent[sessionID] = agentID
}

// Record appends an event to the owning agent's transcript.
func (c *Collector) Record(sessionID string, event sdk.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agentID, ok := c.sessionToAgent[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	ts := time.Now()
	if c.startTime.IsZero() {
		c.startTime = ts
	}
	c.agents[agentID].addEvent(event, ts)
	c.endTime = ts
	return nil
}

// RecordCoordination appends a coordination message observed by the
// backend. The message list is append-only.
func (c *Collector) RecordCoordination(msg coordination.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordination = append(c.coordination, msg)
}

// AgentBySession returns the agent id owning a session, or "".
func (c *Collector) AgentBySession(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToAgent[sessionID]
}

// StartTime returns the timestamp of the first recorded event.
func (c *Collector) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// EndTime returns the timestamp of the last recorded event.
func (c *Collector) EndTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

// TotalEvents returns the number of recorded events across all agents.
func (c *Collector) TotalEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, t := range c.agents {
		total += len(t.Items)
	}
	return total
}

// PerAgentEvents returns event counts keyed by agent id.
func (c *Collector) PerAgentEvents() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int, len(c.agents))
	for id, t := range c.agents {
		counts[id] = len(t.Items)
	}
	return counts
}

// AgentTranscripts returns per-agent transcripts in registration order.
func (c *Collector) AgentTranscripts() []*AgentTranscript {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AgentTranscript, 0, len(c.agentOrder))
	for _, id := range c.agentOrder {
		out = append(out, c.agents[id])
	}
	return out
}

// CoordinationMessages returns a copy of the recorded coordination
// messages.
func (c *Collector) CoordinationMessages() []coordination.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]coordination.Message(nil), c.coordination...)
}

// Summary computes coordination traffic totals.
func (c *Collector) Summary() CoordinationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *Collector) summaryLocked() CoordinationSummary {
	summary := CoordinationSummary{ByType: map[string]int{}}
	for _, m := range c.coordination {
		summary.TotalMessages++
		if m.Delivered {
			summary.Delivered++
		}
		summary.ByType[string(m.Type)]++
	}
	if summary.TotalMessages > 0 {
		summary.DeliveryRate = float64(summary.Delivered) / float64(summary.TotalMessages)
	}
	return summary
}

// allItemsLocked merges every agent's items, sorted by timestamp.
func (c *Collector) allItemsLocked() []Item {
	var all []Item
	for _, id := range c.agentOrder {
		all = append(all, c.agents[id].Items...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

// Save writes the full transcript as JSON.
func (c *Collector) Save(path string) error {
	c.mu.Lock()
	agents := make(map[string]*AgentTranscript, len(c.agents))
	totalItems := 0
	for id, t := range c.agents {
		agents[id] = t
		totalItems += len(t.Items)
	}
	messages := c.coordination
	if messages == nil {
		messages = []coordination.Message{}
	}
	doc := struct {
		ExperimentID         string                     `json:"experiment_id"`
		ExperimentName       string                     `json:"experiment_name"`
		StartTime            *string                    `json:"start_time"`
		EndTime              *string                    `json:"end_time"`
		Agents               map[string]*AgentTranscript `json:"agents"`
		TotalItems           int                        `json:"total_items"`
		CoordinationMessages []coordination.Message     `json:"coordination_messages"`
		CoordinationSummary  CoordinationSummary        `json:"coordination_summary"`
	}{
		ExperimentID:         c.experimentID,
		ExperimentName:       c.experimentName,
		StartTime:            timeOrNil(c.startTime),
		EndTime:              timeOrNil(c.endTime),
		Agents:               agents,
		TotalItems:           totalItems,
		CoordinationMessages: messages,
		CoordinationSummary:  c.summaryLocked(),
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

func timeOrNil(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
