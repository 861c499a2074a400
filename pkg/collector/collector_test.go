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
package collector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3nnethfrancis/helm/pkg/coordination"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

func TestRecordUnknownSession(t *testing.T) {
	c := New("exp-1", "demo")
	err := c.Record("nope", sdk.Event{Type: sdk.EventSessionStarted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRecordTracksPerAgentCounts(t *testing.T) {
	c := New("exp-1", "demo")
	c.RegisterAgent("lead", "s-l")
	c.RegisterAgent("dev", "s-d")

	require.NoError(t, c.Record("s-l", sdk.Event{Type: sdk.EventSessionStarted}))
	require.NoError(t, c.Record("s-d", sdk.Event{Type: sdk.EventSessionStarted}))
	require.NoError(t, c.Record("s-d", sdk.Event{Type: sdk.EventItemCompleted}))

	assert.Equal(t, 3, c.TotalEvents())
	assert.Equal(t, map[string]int{"lead": 1, "dev": 2}, c.PerAgentEvents())
	assert.Equal(t, "dev", c.AgentBySession("s-d"))
	assert.False(t, c.StartTime().IsZero())
	assert.False(t, c.EndTime().Before(c.StartTime()))
}

func TestSummaryCountsDeliveries(t *testing.T) {
	c := New("exp-1", "demo")
	c.RecordCoordination(coordination.Message{
		Timestamp: time.Now(), Type: coordination.TypeTaskAssignment, Delivered: true,
	})
	c.RecordCoordination(coordination.Message{
		Timestamp: time.Now(), Type: coordination.TypeTaskAssignment, Delivered: true,
	})
	c.RecordCoordination(coordination.Message{
		Timestamp: time.Now(), Type: coordination.TypeCompletionSignal,
	})

	summary := c.Summary()
	assert.Equal(t, 3, summary.TotalMessages)
	assert.Equal(t, 2, summary.Delivered)
	assert.InDelta(t, 2.0/3.0, summary.DeliveryRate, 1e-9)
	assert.Equal(t, map[string]int{"task_assignment": 2, "completion_signal": 1}, summary.ByType)
}

func TestSaveJSONShape(t *testing.T) {
	c := New("exp-42", "json shape")
	c.RegisterAgent("dev", "s-d")
	require.NoError(t, c.Record("s-d", sdk.Event{
		Type: sdk.EventPermissionRequested,
		Data: map[string]any{"action": "ls", "permission_id": "p-1"},
	}))
	c.RecordCoordination(coordination.Message{
		Timestamp:  time.Now(),
		Sender:     "dev",
		Type:       coordination.TypeStatusUpdate,
		Content:    "done",
		SourcePath: "status/dev.json",
	})

	path := filepath.Join(t.TempDir(), "transcripts", "full.json")
	require.NoError(t, c.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "exp-42", doc["experiment_id"])
	assert.Equal(t, "json shape", doc["experiment_name"])
	assert.EqualValues(t, 1, doc["total_items"])

	agents := doc["agents"].(map[string]any)
	dev := agents["dev"].(map[string]any)
	assert.EqualValues(t, 1, dev["item_count"])
	items := dev["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "permission.requested", first["event_type"])

	msgs := doc["coordination_messages"].([]any)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "status_update", msg["message_type"])
	assert.Nil(t, msg["recipient"], "absent optionals serialize as null")
	assert.Nil(t, msg["delivery_timestamp"])

	summary := doc["coordination_summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["total_messages"])
}

func TestSaveMarkdownRendering(t *testing.T) {
	c := New("exp-7", "markdown demo")
	c.RegisterAgent("dev", "s-d")

	require.NoError(t, c.Record("s-d", sdk.Event{Type: sdk.EventSessionStarted, Data: map[string]any{}}))
	require.NoError(t, c.Record("s-d", sdk.Event{Type: "item.delta", Data: map[string]any{"text": "par"}}))
	require.NoError(t, c.Record("s-d", sdk.Event{Type: sdk.EventItemStarted, Data: map[string]any{}}))
	require.NoError(t, c.Record("s-d", sdk.Event{
		Type: sdk.EventItemCompleted,
		Data: map[string]any{"item": map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": "Parsing complete."},
				map[string]any{"type": "tool_call", "name": "Bash",
					"arguments": `{"command":"go test ./..."}`},
				map[string]any{"type": "tool_result", "output": "ok", "is_error": false},
			},
		}},
	}))
	require.NoError(t, c.Record("s-d", sdk.Event{
		Type: sdk.EventPermissionRequested,
		Data: map[string]any{"action": "curl https://example.com", "permission_id": "p-1"},
	}))
	c.RecordCoordination(coordination.Message{
		Timestamp:  time.Now(),
		Sender:     "dev",
		Recipient:  "lead",
		Type:       coordination.TypeStatusUpdate,
		SourcePath: "status/dev.json",
		Delivered:  true,
	})

	path := filepath.Join(t.TempDir(), "full.md")
	require.NoError(t, c.SaveMarkdown(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	md := string(raw)

	assert.Contains(t, md, "# Experiment: markdown demo")
	assert.Contains(t, md, "*Session started*")
	assert.Contains(t, md, "**Role**: assistant")
	assert.Contains(t, md, "Parsing complete.")
	assert.Contains(t, md, "**Tool**: `Bash`")
	assert.Contains(t, md, "command: `go test ./...`")
	assert.Contains(t, md, "**Action**: `curl https://example.com`")
	assert.Contains(t, md, "## Coordination Messages")
	assert.Contains(t, md, "**status_update** dev -> lead")
	assert.Contains(t, md, "Nudge delivered")
	assert.NotContains(t, md, "item.delta", "streaming deltas are skipped")
	assert.NotContains(t, md, "item.started")
}

func TestMarkdownTruncatesLongText(t *testing.T) {
	c := New("exp-8", "long text")
	c.RegisterAgent("dev", "s-d")
	long := strings.Repeat("a", 2500)
	require.NoError(t, c.Record("s-d", sdk.Event{
		Type: sdk.EventItemCompleted,
		Data: map[string]any{"item": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": long}},
		}},
	}))

	path := filepath.Join(t.TempDir(), "full.md")
	require.NoError(t, c.SaveMarkdown(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), strings.Repeat("a", 2000)+"...")
	assert.NotContains(t, string(raw), strings.Repeat("a", 2001))
}
