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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

const (
	maxTextExcerpt  = 2000
	maxToolArgument = 300
	maxToolOutput   = 1000
)

// SaveMarkdown writes the transcript as readable markdown: a header, one
// section per recorded event in timestamp order, and a coordination
// message index. Streaming deltas and item.started frames are skipped
// since item.completed carries the full content.
func (c *Collector) SaveMarkdown(path string) error {
	c.mu.Lock()
	items := c.allItemsLocked()
	coord := c.coordination
	summary := c.summaryLocked()
	name, id := c.experimentName, c.experimentID
	start, end := c.startTime, c.endTime
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "# Experiment: %s\n", name)
	fmt.Fprintf(&b, "ID: `%s`\n\n", id)
	fmt.Fprintf(&b, "**Start**: %s\n", formatOrDash(start.IsZero(), start.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "**End**: %s\n\n", formatOrDash(end.IsZero(), end.Format("2006-01-02 15:04:05")))
	b.WriteString("---\n\n")

	for _, item := range items {
		if item.EventType == "item.delta" || item.EventType == sdk.EventItemStarted {
			continue
		}

		fmt.Fprintf(&b, "## [%s] %s\n", item.Timestamp.Format("15:04:05"), item.AgentID)
		fmt.Fprintf(&b, "**Event**: `%s`\n\n", item.EventType)

		event := sdk.Event{Type: item.EventType, Data: item.Data}
		switch item.EventType {
		case sdk.EventItemCompleted:
			renderItemCompleted(&b, event)
		case sdk.EventPermissionRequested:
			fmt.Fprintf(&b, "**Action**: `%s`\n", event.Action())
		case sdk.EventPermissionResolved:
			resolution, _ := item.Data["resolution"].(string)
			if resolution == "" {
				resolution = "unknown"
			}
			fmt.Fprintf(&b, "**Resolution**: %s\n", resolution)
		case sdk.EventQuestionRequested:
			prompt, _ := item.Data["prompt"].(string)
			fmt.Fprintf(&b, "**Prompt**: %s\n", prompt)
		case sdk.EventSessionStarted:
			b.WriteString("*Session started*\n")
		case sdk.EventSessionEnded:
			b.WriteString("*Session ended*\n")
		}

		b.WriteString("\n---\n\n")
	}

	if len(coord) > 0 {
		b.WriteString("## Coordination Messages\n\n")
		fmt.Fprintf(&b, "**Total**: %d | **Delivered**: %d | **Rate**: %.0f%%\n\n",
			summary.TotalMessages, summary.Delivered, summary.DeliveryRate*100)

		for _, msg := range coord {
			sender, recipient := msg.Sender, msg.Recipient
			if sender == "" {
				sender = "?"
			}
			if recipient == "" {
				recipient = "?"
			}
			fmt.Fprintf(&b, "- `[%s]` **%s** %s -> %s\n",
				msg.Timestamp.Format("15:04:05"), msg.Type, sender, recipient)
			if msg.SourcePath != "" {
				fmt.Fprintf(&b, "  - File: `%s`\n", msg.SourcePath)
			}
			if msg.Delivered {
				b.WriteString("  - Nudge delivered\n")
			}
			b.WriteString("\n")
		}
		b.WriteString("---\n")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return os.WriteFile(path, []byte(b.String()), 0640)
}

func renderItemCompleted(b *strings.Builder, event sdk.Event) {
	item := event.Item()
	role, _ := item["role"].(string)
	if role == "" {
		role, _ = item["kind"].(string)
	}
	if role == "" {
		role = "unknown"
	}
	fmt.Fprintf(b, "**Role**: %s\n", role)

	for _, part := range event.ContentParts() {
		partType, _ := part["type"].(string)
		switch partType {
		case "text":
			text, _ := part["text"].(string)
			fmt.Fprintf(b, "\n```\n%s\n```\n", excerpt(text, maxTextExcerpt))

		case "tool_call":
			name, _ := part["name"].(string)
			if name == "" {
				name = "unknown"
			}
			fmt.Fprintf(b, "**Tool**: `%s`\n", name)
			args := toolArguments(part)
			// One representative argument is enough for a readable log.
			for _, key := range []string{"command", "file_path", "path", "pattern", "query"} {
				if val, ok := args[key]; ok {
					fmt.Fprintf(b, "  %s: `%s`\n", key, excerptPlain(fmt.Sprint(val), maxToolArgument))
					break
				}
			}

		case "tool_result":
			output := part["output"]
			if output == nil {
				output = part["text"]
			}
			if output == nil || fmt.Sprint(output) == "" {
				continue
			}
			label := "**Output**"
			if isError, _ := part["is_error"].(bool); isError {
				label = "**Error Output**"
			}
			fmt.Fprintf(b, "%s:\n\n```\n%s\n```\n", label, excerpt(fmt.Sprint(output), maxToolOutput))

		case "file_ref":
			action, _ := part["action"].(string)
			path, _ := part["path"].(string)
			fmt.Fprintf(b, "**File**: %s `%s`\n", action, path)
		}
	}
}

// toolArguments decodes a tool call's arguments, which may arrive as a
// JSON string or an object, under either an "arguments" or "input" key.
func toolArguments(part map[string]any) map[string]any {
	raw, ok := part["arguments"]
	if !ok {
		raw = part["input"]
	}
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
	}
	return map[string]any{}
}

func excerpt(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func excerptPlain(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func formatOrDash(missing bool, formatted string) string {
	if missing {
		return "-"
	}
	return formatted
}
