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
package sdk

// Event kinds emitted by the session daemon, plus the synthetic kind the
// guard injects for inactivity timers.
const (
	EventSessionStarted      = "session.started"
	EventSessionEnded        = "session.ended"
	EventItemStarted         = "item.started"
	EventItemCompleted       = "item.completed"
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventQuestionRequested   = "question.requested"
	EventQuestionResolved    = "question.resolved"
	EventNoActivity          = "no_activity" // synthetic
)

// Event is a single frame from a session's event stream.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (e Event) str(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Action returns the action of a permission.requested event.
func (e Event) Action() string { return e.str("action") }

// PermissionID returns the id of a permission.requested event.
func (e Event) PermissionID() string { return e.str("permission_id") }

// QuestionID returns the id of a question.requested event.
func (e Event) QuestionID() string { return e.str("question_id") }

// Item returns the item subrecord of an item.* event.
func (e Event) Item() map[string]any {
	if e.Data == nil {
		return nil
	}
	item, _ := e.Data["item"].(map[string]any)
	return item
}

// ItemRole returns the role of the item subrecord, if any.
func (e Event) ItemRole() string {
	role, _ := e.Item()["role"].(string)
	return role
}

// ItemID returns the item_id of the item subrecord, if any.
func (e Event) ItemID() string {
	id, _ := e.Item()["item_id"].(string)
	return id
}

// ContentParts returns the content list of the item subrecord.
func (e Event) ContentParts() []map[string]any {
	raw, _ := e.Item()["content"].([]any)
	parts := make([]map[string]any, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]any); ok {
			parts = append(parts, m)
		}
	}
	return parts
}
