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

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

// StreamEvents subscribes to a session's SSE event stream.
//
// Events arrive on the returned channel in daemon order; the channel closes
// when the stream ends. A stream ends normally on session.ended, on context
// cancellation, or when no data arrives for the configured StreamTimeout
// (an idle stream is not an error). Any other termination puts one error on
// the error channel before the event channel closes.
func (c *Client) StreamEvents(ctx context.Context, sessionID string) (<-chan Event, <-chan error) {
	events := make(chan Event, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)

		url := fmt.Sprintf("%s/sessions/%s/events/sse", c.apiURL(), sessionID)
		client := sse.NewClient(url)
		// Long-lived stream: bound the dial and header phases, never the
		// whole request.
		client.Connection = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
		// A dropped connection ends the stream; the controller decides what
		// that means for the run.
		client.ReconnectStrategy = &backoff.StopBackOff{}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		idle := time.AfterFunc(c.cfg.StreamTimeout, cancel)
		defer idle.Stop()

		err := client.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
			idle.Reset(c.cfg.StreamTimeout)
			if len(msg.Data) == 0 {
				return
			}

			var frame Event
			if jsonErr := json.Unmarshal(msg.Data, &frame); jsonErr != nil {
				c.logger.Debug("Dropping undecodable SSE frame",
					zap.String("session_id", sessionID),
					zap.Error(jsonErr))
				return
			}
			if frame.Type == "" {
				frame.Type = "unknown"
			}

			select {
			case events <- frame:
			case <-streamCtx.Done():
				return
			}

			if frame.Type == EventSessionEnded {
				cancel()
			}
		})

		// Cancellation (caller, session end, idle timeout) is a normal end.
		if err != nil && streamCtx.Err() == nil {
			errs <- fmt.Errorf("event stream for %s failed: %w", sessionID, err)
		}
	}()

	return events, errs
}
