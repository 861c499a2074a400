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

// Package sdk is a client for the agent-session daemon's REST+SSE API.
// The daemon provides a universal interface to coding agents; this client
// manages its subprocess lifecycle, sessions, messages, event streams, and
// permission/question replies.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// APIPrefix is the daemon's versioned API prefix.
const APIPrefix = "/v1"

// Config configures the daemon subprocess and client.
type Config struct {
	BinaryPath    string        // Path to the daemon binary
	Host          string        // Bind host (default: 127.0.0.1)
	Port          int           // Bind port (default: 8765)
	Timeout       time.Duration // Per-request timeout (default: 30s)
	StreamTimeout time.Duration // SSE idle timeout, end-of-stream when exceeded (default: 5m)
	Logger        *zap.Logger
}

// SessionConfig configures a new agent session.
type SessionConfig struct {
	Agent           string   `json:"agent"`
	PermissionMode  string   `json:"permissionMode"`
	AllowedCommands []string `json:"allowedCommands,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
}

// Client drives the session daemon over HTTP.
type Client struct {
	cfg    Config
	proc   *exec.Cmd
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client for the given daemon configuration.
func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

// BaseURL returns the daemon's base URL.
func (c *Client) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.cfg.Host, c.cfg.Port)
}

func (c *Client) apiURL() string {
	return c.BaseURL() + APIPrefix
}

// Start spawns the daemon subprocess and waits for its health endpoint.
func (c *Client) Start(ctx context.Context) error {
	if c.proc != nil {
		return nil
	}

	cmd := exec.Command(c.cfg.BinaryPath,
		"server",
		"--host", c.cfg.Host,
		"--port", fmt.Sprintf("%d", c.cfg.Port),
		"--no-token", // local use, no auth
	)
	cmd.Env = os.Environ() // inherit credentials
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start session daemon %s: %w", c.cfg.BinaryPath, err)
	}
	c.proc = cmd

	if err := c.waitForHealth(ctx); err != nil {
		c.stopProcess()
		return err
	}

	c.logger.Info("Session daemon started",
		zap.String("binary", c.cfg.BinaryPath),
		zap.String("base_url", c.BaseURL()))
	return nil
}

// waitForHealth polls the health endpoint until it responds or 15s elapse.
func (c *Client) waitForHealth(ctx context.Context) error {
	const attempts = 30
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL()+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("session daemon did not become healthy within %ds", attempts/2)
}

// CreateSession creates a new agent session.
func (c *Client) CreateSession(ctx context.Context, sessionID string, cfg SessionConfig) error {
	if cfg.Agent == "" {
		cfg.Agent = "claude"
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = "default"
	}
	return c.post(ctx, fmt.Sprintf("/sessions/%s", sessionID), cfg)
}

// TerminateSession terminates a session. Already-terminated sessions are
// not an error.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	err := c.post(ctx, fmt.Sprintf("/sessions/%s/terminate", sessionID), nil)
	var httpErr *StatusError
	if errors.As(err, &httpErr) {
		return nil
	}
	return err
}

// PostMessage sends a user-role message to a session.
func (c *Client) PostMessage(ctx context.Context, sessionID, message string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/messages", sessionID),
		map[string]string{"message": message})
}

// ReplyPermission replies to a permission request. Reply is one of
// "once", "always", "deny".
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID, reply string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/permissions/%s/reply", sessionID, permissionID),
		map[string]string{"reply": reply})
}

// ReplyQuestion answers a question from the agent.
func (c *Client) ReplyQuestion(ctx context.Context, sessionID, questionID, answer string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/questions/%s/reply", sessionID, questionID),
		map[string]string{"answer": answer})
}

// RejectQuestion rejects a question from the agent.
func (c *Client) RejectQuestion(ctx context.Context, sessionID, questionID string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/questions/%s/reject", sessionID, questionID), nil)
}

// Dispose stops the daemon subprocess and releases the HTTP client.
func (c *Client) Dispose() {
	c.http.CloseIdleConnections()
	c.stopProcess()
}

func (c *Client) stopProcess() {
	if c.proc == nil || c.proc.Process == nil {
		return
	}
	proc := c.proc
	c.proc = nil

	_ = proc.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = proc.Process.Kill()
		<-done
	}
}

// StatusError is returned for non-2xx daemon responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
