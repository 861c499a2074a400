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
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// DefaultModel is the OpenRouter model used when the pattern does not
// configure one.
const DefaultModel = "google/gemini-2.0-flash-001"

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterBackend scores via OpenRouter's OpenAI-compatible chat API.
type OpenRouterBackend struct {
	Model  string
	APIKey string
	HTTP   *http.Client

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// NewOpenRouterBackend creates an OpenRouter judge. The API key falls back
// to the OPENROUTER_API_KEY environment variable.
func NewOpenRouterBackend(model, apiKey string) (*OpenRouterBackend, error) {
	if model == "" {
		model = DefaultModel
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not set")
	}
	return &OpenRouterBackend{
		Model:  model,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Score sends transcript + rubric to the model and parses its reply.
func (b *OpenRouterBackend) Score(ctx context.Context, transcript, task, rubric string) (DimensionScore, error) {
	dimension := extractDimensionName(rubric)

	payload := map[string]any{
		"model": b.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": buildJudgeMessage(transcript, task, rubric)},
		},
		"temperature": 0.0,
		"max_tokens":  2000,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DimensionScore{}, fmt.Errorf("failed to encode judge request: %w", err)
	}

	url := b.BaseURL
	if url == "" {
		url = openRouterURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DimensionScore{}, err
	}
	req.Header.Set("Authorization", "Bearer "+b.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return DimensionScore{}, fmt.Errorf("judge request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return DimensionScore{}, fmt.Errorf("judge API returned HTTP %d: %s", resp.StatusCode, data)
	}

	var reply struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return DimensionScore{}, fmt.Errorf("failed to decode judge response: %w", err)
	}
	if len(reply.Choices) == 0 {
		return DimensionScore{}, fmt.Errorf("judge response had no choices")
	}
	return parseScoreResponse(reply.Choices[0].Message.Content, dimension), nil
}

// CLIBackend scores by shelling out to a local coding agent CLI in
// headless, single-turn mode. Uses whatever login the CLI already has.
type CLIBackend struct {
	// Binary is the agent CLI executable (default: "claude").
	Binary string
}

// Score runs the CLI once with the full prompt and parses its stdout. CLI
// failures become zero scores, not errors: a missing or broken CLI should
// still leave a scores.json explaining what happened.
func (b *CLIBackend) Score(ctx context.Context, transcript, task, rubric string) (DimensionScore, error) {
	dimension := extractDimensionName(rubric)
	binary := b.Binary
	if binary == "" {
		binary = "claude"
	}

	prompt := systemPrompt + "\n\n---\n\n" + buildJudgeMessage(transcript, task, rubric)
	cmd := exec.CommandContext(ctx, binary,
		"-p", prompt,
		"--output-format", "text",
		"--max-turns", "1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := stderr.String()
		if len(detail) > 200 {
			detail = detail[:200]
		}
		if detail == "" {
			detail = err.Error()
		}
		return DimensionScore{
			Dimension:     dimension,
			Justification: fmt.Sprintf("CLI judge failed: %s", detail),
			Evidence:      []string{},
		}, nil
	}
	return parseScoreResponse(stdout.String(), dimension), nil
}
