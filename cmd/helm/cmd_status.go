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
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <experiment-id>",
	Short: "Check the status of an experiment",
	Long: heredoc.Doc(`
		Show the pattern, agents, completion signals, and transcript of an
		experiment directory.

		Examples:
		  helm status baseline-3f9ac2d1
	`),
	Args: cobra.ExactArgs(1),
	Run:  runStatusCommand,
}

var stopCmd = &cobra.Command{
	Use:   "stop <experiment-id>",
	Short: "Stop a running experiment",
	Long: heredoc.Doc(`
		Stop a running experiment.

		Experiments are not yet tracked across processes, so this command
		cannot reach a run started elsewhere. Use Ctrl+C in the terminal
		running the experiment.
	`),
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Stopping experiment: %s\n", args[0])
		fmt.Println("Note: cross-process stop is not yet implemented")
		fmt.Println("Use Ctrl+C to stop a running experiment")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

// loadMetadata reads an experiment's metadata.json as a loose document.
func loadMetadata(experimentPath string) map[string]any {
	raw, err := os.ReadFile(filepath.Join(experimentPath, "metadata.json"))
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func metadataString(doc map[string]any, key, fallback string) string {
	if s, ok := doc[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func metadataAgentIDs(doc map[string]any) []string {
	agents, _ := doc["agents"].([]any)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if m, ok := a.(map[string]any); ok {
			if id, ok := m["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func runStatusCommand(cmd *cobra.Command, args []string) {
	experimentID := args[0]
	experimentPath := filepath.Join(experimentsDir(), experimentID)

	if _, err := os.Stat(experimentPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: experiment not found: %s\n", experimentID)
		os.Exit(1)
	}

	if metadata := loadMetadata(experimentPath); metadata != nil {
		fmt.Printf("Experiment: %s\n", metadataString(metadata, "experiment_name", experimentID))
		fmt.Printf("Pattern: %s\n", metadataString(metadata, "pattern", "unknown"))
		fmt.Printf("Created: %s\n", metadataString(metadata, "created_at", "unknown"))
		fmt.Printf("Agents: %s\n", strings.Join(metadataAgentIDs(metadata), ", "))
	} else {
		fmt.Printf("Experiment: %s\n", experimentID)
		fmt.Println("  (metadata not found)")
	}

	signalsDir := filepath.Join(experimentPath, "coordination", "signals")
	if entries, err := os.ReadDir(signalsDir); err == nil && len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		fmt.Printf("Signals: %s\n", strings.Join(names, ", "))
	}

	transcriptPath := filepath.Join(experimentPath, "transcripts", "full.json")
	if _, err := os.Stat(transcriptPath); err == nil {
		fmt.Printf("Transcript: %s\n", transcriptPath)
	}
}
