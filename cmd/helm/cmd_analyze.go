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

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <experiment-id>",
	Short: "Show summary analysis of a completed experiment",
	Long: heredoc.Doc(`
		Print the metadata, run outcome, transcript statistics, judge
		scores, and deterministic orchestration evals of an experiment.

		Examples:
		  helm analyze baseline-3f9ac2d1
	`),
	Args: cobra.ExactArgs(1),
	Run:  runAnalyzeCommand,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func loadJSONDoc(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func fmtFloat(value any) string {
	if f, ok := value.(float64); ok {
		return fmt.Sprintf("%.3f", f)
	}
	return "N/A"
}

func runAnalyzeCommand(cmd *cobra.Command, args []string) {
	experimentID := args[0]
	experimentPath := filepath.Join(experimentsDir(), experimentID)

	if _, err := os.Stat(experimentPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: experiment not found: %s\n", experimentID)
		os.Exit(1)
	}
	metadata := loadMetadata(experimentPath)
	if metadata == nil {
		fmt.Fprintf(os.Stderr, "Error: no metadata found for %s\n", experimentID)
		os.Exit(1)
	}

	fmt.Printf("Experiment: %s\n", metadataString(metadata, "experiment_name", experimentID))
	fmt.Printf("ID: %s\n", experimentID)
	fmt.Printf("Pattern: %s\n", metadataString(metadata, "pattern", "unknown"))
	fmt.Printf("Created: %s\n", metadataString(metadata, "created_at", "unknown"))
	if task := metadataString(metadata, "task", ""); task != "" {
		if len(task) > 120 {
			task = task[:120] + "..."
		}
		fmt.Printf("Task: %s\n", task)
	}
	fmt.Println()

	agents, _ := metadata["agents"].([]any)
	fmt.Printf("Agents (%d):\n", len(agents))
	for _, a := range agents {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			role = "peer"
		}
		fmt.Printf("  %v (%s)\n", m["id"], role)
	}
	fmt.Println()

	if run, ok := metadata["run"].(map[string]any); ok {
		fmt.Println("Run:")
		fmt.Printf("  Success: %v\n", run["success"])
		if d, ok := run["duration_seconds"].(float64); ok {
			fmt.Printf("  Duration: %.1fs\n", d)
		}
		if errMsg, ok := run["error"].(string); ok && errMsg != "" {
			fmt.Printf("  Error: %s\n", errMsg)
		}
		if stats, ok := run["agent_stats"].(map[string]any); ok && len(stats) > 0 {
			fmt.Println("  Agent turns:")
			for agentID, s := range stats {
				if m, ok := s.(map[string]any); ok {
					fmt.Printf("    %s: %v\n", agentID, m["turns"])
				}
			}
		}
		fmt.Println()
	}

	if limits, ok := metadata["limits"].(map[string]any); ok {
		fmt.Println("Limits:")
		fmt.Printf("  Max duration: %v\n", limits["max_duration"])
		fmt.Printf("  Max turns/agent: %v\n", limits["max_turns_per_agent"])
		fmt.Printf("  Max budget: $%v\n", limits["max_budget_usd"])
		fmt.Println()
	}

	transcript := loadJSONDoc(filepath.Join(experimentPath, "transcripts", "full.json"))
	if transcript != nil {
		fmt.Println("Transcript:")
		fmt.Printf("  Total events: %v\n", transcript["total_items"])
		start, _ := transcript["start_time"].(string)
		end, _ := transcript["end_time"].(string)
		if start != "" && end != "" {
			if len(start) > 19 {
				start = start[:19]
			}
			if len(end) > 19 {
				end = end[:19]
			}
			fmt.Printf("  Start: %s\n", start)
			fmt.Printf("  End: %s\n", end)
		}
		if agentTranscripts, ok := transcript["agents"].(map[string]any); ok && len(agentTranscripts) > 0 {
			fmt.Println("  Per-agent:")
			for agentID, data := range agentTranscripts {
				if m, ok := data.(map[string]any); ok {
					fmt.Printf("    %s: %v events\n", agentID, m["item_count"])
				}
			}
		}
		fmt.Println()
	} else {
		fmt.Println("Transcript: not found")
		fmt.Println()
	}

	scores := loadJSONDoc(filepath.Join(experimentPath, "scores.json"))
	if scores != nil {
		fmt.Println("Scores:")
		fmt.Printf("  Backend: %s\n", metadataString(scores, "judge_backend", "unknown"))
		if model, ok := scores["judge_model"].(string); ok && model != "" {
			fmt.Printf("  Model: %s\n", model)
		}
		if list, ok := scores["scores"].([]any); ok {
			for _, s := range list {
				m, ok := s.(map[string]any)
				if !ok {
					continue
				}
				justification, _ := m["justification"].(string)
				if len(justification) > 80 {
					justification = justification[:80] + "..."
				}
				fmt.Printf("  %v: %v/10 - %s\n", m["dimension"], m["score"], justification)
			}
		}
		fmt.Println()
	} else {
		fmt.Printf("Scores: not yet judged (run: helm judge %s)\n", experimentID)
	}

	runDataPath := filepath.Join(experimentPath, "run_data.json")
	runData := loadJSONDoc(runDataPath)
	if runData == nil {
		return
	}
	evals, _ := runData["evals"].(map[string]any)
	orchestration, _ := evals["orchestration"].(map[string]any)
	if len(orchestration) == 0 {
		return
	}
	par, _ := orchestration["parallelism_efficiency"].(map[string]any)
	coh, _ := orchestration["coordination_overhead"].(map[string]any)
	esc, _ := orchestration["escalation_precision_recall"].(map[string]any)

	fmt.Println("Orchestration evals:")
	fmt.Printf("  Parallelism efficiency: %s (critical path ratio: %s)\n",
		fmtFloat(par["value"]), fmtFloat(par["critical_path_ratio"]))
	fmt.Printf("  Coordination overhead: %v messages, %v workspace artifacts, %s msgs/assistant-step\n",
		coh["coordination_messages"], coh["workspace_artifacts"],
		fmtFloat(coh["messages_per_assistant_step"]))
	fmt.Printf("  Escalation precision/recall: %s / %s\n",
		fmtFloat(esc["precision"]), fmtFloat(esc["recall"]))
	fmt.Printf("  Run data: %s\n", runDataPath)
}
