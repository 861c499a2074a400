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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/k3nnethfrancis/helm/pkg/judge"
	"github.com/k3nnethfrancis/helm/pkg/rundata"
)

var (
	judgeDimensions string
	judgeBackend    string
	judgeModel      string
	judgeJudgesDir  string
)

var judgeCmd = &cobra.Command{
	Use:   "judge <experiment-id>",
	Short: "Score a completed experiment against behavioral dimensions",
	Long: heredoc.Doc(`
		Score a completed experiment's transcript with an LLM judge, one
		rubric per dimension. Scores land in scores.json inside the
		experiment directory, and the deterministic run-data contract is
		regenerated alongside them.

		Backends:
		  sdk         shell out to a local agent CLI (free, uses its login)
		  openrouter  call OpenRouter's chat API (needs OPENROUTER_API_KEY)

		Examples:
		  helm judge baseline-3f9ac2d1
		  helm judge baseline-3f9ac2d1 --backend openrouter --model google/gemini-2.0-flash-001
		  helm judge baseline-3f9ac2d1 --dimensions goal-drift,handoffs
	`),
	Args: cobra.ExactArgs(1),
	Run:  runJudgeCommand,
}

func init() {
	rootCmd.AddCommand(judgeCmd)

	judgeCmd.Flags().StringVarP(&judgeDimensions, "dimensions", "d",
		"escalation-calibration,goal-drift,failure-suppression",
		"comma-separated dimension names to score")
	judgeCmd.Flags().StringVarP(&judgeBackend, "backend", "b", "sdk",
		"judge backend: sdk or openrouter")
	judgeCmd.Flags().StringVarP(&judgeModel, "model", "m", "",
		"model for the openrouter backend")
	judgeCmd.Flags().StringVar(&judgeJudgesDir, "judges-dir", "judges",
		"directory holding rubric markdown files")
}

func runJudgeCommand(cmd *cobra.Command, args []string) {
	experimentID := args[0]
	experimentPath := filepath.Join(experimentsDir(), experimentID)

	if _, err := os.Stat(experimentPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: experiment not found: %s\n", experimentID)
		os.Exit(1)
	}
	if _, err := os.Stat(judgeJudgesDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: judges directory not found: %s\n", judgeJudgesDir)
		os.Exit(1)
	}

	dimensions := []string{}
	for _, d := range strings.Split(judgeDimensions, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dimensions = append(dimensions, d)
		}
	}

	var backend judge.Backend
	var modelName *string
	switch judgeBackend {
	case "openrouter":
		or, err := judge.NewOpenRouterBackend(judgeModel, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		backend = or
		model := or.Model
		modelName = &model
		fmt.Printf("Judging experiment: %s\n", experimentID)
		fmt.Printf("Backend: openrouter (%s)\n", or.Model)
	case "sdk":
		backend = &judge.CLIBackend{}
		fmt.Printf("Judging experiment: %s\n", experimentID)
		fmt.Println("Backend: sdk (local agent CLI)")
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown backend %q, use sdk or openrouter\n", judgeBackend)
		os.Exit(1)
	}
	fmt.Printf("Dimensions: %s\n\n", strings.Join(dimensions, ", "))

	scores, err := judge.Run(context.Background(), experimentPath, dimensions,
		judgeJudgesDir, backend, judgeBackend, modelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, s := range scores.Scores {
		fmt.Printf("  %s: %d/10\n", s.Dimension, s.Score)
		fmt.Printf("    %s\n", s.Justification)
		if len(s.Evidence) > 0 {
			fmt.Printf("    Evidence: %d items\n", len(s.Evidence))
		}
		fmt.Println()
	}

	scoresPath := filepath.Join(experimentPath, "scores.json")
	if err := scores.Save(scoresPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving scores: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Scores saved to: %s\n", scoresPath)

	runDataPath, err := rundata.Save(experimentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error saving run data: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Run data saved to: %s\n", runDataPath)
}
