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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/k3nnethfrancis/helm/internal/log"
	"github.com/k3nnethfrancis/helm/pkg/config"
	"github.com/k3nnethfrancis/helm/pkg/experiment"
	"github.com/k3nnethfrancis/helm/pkg/sdk"
)

var (
	runTask        string
	runOnTurnLimit string
)

var runCmd = &cobra.Command{
	Use:   "run <pattern.yaml>",
	Short: "Run an experiment from a pattern file",
	Long: heredoc.Doc(`
		Run an experiment with the given pattern and task.

		The pattern file declares the agents, coordination mechanism, guard
		rules, and resource limits. The task is handed to the agents when
		their sessions start.

		Examples:
		  helm run patterns/hub-spoke.yaml --task "Build a JSON parser in Go"
		  helm run patterns/peer.yaml -t "Refactor the auth module" --on-turn-limit end
	`),
	Args: cobra.ExactArgs(1),
	Run:  runRunCommand,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTask, "task", "t", "", "task to give to the agents (required)")
	runCmd.Flags().StringVar(&runOnTurnLimit, "on-turn-limit", "",
		"action when an agent hits its turn limit: continue, kill, end (default: interactive prompt)")
	_ = runCmd.MarkFlagRequired("task")
}

// promptTurnLimit asks the operator what to do when an agent runs out of
// turns. EOF on stdin means non-interactive, so the experiment ends.
func promptTurnLimit(agentID string, turns, limit int) experiment.TurnLimitDecision {
	fmt.Printf("\nAgent %q reached turn limit (%d/%d).\n", agentID, turns, limit)
	fmt.Println("  [C]ontinue indefinitely  [+N] Add N turns  [K]ill agent  [E]nd experiment")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("  > ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("  (non-interactive mode, ending experiment)")
			return experiment.TurnLimitDecision{Action: experiment.TurnLimitEndExperiment}
		}
		choice := strings.ToLower(strings.TrimSpace(line))
		switch {
		case choice == "c":
			return experiment.TurnLimitDecision{Action: experiment.TurnLimitContinue}
		case strings.HasPrefix(choice, "+"):
			if n, err := strconv.Atoi(choice[1:]); err == nil && n > 0 {
				return experiment.TurnLimitDecision{Action: experiment.TurnLimitExtend, Extension: n}
			}
			fmt.Println("  Invalid. Enter C, +N (e.g. +20), K, or E")
		case choice == "k":
			return experiment.TurnLimitDecision{Action: experiment.TurnLimitKillAgent}
		case choice == "e":
			return experiment.TurnLimitDecision{Action: experiment.TurnLimitEndExperiment}
		default:
			fmt.Println("  Invalid. Enter C, +N (e.g. +20), K, or E")
		}
	}
}

// staticTurnLimit returns a non-interactive handler that always takes the
// given action.
func staticTurnLimit(action experiment.TurnLimitAction) experiment.TurnLimitFunc {
	return func(agentID string, turns, limit int) experiment.TurnLimitDecision {
		fmt.Printf("\nAgent %q reached turn limit (%d/%d): %s\n", agentID, turns, limit, action)
		return experiment.TurnLimitDecision{Action: action}
	}
}

// notifyEscalation prints a guard escalation to stderr as it happens.
func notifyEscalation(agentID string, event sdk.Event, rule config.GuardRule) {
	reason := rule.Reason
	if reason == "" {
		if prompt, ok := event.Data["prompt"].(string); ok && prompt != "" {
			reason = prompt
		} else if action, ok := event.Data["action"].(string); ok && action != "" {
			reason = action
		} else {
			reason = event.Type
		}
	}
	fmt.Fprintf(os.Stderr, "\nEscalation requested by %q: %s\n", agentID, reason)
}

func parseTurnLimitFlag(value string) (experiment.TurnLimitFunc, error) {
	if value == "" {
		return promptTurnLimit, nil
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "continue":
		return staticTurnLimit(experiment.TurnLimitContinue), nil
	case "kill", "kill_agent":
		return staticTurnLimit(experiment.TurnLimitKillAgent), nil
	case "end", "end_experiment":
		return staticTurnLimit(experiment.TurnLimitEndExperiment), nil
	default:
		return nil, fmt.Errorf("--on-turn-limit must be one of: continue, kill, end")
	}
}

func runRunCommand(cmd *cobra.Command, args []string) {
	patternPath := args[0]

	daemon, err := daemonBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	onTurnLimit, err := parseTurnLimitFlag(runOnTurnLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	taskPreview := runTask
	if len(taskPreview) > 100 {
		taskPreview = taskPreview[:100] + "..."
	}
	fmt.Printf("Running experiment from: %s\n", patternPath)
	fmt.Printf("Task: %s\n", taskPreview)
	if runOnTurnLimit != "" {
		fmt.Printf("Turn limit action: %s\n", runOnTurnLimit)
	}
	fmt.Println()

	newLogger()
	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := experiment.RunPattern(ctx, patternPath, runTask, daemon, experimentsDir(),
		logger, notifyEscalation, onTurnLimit)
	if ctx.Err() != nil {
		fmt.Println("\nExperiment interrupted")
		os.Exit(130)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if result.Success {
		fmt.Printf("Experiment completed: %s\n", result.ExperimentID)
	} else {
		fmt.Printf("Experiment failed: %s\n", result.Error)
	}
	fmt.Printf("  Duration: %.1fs\n", result.EndTime.Sub(result.StartTime).Seconds())

	if len(result.AgentStats) > 0 {
		fmt.Println("  Agent stats:")
		for agentID, stats := range result.AgentStats {
			fmt.Printf("    %s: %v turns\n", agentID, stats["turns"])
		}
	}
	if result.TranscriptPath != "" {
		if _, err := os.Stat(result.TranscriptPath); err == nil {
			fmt.Printf("  Transcript: %s\n", result.TranscriptPath)
		}
	}
}
