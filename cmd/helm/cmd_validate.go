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
	"fmt"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/k3nnethfrancis/helm/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <pattern.yaml>",
	Short: "Validate an experiment pattern file",
	Long: heredoc.Doc(`
		Parse and validate an experiment pattern without running it.

		Examples:
		  helm validate patterns/hub-spoke.yaml
	`),
	Args: cobra.ExactArgs(1),
	Run:  runValidateCommand,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidateCommand(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	pattern := "peer-network"
	if cfg.IsHubAndSpoke() {
		pattern = "hub-and-spoke"
	}
	fmt.Printf("Valid configuration: %s\n", cfg.Name)
	fmt.Printf("  Agents: %d\n", len(cfg.Agents))
	fmt.Printf("  Pattern: %s\n", pattern)
	fmt.Printf("  Rules: %d\n", len(cfg.Orchestrator.Rules))
	fmt.Printf("  Dimensions: %s\n", strings.Join(cfg.Evaluation.Dimensions, ", "))
}
