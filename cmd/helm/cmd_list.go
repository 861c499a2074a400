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
	"path/filepath"
	"sort"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	Long: heredoc.Doc(`
		List experiments in the experiments directory, most recent first.

		Examples:
		  helm list
		  helm list --limit 50
	`),
	Run: runListCommand,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of experiments to show")
}

func runListCommand(cmd *cobra.Command, args []string) {
	dir := experimentsDir()
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		fmt.Println("No experiments found")
		return
	}

	type experimentEntry struct {
		name    string
		modTime int64
	}
	experiments := make([]experimentEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		experiments = append(experiments, experimentEntry{entry.Name(), info.ModTime().UnixNano()})
	}
	if len(experiments) == 0 {
		fmt.Println("No experiments found")
		return
	}
	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].modTime > experiments[j].modTime
	})

	fmt.Println("Experiments:")
	for i, exp := range experiments {
		if i >= listLimit {
			break
		}
		metadata := loadMetadata(filepath.Join(dir, exp.name))
		if metadata == nil {
			fmt.Printf("  %s\n", exp.name)
			continue
		}
		pattern := metadataString(metadata, "pattern", "unknown")
		created := metadataString(metadata, "created_at", "unknown")
		if len(created) > 19 {
			created = created[:19]
		}
		fmt.Printf("  %s  [%s]  %s\n", exp.name, pattern, created)
	}
}
