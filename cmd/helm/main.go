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
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/k3nnethfrancis/helm/internal/log"
	"github.com/k3nnethfrancis/helm/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "helm",
	Short:   "Observation and evaluation framework for multi-agent AI systems",
	Long:    `Helm runs multi-agent experiments against a session daemon, watches filesystem coordination between the agents, enforces guard policy at runtime, and scores the resulting transcripts.`,
	Version: version.Get(),
}

func init() {
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}

Quick Start:
  1. Validate a pattern:  helm validate patterns/hub-spoke.yaml
  2. Run an experiment:   helm run patterns/hub-spoke.yaml --task "Build a CLI tool"
  3. Score the run:       helm judge <experiment-id>

Support:
  GitHub: https://github.com/k3nnethfrancis/helm/issues
`)

	rootCmd.PersistentFlags().String("experiments-dir", "", "directory for experiment data (default: ./experiments)")
	rootCmd.PersistentFlags().String("daemon-binary", "", "path to the session daemon binary (default: search PATH)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("experiments_dir", rootCmd.PersistentFlags().Lookup("experiments-dir"))
	_ = viper.BindPFlag("daemon_binary", rootCmd.PersistentFlags().Lookup("daemon-binary"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetEnvPrefix("HELM")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// experimentsDir resolves the experiments directory from flags, environment,
// then the working directory.
func experimentsDir() string {
	if dir := viper.GetString("experiments_dir"); dir != "" {
		return dir
	}
	return filepath.Join(".", "experiments")
}

// daemonBinary resolves the session daemon executable. Checks the flag,
// then ./bin/, then PATH.
func daemonBinary() (string, error) {
	if bin := viper.GetString("daemon_binary"); bin != "" {
		return bin, nil
	}
	local := filepath.Join(".", "bin", "sandbox-agent")
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if found, err := exec.LookPath("sandbox-agent"); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("session daemon binary not found; install sandbox-agent or pass --daemon-binary")
}

// newLogger builds the process logger from the logging flags and installs
// it as the global logger.
func newLogger() {
	level, err := zap.ParseAtomicLevel(viper.GetString("logging.level"))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var cfg zap.Config
	if viper.GetString("logging.format") == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	log.SetLogger(logger)
}
