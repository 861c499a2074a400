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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3nnethfrancis/helm/pkg/experiment"
)

func TestParseTurnLimitFlag(t *testing.T) {
	tests := []struct {
		value  string
		action experiment.TurnLimitAction
	}{
		{"continue", experiment.TurnLimitContinue},
		{"kill", experiment.TurnLimitKillAgent},
		{"kill_agent", experiment.TurnLimitKillAgent},
		{"end", experiment.TurnLimitEndExperiment},
		{"END", experiment.TurnLimitEndExperiment},
	}
	for _, tt := range tests {
		handler, err := parseTurnLimitFlag(tt.value)
		require.NoError(t, err, tt.value)
		decision := handler("dev", 50, 50)
		assert.Equal(t, tt.action, decision.Action, tt.value)
	}

	_, err := parseTurnLimitFlag("explode")
	require.Error(t, err)
}

func TestParseTurnLimitFlagEmptyIsInteractive(t *testing.T) {
	handler, err := parseTurnLimitFlag("")
	require.NoError(t, err)
	require.NotNil(t, handler)
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"),
		[]byte(`{"experiment_name":"baseline","pattern":"hub-spoke","agents":[{"id":"hub"},{"id":"dev"}]}`), 0640))

	metadata := loadMetadata(dir)
	require.NotNil(t, metadata)
	assert.Equal(t, "baseline", metadataString(metadata, "experiment_name", "x"))
	assert.Equal(t, "fallback", metadataString(metadata, "missing", "fallback"))
	assert.Equal(t, []string{"hub", "dev"}, metadataAgentIDs(metadata))

	assert.Nil(t, loadMetadata(t.TempDir()))
}
