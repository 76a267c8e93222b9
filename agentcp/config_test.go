/*
Copyright 2024 The AgentCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFillsLogLevelDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_path: /var/lib/agentcp
ca_base: https://ca.example.com
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/agentcp", cfg.StoragePath)
	require.Equal(t, "https://ca.example.com", cfg.CABase)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRequiresStoragePathAndCABase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level: debug`), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewFromConfigRejectsBadLogLevel(t *testing.T) {
	cfg := &FileConfig{
		StoragePath: t.TempDir(),
		CABase:      "https://ca.example.com",
		LogLevel:    "not-a-level",
	}
	_, err := NewFromConfig(cfg)
	require.Error(t, err)
}

func TestNewFromConfigProducesReadyFacade(t *testing.T) {
	cfg := &FileConfig{
		StoragePath:  t.TempDir(),
		SeedPassword: "seed-password",
		CABase:       "https://ca.example.com",
	}
	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.store)
	require.NotNil(t, a.entry)
}
