/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type testScanConfig struct {
	Target    string `json:"target" env:"TARGET"`
	Technique string `json:"technique" env:"TECHNIQUE"`
	Threads   int    `json:"threads" env:"THREADS"`
}

func (c *testScanConfig) Validate() error {
	if c.Target == "" {
		return errLoadConfigFailed
	}

	return nil
}

func writeJSONConfig(t *testing.T, path string, value interface{}) {
	t.Helper()

	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadAndValidateFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp(t.TempDir(), "scan-config-*.json")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	writeJSONConfig(t, tmpFile.Name(), testScanConfig{Target: "127.0.0.1", Technique: "connect", Threads: 100})

	cfg := NewConfig(nil)

	var result testScanConfig
	require.NoError(t, cfg.LoadAndValidate(context.Background(), tmpFile.Name(), &result))
	require.Equal(t, "127.0.0.1", result.Target)
	require.Equal(t, 100, result.Threads)
}

func TestLoadAndValidateRejectsInvalidConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp(t.TempDir(), "scan-config-*.json")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	writeJSONConfig(t, tmpFile.Name(), testScanConfig{Technique: "connect"})

	cfg := NewConfig(nil)

	var result testScanConfig
	require.Error(t, cfg.LoadAndValidate(context.Background(), tmpFile.Name(), &result))
}

func TestLoadAndValidateFromEnv(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("PORTSCAN_TARGET", "192.0.2.1")
	t.Setenv("PORTSCAN_TECHNIQUE", "syn")
	t.Setenv("PORTSCAN_THREADS", "256")

	cfg := NewConfig(nil)

	var result testScanConfig
	require.NoError(t, cfg.LoadAndValidate(context.Background(), "", &result))
	require.Equal(t, "192.0.2.1", result.Target)
	require.Equal(t, "syn", result.Technique)
	require.Equal(t, 256, result.Threads)
}

func TestLoadAndValidateWithUnknownSourceFails(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "bogus")

	cfg := NewConfig(nil)

	var result testScanConfig
	require.Error(t, cfg.LoadAndValidate(context.Background(), "", &result))
}

func TestMergeOverlayBytes(t *testing.T) {
	base := testScanConfig{Target: "127.0.0.1", Technique: "connect", Threads: 100}

	overlay, err := json.Marshal(map[string]any{"threads": 500})
	require.NoError(t, err)

	require.NoError(t, MergeOverlayBytes(&base, overlay))
	require.Equal(t, 500, base.Threads)
	require.Equal(t, "127.0.0.1", base.Target)
}

func TestDeepMergeNested(t *testing.T) {
	dst := map[string]interface{}{
		"scan": map[string]interface{}{
			"threads": float64(100),
			"timeout": "5s",
		},
	}

	src := map[string]interface{}{
		"scan": map[string]interface{}{
			"threads": float64(500),
		},
	}

	merged := deepMerge(dst, src)
	scan, ok := merged["scan"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(500), scan["threads"])
	require.Equal(t, "5s", scan["timeout"])
}
