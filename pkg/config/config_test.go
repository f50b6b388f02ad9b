// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", "nested", "carechat.yaml")

	require.NoError(t, createDefault(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg CareChatConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, 15, cfg.History.InitialPageSize)
	assert.Equal(t, 20, cfg.History.PageSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestCreateDefault_NeverWritesToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Token = "secret"
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestLoad_CreatesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().API, cfg.API)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patient:\n  id: 42\nlogging:\n  level: debug\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Patient.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 20, cfg.History.PageSize)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.API.StreamTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.History.CacheTTL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, createDefault(path))

	t.Setenv(EnvAPIURL, "https://care.example.com")
	t.Setenv(EnvAPIToken, "tok")
	t.Setenv(EnvPatientID, "7")
	t.Setenv(EnvLogLevel, "WARN")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvInitialPageSize, "20")
	t.Setenv(EnvPageSize, "25")
	t.Setenv(EnvCacheDir, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://care.example.com", cfg.API.BaseURL)
	assert.Equal(t, "tok", cfg.API.Token)
	assert.Equal(t, int64(7), cfg.Patient.ID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, 20, cfg.History.InitialPageSize)
	assert.Equal(t, 25, cfg.History.PageSize)
	assert.Empty(t, cfg.History.CacheDir)
}

func TestLoad_BadEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, createDefault(path))
	t.Setenv(EnvPatientID, "abc")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPatientID)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad url", "api:\n  base_url: not a url\n", "BaseURL"},
		{"zero page size", "history:\n  page_size: 0\n", "PageSize"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"negative patient", "patient:\n  id: -1\n", "ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "carechat.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, createDefault(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *CareChatConfig, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logging.Nop(), func(c *CareChatConfig) { changes <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	// A truncating write can surface as more than one event.
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-changes:
			seen = cfg.Logging.Level == "debug"
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "carechat.yaml"), logging.Nop(), func(*CareChatConfig) {})
	assert.Error(t, err)
}
