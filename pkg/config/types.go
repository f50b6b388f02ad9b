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
	"os"
	"path/filepath"
	"time"
)

// CareChatConfig is the contents of carechat.yaml.
type CareChatConfig struct {
	// API: where the chat service lives
	API APIConfig `yaml:"api"`

	// Patient: who the client chats as
	Patient PatientConfig `yaml:"patient"`

	// History: page sizes and the offline transcript cache
	History HistoryConfig `yaml:"history"`

	// Logging: console and file logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: local metrics and trace output
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type APIConfig struct {
	BaseURL              string  `yaml:"base_url" validate:"required,url"`
	TimeoutSeconds       int     `yaml:"timeout_seconds" validate:"gte=1"`
	StreamTimeoutSeconds int     `yaml:"stream_timeout_seconds" validate:"gte=1"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst                int     `yaml:"burst" validate:"gte=0"`

	// Token only comes from CARECHAT_API_TOKEN; it is never written to disk.
	Token string `yaml:"-"`
}

// Timeout returns TimeoutSeconds as a duration.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// StreamTimeout returns StreamTimeoutSeconds as a duration.
func (a APIConfig) StreamTimeout() time.Duration {
	return time.Duration(a.StreamTimeoutSeconds) * time.Second
}

type PatientConfig struct {
	ID int64 `yaml:"id" validate:"gte=0"` // 0 means unset; sending requires a patient
}

type HistoryConfig struct {
	InitialPageSize int    `yaml:"initial_page_size" validate:"gte=1,lte=200"`
	PageSize        int    `yaml:"page_size" validate:"gte=1,lte=200"`
	CacheDir        string `yaml:"cache_dir"`       // empty disables the transcript cache
	CacheTTLHours   int    `yaml:"cache_ttl_hours"` // e.g. 720
}

// CacheTTL returns CacheTTLHours as a duration.
func (h HistoryConfig) CacheTTL() time.Duration {
	return time.Duration(h.CacheTTLHours) * time.Hour
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// TraceStdout prints finished spans to stderr.
	TraceStdout bool `yaml:"trace_stdout"`
}

// DefaultDir returns ~/.carechat, or .carechat if the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carechat"
	}
	return filepath.Join(home, ".carechat")
}

// DefaultPath returns the default location of carechat.yaml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "carechat.yaml")
}

func DefaultConfig() CareChatConfig {
	dir := DefaultDir()
	return CareChatConfig{
		API: APIConfig{
			BaseURL:              "http://localhost:8080",
			TimeoutSeconds:       30,
			StreamTimeoutSeconds: 300,
		},
		History: HistoryConfig{
			InitialPageSize: 15,
			PageSize:        20,
			CacheDir:        filepath.Join(dir, "cache"),
			CacheTTLHours:   30 * 24,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(dir, "logs"),
		},
	}
}
