// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads carechat.yaml, applies .env and CARECHAT_*
// environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvAPIURL          = "CARECHAT_API_URL"
	EnvAPIToken        = "CARECHAT_API_TOKEN"
	EnvPatientID       = "CARECHAT_PATIENT_ID"
	EnvLogLevel        = "CARECHAT_LOG_LEVEL"
	EnvLogJSON         = "CARECHAT_LOG_JSON"
	EnvInitialPageSize = "CARECHAT_INITIAL_PAGE_SIZE"
	EnvPageSize        = "CARECHAT_PAGE_SIZE"
	EnvCacheDir        = "CARECHAT_CACHE_DIR"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the config at path, creating it with defaults on first run.
// An empty path means DefaultPath(). A .env file in the working directory
// is loaded first if present; variables already set win over it.
func Load(path string) (*CareChatConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return read(path)
}

// read parses path over the defaults, applies the environment, and
// validates. It never creates the file.
func read(path string) (*CareChatConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *CareChatConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *CareChatConfig) error {
	if v, ok := os.LookupEnv(EnvAPIURL); ok && v != "" {
		cfg.API.BaseURL = v
	}
	if v, ok := os.LookupEnv(EnvAPIToken); ok {
		cfg.API.Token = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(EnvCacheDir); ok {
		cfg.History.CacheDir = v
	}

	var err error
	if cfg.Patient.ID, err = envInt64(EnvPatientID, cfg.Patient.ID); err != nil {
		return err
	}
	if cfg.History.InitialPageSize, err = envInt(EnvInitialPageSize, cfg.History.InitialPageSize); err != nil {
		return err
	}
	if cfg.History.PageSize, err = envInt(EnvPageSize, cfg.History.PageSize); err != nil {
		return err
	}
	if v, ok := os.LookupEnv(EnvLogJSON); ok && v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("%s: %w", EnvLogJSON, perr)
		}
		cfg.Logging.JSON = b
	}
	return nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt(key string, fallback int) (int, error) {
	n, err := envInt64(key, int64(fallback))
	return int(n), err
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
