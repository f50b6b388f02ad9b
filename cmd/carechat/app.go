// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianCare/pkg/chatapi"
	"github.com/AleutianAI/AleutianCare/pkg/config"
	"github.com/AleutianAI/AleutianCare/pkg/conversation"
	"github.com/AleutianAI/AleutianCare/pkg/history"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/session"
	"github.com/AleutianAI/AleutianCare/pkg/storage/badger"
	"github.com/AleutianAI/AleutianCare/pkg/telemetry"
)

const serviceName = "carechat"

// appOptions are the command-line overrides applied over the config file.
type appOptions struct {
	PatientID   int64
	LogLevel    string
	TraceStdout bool

	// Quiet keeps logs off the console. Interactive chat sets it so log
	// lines do not interleave with the transcript.
	Quiet bool

	// NoCache skips opening the on-disk transcript cache.
	NoCache bool

	// Stderr receives console logs and stdout trace output. Default: os.Stderr.
	Stderr io.Writer
}

// app holds the wired client components for one command invocation.
type app struct {
	cfg    *config.CareChatConfig
	logger *logging.Logger
	client *chatapi.Client

	cache     *badger.DB
	snapshots history.Snapshotter

	registry       *prometheus.Registry
	sessionMetrics *session.Metrics
	historyMetrics *history.Metrics

	shutdownTelemetry func(context.Context) error
	stopWatch         context.CancelFunc
}

// newApp wires logging, telemetry, the API client and the transcript cache.
func newApp(ctx context.Context, cfg *config.CareChatConfig, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if opts.PatientID > 0 {
		cfg.Patient.ID = opts.PatientID
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.TraceStdout {
		cfg.Telemetry.TraceStdout = true
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.Quiet,
		Output:  opts.Stderr,
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.sessionMetrics = session.NewMetrics(a.registry)
	a.historyMetrics = history.NewMetrics(a.registry)

	telCfg := telemetry.DefaultConfig(serviceName)
	if cfg.Telemetry.TraceStdout {
		telCfg.TraceExporter = "stdout"
	}
	telCfg.Output = opts.Stderr
	telCfg.Registerer = a.registry
	telCfg.Gatherer = a.registry
	a.shutdownTelemetry, err = telemetry.Init(ctx, telCfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.client, err = chatapi.New(chatapi.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout(),
		StreamTimeout:     cfg.API.StreamTimeout(),
		Token:             cfg.API.Token,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Logger:            logger.Slog(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.snapshots = history.NewMemorySnapshotter()
	if cfg.History.CacheDir != "" && !opts.NoCache {
		bcfg := badger.DefaultConfig(cfg.History.CacheDir)
		bcfg.Logger = logger.Slog()
		db, err := badger.Open(bcfg)
		if err != nil {
			// Another carechat process may hold the directory lock.
			logger.Warn("transcript cache unavailable", "dir", cfg.History.CacheDir, "error", err)
		} else {
			a.cache = db
			a.snapshots = history.NewBadgerSnapshotter(db, cfg.History.CacheTTL())
		}
	}
	return a, nil
}

// newStore creates a History Store for the configured patient.
func (a *app) newStore() (*history.Store, error) {
	return history.New(history.Config{
		Fetcher:         a.client,
		PatientID:       a.cfg.Patient.ID,
		InitialPageSize: a.cfg.History.InitialPageSize,
		PageSize:        a.cfg.History.PageSize,
		Snapshots:       a.snapshots,
		Logger:          a.logger.Slog(),
		Metrics:         a.historyMetrics,
	})
}

// newModel wires a Conversation Model over a fresh store and controller.
func (a *app) newModel() (*conversation.Model, error) {
	store, err := a.newStore()
	if err != nil {
		return nil, err
	}
	ctrl, err := session.New(session.Config{
		Opener:  a.client,
		Logger:  a.logger.Slog(),
		Metrics: a.sessionMetrics,
	})
	if err != nil {
		return nil, err
	}
	return conversation.New(conversation.Config{
		Store:     store,
		Streamer:  ctrl,
		PatientID: a.cfg.Patient.ID,
		Logger:    a.logger.Slog(),
	})
}

// Close flushes telemetry and releases the cache and log file.
func (a *app) Close() error {
	var errs []error
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdownTelemetry(ctx))
		cancel()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	errs = append(errs, a.logger.Close())
	return errors.Join(errs...)
}
