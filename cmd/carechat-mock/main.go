// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command carechat-mock serves an in-memory chat and history API for
// local development of carechat.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/telemetry"
	"github.com/AleutianAI/AleutianCare/services/mockapi"
)

const serviceName = "carechat-mock"

var (
	addr          string
	deltaInterval time.Duration
	keepAlive     time.Duration
	seedPatient   int64
	seedMessages  int
	logLevel      string
	jsonLogs      bool

	rootCmd = &cobra.Command{
		Use:          serviceName,
		Short:        "Run a local mock of the care chat API",
		SilenceUsage: true,
		RunE:         runServer,
	}
)

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", envOr("CARECHAT_MOCK_ADDR", ":8080"), "Listen address")
	rootCmd.Flags().DurationVar(&deltaInterval, "delta-interval", 40*time.Millisecond, "Delay between streamed deltas")
	rootCmd.Flags().DurationVar(&keepAlive, "keepalive", 15*time.Second, "Interval of ': ping' comments during a stream (0 disables)")
	rootCmd.Flags().Int64Var(&seedPatient, "seed-patient", 0, "Create a demo conversation for this patient id")
	rootCmd.Flags().IntVar(&seedMessages, "seed-messages", 45, "Number of messages in the demo conversation")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&jsonLogs, "json", false, "Log JSON instead of text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: level, Service: serviceName, JSON: jsonLogs})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.DefaultConfig(serviceName)
	if telCfg.MetricExporter == "none" {
		telCfg.MetricExporter = "prometheus"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store := mockapi.NewStore()
	if seedPatient > 0 {
		conv := store.Seed(seedPatient, seedMessages)
		logger.Info("seeded demo conversation",
			"patient_id", seedPatient,
			"conversation_id", conv.ExternalConversationID,
			"messages", conv.MessageCount)
	}

	gin.SetMode(gin.ReleaseMode)
	opts := mockapi.Options{
		Store:          store,
		DeltaInterval:  deltaInterval,
		KeepAlive:      keepAlive,
		Registerer:     prometheus.DefaultRegisterer,
		MetricsHandler: telemetry.MetricsHandler(),
		ServiceName:    serviceName,
		Logger:         logger.Slog(),
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mockapi.NewRouter(mockapi.NewServer(opts), opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
