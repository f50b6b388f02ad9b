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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCare/pkg/config"
	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/pkg/ux"
)

var (
	configPath       string
	personalityLevel string
	patientID        int64
	logLevel         string
	traceStdout      bool

	historyPage    int
	historySize    int
	historyMore    int
	historyOffline bool

	conversationsOffline bool
	deleteYes            bool
	askContinue          bool

	// current is the app built by PersistentPreRunE for the running command.
	current *app

	rootCmd = &cobra.Command{
		Use:   "carechat",
		Short: "Chat with your care assistant from the terminal",
		Long: `carechat streams replies from the care assistant, keeps your
conversation history, and caches transcripts for offline reading.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if current == nil {
				return nil
			}
			err := current.Close()
			current = nil
			return err
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat, resuming your active conversation",
		Args:  cobra.NoArgs,
		RunE:  runChat, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk, // Defined in cmd_chat.go
	}

	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations",
		Args:    cobra.NoArgs,
		RunE:    runConversations, // Defined in cmd_history.go
	}

	historyCmd = &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory, // Defined in cmd_history.go
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [conversation-id]",
		Short: "Delete a conversation and its cached transcript",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete, // Defined in cmd_history.go
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check that the chat API is reachable",
		Args:  cobra.NoArgs,
		RunE:  runHealth, // Defined in cmd_history.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to carechat.yaml (default ~/.carechat/carechat.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().Int64Var(&patientID, "patient", 0, "Patient id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&traceStdout, "trace", false, "Print trace spans to stderr")

	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVarP(&askContinue, "continue", "c", false, "Continue your active conversation")

	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsOffline, "offline", false, "List cached transcripts instead of asking the server")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyPage, "page", 0, "Show one raw server page (0 is newest)")
	historyCmd.Flags().IntVar(&historySize, "size", 0, "Page size for --page (default from config)")
	historyCmd.Flags().IntVar(&historyMore, "more", 0, "Also load this many older pages")
	historyCmd.Flags().BoolVar(&historyOffline, "offline", false, "Read the cached transcript")

	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(healthCmd)
}

// setup applies the personality, loads config and builds the app.
func setup(cmd *cobra.Command, args []string) error {
	if personalityLevel != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality()
	}
	if personalityLevel == "" && os.Getenv(ux.EnvPersonality) == "" && !ux.IsInteractive() {
		ux.SetPersonalityLevel(ux.PersonalityMachine)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, appOptions{
		PatientID:   patientID,
		LogLevel:    logLevel,
		TraceStdout: traceStdout,
		Quiet:       cmd == chatCmd,
	})
	if err != nil {
		return err
	}
	current = a

	ctx, cancel := context.WithCancel(cmd.Context())
	a.stopWatch = cancel
	watchConfig(ctx, path, a.logger)
	return nil
}

// watchConfig applies logging level edits to the running logger.
func watchConfig(ctx context.Context, path string, logger *logging.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		err := config.Watch(ctx, path, logger.Slog(), func(cfg *config.CareChatConfig) {
			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return
			}
			if level != logger.Level() {
				logger.SetLevel(level)
				logger.Info("log level changed", "level", level.String())
			}
		})
		if err != nil {
			logger.Debug("config watch stopped", "error", err)
		}
	}()
}

// stdout is where command output goes. Tests replace it.
var stdout io.Writer = os.Stdout
