// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

var (
	configPath string
	port       int
	dataDir    string
	logLevel   string
	disableAI  bool

	rootCmd = &cobra.Command{
		Use:   "reviewer",
		Short: "AI-assisted code review service",
		Long: `reviewer runs the code review service: a websocket session
surface for submitting analysis jobs plus a REST surface for retrieving
stored results.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the review service and block until interrupted",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "result storage directory (overrides config)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	serveCmd.Flags().BoolVar(&disableAI, "no-ai", false, "disable the AI analysis stage")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := reviewer.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if disableAI {
		cfg.DisableAI = true
	}

	svc, err := reviewer.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
