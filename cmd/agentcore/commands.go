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
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/spf13/cobra"
)

// Exit codes returned by Execute.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInterrupt = 130
)

// errInterrupted marks a SIGINT shutdown so Execute maps it to exit 130.
var errInterrupted = errors.New("interrupted")

// --- Global Command Variables ---
var (
	personalityLevel string

	// run flags
	saveSession bool
	sessionID   string
	inputFile   string
	uiTheme     string
	useTUI      bool
	observeAddr string

	// index flags
	indexWatch bool
	indexExts  []string
	indexForce bool

	// session export/import flags
	gcsBucket      string
	gcsPrefix      string
	gcsCredentials string

	rootCmd = &cobra.Command{
		Use:   "agentcore",
		Short: "A cli to run and manage agentcore coding agents",
		Long: `Agentcore runs tool-using LLM agents in your terminal: an
				interactive chat loop with planning, retries, and local
				code retrieval, plus session and index management.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run <agent-module>",
		Short: "Run an agent from the registry in an interactive loop",
		Long: `Run resolves the named agent module from the agent registry,
				loads its environment file if one is configured, and enters
				the chat loop. Exit codes: 0 on success or EOF, 1 on
				failure, 130 on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun, // Defined in run.go
	}

	indexCmd = &cobra.Command{
		Use:   "index <path>",
		Short: "Index a directory into the code retrieval store",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndex, // Defined in index.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage saved conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all saved sessions",
		Args:  cobra.NoArgs,
		RunE:  runListSessions, // Defined in session.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a saved session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowSession, // Defined in session.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteSession, // Defined in session.go
	}
	exportSessionCmd = &cobra.Command{
		Use:   "export <session-id>",
		Short: "Upload a saved session to Google Cloud Storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runExportSession, // Defined in session.go
	}
	importSessionCmd = &cobra.Command{
		Use:   "import <session-id>",
		Short: "Download a session from Google Cloud Storage into the local store",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportSession, // Defined in session.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the agentcore version",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in version.go
	}
)

// Execute runs the root command and maps errors to process exit codes.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			return exitInterrupt
		}
		ux.Error(err.Error())
		return exitFailure
	}
	return exitOK
}

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&saveSession, "save-session", false,
		"Persist the conversation after every turn")
	runCmd.Flags().StringVar(&sessionID, "session-id", "",
		"Resume a saved session by ID (implies persistence under the same ID)")
	runCmd.Flags().StringVar(&inputFile, "input-file", "",
		"Read newline-delimited messages from a file instead of stdin")
	runCmd.Flags().StringVar(&uiTheme, "ui-theme", "",
		fmt.Sprintf("Color theme: %s", themeFlagHelp()))
	runCmd.Flags().BoolVar(&useTUI, "tui", false,
		"Run the full-screen terminal UI instead of the line-based loop")
	runCmd.Flags().StringVar(&observeAddr, "observe", "",
		"Serve the observability sidecar on this address")
	runCmd.Flags().Lookup("observe").NoOptDefVal = defaultObserveAddr

	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false,
		"Keep running and re-index files as they change")
	indexCmd.Flags().StringSliceVar(&indexExts, "ext", nil,
		"File extensions to index (default: common source and doc types)")
	indexCmd.Flags().BoolVar(&indexForce, "force", false,
		"Delete existing chunks for each file before inserting")

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(showSessionCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
	sessionCmd.AddCommand(exportSessionCmd)
	sessionCmd.AddCommand(importSessionCmd)
	for _, c := range []*cobra.Command{exportSessionCmd, importSessionCmd} {
		c.Flags().StringVar(&gcsBucket, "bucket", os.Getenv("AGENTCORE_GCS_BUCKET"),
			"GCS bucket name (default: AGENTCORE_GCS_BUCKET)")
		c.Flags().StringVar(&gcsPrefix, "prefix", "sessions",
			"Object name prefix inside the bucket")
		c.Flags().StringVar(&gcsCredentials, "credentials", "",
			"Service account key file (default: application default credentials)")
	}

	rootCmd.AddCommand(versionCmd)
}
