// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/services/agent/session"
)

// gcsOpTimeout bounds export and import calls. Session records are
// small, so a slow transfer here means a misconfigured bucket.
const gcsOpTimeout = 2 * time.Minute

// openSessionStore opens the on-disk store every session subcommand
// shares. Callers own Close.
func openSessionStore(logger *logging.Logger) (*session.Store, error) {
	cfg := session.DefaultConfig(sessionStoreDir())
	cfg.Logger = logger
	store, err := session.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

func runListSessions(cmd *cobra.Command, args []string) error {
	logger := newRunLogger()
	defer logger.Close()

	store, err := openSessionStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		ux.Info("no saved sessions")
		return nil
	}

	machine := ux.GetPersonality().Level == ux.PersonalityMachine
	if !machine {
		ux.Title(fmt.Sprintf("Saved sessions (%d)", len(summaries)))
	}
	for _, s := range summaries {
		if machine {
			fmt.Printf("SESSION: %s agent=%s model=%s turns=%d saved=%s\n",
				s.ID, s.AgentName, s.Model, s.TurnCount, s.SavedAt.Format(time.RFC3339))
			continue
		}
		detail := fmt.Sprintf("%s (%s), %d turns, saved %s",
			s.AgentName, s.Model, s.TurnCount, s.SavedAt.Local().Format("2006-01-02 15:04"))
		fmt.Printf("  %s  %s\n", ux.Styles.Highlight.Render(s.ID), ux.Styles.Muted.Render(detail))
	}
	return nil
}

func runShowSession(cmd *cobra.Command, args []string) error {
	logger := newRunLogger()
	defer logger.Close()

	store, err := openSessionStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Load(context.Background(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	logger := newRunLogger()
	defer logger.Close()

	store, err := openSessionStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("deleted session %s", args[0]))
	return nil
}

func runExportSession(cmd *cobra.Command, args []string) error {
	gcs, err := gcsConfig()
	if err != nil {
		return err
	}

	logger := newRunLogger()
	defer logger.Close()

	store, err := openSessionStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), gcsOpTimeout)
	defer cancel()
	if err := store.ExportGCS(ctx, gcs, args[0]); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("exported session %s to gs://%s/%s",
		args[0], gcs.Bucket, path.Join(gcs.Prefix, args[0]+".json")))
	return nil
}

func runImportSession(cmd *cobra.Command, args []string) error {
	gcs, err := gcsConfig()
	if err != nil {
		return err
	}

	logger := newRunLogger()
	defer logger.Close()

	store, err := openSessionStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), gcsOpTimeout)
	defer cancel()
	rec, err := store.ImportGCS(ctx, gcs, args[0])
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("imported session %s (%s, %d turns)",
		rec.ID, rec.AgentName, rec.TurnCount))
	ux.Muted(fmt.Sprintf("resume with: agentcore run <agent> --session-id %s", rec.ID))
	return nil
}

// gcsConfig assembles the export/import flags. An empty credentials
// path falls through to application default credentials inside the
// storage client.
func gcsConfig() (session.GCSConfig, error) {
	if gcsBucket == "" {
		return session.GCSConfig{}, fmt.Errorf("no GCS bucket configured (use --bucket or set AGENTCORE_GCS_BUCKET)")
	}
	return session.GCSConfig{
		Bucket:          gcsBucket,
		Prefix:          gcsPrefix,
		CredentialsFile: gcsCredentials,
	}, nil
}
