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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/services/agent/rag"
)

// runIndex indexes a directory into the vector store, optionally
// staying resident to re-index files as they change.
//
// Description:
//
//	Unlike the run command, a missing embedder or unreachable store is
//	fatal here: indexing is the whole point. Credentials come from the
//	environment or a ./.env file. --watch keeps the process running
//	until interrupted, which exits 130 like the chat loop.
func runIndex(cmd *cobra.Command, args []string) error {
	root := args[0]
	if info, err := os.Stat(root); err != nil {
		return fmt.Errorf("index path: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("index path %s is not a directory", root)
	}

	logger := newRunLogger()
	defer logger.Close()

	if path := findEnvFile([]string{".env"}); path != "" {
		env, err := loadEnvFile(path)
		if err != nil {
			return err
		}
		if err := env.Apply(); err != nil {
			return err
		}
	}
	defer purgeSecrets()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	indexer, err := buildIndexer(ctx, logger)
	if err != nil {
		return err
	}

	opts := rag.IndexOptions{Extensions: indexExts, ForceReindex: indexForce}

	spinner := ux.NewSpinner(fmt.Sprintf("indexing %s", root))
	spinner.Start()
	summary, err := indexer.IndexDirectory(ctx, root, opts)
	if err != nil {
		spinner.StopWithError(fmt.Sprintf("indexing failed: %v", err))
		return err
	}
	spinner.Stop()

	ux.Summary(summary.Files, summary.Skipped, summary.Files+summary.Skipped)
	ux.Info(fmt.Sprintf("%d chunks in %s", summary.Chunks, summary.Duration.Round(time.Millisecond)))

	if !indexWatch {
		return nil
	}

	watcher, err := rag.NewWatcher(indexer, indexExts, logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	ux.Info("watching for changes, ctrl+c to stop")
	if err := watcher.Run(ctx, root); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

// buildIndexer constructs the embedder, store, and indexer, failing
// loudly where the run command degrades gracefully.
func buildIndexer(ctx context.Context, logger *logging.Logger) (*rag.Indexer, error) {
	embCfg := rag.DefaultEmbedderConfig()
	embCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	embCfg.BaseURL = os.Getenv("EMBEDDINGS_BASE_URL")
	if m := os.Getenv("EMBEDDINGS_MODEL"); m != "" {
		embCfg.Model = m
	}
	embCfg.Logger = logger
	embedder, err := rag.NewEmbedder(embCfg)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w (set OPENAI_API_KEY or EMBEDDINGS_BASE_URL)", err)
	}

	storeCfg := rag.DefaultStoreConfig()
	if url := os.Getenv("WEAVIATE_URL"); url != "" {
		storeCfg.URL = url
	}
	storeCfg.Logger = logger
	store, err := rag.NewStore(storeCfg, rag.WithQueryEmbedder(embedder))
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("vector store at %s: %w", storeCfg.URL, err)
	}

	return rag.NewIndexer(store, embedder, logger), nil
}
