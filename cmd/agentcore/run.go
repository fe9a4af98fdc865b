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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/telemetry"
	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/pkg/validation"
	"github.com/AleutianAI/agentcore/services/agent"
	"github.com/AleutianAI/agentcore/services/agent/llm"
	"github.com/AleutianAI/agentcore/services/agent/observe"
	"github.com/AleutianAI/agentcore/services/agent/rag"
	"github.com/AleutianAI/agentcore/services/agent/session"
	"github.com/AleutianAI/agentcore/services/agent/tools"
)

// defaultObserveAddr is where the sidecar listens for a bare --observe.
const defaultObserveAddr = "127.0.0.1:9911"

// themeFlagHelp lists the valid --ui-theme values.
func themeFlagHelp() string {
	return strings.Join(ux.ThemeNames(), ", ")
}

// runRun wires the engine and enters the interactive loop.
//
// Description:
//
//	Resolves the agent definition, loads its environment file, builds
//	the transport, optional retrieval, the tool registry, and the
//	engine, then runs either the line-based chat loop or the
//	full-screen TUI. SIGINT and SIGTERM cancel the run context; the
//	loop reports errInterrupted, which Execute maps to exit 130.
func runRun(cmd *cobra.Command, args []string) error {
	def, err := resolveAgent(args[0])
	if err != nil {
		return err
	}

	// Theme before any styled output.
	if uiTheme != "" {
		if err := ux.SetTheme(uiTheme); err != nil {
			return err
		}
	}

	logger := newRunLogger()
	defer logger.Close()

	// Environment file: credentials stay sealed except during wiring.
	var env *envFile
	if path := findEnvFile(def.envFileCandidates()); path != "" {
		env, err = loadEnvFile(path)
		if err != nil {
			return err
		}
		if err := env.Apply(); err != nil {
			return err
		}
		logger.Info("loaded agent environment", "path", path, "vars", env.Redacted())
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

	// Telemetry is ambient: failures degrade to no-op providers.
	telShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Warn("telemetry init failed, continuing without", "error", err)
	} else {
		defer telShutdown(context.Background())
	}
	metrics, err := telemetry.NewMetrics(otel.Meter("agentcore"))
	if err != nil {
		logger.Warn("metric registration failed, continuing without", "error", err)
		metrics = nil
	}

	transport, err := buildTransport(ctx, def, logger)
	if err != nil {
		return err
	}

	store, indexer := buildRetrieval(ctx, def, logger)

	// Transports and the embedder have captured their keys.
	env.Scrub()

	registry, err := buildToolRegistry(def, logger, store, indexer)
	if err != nil {
		return err
	}

	cfg := agent.DefaultConfig()
	cfg.Model = transport.Model()
	if def.Instruction != "" {
		cfg.Instruction = def.Instruction
	}
	cfg.Planning.Enabled = def.PlanningEnabled()

	opts := []agent.Option{agent.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, agent.WithMetrics(metrics))
	}
	if store != nil {
		opts = append(opts, agent.WithRetriever(store))
	}

	a, err := agent.NewAgent(cfg, transport, registry, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	// Session persistence.
	var (
		sessStore    *session.Store
		bridge       *agent.LegacyBridge
		runSessionID string
		resumedTurns int
	)
	if saveSession || sessionID != "" {
		if sessionID != "" {
			if err := validation.ValidateSessionID(sessionID); err != nil {
				return err
			}
		}
		sessCfg := session.DefaultConfig(sessionStoreDir())
		sessCfg.Logger = logger
		sessStore, err = session.Open(sessCfg)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer sessStore.Close()

		bridge = agent.NewLegacyBridge(a.StateManager(), a.ContextManager())
		if sessionID != "" {
			rec, err := sessStore.Load(ctx, sessionID)
			if err != nil {
				return err
			}
			if err := bridge.Restore(rec.State); err != nil {
				return fmt.Errorf("restore session %s: %w", sessionID, err)
			}
			runSessionID = rec.ID
			resumedTurns = rec.TurnCount
		} else {
			runSessionID = uuid.NewString()
		}
	}

	// Observability sidecar.
	if observeAddr != "" {
		obs, err := observe.NewServer(a, observe.Config{Addr: observeAddr, Logger: logger})
		if err != nil {
			return fmt.Errorf("observe sidecar: %w", err)
		}
		if err := obs.Start(); err != nil {
			return fmt.Errorf("observe sidecar: %w", err)
		}
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shCancel()
			_ = obs.Shutdown(shCtx)
		}()
		ux.Muted(fmt.Sprintf("observability sidecar on http://%s", obs.Addr()))
	}

	// Per-turn analytics, enabled by INFLUXDB_URL.
	sink, err := telemetry.NewTurnSink(telemetry.InfluxConfig{
		URL:    os.Getenv("INFLUXDB_URL"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: os.Getenv("INFLUXDB_BUCKET"),
	})
	if err != nil && err != telemetry.ErrInfluxDisabled {
		logger.Warn("turn analytics disabled", "error", err)
	}
	defer sink.Close()

	header := ux.HeaderConfig{
		AgentName:       def.Name,
		Provider:        transport.Name(),
		Model:           transport.Model(),
		SessionID:       runSessionID,
		SessionSaving:   sessStore != nil,
		ToolCount:       registry.Len(),
		PlanningEnabled: cfg.Planning.Enabled,
		InputFile:       inputFile,
	}

	if useTUI {
		return runTUI(ctx, a, header, tuiSession{
			store:        sessStore,
			bridge:       bridge,
			sessionID:    runSessionID,
			resumedTurns: resumedTurns,
		})
	}

	ui := ux.NewChatUI()
	renderer := NewTurnRenderer(ui)
	renderer.Attach(a.Emitter())
	defer renderer.Detach()

	reader, err := newInputReader(inputFile)
	if err != nil {
		return err
	}
	if closer, ok := reader.(*FileInputReader); ok {
		defer closer.Close()
	}

	runner := &chatRunner{
		agent:        a,
		ui:           ui,
		renderer:     renderer,
		input:        reader,
		header:       header,
		logger:       logger,
		store:        sessStore,
		bridge:       bridge,
		sessionID:    runSessionID,
		resumedTurns: resumedTurns,
		sink:         sink,
	}
	return runner.Run(ctx)
}

// newRunLogger builds the CLI logger. Interactive runs keep stderr
// clean and log to <home>/logs; AGENTCORE_DEBUG=1 turns stderr output
// back on at debug level.
func newRunLogger() *logging.Logger {
	cfg := logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  filepath.Join(agentcoreHome(), "logs"),
		Service: "agentcore",
		Quiet:   true,
	}
	if os.Getenv("AGENTCORE_DEBUG") != "" {
		cfg.Level = logging.LevelDebug
		cfg.Quiet = false
	}
	return logging.New(cfg)
}

// buildTransport constructs the provider client. The constructors read
// their API keys from the environment, which the env file populated.
func buildTransport(ctx context.Context, def AgentDef, logger *logging.Logger) (llm.Client, error) {
	switch def.Provider {
	case "openai":
		return llm.NewOpenAIClient(def.Model, llm.WithOpenAILogger(logger))
	default:
		// Registry validation only admits gemini and openai.
		return llm.NewGeminiClient(ctx, def.Model, llm.WithGeminiLogger(logger))
	}
}

// buildRetrieval wires the vector store and indexer when the agent
// wants retrieval. Failures degrade: the run continues without
// search_code, index_directory, or plan-time code context.
func buildRetrieval(ctx context.Context, def AgentDef, logger *logging.Logger) (*rag.Store, *rag.Indexer) {
	if !def.Retrieval {
		return nil, nil
	}

	embCfg := rag.DefaultEmbedderConfig()
	embCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	embCfg.BaseURL = os.Getenv("EMBEDDINGS_BASE_URL")
	if m := os.Getenv("EMBEDDINGS_MODEL"); m != "" {
		embCfg.Model = m
	}
	embCfg.Logger = logger
	embedder, err := rag.NewEmbedder(embCfg)
	if err != nil {
		logger.Warn("code retrieval disabled", "error", err)
		return nil, nil
	}

	storeCfg := rag.DefaultStoreConfig()
	if url := os.Getenv("WEAVIATE_URL"); url != "" {
		storeCfg.URL = url
	}
	storeCfg.Logger = logger
	store, err := rag.NewStore(storeCfg, rag.WithQueryEmbedder(embedder))
	if err != nil {
		logger.Warn("code retrieval disabled", "error", err)
		return nil, nil
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("vector store unreachable, code retrieval disabled",
			"url", storeCfg.URL, "error", err)
		return nil, nil
	}

	return store, rag.NewIndexer(store, embedder, logger)
}

// buildToolRegistry registers the definition's tool surface. Retrieval
// tools are skipped with a warning when their backend is unavailable.
func buildToolRegistry(def AgentDef, logger *logging.Logger, store *rag.Store, indexer *rag.Indexer) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)
	root := def.WorkspaceRoot()

	for _, name := range def.Tools {
		var tool tools.Tool
		switch name {
		case "read_file":
			tool = tools.NewReadFileTool(root)
		case "write_file":
			tool = tools.NewWriteFileTool(root)
		case "list_directory":
			tool = tools.NewListDirectoryTool(root)
		case "edit_file":
			tool = tools.NewEditFileTool(root)
		case "run_shell_command":
			tool = tools.NewShellTool(tools.WithWorkDir(root), tools.WithShellLogger(logger))
		case "validate_syntax":
			tool = tools.NewValidateSyntaxTool(root)
		case "search_code":
			if store == nil {
				logger.Warn("tool skipped, retrieval unavailable", "tool", name)
				continue
			}
			tool = tools.NewSearchCodeTool(store)
		case "index_directory":
			if indexer == nil {
				logger.Warn("tool skipped, retrieval unavailable", "tool", name)
				continue
			}
			tool = tools.NewIndexDirectoryTool(indexer)
		default:
			return nil, fmt.Errorf("unknown tool %q in agent %s", name, def.Module)
		}
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
