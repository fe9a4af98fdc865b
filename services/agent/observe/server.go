// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observe runs a read-only HTTP sidecar next to the interactive
// agent: health, a conversation state snapshot, Prometheus metrics, and a
// websocket event stream. It never mutates engine state.
package observe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/telemetry"
	"github.com/AleutianAI/agentcore/services/agent"
	"github.com/AleutianAI/agentcore/services/agent/events"
)

// DefaultAddr binds localhost only; the sidecar has no auth.
const DefaultAddr = "127.0.0.1:9911"

// summaryTextLimit truncates messages in the state snapshot.
const summaryTextLimit = 200

// Config holds sidecar configuration.
type Config struct {
	// Addr is the listen address. Defaults to 127.0.0.1:9911.
	Addr string

	// Debug enables gin debug mode and request logging.
	Debug bool

	// Logger for server lifecycle output. Defaults to the package
	// default logger.
	Logger *logging.Logger
}

// Server is the observability sidecar.
//
// Thread Safety: Safe for concurrent use after Start.
type Server struct {
	agent    *agent.Agent
	logger   *logging.Logger
	srv      *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

// NewServer builds the sidecar around a running agent.
func NewServer(a *agent.Agent, cfg Config) (*Server, error) {
	if a == nil {
		return nil, errors.New("agent must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		agent:  a,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Localhost-only sidecar; browser origin checks add nothing.
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("agentcore-observe"))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	v1 := router.Group("/v1")
	{
		v1.GET("/state", s.handleState)
		v1.GET("/events", s.handleEvents)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	s.srv = &http.Server{Addr: addr, Handler: router}
	return s, nil
}

// Start binds the listener and serves in the background. Bind failures
// surface synchronously; serve failures are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("bind observe sidecar on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observe sidecar stopped", "error", err)
		}
	}()

	s.logger.Info("observe sidecar listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// turnSummary is the read-only view of one turn.
type turnSummary struct {
	TurnNumber   int    `json:"turn_number"`
	Phase        string `json:"phase"`
	UserMessage  string `json:"user_message,omitempty"`
	AgentMessage string `json:"agent_message,omitempty"`
	ToolCalls    int    `json:"tool_calls"`
	Errors       int    `json:"errors"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// stateSummary is the /v1/state payload.
type stateSummary struct {
	TurnCount         int           `json:"turn_count"`
	IsNewConversation bool          `json:"is_new_conversation"`
	CurrentTurn       *turnSummary  `json:"current_turn,omitempty"`
	History           []turnSummary `json:"history"`
}

func (s *Server) handleState(c *gin.Context) {
	snap := s.agent.StateManager().Snapshot()

	out := stateSummary{
		TurnCount:         len(snap.History),
		IsNewConversation: snap.IsNewConversation,
		History:           make([]turnSummary, 0, len(snap.History)),
	}
	for _, t := range snap.History {
		out.History = append(out.History, summarizeTurn(t))
	}
	if snap.CurrentTurn != nil {
		cur := summarizeTurn(*snap.CurrentTurn)
		out.CurrentTurn = &cur
	}
	c.JSON(http.StatusOK, out)
}

func summarizeTurn(t agent.Turn) turnSummary {
	out := turnSummary{
		TurnNumber:   t.TurnNumber,
		Phase:        t.Phase.String(),
		UserMessage:  truncate(t.UserMessage, summaryTextLimit),
		AgentMessage: truncate(t.AgentMessage, summaryTextLimit),
		ToolCalls:    len(t.ToolCalls),
		Errors:       len(t.Errors),
	}
	if t.CompletedAt != nil {
		out.CompletedAt = t.CompletedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// handleEvents upgrades to a websocket and streams engine events as JSON.
// ?replay=1 first sends the emitter's replay buffer. Slow clients drop
// events rather than stalling the engine.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	s.logger.Info("event stream client connected", "remote", ws.RemoteAddr().String())

	emitter := s.agent.Emitter()

	stream := make(chan events.Event, 256)
	subID := emitter.Subscribe(func(ev *events.Event) {
		select {
		case stream <- *ev:
		default:
		}
	})
	defer emitter.Unsubscribe(subID)

	if c.Query("replay") == "1" {
		for _, ev := range emitter.Buffer() {
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	// Reader loop only detects disconnect; inbound frames are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			s.logger.Info("event stream client disconnected", "remote", ws.RemoteAddr().String())
			return
		case ev := <-stream:
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
