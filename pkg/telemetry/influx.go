// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// turnMeasurement is the InfluxDB measurement name for per-turn analytics.
const turnMeasurement = "agent_turns"

// ErrInfluxDisabled indicates the sink was constructed without a URL.
var ErrInfluxDisabled = errors.New("influx sink disabled")

// InfluxConfig holds connection settings for the turn analytics sink.
type InfluxConfig struct {
	// URL is the InfluxDB server address. Empty disables the sink.
	URL string `json:"url"`

	// Token authenticates against the InfluxDB API.
	Token string `json:"token"`

	// Org is the InfluxDB organization.
	Org string `json:"org"`

	// Bucket receives the turn points.
	Bucket string `json:"bucket"`
}

// TurnPoint is one turn's analytics record.
type TurnPoint struct {
	SessionID        string
	AgentName        string
	Model            string
	Status           string
	TurnNumber       int
	LLMCalls         int
	ToolCalls        int
	Retries          int
	PromptTokens     int
	CompletionTokens int
	Elapsed          time.Duration
}

// TurnSink writes per-turn analytics points to InfluxDB.
//
// Description:
//
//	Complements the Prometheus counters with a durable per-turn record
//	suited to long-horizon analysis (token spend per session, retry rates
//	per model). A nil *TurnSink no-ops on every method, so hosts can wire
//	it conditionally.
//
// Thread Safety: Safe for concurrent use; WriteAPIBlocking serializes writes.
type TurnSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewTurnSink connects to InfluxDB and returns a sink for turn points.
//
// Inputs:
//
//	cfg - Connection settings. An empty URL returns ErrInfluxDisabled.
//
// Outputs:
//
//	*TurnSink - The connected sink. Call Close on shutdown.
//	error - ErrInfluxDisabled when no URL is configured.
func NewTurnSink(cfg InfluxConfig) (*TurnSink, error) {
	if cfg.URL == "" {
		return nil, ErrInfluxDisabled
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &TurnSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// RecordTurn writes one turn point. Nil receiver no-ops.
func (s *TurnSink) RecordTurn(ctx context.Context, pt TurnPoint) error {
	if s == nil {
		return nil
	}
	p := influxdb2.NewPoint(
		turnMeasurement,
		map[string]string{
			"session_id": pt.SessionID,
			"agent":      pt.AgentName,
			"model":      pt.Model,
			"status":     pt.Status,
		},
		map[string]interface{}{
			"turn_number":       pt.TurnNumber,
			"llm_calls":         pt.LLMCalls,
			"tool_calls":        pt.ToolCalls,
			"retries":           pt.Retries,
			"prompt_tokens":     pt.PromptTokens,
			"completion_tokens": pt.CompletionTokens,
			"duration_ms":       pt.Elapsed.Milliseconds(),
		},
		time.Now(),
	)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying InfluxDB client. Nil receiver no-ops.
func (s *TurnSink) Close() {
	if s == nil {
		return
	}
	s.client.Close()
}
