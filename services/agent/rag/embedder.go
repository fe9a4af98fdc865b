// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// EmbedderConfig configures the embedding client.
type EmbedderConfig struct {
	// APIKey authenticates against the embeddings endpoint.
	APIKey string

	// BaseURL overrides the endpoint for self-hosted compatible servers.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// BatchSize caps texts per request.
	BatchSize int

	// RequestsPerMinute throttles the request rate.
	RequestsPerMinute float64

	// Logger receives retry decisions. Nil uses the default logger.
	Logger *logging.Logger
}

// DefaultEmbedderConfig returns the standard embedding configuration.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		Model:             string(openai.SmallEmbedding3),
		BatchSize:         64,
		RequestsPerMinute: 60,
	}
}

// batchRetrySleeps are the fixed escalating waits after a failed batch.
// Embedding providers rate-limit in minutes, so the ladder is coarse.
var batchRetrySleeps = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

// Embedder turns text into vectors through an OpenAI-compatible embeddings
// endpoint, rate-limited and retried per batch.
//
// Thread Safety: safe for concurrent use.
type Embedder struct {
	client  *openai.Client
	cfg     EmbedderConfig
	limiter *rate.Limiter
	logger  *logging.Logger

	// sleep and retrySleeps are swapped by tests to avoid minute waits.
	sleep       func(ctx context.Context, d time.Duration) error
	retrySleeps []time.Duration
}

// NewEmbedder builds an Embedder.
//
// Inputs:
//   - cfg: embedder configuration; zero fields take defaults. APIKey is
//     required unless BaseURL points at an unauthenticated local server.
//
// Outputs:
//   - *Embedder: ready for use.
//   - error: non-nil on unusable configuration.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	def := DefaultEmbedderConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("rag: embedder requires an API key or a base URL")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Embedder{
		client:      openai.NewClientWithConfig(clientCfg),
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1),
		logger:      cfg.Logger,
		sleep:       sleepContext,
		retrySleeps: batchRetrySleeps,
	}, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in request-sized batches.
//
// Description:
//
//	Each request waits on the rate limiter first. A failed request is
//	retried after fixed escalating sleeps (60 s, 120 s, 240 s); when the
//	ladder is exhausted the whole batch fails. Vector order matches input
//	order.
//
// Inputs:
//   - ctx: cancels limiter waits, retry sleeps, and requests.
//   - texts: the strings to embed.
//
// Outputs:
//   - One vector per input text.
//   - error: the last request failure once retries are exhausted.
//
// Thread Safety: safe for concurrent use.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedWithRetries(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) embedWithRetries(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vectors, err := e.embedOnce(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if attempt >= len(e.retrySleeps) {
			return nil, fmt.Errorf("rag: embedding batch of %d failed after %d retries: %w", len(batch), len(e.retrySleeps), lastErr)
		}
		wait := e.retrySleeps[attempt]
		e.logger.Warn("embedding batch failed, backing off",
			"attempt", attempt+1,
			"wait", wait.String(),
			"batch_size", len(batch),
			"error", err.Error(),
		)
		if serr := e.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
}

func (e *Embedder) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.cfg.Model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
