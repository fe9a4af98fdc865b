// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag provides the retrieval collaborator: a vector store over
// weaviate for code chunks, an embedding client, a directory indexer, and a
// filesystem watcher that keeps the index fresh. Retrieval is optional for
// the agent; every entry point degrades cleanly when the store is down.
package rag

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// ErrRAGUnavailable is returned without touching the network while the
// breaker is open. Callers treat retrieval as best-effort and proceed
// without code context.
var ErrRAGUnavailable = errors.New("rag: retrieval unavailable")

// breakerState tracks the store's view of the backend.
type breakerState int32

const (
	stateConnected breakerState = iota
	stateCircuitOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateCircuitOpen:
		return "circuit_open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StoreConfig configures the vector store.
type StoreConfig struct {
	// URL is the weaviate endpoint, e.g. "http://localhost:8080".
	URL string

	// ClassName is the weaviate class holding code chunks.
	ClassName string

	// CircuitThreshold is how many failures within CircuitWindow open the
	// breaker.
	CircuitThreshold int

	// CircuitWindow is the sliding window for failure counting.
	CircuitWindow time.Duration

	// CircuitCooldown is how long the breaker stays open before a single
	// half-open probe is allowed through.
	CircuitCooldown time.Duration

	// OpTimeout bounds each store operation.
	OpTimeout time.Duration

	// Logger receives state transitions. Nil uses the default logger.
	Logger *logging.Logger
}

// DefaultStoreConfig returns the standard local-deployment configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		URL:              "http://localhost:8080",
		ClassName:        "CodeChunk",
		CircuitThreshold: 5,
		CircuitWindow:    30 * time.Second,
		CircuitCooldown:  30 * time.Second,
		OpTimeout:        10 * time.Second,
	}
}

func (c *StoreConfig) applyDefaults() {
	def := DefaultStoreConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.ClassName == "" {
		c.ClassName = def.ClassName
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = def.CircuitThreshold
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = def.CircuitWindow
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = def.CircuitCooldown
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// CodeChunk is one indexed fragment of a source file.
type CodeChunk struct {
	FilePath  string
	ChunkName string
	Type      string
	Language  string
	StartLine int
	EndLine   int
	Document  string
}

// RetrievedChunk is one search hit.
type RetrievedChunk struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"file_path"`
	ChunkName string  `json:"chunk_name"`
	Type      string  `json:"type"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Document  string  `json:"document"`
	Distance  float64 `json:"distance"`
}

// RetrievalResult is the structured answer to a code-context query.
type RetrievalResult struct {
	Query  string           `json:"query"`
	Chunks []RetrievedChunk `json:"retrieved_chunks"`
}

// FormatContext renders the hits as a prompt-ready block. Empty results
// yield an empty string.
func (r *RetrievalResult) FormatContext() string {
	if r == nil || len(r.Chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range r.Chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "--- %s (lines %d-%d) ---\n%s", c.FilePath, c.StartLine, c.EndLine, c.Document)
	}
	return sb.String()
}

// QueryEmbedder turns a query string into a vector. The Embedder satisfies
// it; tests substitute a fake.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is a circuit-broken weaviate client for code chunks.
//
// Description:
//
//	All operations pass through the breaker: CircuitThreshold failures
//	inside CircuitWindow open it, open requests fail fast with
//	ErrRAGUnavailable, and after CircuitCooldown exactly one probe is let
//	through. A successful probe closes the breaker; a failed one reopens
//	it for another cooldown.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	client   *weaviate.Client
	cfg      StoreConfig
	embedder QueryEmbedder
	logger   *logging.Logger

	state         atomic.Int32
	circuitOpened atomic.Int64
	probeInflight atomic.Bool

	mu       sync.Mutex
	failures []time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithQueryEmbedder wires the embedder used to vectorize queries in
// RetrieveCodeContext.
func WithQueryEmbedder(e QueryEmbedder) StoreOption {
	return func(s *Store) { s.embedder = e }
}

// NewStore connects to weaviate at cfg.URL.
//
// Inputs:
//   - cfg: store configuration; zero fields take defaults.
//   - opts: optional wiring such as WithQueryEmbedder.
//
// Outputs:
//   - *Store: ready for use. Construction does not touch the network.
//   - error: non-nil if the URL cannot be parsed.
func NewStore(cfg StoreConfig, opts ...StoreOption) (*Store, error) {
	cfg.applyDefaults()

	scheme := "http"
	host := cfg.URL
	if idx := strings.Index(host, "://"); idx >= 0 {
		scheme = host[:idx]
		host = host[idx+3:]
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return nil, fmt.Errorf("rag: empty weaviate host in URL %q", cfg.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("rag: creating weaviate client: %w", err)
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	s.state.Store(int32(stateConnected))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the breaker state as a string for health reporting.
func (s *Store) State() string {
	return breakerState(s.state.Load()).String()
}

// EnsureSchema creates the code-chunk class if it does not exist. The class
// uses externally supplied vectors, so the vectorizer is "none".
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.execute(ctx, "ensure_schema", func(ctx context.Context) error {
		_, err := s.client.Schema().ClassGetter().WithClassName(s.cfg.ClassName).Do(ctx)
		if err == nil {
			return nil
		}
		class := &models.Class{
			Class:       s.cfg.ClassName,
			Description: "Source code chunk with file location metadata",
			Vectorizer:  "none",
			Properties: []*models.Property{
				{Name: "file_path", DataType: []string{"text"}},
				{Name: "chunk_name", DataType: []string{"text"}},
				{Name: "chunk_type", DataType: []string{"text"}},
				{Name: "language", DataType: []string{"text"}},
				{Name: "start_line", DataType: []string{"int"}},
				{Name: "end_line", DataType: []string{"int"}},
				{Name: "document", DataType: []string{"text"}},
			},
		}
		if cerr := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); cerr != nil {
			// A concurrent creator may have won the race.
			if strings.Contains(strings.ToLower(cerr.Error()), "already exists") {
				return nil
			}
			return fmt.Errorf("creating class %s: %w", s.cfg.ClassName, cerr)
		}
		return nil
	})
}

// InsertChunks batch-inserts chunks with their vectors. Chunk IDs are
// derived from content hashes, so re-inserting the same chunk overwrites
// rather than duplicates.
func (s *Store) InsertChunks(ctx context.Context, chunks []CodeChunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("rag: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.execute(ctx, "insert_chunks", func(ctx context.Context) error {
		objects := make([]*models.Object, len(chunks))
		for i, c := range chunks {
			objects[i] = &models.Object{
				Class:  s.cfg.ClassName,
				ID:     strfmt.UUID(chunkID(c)),
				Vector: vectors[i],
				Properties: map[string]interface{}{
					"file_path":  c.FilePath,
					"chunk_name": c.ChunkName,
					"chunk_type": c.Type,
					"language":   c.Language,
					"start_line": c.StartLine,
					"end_line":   c.EndLine,
					"document":   c.Document,
				},
			}
		}
		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch insert: %w", err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// DeleteByPath removes every chunk indexed for a file. Used before
// re-indexing a changed file.
func (s *Store) DeleteByPath(ctx context.Context, filePath string) error {
	return s.execute(ctx, "delete_by_path", func(ctx context.Context) error {
		where := filters.Where().
			WithPath([]string{"file_path"}).
			WithOperator(filters.Equal).
			WithValueString(filePath)
		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(s.cfg.ClassName).
			WithWhere(where).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("batch delete for %s: %w", filePath, err)
		}
		return nil
	})
}

// RetrieveCodeContext embeds the query and runs a nearVector search.
//
// Inputs:
//   - ctx: request-scoped context.
//   - query: natural-language or code query text.
//   - topK: maximum hits to return; non-positive defaults to 5.
//
// Outputs:
//   - *RetrievalResult: the query echo plus ranked chunks.
//   - error: ErrRAGUnavailable when the breaker is open or no embedder is
//     wired, otherwise the underlying failure.
func (s *Store) RetrieveCodeContext(ctx context.Context, query string, topK int) (*RetrievalResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no query embedder configured", ErrRAGUnavailable)
	}
	if topK <= 0 {
		topK = 5
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query: %w", err)
	}

	result := &RetrievalResult{Query: query}
	err = s.execute(ctx, "retrieve", func(ctx context.Context) error {
		nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
		fields := []graphql.Field{
			{Name: "file_path"},
			{Name: "chunk_name"},
			{Name: "chunk_type"},
			{Name: "start_line"},
			{Name: "end_line"},
			{Name: "document"},
			{Name: "_additional", Fields: []graphql.Field{
				{Name: "id"},
				{Name: "distance"},
			}},
		}
		resp, err := s.client.GraphQL().Get().
			WithClassName(s.cfg.ClassName).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(topK).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("nearVector search: %w", err)
		}
		if len(resp.Errors) > 0 {
			return fmt.Errorf("nearVector search: %s", resp.Errors[0].Message)
		}
		result.Chunks = parseChunks(resp, s.cfg.ClassName)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ======
// breaker
// ======

// execute runs fn through the breaker with the operation timeout.
func (s *Store) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.allowRequest() {
		return fmt.Errorf("%w: circuit open for %s", ErrRAGUnavailable, op)
	}

	tracer := otel.Tracer("rag")
	ctx, span := tracer.Start(ctx, "rag."+op,
		trace.WithAttributes(attribute.String("rag.class", s.cfg.ClassName)),
	)
	defer span.End()

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	err := fn(opCtx)
	if err != nil {
		// Caller mistakes are not backend health signals.
		if !errors.Is(err, context.Canceled) {
			s.recordFailure()
		}
		span.RecordError(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// allowRequest decides whether a request may proceed given the breaker
// state. During cooldown expiry exactly one caller wins the probe slot.
func (s *Store) allowRequest() bool {
	switch breakerState(s.state.Load()) {
	case stateConnected, stateHalfOpen:
		return true
	case stateCircuitOpen:
		opened := time.Unix(0, s.circuitOpened.Load())
		if time.Since(opened) < s.cfg.CircuitCooldown {
			return false
		}
		if s.probeInflight.CompareAndSwap(false, true) {
			s.state.Store(int32(stateHalfOpen))
			s.logger.Info("rag breaker half-open probe", "cooldown", s.cfg.CircuitCooldown.String())
			return true
		}
		return false
	default:
		return false
	}
}

func (s *Store) recordSuccess() {
	prev := breakerState(s.state.Load())
	s.mu.Lock()
	s.failures = s.failures[:0]
	s.mu.Unlock()
	s.state.Store(int32(stateConnected))
	s.probeInflight.Store(false)
	if prev != stateConnected {
		s.logger.Info("rag breaker closed", "previous_state", prev.String())
	}
}

func (s *Store) recordFailure() {
	now := time.Now()

	if breakerState(s.state.Load()) == stateHalfOpen {
		// Probe failed; straight back to open for another cooldown.
		s.openCircuit(now)
		return
	}

	s.mu.Lock()
	s.failures = append(s.failures, now)
	cutoff := now.Add(-s.cfg.CircuitWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
	count := len(s.failures)
	s.mu.Unlock()

	if count >= s.cfg.CircuitThreshold {
		s.openCircuit(now)
	}
}

func (s *Store) openCircuit(now time.Time) {
	s.circuitOpened.Store(now.UnixNano())
	s.state.Store(int32(stateCircuitOpen))
	s.probeInflight.Store(false)
	s.mu.Lock()
	s.failures = s.failures[:0]
	s.mu.Unlock()
	s.logger.Warn("rag breaker opened",
		"threshold", s.cfg.CircuitThreshold,
		"cooldown", s.cfg.CircuitCooldown.String(),
	)
}

// ======
// helpers
// ======

// chunkID derives a stable UUID from the chunk's identity so re-indexing a
// file replaces its chunks in place.
func chunkID(c CodeChunk) string {
	hash := sha256.Sum256([]byte(c.FilePath + "\x00" + c.Document))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// parseChunks unpacks the GraphQL response into typed hits.
func parseChunks(resp *models.GraphQLResponse, className string) []RetrievedChunk {
	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}
	out := make([]RetrievedChunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := RetrievedChunk{
			FilePath:  getString(m, "file_path"),
			ChunkName: getString(m, "chunk_name"),
			Type:      getString(m, "chunk_type"),
			StartLine: getInt(m, "start_line"),
			EndLine:   getInt(m, "end_line"),
			Document:  getString(m, "document"),
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				chunk.ID = id
			}
			if d, ok := additional["distance"].(float64); ok {
				chunk.Distance = d
			}
		}
		out = append(out, chunk)
	}
	return out
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
