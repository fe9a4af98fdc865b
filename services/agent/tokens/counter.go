// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens provides token counting with a graceful fallback chain.
//
// Budget math elsewhere in the engine only has to call Count; the choice
// of counting backend is resolved once at construction and degrades in
// order of accuracy:
//
//  1. native: the transport's own count endpoint (exact for the model)
//  2. model BPE: a tokenizer matched to the model family
//  3. generic BPE: the cl100k_base tokenizer
//  4. heuristic: len(text)/4
//
// A bound backend that fails at call time falls back to the heuristic for
// that call only; the binding itself never changes after construction.
package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// probeText is sent to a native counter at construction to verify it works
// before binding it.
const probeText = "probe"

// nativeProbeTimeout bounds the construction-time probe call.
const nativeProbeTimeout = 5 * time.Second

// nativeCallTimeout bounds each runtime native count call.
const nativeCallTimeout = 10 * time.Second

// NativeCounter is the transport-provided exact counting function, typically
// an LLM client's count-tokens endpoint.
type NativeCounter func(ctx context.Context, text string) (int, error)

// Backend identifies which counting tier a Counter is bound to.
type Backend string

const (
	// BackendNative means counts come from the transport's count endpoint.
	BackendNative Backend = "native"

	// BackendModelBPE means counts come from a tokenizer matched to the
	// configured model.
	BackendModelBPE Backend = "model_bpe"

	// BackendGenericBPE means counts come from the cl100k_base tokenizer.
	BackendGenericBPE Backend = "generic_bpe"

	// BackendHeuristic means counts are len(text)/4.
	BackendHeuristic Backend = "heuristic"
)

// Encodings are expensive to build, so they are cached for the process.
var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens using the most accurate backend available for its
// model. The zero value is unusable; construct with NewCounter.
//
// Thread Safety: Counter is safe for concurrent use after construction.
// All mutable state lives in the process-wide encoding cache, which is
// lock-protected.
type Counter struct {
	model    string
	backend  Backend
	native   NativeCounter
	encoding *tiktoken.Tiktoken
}

// NewCounter creates a Counter for the given model, resolving the counting
// backend once.
//
// Description:
//
//	Tries each tier in accuracy order. A non-nil native counter is probed
//	with a short string; if the probe succeeds the native backend is bound
//	for the Counter's lifetime. Otherwise a model-specific BPE encoding is
//	tried, then the generic cl100k_base encoding, and finally the chars/4
//	heuristic, which always succeeds.
//
// Inputs:
//
//	model - Model identifier used for BPE encoding lookup (e.g.
//	        "gpt-4o", "gemini-2.0-flash"). May be empty; empty skips the
//	        model BPE tier.
//	native - Optional transport count function. Pass nil when the
//	         transport has no count endpoint.
//
// Outputs:
//
//	*Counter - Never nil. Backend() reports which tier was bound.
func NewCounter(model string, native NativeCounter) *Counter {
	c := &Counter{model: model}

	if native != nil {
		ctx, cancel := context.WithTimeout(context.Background(), nativeProbeTimeout)
		_, err := native(ctx, probeText)
		cancel()
		if err == nil {
			c.backend = BackendNative
			c.native = native
			return c
		}
	}

	if model != "" {
		if enc, err := cachedEncodingForModel(model); err == nil {
			c.backend = BackendModelBPE
			c.encoding = enc
			return c
		}
	}

	if enc, err := cachedEncoding("cl100k_base"); err == nil {
		c.backend = BackendGenericBPE
		c.encoding = enc
		return c
	}

	c.backend = BackendHeuristic
	return c
}

// Count returns the token count for text. It never returns a negative value
// and never errors: if the bound backend fails for this call, the chars/4
// heuristic is used instead.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	switch c.backend {
	case BackendNative:
		ctx, cancel := context.WithTimeout(context.Background(), nativeCallTimeout)
		defer cancel()
		n, err := c.native(ctx, text)
		if err != nil || n < 0 {
			return Estimate(text)
		}
		return n

	case BackendModelBPE, BackendGenericBPE:
		return len(c.encoding.Encode(text, nil, nil))

	default:
		return Estimate(text)
	}
}

// Backend returns which counting tier this Counter is bound to.
func (c *Counter) Backend() Backend {
	return c.backend
}

// Model returns the model identifier the Counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate returns the chars/4 heuristic count. Exposed for callers that
// need a cheap bound without a Counter (emergency paths, log annotations).
func Estimate(text string) int {
	return len(text) / 4
}

// cachedEncodingForModel returns the model-family encoding, consulting the
// process cache first.
func cachedEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()
	return enc, nil
}

// cachedEncoding returns a named encoding, consulting the process cache
// first. Cache keys are prefixed to avoid colliding with model names.
func cachedEncoding(name string) (*tiktoken.Tiktoken, error) {
	key := "encoding:" + name

	cacheMu.RLock()
	cached, ok := encodingCache[key]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	encodingCache[key] = enc
	cacheMu.Unlock()
	return enc, nil
}
