// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
)

// Sentinel errors for transport adapters.
var (
	// ErrCountTokensUnsupported is returned by CountTokens when the
	// provider has no native counting endpoint. The token counter probes
	// for this at startup and falls back to local BPE counting.
	ErrCountTokensUnsupported = errors.New("count tokens not supported by transport")

	// ErrEmptyResponse indicates the transport returned no candidates.
	ErrEmptyResponse = errors.New("transport returned empty response")

	// ErrMissingAPIKey indicates no credential could be resolved for the
	// provider.
	ErrMissingAPIKey = errors.New("missing API key")
)

// Client is the transport interface provider adapters implement.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; one client is shared
//	across conversations.
type Client interface {
	// Name returns the provider identifier used for routing and logging,
	// e.g. "gemini" or "openai".
	Name() string

	// Model returns the default model identifier this client was built
	// with. Request.Model overrides it per call when non-empty.
	Model() string

	// Generate performs one model call. Blocking; honors ctx cancellation.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// CountTokens returns the exact token count for text under the given
	// model, or ErrCountTokensUnsupported when the provider has no native
	// counting endpoint.
	CountTokens(ctx context.Context, model, text string) (int, error)

	// Close releases transport resources.
	Close() error
}
