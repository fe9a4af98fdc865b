// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"strings"
)

// DefaultRetryablePatterns matches transient transport failures worth a
// backoff and retry: rate limits, 5xx, timeouts, network trouble, and
// malformed or oversized payloads that shrinkage can fix.
func DefaultRetryablePatterns() []string {
	return []string{
		"429",
		"resource_exhausted",
		"500",
		"502",
		"503",
		"504",
		"internal",
		"servererror",
		"timeout",
		"timed out",
		"network",
		"connection",
		"unreachable",
		"json",
		"token",
		"context length",
		"too long",
		"deadline_exceeded",
		"unavailable",
		"aborted",
	}
}

// DefaultNonRetryablePatterns matches permanent failures where a retry can
// only burn quota: auth, bad arguments, unknown models.
func DefaultNonRetryablePatterns() []string {
	return []string{
		"permission_denied",
		"unauthenticated",
		"invalid_argument",
		"not_found",
		"not found",
		"already_exists",
		"failed_precondition",
		"auth",
		"invalid key",
		"invalid api key",
	}
}

// RetryClassifier decides whether a transport error is worth retrying.
//
// Description:
//
//	Classification is substring matching over the lowercased error text.
//	Non-retryable patterns are checked first: an authentication failure
//	that happens to mention "token" must not retry forever. Errors that
//	match neither list are non-retryable, an unknown failure looping is
//	worse than one surfacing.
type RetryClassifier struct {
	retryable    []string
	nonRetryable []string
}

// NewRetryClassifier builds a classifier. Empty pattern lists fall back to
// the defaults.
func NewRetryClassifier(retryable, nonRetryable []string) *RetryClassifier {
	if len(retryable) == 0 {
		retryable = DefaultRetryablePatterns()
	}
	if len(nonRetryable) == 0 {
		nonRetryable = DefaultNonRetryablePatterns()
	}
	c := &RetryClassifier{
		retryable:    make([]string, len(retryable)),
		nonRetryable: make([]string, len(nonRetryable)),
	}
	for i, p := range retryable {
		c.retryable[i] = strings.ToLower(p)
	}
	for i, p := range nonRetryable {
		c.nonRetryable[i] = strings.ToLower(p)
	}
	return c
}

// IsRetryable reports whether err is worth a backoff and retry.
func (c *RetryClassifier) IsRetryable(err error) bool {
	retryable, _ := c.Classify(err)
	return retryable
}

// Classify reports retryability and the pattern that decided it. The
// pattern is "" when nothing matched and for sentinel-kind decisions.
func (c *RetryClassifier) Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// Sentinel kinds override text matching: the engine already decided.
	if errors.Is(err, ErrRetryableTransport) {
		return true, ""
	}
	if errors.Is(err, ErrNonRetryableTransport) {
		return false, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is the caller's decision, never retried.
		return false, ""
	}

	text := strings.ToLower(err.Error())

	for _, p := range c.nonRetryable {
		if strings.Contains(text, p) {
			return false, p
		}
	}
	for _, p := range c.retryable {
		if strings.Contains(text, p) {
			return true, p
		}
	}
	return false, ""
}

// UserMessage produces the one-line user-visible description for an error
// that will not be retried.
func (c *RetryClassifier) UserMessage(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())

	switch {
	case strings.Contains(text, "permission_denied"), strings.Contains(text, "unauthenticated"),
		strings.Contains(text, "auth"), strings.Contains(text, "invalid key"),
		strings.Contains(text, "invalid api key"):
		return "I couldn't authenticate with the language model service. Please check the configured API key."
	case strings.Contains(text, "invalid_argument"):
		return "The language model rejected the request as invalid. This usually indicates a configuration problem."
	case strings.Contains(text, "not_found"), strings.Contains(text, "not found"):
		return "The configured model was not found. Please check the model name in your configuration."
	case strings.Contains(text, "failed_precondition"), strings.Contains(text, "already_exists"):
		return "The language model service rejected the request due to its current state."
	default:
		return "I ran into an error I couldn't recover from: " + errorSuffix(err)
	}
}

// errorSuffix renders "type: message" with a hint for subprocess and pipe
// failures, which usually mean a tool's process died underneath us.
func errorSuffix(err error) string {
	text := err.Error()
	lower := strings.ToLower(text)
	if strings.Contains(lower, "broken pipe") || strings.Contains(lower, "subprocess") ||
		strings.Contains(lower, "exit status") {
		return text + " (a helper process may have exited; retrying the command may help)"
	}
	return text
}
