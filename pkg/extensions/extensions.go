// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the hooks a host can inject into the agent
// engine without modifying it.
//
// The engine runs fine as a local single-user tool with no-op defaults
// for every hook. Hosts that embed the engine in a shared or regulated
// deployment provide concrete implementations and pass them to the agent
// via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by concern:
//
//   - audit.go: compliance audit logging (AuditLogger)
//   - filter.go: message transformation and PII redaction (MessageFilter)
//
// # Usage (local default)
//
//	opts := extensions.DefaultOptions()
//	agent.NewAgent(cfg, transport, registry, agent.WithExtensions(opts))
//
// # Usage (embedded host)
//
//	opts := extensions.ServiceOptions{
//	    AuditLogger:   hostAuditSink,
//	    MessageFilter: hostPIIFilter,
//	}
//	agent.NewAgent(cfg, transport, registry, agent.WithExtensions(opts))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for engine configuration.
//
// All fields are optional; Normalize replaces nil fields with no-op
// defaults, so hosts only set the hooks they care about.
type ServiceOptions struct {
	// AuditLogger records security-relevant engine events: user messages,
	// blocked messages, tool executions, final responses.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// MessageFilter transforms messages before and after model calls.
	// Default: NopMessageFilter (passes through unchanged)
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used when the engine runs as a local tool:
// no audit trail, no filtering.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// Normalize returns a copy of opts with nil fields replaced by no-op
// defaults. Consumers call this once at construction so call sites never
// nil-check a hook.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	if opts.MessageFilter == nil {
		opts.MessageFilter = &NopMessageFilter{}
	}
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}
