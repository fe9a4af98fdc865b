// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that are
// used in database keys, file paths, or object names. Using these validators
// prevents injection attacks (key collisions, path traversal, malformed
// object names in remote storage).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sessionIDPattern matches valid session identifiers.
// Allows: letters, digits, then dots, hyphens and underscores (uuid-style
// IDs and human-chosen names both pass).
// Max length: 64 characters.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,63}$`)

// modelIDPattern matches valid model identifiers.
// Allows: letters, digits, then dots, colons, slashes, hyphens and
// underscores (covers "gpt-4o", "gemini-2.0-flash", "models/gemini-pro",
// "org/model:tag").
// Max length: 128 characters.
var modelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/\-]{0,127}$`)

// ValidateSessionID validates a session identifier before it is used as a
// database key or a cloud-storage object name component.
//
// Description:
//
//	Session IDs arrive from the --session-id flag and from saved-session
//	records. They become BadgerDB keys and GCS object name components, so
//	an unvalidated ID could collide with another key prefix or smuggle a
//	path separator into an object name. The pattern admits only
//	alphanumerics, dots, hyphens and underscores, must start with an
//	alphanumeric, and caps length at 64.
//
// Inputs:
//   - id: the candidate session identifier.
//
// Outputs:
//   - error: nil if valid, a descriptive error otherwise.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID must not be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("session ID too long: %d characters (max 64)", len(id))
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID must not contain %q", "..")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session ID %q: only letters, digits, '.', '-' and '_' are allowed, starting with a letter or digit", id)
	}
	return nil
}

// ValidateModelID validates a model identifier before it is placed in
// transport requests and telemetry labels.
//
// Description:
//
//	Model IDs come from configuration files and environment variables.
//	They are echoed into metric label values and request payloads, so a
//	control character or an overlong value would corrupt both. Provider
//	namespacing ("models/x", "org/model:tag") is allowed.
//
// Inputs:
//   - model: the candidate model identifier.
//
// Outputs:
//   - error: nil if valid, a descriptive error otherwise.
func ValidateModelID(model string) error {
	if model == "" {
		return fmt.Errorf("model ID must not be empty")
	}
	if len(model) > 128 {
		return fmt.Errorf("model ID too long: %d characters (max 128)", len(model))
	}
	if !modelIDPattern.MatchString(model) {
		return fmt.Errorf("invalid model ID %q: only letters, digits, '.', ':', '/', '-' and '_' are allowed, starting with a letter or digit", model)
	}
	return nil
}
