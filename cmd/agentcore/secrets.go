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
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/awnumar/memguard"
)

// envKeyPattern validates environment variable key names. Keys follow
// POSIX naming conventions, which also blocks shell metacharacter
// injection through crafted env files.
var envKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// sensitiveKeySuffixes mark values that are sealed in locked memory
// instead of being held as plain strings.
var sensitiveKeySuffixes = []string{"_API_KEY", "_TOKEN", "_SECRET", "_PASSWORD"}

// isSensitiveKey reports whether an env key names a credential.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// envFile is the parsed contents of an agent environment file.
//
// Description:
//
//	Plain values sit in an ordinary map. Credential values are sealed
//	in memguard enclaves, encrypted in process memory, and only enter
//	the environment between Apply and Scrub. That window is where the
//	transport SDKs read their keys; afterwards the enclaves are the
//	sole holders until purgeSecrets wipes them at shutdown.
//
// Thread Safety: not safe for concurrent use; the run command loads
// and applies it once during startup.
type envFile struct {
	// Path the file was read from, for error and log context.
	Path string

	plain   map[string]string
	secrets map[string]*memguard.Enclave

	// appliedSecrets are the credential keys Apply exported, so Scrub
	// removes only what this file added.
	appliedSecrets []string
}

// loadEnvFile reads and parses one env file.
func loadEnvFile(path string) (*envFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseEnvFile(path, f)
}

// findEnvFile returns the first candidate path that exists, or "".
func findEnvFile(candidates []string) string {
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// parseEnvFile parses KEY=VALUE lines.
//
// Description:
//
//	Blank lines and #-comments are skipped, a leading "export " is
//	tolerated, and values may be wrapped in single or double quotes.
//	There is no variable expansion or escape handling; values are
//	taken literally.
func parseEnvFile(path string, r io.Reader) (*envFile, error) {
	e := &envFile{
		Path:    path,
		plain:   make(map[string]string),
		secrets: make(map[string]*memguard.Enclave),
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNo)
		}
		key = strings.TrimSpace(key)
		if !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%s:%d: invalid key %q", path, lineNo, key)
		}
		value = unquoteEnvValue(strings.TrimSpace(value))

		if isSensitiveKey(key) {
			e.secrets[key] = memguard.NewEnclave([]byte(value))
		} else {
			e.plain[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return e, nil
}

// unquoteEnvValue strips one matching pair of surrounding quotes.
func unquoteEnvValue(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Apply exports the file's variables into the process environment.
// Variables already set in the environment win over the file, so shell
// overrides keep working. Nil receiver no-ops.
func (e *envFile) Apply() error {
	if e == nil {
		return nil
	}
	for key, value := range e.plain {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	for key, enclave := range e.secrets {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		buf, err := enclave.Open()
		if err != nil {
			return fmt.Errorf("open sealed value for %s: %w", key, err)
		}
		err = os.Setenv(key, buf.String())
		buf.Destroy()
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		e.appliedSecrets = append(e.appliedSecrets, key)
	}
	return nil
}

// Scrub removes the credentials Apply exported. The transport clients
// capture their keys at construction, so after wiring the environment
// no longer needs them. Nil receiver no-ops.
func (e *envFile) Scrub() {
	if e == nil {
		return
	}
	for _, key := range e.appliedSecrets {
		os.Unsetenv(key)
	}
	e.appliedSecrets = nil
}

// Redacted returns the loaded keys for logging, credentials masked.
func (e *envFile) Redacted() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.plain)+len(e.secrets))
	for key, value := range e.plain {
		out = append(out, key+"="+value)
	}
	for key := range e.secrets {
		out = append(out, key+"=[REDACTED]")
	}
	sort.Strings(out)
	return out
}

// purgeSecrets wipes all sealed memory. Called once during shutdown;
// existing enclaves are unusable afterwards.
func purgeSecrets() {
	memguard.Purge()
}
