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
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/module"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/agentcore/pkg/validation"
)

// agentValidate checks registry entries, both built-in and user-defined.
var agentValidate = validator.New()

// AgentDef describes one runnable agent: the transport it talks to, the
// system instruction, and the tool surface it is allowed to use.
//
// Built-in definitions ship in the binary; users add or override entries
// in $AGENTCORE_HOME/agents.yaml (default ~/.agentcore/agents.yaml).
type AgentDef struct {
	// Module is the import-path-style identifier used by `agentcore run`.
	Module string `yaml:"module" validate:"required"`

	// Name is the display name shown in the chat header.
	Name string `yaml:"name" validate:"required"`

	// Provider selects the transport.
	Provider string `yaml:"provider" validate:"required,oneof=gemini openai"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Instruction is the system prompt. Empty uses the engine default.
	Instruction string `yaml:"instruction"`

	// Tools lists the tool names registered for this agent.
	Tools []string `yaml:"tools" validate:"dive,oneof=read_file write_file list_directory edit_file run_shell_command search_code index_directory validate_syntax"`

	// Planning toggles the plan-approval protocol. Nil means enabled.
	Planning *bool `yaml:"planning"`

	// Retrieval wires the vector store into plan prompts and the
	// search_code tool. Requires a reachable store.
	Retrieval bool `yaml:"retrieval"`

	// EnvFile is loaded before the agent starts. Empty falls back to
	// <home>/<base>.env and then ./.env.
	EnvFile string `yaml:"env_file"`

	// Root is the workspace directory file tools operate under.
	// Empty means the current directory.
	Root string `yaml:"root"`
}

// PlanningEnabled reports whether the plan-approval protocol is on.
func (d AgentDef) PlanningEnabled() bool {
	return d.Planning == nil || *d.Planning
}

// WorkspaceRoot returns the directory file tools are confined to.
func (d AgentDef) WorkspaceRoot() string {
	if d.Root == "" {
		return "."
	}
	return d.Root
}

// envFileCandidates returns the env file paths to try, in order. The
// first one that exists wins; none existing is not an error.
func (d AgentDef) envFileCandidates() []string {
	if d.EnvFile != "" {
		return []string{d.EnvFile}
	}
	base := path.Base(d.Module)
	return []string{
		filepath.Join(agentcoreHome(), base+".env"),
		".env",
	}
}

// builtinAgents returns the definitions compiled into the binary.
func builtinAgents() []AgentDef {
	off := false
	return []AgentDef{
		{
			Module:   "agents/coder",
			Name:     "coder",
			Provider: "gemini",
			Tools: []string{
				"read_file", "write_file", "list_directory", "edit_file",
				"run_shell_command", "validate_syntax", "search_code",
			},
			Retrieval: true,
		},
		{
			Module:   "agents/reviewer",
			Name:     "reviewer",
			Provider: "gemini",
			Instruction: "You are a careful code reviewer. Read the code you are " +
				"asked about, point out defects and risky patterns, and suggest " +
				"concrete fixes. Never modify files.",
			Tools:     []string{"read_file", "list_directory", "search_code"},
			Retrieval: true,
		},
		{
			Module:   "agents/chat",
			Name:     "chat",
			Provider: "gemini",
			Instruction: "You are a helpful assistant. Answer directly and " +
				"concisely.",
			Planning: &off,
		},
	}
}

// agentcoreHome returns the per-user state directory.
func agentcoreHome() string {
	if dir := os.Getenv("AGENTCORE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore"
	}
	return filepath.Join(home, ".agentcore")
}

// sessionStoreDir returns the BadgerDB directory for saved sessions.
func sessionStoreDir() string {
	return filepath.Join(agentcoreHome(), "sessions")
}

// registryFile is the on-disk shape of agents.yaml.
type registryFile struct {
	Agents []AgentDef `yaml:"agents"`
}

// loadAgentRegistry merges user-defined agents over the built-in set.
//
// Description:
//
//	Starts from the compiled-in definitions, then reads
//	<home>/agents.yaml if present. A user entry with the same module
//	path replaces the built-in one; new module paths are appended.
//	Every effective entry is validated.
//
// Outputs:
//   - []AgentDef: the merged registry.
//   - error: unreadable or invalid registry file, or an invalid entry.
func loadAgentRegistry() ([]AgentDef, error) {
	defs := builtinAgents()

	regPath := filepath.Join(agentcoreHome(), "agents.yaml")
	data, err := os.ReadFile(regPath)
	if err != nil {
		if os.IsNotExist(err) {
			return defs, nil
		}
		return nil, fmt.Errorf("read agent registry %s: %w", regPath, err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse agent registry %s: %w", regPath, err)
	}

	for _, def := range rf.Agents {
		if err := agentValidate.Struct(def); err != nil {
			return nil, fmt.Errorf("agent registry %s: agent %q: %w", regPath, def.Module, err)
		}
		if def.Model != "" {
			if err := validation.ValidateModelID(def.Model); err != nil {
				return nil, fmt.Errorf("agent registry %s: agent %q: %w", regPath, def.Module, err)
			}
		}
		replaced := false
		for i := range defs {
			if defs[i].Module == def.Module {
				defs[i] = def
				replaced = true
				break
			}
		}
		if !replaced {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// resolveAgent finds the definition for a `run` argument.
//
// Description:
//
//	The argument must be a valid import path. It matches a registry
//	entry either exactly or by the last path element, so both
//	`agentcore run agents/coder` and `agentcore run coder` work.
//
// Inputs:
//   - arg: the <agent-module> command line argument.
//
// Outputs:
//   - AgentDef: the resolved definition.
//   - error: invalid path, unknown module, or ambiguous short name.
func resolveAgent(arg string) (AgentDef, error) {
	if err := module.CheckImportPath(arg); err != nil {
		return AgentDef{}, fmt.Errorf("invalid agent module %q: %w", arg, err)
	}

	defs, err := loadAgentRegistry()
	if err != nil {
		return AgentDef{}, err
	}

	var byBase []AgentDef
	for _, def := range defs {
		if def.Module == arg {
			return def, nil
		}
		if path.Base(def.Module) == arg {
			byBase = append(byBase, def)
		}
	}
	switch len(byBase) {
	case 1:
		return byBase[0], nil
	case 0:
		known := make([]string, 0, len(defs))
		for _, def := range defs {
			known = append(known, def.Module)
		}
		return AgentDef{}, fmt.Errorf("unknown agent module %q (known: %s)",
			arg, strings.Join(known, ", "))
	default:
		full := make([]string, 0, len(byBase))
		for _, def := range byBase {
			full = append(full, def.Module)
		}
		return AgentDef{}, fmt.Errorf("ambiguous agent %q, use a full module path: %s",
			arg, strings.Join(full, ", "))
	}
}
