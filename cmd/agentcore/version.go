// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/spf13/cobra"
)

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	commit  = "unknown"
)

func runVersion(cmd *cobra.Command, args []string) {
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		fmt.Printf("VERSION: %s commit=%s go=%s\n", version, commit, runtime.Version())
		return
	}
	fmt.Printf("agentcore %s (%s, %s)\n", version, commit, runtime.Version())
}
