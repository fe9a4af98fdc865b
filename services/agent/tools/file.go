// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// readFileMaxBytes caps file content returned to the model.
const readFileMaxBytes = 256 * 1024

// resolvePath joins relative paths onto root and rejects anything that
// escapes it. An empty root disables containment and resolves relative
// paths against the process working directory.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	resolved := path
	if !filepath.IsAbs(resolved) && root != "" {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if root != "" {
		cleanRoot := filepath.Clean(root)
		if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes project root", path)
		}
	}
	return resolved, nil
}

// ======
// read_file
// ======

// ReadFileTool implements read_file: bounded, path-validated file reads.
type ReadFileTool struct {
	root     string
	maxBytes int
}

// NewReadFileTool builds a read_file tool rooted at root. An empty root
// allows absolute paths anywhere.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root, maxBytes: readFileMaxBytes}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string { return "read_file" }

// Definition returns the parameter schema.
func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Reads a text file and returns its content. Large files are truncated.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "Path to the file, absolute or relative to the project root.",
				Required:    true,
			},
		},
		Timeout: 10 * time.Second,
	}
}

// Execute reads the file.
func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	path, _ := args["path"].(string)
	resolved, err := resolvePath(t.root, path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	content := string(data)
	truncated := false
	if len(content) > t.maxBytes {
		content = content[:t.maxBytes] + shellTruncationMarker
		truncated = true
	}
	return map[string]any{
		"path":      resolved,
		"content":   content,
		"size":      len(data),
		"truncated": truncated,
	}, nil
}

// ======
// write_file
// ======

// WriteFileTool implements write_file: path-validated writes that create
// parent directories as needed.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool builds a write_file tool rooted at root.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: root}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string { return "write_file" }

// Definition returns the parameter schema.
func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Writes content to a file, creating parent directories and replacing any existing content.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "Path to the file, absolute or relative to the project root.",
				Required:    true,
			},
			{
				Name:        "content",
				Type:        ParamTypeString,
				Description: "The full content to write.",
				Required:    true,
			},
		},
		Timeout: 10 * time.Second,
	}
}

// Execute writes the file.
func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(t.root, path)
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if tctx != nil {
		tctx.Set("last_written_file", resolved)
	}
	return map[string]any{
		"path":          resolved,
		"bytes_written": len(content),
	}, nil
}

// ======
// list_directory
// ======

// ListDirectoryTool implements list_directory.
type ListDirectoryTool struct {
	root string
}

// NewListDirectoryTool builds a list_directory tool rooted at root.
func NewListDirectoryTool(root string) *ListDirectoryTool {
	return &ListDirectoryTool{root: root}
}

// Name returns the tool name.
func (t *ListDirectoryTool) Name() string { return "list_directory" }

// Definition returns the parameter schema.
func (t *ListDirectoryTool) Definition() Definition {
	return Definition{
		Name:        "list_directory",
		Description: "Lists the entries of a directory with their types and sizes.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "Directory path, absolute or relative to the project root.",
				Default:     ".",
			},
		},
		Timeout: 10 * time.Second,
	}
}

// Execute lists the directory.
func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(t.root, path)
	if err != nil {
		return nil, fmt.Errorf("list_directory: %w", err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list_directory: %w", err)
	}
	listing := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		var size int64
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		listing = append(listing, map[string]any{
			"name": e.Name(),
			"type": kind,
			"size": size,
		})
	}
	return map[string]any{
		"path":    resolved,
		"entries": listing,
		"count":   len(listing),
	}, nil
}
