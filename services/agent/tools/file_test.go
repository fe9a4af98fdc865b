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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolvePathContainment verifies relative and absolute paths stay
// inside the project root.
func TestResolvePathContainment(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative inside", path: "src/main.go"},
		{name: "dot", path: "."},
		{name: "absolute inside", path: filepath.Join(root, "notes.txt")},
		{name: "traversal", path: "../outside.txt", wantErr: true},
		{name: "nested traversal", path: "src/../../outside.txt", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "empty", path: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := resolvePath(root, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if resolved != root {
				assert.Equal(t, root+string(filepath.Separator), resolved[:len(root)+1])
			}
		})
	}
}

// TestReadWriteRoundTrip verifies write_file then read_file through the
// tool interfaces.
func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	tctx := NewToolContext()

	writer := NewWriteFileTool(root)
	out, err := writer.Execute(ctx, map[string]any{
		"path":    "nested/dir/hello.txt",
		"content": "hello world",
	}, tctx)
	require.NoError(t, err)
	assert.Equal(t, 11, out.(map[string]any)["bytes_written"])

	// The written path is published for downstream tools.
	last, ok := tctx.Get("last_written_file")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "nested", "dir", "hello.txt"), last)

	reader := NewReadFileTool(root)
	out, err = reader.Execute(ctx, map[string]any{"path": "nested/dir/hello.txt"}, nil)
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "hello world", result["content"])
	assert.Equal(t, false, result["truncated"])
}

// TestReadFileMissing verifies a missing file surfaces the os error.
func TestReadFileMissing(t *testing.T) {
	reader := NewReadFileTool(t.TempDir())

	_, err := reader.Execute(context.Background(), map[string]any{"path": "nope.txt"}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestReadFileTruncation verifies oversized content is cut at the cap
// with the truncation marker appended.
func TestReadFileTruncation(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), big, 0644))

	reader := NewReadFileTool(root)
	reader.maxBytes = 10

	out, err := reader.Execute(context.Background(), map[string]any{"path": "big.txt"}, nil)
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["truncated"])
	assert.Equal(t, "xxxxxxxxxx"+shellTruncationMarker, result["content"])
	assert.Equal(t, 100, result["size"])
}

// TestWriteFileEscapeRejected verifies write_file refuses paths outside
// the root before touching the filesystem.
func TestWriteFileEscapeRejected(t *testing.T) {
	writer := NewWriteFileTool(t.TempDir())

	_, err := writer.Execute(context.Background(), map[string]any{
		"path":    "../escape.txt",
		"content": "nope",
	}, nil)
	assert.Error(t, err)
}

// TestListDirectory verifies entries report names, kinds, and sizes, and
// that the path defaults to the root.
func TestListDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	lister := NewListDirectoryTool(root)
	out, err := lister.Execute(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 2, result["count"])

	byName := map[string]map[string]any{}
	for _, e := range result["entries"].([]map[string]any) {
		byName[e["name"].(string)] = e
	}
	require.Contains(t, byName, "a.txt")
	require.Contains(t, byName, "sub")
	assert.Equal(t, "file", byName["a.txt"]["type"])
	assert.Equal(t, int64(3), byName["a.txt"]["size"])
	assert.Equal(t, "dir", byName["sub"]["type"])
}
