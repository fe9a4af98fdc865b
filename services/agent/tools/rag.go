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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/agentcore/services/agent/rag"
)

// CodeSearcher is the retrieval surface search_code needs. *rag.Store
// satisfies it.
type CodeSearcher interface {
	RetrieveCodeContext(ctx context.Context, query string, topK int) (*rag.RetrievalResult, error)
}

// DirectoryIndexer is the indexing surface index_directory needs.
// *rag.Indexer satisfies it.
type DirectoryIndexer interface {
	IndexDirectory(ctx context.Context, path string, opts rag.IndexOptions) (rag.IndexSummary, error)
}

// ======
// search_code
// ======

// SearchCodeTool implements search_code over the retrieval collaborator.
type SearchCodeTool struct {
	searcher CodeSearcher
}

// NewSearchCodeTool builds a search_code tool.
func NewSearchCodeTool(searcher CodeSearcher) *SearchCodeTool {
	return &SearchCodeTool{searcher: searcher}
}

// Name returns the tool name.
func (t *SearchCodeTool) Name() string { return "search_code" }

// Definition returns the parameter schema.
func (t *SearchCodeTool) Definition() Definition {
	return Definition{
		Name: "search_code",
		Description: "Searches the indexed codebase semantically and returns the most " +
			"relevant chunks with file paths and line ranges.",
		Params: []ParamDef{
			{
				Name:        "query",
				Type:        ParamTypeString,
				Description: "What to look for, in natural language or code.",
				Required:    true,
			},
			{
				Name:        "limit",
				Type:        ParamTypeInteger,
				Description: "Maximum number of chunks to return.",
				Default:     5,
			},
		},
		Timeout: 30 * time.Second,
	}
}

// Execute runs the search. An unavailable store degrades to a result the
// model can work around rather than a hard failure.
func (t *SearchCodeTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("search_code: query is empty")
	}
	limit := intArg(args, "limit", 5)

	result, err := t.searcher.RetrieveCodeContext(ctx, query, limit)
	if err != nil {
		if errors.Is(err, rag.ErrRAGUnavailable) {
			return map[string]any{
				"query":     query,
				"available": false,
				"context":   "",
				"note":      "code search index is unavailable; proceed without it",
			}, nil
		}
		return nil, fmt.Errorf("search_code: %w", err)
	}
	return map[string]any{
		"query":     query,
		"available": true,
		"matches":   len(result.Chunks),
		"context":   result.FormatContext(),
	}, nil
}

// ======
// index_directory
// ======

// IndexDirectoryTool implements index_directory over the indexer.
type IndexDirectoryTool struct {
	indexer DirectoryIndexer
}

// NewIndexDirectoryTool builds an index_directory tool.
func NewIndexDirectoryTool(indexer DirectoryIndexer) *IndexDirectoryTool {
	return &IndexDirectoryTool{indexer: indexer}
}

// Name returns the tool name.
func (t *IndexDirectoryTool) Name() string { return "index_directory" }

// Definition returns the parameter schema.
func (t *IndexDirectoryTool) Definition() Definition {
	return Definition{
		Name:        "index_directory",
		Description: "Indexes a directory tree into the code search store so search_code can find it.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "Directory to index.",
				Required:    true,
			},
			{
				Name:        "force",
				Type:        ParamTypeBoolean,
				Description: "Re-index files even if they were indexed before.",
				Default:     false,
			},
		},
		Timeout: 10 * time.Minute,
	}
}

// Execute runs the indexing pass.
func (t *IndexDirectoryTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("index_directory: path is empty")
	}
	force, _ := args["force"].(bool)

	summary, err := t.indexer.IndexDirectory(ctx, path, rag.IndexOptions{ForceReindex: force})
	if err != nil {
		return nil, fmt.Errorf("index_directory: %w", err)
	}
	return map[string]any{
		"path":        path,
		"files":       summary.Files,
		"chunks":      summary.Chunks,
		"skipped":     summary.Skipped,
		"duration_ms": summary.Duration.Milliseconds(),
	}, nil
}

// intArg reads an integer argument tolerating JSON float decoding.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
