// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

const (
	chunkSize    = 1000
	chunkOverlap = chunkSize / 10

	// indexMaxFileBytes skips files too large to be useful context.
	indexMaxFileBytes = 1 << 20
)

var (
	defaultSeparators = []string{"\n\n", "\n", " ", ""}
	pythonSeparators  = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	cStyleSeparators  = []string{"\nfunc ", "\ntype ", "\nclass ", "\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}

	// skipDirs are directory names never worth indexing.
	skipDirs = map[string]struct{}{
		".git":         {},
		"node_modules": {},
		"vendor":       {},
		"dist":         {},
		"build":        {},
		"__pycache__":  {},
	}
)

// DefaultIndexExtensions are the file extensions indexed when the caller
// does not narrow them.
func DefaultIndexExtensions() []string {
	return []string{".go", ".py", ".js", ".ts", ".md", ".yaml", ".yml", ".json"}
}

// IndexOptions narrows what IndexDirectory touches.
type IndexOptions struct {
	// Extensions filters files by extension; empty uses the defaults.
	Extensions []string

	// ForceReindex deletes a file's existing chunks before inserting.
	ForceReindex bool
}

// IndexSummary reports what an indexing pass did.
type IndexSummary struct {
	Files    int           `json:"files"`
	Chunks   int           `json:"chunks"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Indexer walks directories, splits source files into chunks, embeds them,
// and stores the vectors.
//
// Thread Safety: safe for concurrent use; each call carries its own state.
type Indexer struct {
	store    *Store
	embedder *Embedder
	logger   *logging.Logger
}

// NewIndexer builds an Indexer over a store and embedder.
func NewIndexer(store *Store, embedder *Embedder, logger *logging.Logger) *Indexer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Indexer{store: store, embedder: embedder, logger: logger}
}

// IndexDirectory indexes every matching file under path.
//
// Description:
//
//	Walks path, skipping hidden and dependency directories, splits each
//	matching file with a language-aware recursive splitter, embeds the
//	chunks, and batch-inserts them with line-range metadata. Files that
//	are too large, unreadable, or produce no chunks are counted as
//	skipped. Indexing continues past per-file failures; only a missing
//	root or cancelled context aborts the pass.
//
// Inputs:
//   - ctx: cancels the walk and downstream calls.
//   - path: directory to index.
//   - opts: extension filter and re-index mode.
//
// Outputs:
//   - IndexSummary: files indexed, chunks stored, files skipped, duration.
//   - error: non-nil if the walk could not run at all.
//
// Thread Safety: safe for concurrent use.
func (ix *Indexer) IndexDirectory(ctx context.Context, path string, opts IndexOptions) (IndexSummary, error) {
	start := time.Now()
	summary := IndexSummary{}

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultIndexExtensions()
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	if err := ix.store.EnsureSchema(ctx); err != nil {
		return summary, fmt.Errorf("rag: ensuring schema: %w", err)
	}

	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if _, skip := skipDirs[name]; skip || (strings.HasPrefix(name, ".") && p != path) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(p))]; !ok {
			return nil
		}

		chunks, err := ix.IndexFile(ctx, p, opts.ForceReindex)
		if err != nil {
			ix.logger.Warn("skipping file", "path", p, "error", err.Error())
			summary.Skipped++
			return nil
		}
		if chunks == 0 {
			summary.Skipped++
			return nil
		}
		summary.Files++
		summary.Chunks += chunks
		return nil
	})

	summary.Duration = time.Since(start)
	if walkErr != nil {
		return summary, fmt.Errorf("rag: indexing %s: %w", path, walkErr)
	}
	ix.logger.Info("index pass complete",
		"path", path,
		"files", summary.Files,
		"chunks", summary.Chunks,
		"skipped", summary.Skipped,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// IndexFile splits, embeds, and stores one file. Returns the number of
// chunks stored; zero with nil error means the file was empty.
func (ix *Indexer) IndexFile(ctx context.Context, path string, replace bool) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > indexMaxFileBytes {
		return 0, fmt.Errorf("file exceeds %d bytes", indexMaxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return 0, nil
	}

	pieces, err := splitterFor(path).SplitText(content)
	if err != nil {
		return 0, fmt.Errorf("splitting: %w", err)
	}
	if len(pieces) == 0 {
		return 0, nil
	}

	language := languageForExt(filepath.Ext(path))
	chunks := make([]CodeChunk, 0, len(pieces))
	offset := 0
	for i, piece := range pieces {
		startLine, endLine := lineRange(content, piece, &offset)
		chunks = append(chunks, CodeChunk{
			FilePath:  path,
			ChunkName: fmt.Sprintf("%s#%d", filepath.Base(path), i+1),
			Type:      "code",
			Language:  language,
			StartLine: startLine,
			EndLine:   endLine,
			Document:  piece,
		})
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Document
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding: %w", err)
	}

	if replace {
		if err := ix.store.DeleteByPath(ctx, path); err != nil {
			return 0, fmt.Errorf("clearing stale chunks: %w", err)
		}
	}
	inserted, err := ix.store.InsertChunks(ctx, chunks, vectors)
	if err != nil {
		return 0, fmt.Errorf("storing: %w", err)
	}
	return inserted, nil
}

// splitterFor picks separators that respect the file's structure.
func splitterFor(path string) textsplitter.TextSplitter {
	var separators []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		separators = markdownSeparators
	case ".py", ".pyi":
		separators = pythonSeparators
	case ".go", ".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".cpp", ".h", ".rs":
		separators = cStyleSeparators
	default:
		separators = defaultSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

func languageForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "text"
	}
}

// lineRange locates piece within content at or after *offset and returns
// its 1-based line span. Overlapping chunks search from the last start so
// ranges stay monotonic.
func lineRange(content, piece string, offset *int) (int, int) {
	idx := strings.Index(content[*offset:], piece)
	if idx < 0 {
		idx = strings.Index(content, piece)
		if idx < 0 {
			return 1, 1 + strings.Count(piece, "\n")
		}
	} else {
		idx += *offset
	}
	*offset = idx + 1

	startLine := 1 + strings.Count(content[:idx], "\n")
	endLine := startLine + strings.Count(piece, "\n")
	return startLine, endLine
}
