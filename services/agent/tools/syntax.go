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

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// maxSyntaxErrors caps reported errors on heavily malformed input.
const maxSyntaxErrors = 50

// SyntaxError is one parse error with its position in the source.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	EndLine int    `json:"end_line"`
	Message string `json:"message"`
}

// ValidateSyntaxTool implements validate_syntax: a tree-sitter parse check
// for Go, Python, and JavaScript that reports error-node ranges.
//
// Thread Safety: safe for concurrent use; parsers are created per call.
type ValidateSyntaxTool struct {
	root string
}

// NewValidateSyntaxTool builds a validate_syntax tool rooted at root.
func NewValidateSyntaxTool(root string) *ValidateSyntaxTool {
	return &ValidateSyntaxTool{root: root}
}

// Name returns the tool name.
func (t *ValidateSyntaxTool) Name() string { return "validate_syntax" }

// Definition returns the parameter schema.
func (t *ValidateSyntaxTool) Definition() Definition {
	return Definition{
		Name: "validate_syntax",
		Description: "Checks whether code parses cleanly, reporting error locations. " +
			"Use before applying changes. Supports Go, Python, and JavaScript.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "File to validate. Either path or content must be provided.",
			},
			{
				Name:        "content",
				Type:        ParamTypeString,
				Description: "Code to validate directly; takes precedence over path.",
			},
			{
				Name:        "language",
				Type:        ParamTypeString,
				Description: "Override language detection.",
				Enum:        []string{"go", "python", "javascript"},
			},
		},
		Timeout: 30 * time.Second,
	}
}

// Execute parses the source and collects error and missing nodes.
func (t *ValidateSyntaxTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	language, _ := args["language"].(string)

	if path == "" && content == "" {
		return nil, fmt.Errorf("validate_syntax: either path or content must be provided")
	}
	if content == "" {
		resolved, err := resolvePath(t.root, path)
		if err != nil {
			return nil, fmt.Errorf("validate_syntax: %w", err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("validate_syntax: %w", err)
		}
		content = string(data)
	}
	if language == "" {
		language = detectLanguage(path)
		if language == "" {
			return nil, fmt.Errorf("validate_syntax: could not detect language from %q; pass the language parameter", path)
		}
	}
	tsLang := treeSitterLanguage(language)
	if tsLang == nil {
		return nil, fmt.Errorf("validate_syntax: unsupported language %q", language)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(tsLang)
	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("validate_syntax: parse failed: %w", err)
	}
	defer tree.Close()

	var errs []SyntaxError
	collectErrorNodes(tree.RootNode(), []byte(content), &errs, 0)

	return map[string]any{
		"valid":       len(errs) == 0,
		"language":    language,
		"errors":      errs,
		"error_count": len(errs),
	}, nil
}

// detectLanguage maps a file extension onto a supported language name.
func detectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	default:
		return ""
	}
}

func treeSitterLanguage(language string) *sitter.Language {
	switch language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	default:
		return nil
	}
}

// collectErrorNodes walks the tree gathering ERROR and MISSING nodes. Depth
// is bounded to survive pathologically nested input.
func collectErrorNodes(node *sitter.Node, content []byte, out *[]SyntaxError, depth int) {
	if node == nil || depth > 1000 || len(*out) >= maxSyntaxErrors {
		return
	}
	if node.IsError() || node.IsMissing() {
		start := node.StartPoint()
		end := node.EndPoint()

		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else {
			sb := node.StartByte()
			eb := node.EndByte()
			if eb > uint32(len(content)) {
				eb = uint32(len(content))
			}
			if eb > sb && eb-sb < 80 {
				msg = fmt.Sprintf("unexpected: %s", strings.TrimSpace(string(content[sb:eb])))
			}
		}
		*out = append(*out, SyntaxError{
			Line:    int(start.Row) + 1,
			Column:  int(start.Column),
			EndLine: int(end.Row) + 1,
			Message: msg,
		})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectErrorNodes(node.Child(i), content, out, depth+1)
	}
}
