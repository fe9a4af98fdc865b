// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	geminiSecretPath   = "/run/secrets/gemini_api_key"
)

// GeminiClient is the Gemini API transport.
//
// Description:
//
//	Wraps the google genai SDK. System content is carried in the request
//	config's SystemInstruction; tool declarations are grouped into a
//	single genai.Tool as the function-calling API requires. Token
//	counting uses the native countTokens endpoint, so budget math matches
//	what the server bills.
//
// Thread Safety:
//
//	Safe for concurrent use. The underlying SDK client is stateless
//	between calls.
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *logging.Logger
}

var _ Client = (*GeminiClient)(nil)

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithGeminiLogger sets the structured logger.
func WithGeminiLogger(logger *logging.Logger) GeminiOption {
	return func(g *GeminiClient) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGeminiClient creates a Gemini transport for the given model.
//
// Description:
//
//	Resolves the API key from GEMINI_API_KEY, then GOOGLE_API_KEY, then
//	the container secret at /run/secrets/gemini_api_key. An empty model
//	falls back to gemini-2.5-flash.
//
// Inputs:
//   - ctx: used by the SDK during client construction.
//   - model: default model identifier, may be overridden per request.
//
// Outputs:
//   - *GeminiClient: ready transport.
//   - error: ErrMissingAPIKey when no credential resolves, or the SDK
//     construction error.
func NewGeminiClient(ctx context.Context, model string, opts ...GeminiOption) (*GeminiClient, error) {
	g := &GeminiClient{model: model, logger: logging.Default()}
	for _, opt := range opts {
		opt(g)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		keyBytes, err := os.ReadFile(geminiSecretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			g.logger.Info("read the Gemini API key from container secrets", "path", geminiSecretPath)
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set GEMINI_API_KEY or provide %s", ErrMissingAPIKey, geminiSecretPath)
	}

	if g.model == "" {
		g.model = defaultGeminiModel
		g.logger.Warn("model not set, defaulting", "model", g.model)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.client = client

	g.logger.Info("initialized Gemini client", "model", g.model)
	return g, nil
}

// Name implements Client.
func (g *GeminiClient) Name() string { return "gemini" }

// Model implements Client.
func (g *GeminiClient) Model() string { return g.model }

// Generate implements Client.
//
// Errors from the SDK are wrapped but never rewritten; the retry
// classifier matches on the provider's status text.
func (g *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	contents, inlineSystem := geminiContents(req.Contents)
	system := req.System
	if inlineSystem != "" {
		if system != "" {
			system += "\n\n"
		}
		system += inlineSystem
	}
	config := geminiGenerateConfig(req.Config, system, req.Tools)

	g.logger.Debug("generating via Gemini",
		"model", model,
		"message_count", len(contents),
		"tool_count", len(req.Tools),
	)
	genResp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		g.logger.Error("Gemini API call failed", "model", model, "error", err)
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return parseGeminiResponse(genResp)
}

// CountTokens implements Client using the native countTokens endpoint.
func (g *GeminiClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	if model == "" {
		model = g.model
	}
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: text}},
	}}
	resp, err := g.client.Models.CountTokens(ctx, model, contents, nil)
	if err != nil {
		return 0, fmt.Errorf("gemini count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

// Close implements Client. The genai SDK holds no persistent connection.
func (g *GeminiClient) Close() error { return nil }

// geminiContents converts the transport-neutral conversation to genai
// contents. Gemini has no system role inside contents, so system-role
// messages are folded into the returned instruction text in order.
func geminiContents(msgs []Message) ([]*genai.Content, string) {
	var system strings.Builder
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if t := m.Text(); t != "" {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(t)
			}
			continue
		}
		parts := geminiParts(m.Parts)
		if len(parts) == 0 {
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		// Tool results come from the user side.
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, system.String()
}

// geminiParts converts outbound parts. Reasoning parts are never sent
// back to the model.
func geminiParts(parts []Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				},
			})
		case p.FunctionResponse != nil:
			response := p.FunctionResponse.Response
			if response == nil {
				response = map[string]any{}
			}
			out = append(out, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       p.FunctionResponse.ID,
					Name:     p.FunctionResponse.Name,
					Response: response,
				},
			})
		case p.Text != "" && !p.Thought:
			out = append(out, &genai.Part{Text: p.Text})
		}
	}
	return out
}

func geminiGenerateConfig(cfg GenerateConfig, system string, tools []Tool) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if cfg.Temperature != nil {
		config.Temperature = genai.Ptr(*cfg.Temperature)
	}
	if cfg.TopP != nil {
		config.TopP = genai.Ptr(*cfg.TopP)
	}
	if cfg.TopK != nil {
		config.TopK = genai.Ptr(float32(*cfg.TopK))
	}
	if cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = cfg.MaxOutputTokens
	}
	if len(cfg.StopSequences) > 0 {
		config.StopSequences = cfg.StopSequences
	}
	if cfg.Thinking != nil {
		thinking := &genai.ThinkingConfig{IncludeThoughts: cfg.Thinking.IncludeThoughts}
		if cfg.Thinking.Budget != nil {
			budget := *cfg.Thinking.Budget
			thinking.ThinkingBudget = &budget
		}
		config.ThinkingConfig = thinking
	}
	if len(tools) > 0 {
		config.Tools = geminiTools(tools)
	}
	return config
}

// geminiTools groups every declaration into one genai.Tool; the
// function-calling API rejects declarations split across tools.
func geminiTools(tools []Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func geminiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(string(s.Type))),
		Description: s.Description,
		Required:    s.Required,
	}
	if len(s.Enum) > 0 {
		out.Enum = s.Enum
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = geminiSchema(prop)
		}
	}
	if s.Items != nil {
		out.Items = geminiSchema(s.Items)
	}
	return out
}

func parseGeminiResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if genResp == nil || len(genResp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	candidate := genResp.Candidates[0]

	resp := &Response{
		FinishReason: geminiFinishReason(candidate.FinishReason),
		Raw:          genResp,
	}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				resp.Parts = append(resp.Parts, Part{
					FunctionCall: &FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					},
				})
			case part.Text != "":
				resp.Parts = append(resp.Parts, Part{Text: part.Text, Thought: part.Thought})
			}
		}
	}
	if genResp.UsageMetadata != nil {
		resp.Usage = &Usage{
			PromptTokens:    int(genResp.UsageMetadata.PromptTokenCount),
			CandidateTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:     int(genResp.UsageMetadata.TotalTokenCount),
			ThoughtTokens:   int(genResp.UsageMetadata.ThoughtsTokenCount),
		}
	}
	return resp, nil
}

func geminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop, "":
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety:
		return "safety"
	default:
		return strings.ToLower(string(reason))
	}
}
