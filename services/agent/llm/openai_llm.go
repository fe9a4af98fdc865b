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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openaiSecretPath   = "/run/secrets/openai_api_key"
)

// OpenAIClient is the OpenAI chat-completions transport.
//
// Description:
//
//	Wraps the go-openai SDK with tool calling. System content becomes a
//	leading system message, assistant function calls round-trip through
//	ToolCalls, and tool results are sent one message per call with the
//	originating tool_call_id. OpenAI exposes no token-counting endpoint,
//	so CountTokens reports ErrCountTokensUnsupported and the token
//	counter falls back to local BPE counting.
//
// Thread Safety:
//
//	Safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *logging.Logger
}

var _ Client = (*OpenAIClient)(nil)

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAILogger sets the structured logger.
func WithOpenAILogger(logger *logging.Logger) OpenAIOption {
	return func(o *OpenAIClient) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpenAIClient creates an OpenAI transport for the given model.
//
// Description:
//
//	Resolves the API key from OPENAI_API_KEY, then the container secret
//	at /run/secrets/openai_api_key. An empty model falls back to
//	gpt-4o-mini.
func NewOpenAIClient(model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	o := &OpenAIClient{model: model, logger: logging.Default()}
	for _, opt := range opts {
		opt(o)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		keyBytes, err := os.ReadFile(openaiSecretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			o.logger.Info("read the OpenAI API key from container secrets", "path", openaiSecretPath)
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY or provide %s", ErrMissingAPIKey, openaiSecretPath)
	}

	if o.model == "" {
		o.model = defaultOpenAIModel
		o.logger.Warn("model not set, defaulting", "model", o.model)
	}

	o.client = openai.NewClient(apiKey)
	o.logger.Info("initialized OpenAI client", "model", o.model)
	return o, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return "openai" }

// Model implements Client.
func (o *OpenAIClient) Model() string { return o.model }

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	model := req.Model
	if model == "" {
		model = o.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.System, req.Contents),
	}
	if req.Config.Temperature != nil {
		chatReq.Temperature = *req.Config.Temperature
	}
	if req.Config.MaxOutputTokens > 0 {
		chatReq.MaxCompletionTokens = int(req.Config.MaxOutputTokens)
	}
	if req.Config.TopP != nil {
		chatReq.TopP = *req.Config.TopP
	}
	if len(req.Config.StopSequences) > 0 {
		chatReq.Stop = req.Config.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	o.logger.Debug("generating via OpenAI",
		"model", model,
		"message_count", len(chatReq.Messages),
		"tool_count", len(chatReq.Tools),
	)
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		o.logger.Error("OpenAI API call failed", "model", model, "error", err)
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	return parseOpenAIResponse(resp)
}

// CountTokens implements Client. OpenAI has no counting endpoint.
func (o *OpenAIClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return 0, ErrCountTokensUnsupported
}

// Close implements Client.
func (o *OpenAIClient) Close() error { return nil }

// openaiMessages converts the transport-neutral conversation to chat
// messages. Tool results become one message per call since the API
// rejects batched tool content.
func openaiMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if t := m.Text(); t != "" {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: t,
				})
			}
		case RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Text(),
			}
			for _, p := range m.Parts {
				if p.FunctionCall == nil {
					continue
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   p.FunctionCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: marshalArgs(p.FunctionCall.Args),
					},
				})
			}
			out = append(out, oaiMsg)
		case RoleTool:
			for _, p := range m.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				content, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					content = []byte("{}")
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(content),
					ToolCallID: p.FunctionResponse.ID,
				})
			}
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Text(),
			})
		}
	}
	return out
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func openaiTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params any = t.Parameters
		if t.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func parseOpenAIResponse(resp openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]

	out := &Response{
		FinishReason: openaiFinishReason(choice.FinishReason),
		Raw:          resp,
	}
	if choice.Message.Content != "" {
		out.Parts = append(out.Parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		out.Parts = append(out.Parts, Part{
			FunctionCall: &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args},
		})
	}
	out.Usage = &Usage{
		PromptTokens:    resp.Usage.PromptTokens,
		CandidateTokens: resp.Usage.CompletionTokens,
		TotalTokens:     resp.Usage.TotalTokens,
	}
	return out, nil
}

func openaiFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop, openai.FinishReasonToolCalls, "":
		return "stop"
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonContentFilter:
		return "safety"
	default:
		return strings.ToLower(string(reason))
	}
}
