// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the transport-neutral request and response types the
// engine exchanges with language model providers, plus the Client
// interface each provider adapter implements.
//
// Response content is an ordered list of parts. A part is exactly one of
// text, thought, function call, or function response; extraction is a type
// switch rather than attribute probing. Provider adapters translate these
// types to and from their SDK shapes.
package llm

import "strings"

// Role tags a message with its author.
type Role string

const (
	// RoleSystem is instruction content not attributed to the user.
	RoleSystem Role = "system"

	// RoleUser is end-user content.
	RoleUser Role = "user"

	// RoleAssistant is model-generated content.
	RoleAssistant Role = "assistant"

	// RoleTool is tool execution output returned to the model.
	RoleTool Role = "tool"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	// ID correlates the call with its response. May be empty for
	// transports without call IDs.
	ID string `json:"id,omitempty"`

	// Name of the tool to invoke.
	Name string `json:"name"`

	// Args for the invocation.
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is a tool result sent back to the model.
type FunctionResponse struct {
	// ID of the originating call, when known.
	ID string `json:"id,omitempty"`

	// Name of the tool that produced the result.
	Name string `json:"name"`

	// Response payload. Tools return JSON-serializable maps.
	Response map[string]any `json:"response,omitempty"`
}

// Part is one unit of message content. Exactly one field group is set:
// Text (with Thought false), Text with Thought true, FunctionCall, or
// FunctionResponse.
type Part struct {
	// Text content. Valid when FunctionCall and FunctionResponse are nil.
	Text string `json:"text,omitempty"`

	// Thought marks Text as model reasoning rather than answer content.
	Thought bool `json:"thought,omitempty"`

	// FunctionCall requested by the model.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// FunctionResponse returned by a tool.
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ThoughtPart builds a reasoning part.
func ThoughtPart(text string) Part {
	return Part{Text: text, Thought: true}
}

// Message is one role-tagged entry in the conversation sent to the model.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// SystemText builds a single-part system message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

// AssistantText builds a single-part assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// ToolResult builds a tool-role message carrying a function response.
func ToolResult(callID, name string, response map[string]any) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			FunctionResponse: &FunctionResponse{ID: callID, Name: name, Response: response},
		}},
	}
}

// Text concatenates the message's non-thought text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Text != "" && !p.Thought && p.FunctionCall == nil && p.FunctionResponse == nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasFunctionCalls reports whether any part is a function call.
func (m Message) HasFunctionCalls() bool {
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// HasFunctionResponses reports whether any part is a function response.
func (m Message) HasFunctionResponses() bool {
	for _, p := range m.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// SchemaType enumerates the JSON schema types tool parameters use.
type SchemaType string

const (
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
	TypeArray   SchemaType = "array"
	TypeObject  SchemaType = "object"
)

// Schema describes a tool parameter structure, mirroring the subset of
// JSON Schema the transports accept.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Tool is a function declaration exposed to the model.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// ThinkingConfig controls model reasoning emission where supported.
type ThinkingConfig struct {
	// IncludeThoughts requests thought parts in the response.
	IncludeThoughts bool `json:"include_thoughts"`

	// Budget caps reasoning tokens. Nil lets the transport decide.
	Budget *int32 `json:"budget,omitempty"`
}

// GenerateConfig carries per-request generation parameters. Nil pointer
// fields defer to provider defaults.
type GenerateConfig struct {
	Temperature     *float32        `json:"temperature,omitempty"`
	TopP            *float32        `json:"top_p,omitempty"`
	TopK            *int32          `json:"top_k,omitempty"`
	MaxOutputTokens int32           `json:"max_output_tokens,omitempty"`
	StopSequences   []string        `json:"stop_sequences,omitempty"`
	Thinking        *ThinkingConfig `json:"thinking,omitempty"`
}

// Request is a complete generation request.
type Request struct {
	// Model identifier, provider-specific.
	Model string `json:"model"`

	// System instruction, separate from Contents per transport convention.
	System string `json:"system,omitempty"`

	// Contents is the ordered conversation.
	Contents []Message `json:"contents"`

	// Tools the model may call. Empty means tool use is disabled for the
	// request (plan-generation turns clear this).
	Tools []Tool `json:"tools,omitempty"`

	// Config holds generation parameters.
	Config GenerateConfig `json:"config"`
}

// Usage is the transport-reported token accounting for one response.
type Usage struct {
	PromptTokens    int `json:"prompt_tokens"`
	CandidateTokens int `json:"candidate_tokens"`
	TotalTokens     int `json:"total_tokens"`
	ThoughtTokens   int `json:"thought_tokens,omitempty"`
}

// Response is a transport-neutral generation result.
type Response struct {
	// Parts in model emission order.
	Parts []Part `json:"parts"`

	// Usage metadata, when the transport reports it.
	Usage *Usage `json:"usage,omitempty"`

	// FinishReason as reported by the transport ("stop", "max_tokens",
	// "safety", ...). Empty when unavailable.
	FinishReason string `json:"finish_reason,omitempty"`

	// Raw is the provider response for diagnostics. Never inspected by
	// the engine.
	Raw any `json:"-"`
}

// Text concatenates all non-thought text parts.
func (r *Response) Text() string {
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Text != "" && !p.Thought && p.FunctionCall == nil && p.FunctionResponse == nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Thoughts returns the reasoning parts' text in order.
func (r *Response) Thoughts() []string {
	var out []string
	for _, p := range r.Parts {
		if p.Thought && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// FunctionCalls returns the function call parts in order.
func (r *Response) FunctionCalls() []FunctionCall {
	var out []FunctionCall
	for _, p := range r.Parts {
		if p.FunctionCall != nil {
			out = append(out, *p.FunctionCall)
		}
	}
	return out
}
