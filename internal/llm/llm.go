// Package llm defines the streaming contract with language model
// providers and its OpenAI-compatible and gRPC implementations.
package llm

import (
	"context"
	"encoding/json"
	"iter"
)

// Role of a model-facing message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one model-facing conversation entry.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one streamed generation.
type Request struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// EventType tags a stream event.
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventToolCall  EventType = "tool-call"
)

// Event is one element of a generation stream.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Provider streams model output. The sequence ends after the last event;
// a failure is yielded once as a non-nil error, wrapped as an
// *errs.ProviderError, and ends the sequence.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) iter.Seq2[Event, error]
}
