// Package tools implements the closed set of tools the model can invoke
// mid-turn and the invocation state machine that drives them.
//
// An invocation moves requested → rendering → resolved | rejected. Both
// terminal states are committed as a tool-call/tool-result pair sharing
// one tool call ID; a rejection adds a system note for the model.
package tools

import (
	"context"
	"encoding/json"

	"github.com/ashureev/stockchat/internal/domain"
)

// Status is the state of a tool invocation.
type Status string

const (
	StatusRequested Status = "requested"
	StatusRendering Status = "rendering"
	StatusResolved  Status = "resolved"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s ends an invocation.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusRejected }

// Call is a tool call as emitted by the model.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Invocation tracks one call through the state machine.
type Invocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// EventKind distinguishes intermediate from final tool output.
type EventKind int

const (
	EventPlaceholder EventKind = iota
	EventTerminal
)

func (k EventKind) String() string {
	if k == EventTerminal {
		return "terminal"
	}
	return "placeholder"
}

// Event is one step of a dispatched invocation.
type Event struct {
	Kind       EventKind
	Invocation Invocation
	Display    domain.Renderable
	// Messages holds the entries to commit, set on terminal events only:
	// the tool-call message, its tool-result, and a system note when the
	// invocation was rejected for a reason the model should see.
	Messages []domain.Message
	// Err is the classified cause of a rejection.
	Err error
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Tool is one of the variants known to the registry. The set is closed:
// only this package can implement it.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	// Render turns a committed result into display units.
	Render(result json.RawMessage) []domain.Renderable

	generate(ctx context.Context, args json.RawMessage, emit func(domain.Renderable)) outcome
}

// outcome is what a tool's generate step settles on.
type outcome struct {
	status  Status
	result  any
	display domain.Renderable
	note    string
	reason  string
	err     error
}

func resolved(result any, display domain.Renderable) outcome {
	return outcome{status: StatusResolved, result: result, display: display}
}

// errorResult is the tool-result payload of a failed invocation.
type errorResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func failed(err error, display domain.Renderable, note string) outcome {
	return outcome{
		status:  StatusRejected,
		result:  errorResult{Status: "error", Error: err.Error()},
		display: display,
		note:    note,
		reason:  err.Error(),
		err:     err,
	}
}
