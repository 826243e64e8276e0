package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
)

// Options configures a Registry.
type Options struct {
	Searcher Searcher
	Computer Computer
	// RenderDelay pauses between a display tool's placeholder and its result.
	RenderDelay time.Duration
	Logger      *slog.Logger
}

// Registry resolves tool names to variants and drives invocations.
type Registry struct {
	order  []Tool
	byName map[string]Tool
	logger *slog.Logger
}

// NewRegistry builds the registry with every known tool.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	order := []Tool{
		listStocks{delay: opts.RenderDelay},
		showStockPrice{delay: opts.RenderDelay},
		showStockPurchase{},
		getEvents{delay: opts.RenderDelay},
		search{searcher: opts.Searcher},
		computationalQuery{computer: opts.Computer},
	}
	byName := make(map[string]Tool, len(order))
	for _, t := range order {
		byName[t.Name()] = t
	}
	return &Registry{order: order, byName: byName, logger: logger}
}

// Lookup resolves name. Unknown names resolve to the fallback variant
// and ok is false.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if t, ok := r.byName[name]; ok {
		return t, true
	}
	return unknownTool{name: name}, false
}

// Definitions describes every tool to the model, in registry order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, t := range r.order {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema().JSONSchema(),
		})
	}
	return defs
}

// Render turns a committed tool result into display units. Unknown tools
// render nothing.
func (r *Registry) Render(toolName string, result json.RawMessage) []domain.Renderable {
	t, ok := r.byName[toolName]
	if !ok {
		return nil
	}
	if e, isErr := decodeResult[errorResult](result); isErr && e.Status == "error" {
		return []domain.Renderable{domain.Notice(fmt.Sprintf("%s failed: %s", toolName, e.Error))}
	}
	return t.Render(result)
}

// Dispatch runs one call and yields zero or more placeholder events
// followed by exactly one terminal event. The invocation runs to
// completion even if the consumer stops iterating early.
func (r *Registry) Dispatch(ctx context.Context, call Call) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		live := true
		send := func(ev Event) {
			if live && !yield(ev) {
				live = false
			}
		}

		inv := Invocation{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       normalizeArgs(call.Args),
			Status:     StatusRequested,
		}
		if inv.ToolCallID == "" {
			inv.ToolCallID = domain.NewID()
		}

		r.logger.Debug("Dispatching tool", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)

		out := r.run(ctx, call, func(d domain.Renderable) {
			inv.Status = StatusRendering
			send(Event{Kind: EventPlaceholder, Invocation: inv, Display: d})
		})

		send(r.terminal(inv, out))
	}
}

func (r *Registry) run(ctx context.Context, call Call, emit func(domain.Renderable)) outcome {
	t, known := r.Lookup(call.Name)
	if !known {
		return t.generate(ctx, call.Args, emit)
	}

	var args map[string]any
	if err := json.Unmarshal(normalizeRaw(call.Args), &args); err != nil || args == nil {
		perr := &errs.ProtocolError{Tool: call.Name, Reason: "arguments are not a JSON object"}
		return failed(perr, domain.Renderable{}, validationNote(perr))
	}
	if err := t.Schema().Validate(t.Name(), args); err != nil {
		return failed(err, domain.Renderable{}, validationNote(err))
	}
	return t.generate(ctx, normalizeRaw(call.Args), emit)
}

func (r *Registry) terminal(inv Invocation, out outcome) Event {
	result, err := json.Marshal(out.result)
	if err != nil {
		result, _ = json.Marshal(errorResult{Status: "error", Error: err.Error()})
	}

	inv.Status = out.status
	inv.Result = result
	inv.Reason = out.reason

	call, res := domain.ToolPair(inv.ToolCallID, inv.ToolName, inv.Args, result)
	msgs := []domain.Message{call, res}
	if out.note != "" {
		msgs = append(msgs, domain.SystemNote(out.note))
	}

	if out.status == StatusRejected {
		r.logger.Info("Tool rejected",
			"tool", inv.ToolName,
			"tool_call_id", inv.ToolCallID,
			"reason", out.reason)
	}

	return Event{
		Kind:       EventTerminal,
		Invocation: inv,
		Display:    out.display,
		Messages:   msgs,
		Err:        out.err,
	}
}

func normalizeRaw(args json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(args)) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

// normalizeArgs returns args as valid JSON for the committed log. Bytes
// that do not parse are kept as a JSON string.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	args = normalizeRaw(args)
	if json.Valid(args) {
		return args
	}
	quoted, _ := json.Marshal(string(args))
	return quoted
}

// unknownTool is the fallback variant for names the registry does not know.
type unknownTool struct{ name string }

func (t unknownTool) Name() string                             { return t.name }
func (unknownTool) Description() string                        { return "" }
func (unknownTool) Schema() Schema                             { return nil }
func (unknownTool) Render(json.RawMessage) []domain.Renderable { return nil }

func (t unknownTool) generate(context.Context, json.RawMessage, func(domain.Renderable)) outcome {
	err := &errs.ProtocolError{Tool: t.name, Reason: "unknown tool"}
	return failed(err, domain.Renderable{}, validationNote(err))
}
