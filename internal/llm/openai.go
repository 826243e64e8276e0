package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/ashureev/stockchat/internal/errs"
)

const openaiProviderName = "openai"

// HTTPError is a non-200 response from an HTTP provider.
type HTTPError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ErrStreamTruncated is returned when a stream ends before a finish reason.
var ErrStreamTruncated = errors.New("stream ended without finish reason")

// OpenAI streams from any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAI creates a provider for baseURL (e.g. https://api.openai.com/v1).
// A nil httpClient uses http.DefaultClient.
func NewOpenAI(httpClient *http.Client, baseURL, apiKey string) *OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return openaiProviderName }

// Generate implements Provider. Text deltas are yielded as they arrive;
// tool calls are assembled from their fragments and yielded once the
// choice reports a finish reason.
func (p *OpenAI) Generate(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := p.open(ctx, req)
		if err != nil {
			yield(Event{}, errs.Provider(openaiProviderName, "generate", err))
			return
		}
		defer resp.Body.Close()

		var (
			partials []*partialToolCall
			finished bool
		)
		for ev, err := range ReadSSE(resp.Body) {
			if err != nil {
				yield(Event{}, errs.Provider(openaiProviderName, "stream", err))
				return
			}
			if ev.Data == "[DONE]" {
				break
			}

			var chunk openaiChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield(Event{}, errs.Provider(openaiProviderName, "stream", fmt.Errorf("parse chunk: %w", err)))
				return
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				yield(Event{}, errs.Provider(openaiProviderName, "stream",
					&HTTPError{StatusCode: http.StatusOK, Type: chunk.Error.Type, Message: chunk.Error.Message}))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(Event{Type: EventTextDelta, Text: choice.Delta.Content}, nil) {
					return
				}
			}
			for _, d := range choice.Delta.ToolCalls {
				if d.Index < 0 {
					continue
				}
				for len(partials) <= d.Index {
					partials = append(partials, &partialToolCall{})
				}
				partials[d.Index].merge(d)
			}

			if choice.FinishReason != nil {
				finished = true
				for _, partial := range partials {
					call := partial.toolCall()
					if !yield(Event{Type: EventToolCall, ToolCall: &call}, nil) {
						return
					}
				}
				partials = nil
			}
		}

		if !finished && ctx.Err() == nil {
			yield(Event{}, errs.Provider(openaiProviderName, "stream", ErrStreamTruncated))
		}
	}
}

func (p *OpenAI) open(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp, nil
}

func readHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func buildOpenAIRequest(req Request) openaiRequest {
	wire := openaiRequest{Model: req.Model, Stream: true}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		wm := openaiMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiFunction{Name: tc.Name, Arguments: args},
			})
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, openaiTool{
			Type: "function",
			Function: openaiToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return wire
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiToolSpec `json:"function"`
}

type openaiToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content   string                   `json:"content"`
			ToolCalls []openaiToolCallFragment `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openaiToolCallFragment struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// partialToolCall accumulates one tool call across stream fragments:
// the first carries the ID and name, later ones extend the arguments.
type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *partialToolCall) merge(f openaiToolCallFragment) {
	if f.ID != "" {
		p.id = f.ID
	}
	if f.Function.Name != "" {
		p.name = f.Function.Name
	}
	p.args.WriteString(f.Function.Arguments)
}

func (p *partialToolCall) toolCall() ToolCall {
	return ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(p.args.String())}
}
