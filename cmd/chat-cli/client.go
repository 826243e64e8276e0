package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/identity"
	"github.com/ashureev/stockchat/internal/llm"
)

type deltaMsg agent.Delta

type doneMsg struct {
	Messages int
}

type streamErrMsg struct {
	err error
}

type warningMsg string

// client talks to the chat HTTP API. Identity rides on the anonymous
// cookie the server sets on the first response.
type client struct {
	base      string
	sessionID string
	http      *http.Client
}

func newClient(base, sessionID string, hc *http.Client) *client {
	return &client{base: strings.TrimRight(base, "/"), sessionID: sessionID, http: hc}
}

// send starts a chat turn and forwards its events to out, closing it at
// the end of the stream.
func (c *client) send(ctx context.Context, text string, out chan<- tea.Msg) {
	c.post(ctx, "/api/chat", map[string]string{"message": text}, out)
}

func (c *client) purchase(ctx context.Context, symbol string, price, amount float64, out chan<- tea.Msg) {
	c.post(ctx, "/api/chat/purchase", map[string]any{
		"symbol": symbol,
		"price":  price,
		"amount": amount,
	}, out)
}

func (c *client) post(ctx context.Context, path string, body any, out chan<- tea.Msg) {
	defer close(out)

	payload, err := json.Marshal(body)
	if err != nil {
		out <- streamErrMsg{err: err}
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		out <- streamErrMsg{err: err}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		out <- streamErrMsg{err: err}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		out <- streamErrMsg{err: readAPIError(resp)}
		return
	}

	for ev, err := range llm.ReadSSE(resp.Body) {
		if err != nil {
			out <- streamErrMsg{err: err}
			return
		}
		if msg := decodeEvent(ev); msg != nil {
			out <- msg
		}
	}
}

// decodeEvent maps one SSE event to a program message. Keepalives map to nil.
func decodeEvent(ev llm.SSEEvent) tea.Msg {
	switch ev.Type {
	case "delta":
		var d agent.Delta
		if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
			return streamErrMsg{err: fmt.Errorf("decode delta: %w", err)}
		}
		return deltaMsg(d)
	case "done":
		var done struct {
			Messages int `json:"messages"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &done)
		return doneMsg{Messages: done.Messages}
	case "warning", "error":
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &body)
		if ev.Type == "warning" {
			return warningMsg(body.Error)
		}
		return streamErrMsg{err: fmt.Errorf("%s", body.Error)}
	default:
		return nil
	}
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s (%d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
