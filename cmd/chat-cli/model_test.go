package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/identity"
	"github.com/ashureev/stockchat/internal/llm"
)

func TestApplyDeltas(t *testing.T) {
	t.Parallel()

	m := newModel(newClient("http://unused", "", http.DefaultClient))
	m.apply(agent.Delta{UnitID: "s1-0-reply", Kind: agent.DeltaText, Text: "Here "})
	m.apply(agent.Delta{UnitID: "s1-0-reply", Kind: agent.DeltaText, Text: "you go."})
	m.apply(agent.Delta{UnitID: "s1-2", Kind: agent.DeltaPlaceholder, Display: []domain.Renderable{{Kind: domain.RenderStockSkeleton}}})
	m.apply(agent.Delta{UnitID: "s1-2", Kind: agent.DeltaResult, Display: []domain.Renderable{{Kind: domain.RenderStock, Data: map[string]any{"symbol": "AAPL"}}}})

	if len(m.units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(m.units))
	}
	if m.units[0].text != "Here you go." {
		t.Fatalf("unexpected text %q", m.units[0].text)
	}
	stock := m.units[1]
	if stock.pending || stock.display[0].Kind != domain.RenderStock {
		t.Fatalf("unexpected stock unit %+v", stock)
	}
	if out := m.renderUnit(stock); !strings.Contains(out, "AAPL") {
		t.Fatalf("expected rendered card to carry the symbol: %q", out)
	}

	// An empty result keeps the placeholder display.
	m.apply(agent.Delta{UnitID: "s1-4", Kind: agent.DeltaPlaceholder, Display: []domain.Renderable{domain.Notice("Loading...")}})
	m.apply(agent.Delta{UnitID: "s1-4", Kind: agent.DeltaResult})
	if u := m.byID["s1-4"]; len(u.display) != 1 || u.pending {
		t.Fatalf("unexpected unit after empty result %+v", u)
	}
}

func TestParseBuy(t *testing.T) {
	t.Parallel()

	symbol, amount, price, err := parseBuy("/buy aapl 10 150.25")
	if err != nil {
		t.Fatalf("parseBuy() error: %v", err)
	}
	if symbol != "AAPL" || amount != 10 || price != 150.25 {
		t.Fatalf("unexpected parse %s %v %v", symbol, amount, price)
	}
	for _, bad := range []string{"/buy", "/buy AAPL ten 1", "/buy AAPL 1 x"} {
		if _, _, _, err := parseBuy(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	if msg := decodeEvent(llm.SSEEvent{Type: "ping", Data: `{}`}); msg != nil {
		t.Fatalf("expected keepalive to be skipped, got %#v", msg)
	}
	if msg, ok := decodeEvent(llm.SSEEvent{Type: "done", Data: `{"messages":4}`}).(doneMsg); !ok || msg.Messages != 4 {
		t.Fatalf("unexpected done %#v", msg)
	}
	if msg, ok := decodeEvent(llm.SSEEvent{Type: "error", Data: `{"error":"boom"}`}).(streamErrMsg); !ok || msg.err.Error() != "boom" {
		t.Fatalf("unexpected error %#v", msg)
	}
}

func TestClientStreamsTurn(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Header.Get(identity.SessionHeaderName) != "s1" {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "retry: 5000\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"unitId\":\"s1-0-reply\",\"kind\":\"text\",\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"sessionId\":\"s1\",\"messages\":2}\n\n")
	}))
	defer srv.Close()

	c := newClient(srv.URL, "s1", srv.Client())
	ch := make(chan tea.Msg, 8)
	c.send(context.Background(), "hello", ch)

	var msgs []tea.Msg
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected delta and done, got %#v", msgs)
	}
	if d, ok := msgs[0].(deltaMsg); !ok || d.Text != "hi" {
		t.Fatalf("unexpected delta %#v", msgs[0])
	}
	if _, ok := msgs[1].(doneMsg); !ok {
		t.Fatalf("unexpected final message %#v", msgs[1])
	}
}

func TestClientReportsAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"a turn is already in progress for this chat"}`)
	}))
	defer srv.Close()

	ch := make(chan tea.Msg, 1)
	newClient(srv.URL, "", srv.Client()).send(context.Background(), "hello", ch)

	msg, ok := (<-ch).(streamErrMsg)
	if !ok || !strings.Contains(msg.err.Error(), "409") {
		t.Fatalf("expected 409 error, got %#v", msg)
	}
}
