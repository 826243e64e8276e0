package wschat

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/config"
	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/identity"
	"github.com/ashureev/stockchat/internal/llm"
	"github.com/ashureev/stockchat/internal/routing"
	"github.com/ashureev/stockchat/internal/tools"
)

type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	gate    chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, _ llm.Request) iter.Seq2[llm.Event, error] {
	p.mu.Lock()
	var script []llm.Event
	if len(p.scripts) > 0 {
		script, p.scripts = p.scripts[0], p.scripts[1:]
	}
	gate := p.gate
	p.mu.Unlock()

	return func(yield func(llm.Event, error) bool) {
		for _, ev := range script {
			if !yield(ev, nil) {
				return
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(llm.Event{}, ctx.Err())
			}
		}
	}
}

func newServer(t *testing.T, provider llm.Provider, allowedOrigin string, isDev bool) (*httptest.Server, *SessionManager) {
	t.Helper()

	orch := agent.New(agent.Options{
		Store:    conversation.NewStore(nil, nil),
		Router:   routing.New(config.DefaultModelProfiles()),
		Provider: provider,
		Registry: tools.NewRegistry(tools.Options{}),
	})
	sm := NewSessionManager()
	h := NewHandler(orch, sm, allowedOrigin, isDev)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithIdentity(r.Context(), r.Header.Get("X-User"), r.Header.Get(identity.SessionHeaderName))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv, sm
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func userHeader(userID, sessionID string) http.Header {
	h := http.Header{}
	h.Set("X-User", userID)
	h.Set(identity.SessionHeaderName, sessionID)
	return h
}

func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, frameType string) []outbound {
	t.Helper()

	var frames []outbound
	for {
		var f outbound
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read frame (have %+v): %v", frames, err)
		}
		frames = append(frames, f)
		if f.Type == frameType {
			return frames
		}
	}
}

func TestChatSocketStreamsTurn(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider := &scriptedProvider{scripts: [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "Here is AAPL."},
		{Type: llm.EventToolCall, ToolCall: &llm.ToolCall{
			ID: "call_1", Name: "showStockPrice",
			Arguments: json.RawMessage(`{"symbol":"AAPL","price":150.25,"delta":1.5}`),
		}},
	}}}
	srv, sm := newServer(t, provider, "", true)
	conn := dial(ctx, t, srv, userHeader("u1", "s1"))

	if err := wsjson.Write(ctx, conn, inbound{Type: "message", Content: "show me AAPL price"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readUntil(ctx, t, conn, "done")

	first := frames[0]
	if first.Type != "delta" || first.Delta == nil || first.Delta.Kind != agent.DeltaText || first.Delta.Text != "Here is AAPL." {
		t.Fatalf("unexpected first frame %+v", first)
	}
	done := frames[len(frames)-1]
	if done.SessionID != "s1" || done.Messages != 4 {
		t.Fatalf("unexpected done frame %+v", done)
	}
	if sm.GetActive("u1", "s1") == nil {
		t.Fatal("expected socket to be registered")
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "ui"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ui := readUntil(ctx, t, conn, "ui")
	if units := ui[len(ui)-1].Units; len(units) != 3 {
		t.Fatalf("expected 3 units, got %+v", units)
	}
}

func TestChatSocketPingAndBadFrames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _ := newServer(t, &scriptedProvider{}, "", true)
	conn := dial(ctx, t, srv, userHeader("u1", "s1"))

	if err := wsjson.Write(ctx, conn, inbound{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readUntil(ctx, t, conn, "pong"); len(f) != 1 {
		t.Fatalf("expected only a pong, got %+v", f)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readUntil(ctx, t, conn, "error"); f[0].Code != "bad_frame" {
		t.Fatalf("expected bad_frame, got %+v", f)
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "message", Content: "   "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readUntil(ctx, t, conn, "error"); f[0].Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %+v", f)
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "purchase", Symbol: "AAPL", Price: 10, Amount: 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readUntil(ctx, t, conn, "error"); f[0].Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument for amount 0, got %+v", f)
	}
}

func TestChatSocketRejectsSecondTurn(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gate := make(chan struct{})
	provider := &scriptedProvider{
		scripts: [][]llm.Event{{{Type: llm.EventTextDelta, Text: "thinking"}}},
		gate:    gate,
	}
	srv, _ := newServer(t, provider, "", true)
	conn := dial(ctx, t, srv, userHeader("u1", "s1"))

	for _, content := range []string{"first", "second"} {
		if err := wsjson.Write(ctx, conn, inbound{Type: "message", Content: content}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	frames := readUntil(ctx, t, conn, "error")
	if busy := frames[len(frames)-1]; busy.Code != "busy" {
		t.Fatalf("expected busy error, got %+v", busy)
	}

	close(gate)
	frames = readUntil(ctx, t, conn, "done")
	if done := frames[len(frames)-1]; done.Messages != 2 {
		t.Fatalf("expected user and assistant message, got %+v", done)
	}
}

func TestChatSocketHandshakeChecks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _ := newServer(t, &scriptedProvider{}, "https://app.example", false)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"anonymous", http.Header{}, http.StatusUnauthorized},
		{"foreign origin", func() http.Header {
			h := userHeader("u1", "s1")
			h.Set("Origin", "https://evil.example")
			return h
		}(), http.StatusForbidden},
	}
	for _, tt := range tests {
		_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: tt.header})
		if err == nil {
			t.Fatalf("%s: expected handshake failure", tt.name)
		}
		if resp == nil || resp.StatusCode != tt.status {
			t.Fatalf("%s: expected status %d, got %+v", tt.name, tt.status, resp)
		}
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	if got := errorCode(agent.ErrUnidentified); got != "unauthorized" {
		t.Fatalf("expected unauthorized, got %q", got)
	}
	if got := errorCode(conversation.ErrTurnInProgress); got != "busy" {
		t.Fatalf("expected busy, got %q", got)
	}
	if got := errorCode(conversation.ErrUnknownSession); got != "unavailable" {
		t.Fatalf("expected unavailable, got %q", got)
	}
	if got := errorCode(context.Canceled); got != "internal" {
		t.Fatalf("expected internal, got %q", got)
	}
}
