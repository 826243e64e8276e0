package wschat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/errs"
	"github.com/ashureev/stockchat/internal/identity"
	"github.com/ashureev/stockchat/internal/projection"
)

const writeTimeout = 10 * time.Second

// Orchestrator is the part of the turn engine the socket drives.
type Orchestrator interface {
	SubmitUserTurn(ctx context.Context, sessionID, userID, text string) (*agent.Turn, error)
	ConfirmPurchase(ctx context.Context, sessionID, userID, symbol string, price, amount float64) (*agent.Turn, error)
	UIState(ctx context.Context, sessionID, userID string) ([]projection.Unit, error)
}

// Handler serves chat turns over a websocket at /ws/chat.
type Handler struct {
	orch          Orchestrator
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new websocket chat handler.
func NewHandler(orch Orchestrator, sm *SessionManager, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		orch:          orch,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// inbound is a client frame.
type inbound struct {
	Type    string  `json:"type"`
	Content string  `json:"content,omitempty"`
	Symbol  string  `json:"symbol,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type      string            `json:"type"`
	Delta     *agent.Delta      `json:"delta,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Messages  int               `json:"messages,omitempty"`
	Units     []projection.Unit `json:"units,omitempty"`
	Code      string            `json:"code,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("Chat socket request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var turns sync.WaitGroup
	h.readLoop(ctx, ws, &turns, userID, sessionID)
	cancel()
	turns.Wait()
	slog.Info("Chat socket closed", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, turns *sync.WaitGroup, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("Websocket closed by client", "user_id", userID)
			} else {
				slog.Warn("Websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, outbound{Type: "error", Code: "bad_frame", Error: "frames must be JSON"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(ctx, ws, outbound{Type: "pong"})
		case "message":
			turn, err := h.orch.SubmitUserTurn(ctx, sessionID, userID, msg.Content)
			h.start(ctx, ws, turns, turn, err)
		case "purchase":
			turn, err := h.orch.ConfirmPurchase(ctx, sessionID, userID, msg.Symbol, msg.Price, msg.Amount)
			h.start(ctx, ws, turns, turn, err)
		case "ui":
			units, err := h.orch.UIState(ctx, sessionID, userID)
			if err != nil {
				h.sendError(ctx, ws, err)
				continue
			}
			h.send(ctx, ws, outbound{Type: "ui", SessionID: sessionID, Units: units})
		default:
			h.send(ctx, ws, outbound{Type: "error", Code: "bad_frame", Error: "unknown frame type " + msg.Type})
		}
	}
}

// start streams an accepted turn in the background so pings and UI
// queries are still served while it runs.
func (h *Handler) start(ctx context.Context, ws *websocket.Conn, turns *sync.WaitGroup, turn *agent.Turn, err error) {
	if err != nil {
		h.sendError(ctx, ws, err)
		return
	}
	turns.Add(1)
	go func() {
		defer turns.Done()
		h.stream(ctx, ws, turn)
	}()
}

func (h *Handler) stream(ctx context.Context, ws *websocket.Conn, turn *agent.Turn) {
	for d := range turn.Deltas() {
		if err := h.send(ctx, ws, outbound{Type: "delta", Delta: &d}); err != nil {
			slog.Warn("Client disconnected mid-turn", "session_id", turn.SessionID, "error", err)
			break
		}
	}

	state, err := turn.Wait()
	for _, warn := range turn.Warnings() {
		h.send(ctx, ws, outbound{Type: "warning", Error: warn.Error()})
	}
	if err != nil {
		h.sendError(ctx, ws, err)
		return
	}
	h.send(ctx, ws, outbound{Type: "done", SessionID: state.SessionID, Messages: state.Len()})
}

func (h *Handler) send(ctx context.Context, ws *websocket.Conn, frame outbound) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, frame); err != nil {
		slog.Debug("Websocket write error", "type", frame.Type, "error", err)
		return err
	}
	return nil
}

func (h *Handler) sendError(ctx context.Context, ws *websocket.Conn, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		slog.Error("Chat socket request failed", "error", err)
		msg = "internal error"
	}
	h.send(ctx, ws, outbound{Type: "error", Code: code, Error: msg})
}

func errorCode(err error) string {
	switch {
	case conversation.IsTurnInProgress(err):
		return "busy"
	case errors.Is(err, conversation.ErrUnknownSession):
		return "unavailable"
	case errdefs.IsInvalidArgument(err):
		return "invalid_argument"
	case errdefs.IsUnauthorized(err):
		return "unauthorized"
	case errdefs.IsPermissionDenied(err):
		return "forbidden"
	case errs.IsPersistence(err):
		return "storage_unavailable"
	case errs.IsProvider(err):
		return "provider"
	default:
		return "internal"
	}
}
