package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/stockchat/internal/api"
	"github.com/ashureev/stockchat/internal/config"
	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
	"github.com/ashureev/stockchat/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// ChatStore lists and deletes saved chats.
type ChatStore interface {
	ListConversations(ctx context.Context, userID string) ([]domain.Chat, error)
	DeleteConversation(ctx context.Context, sessionID string) error
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// PurchaseRequest is the body of POST /api/chat/purchase.
type PurchaseRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Handler serves the chat API over HTTP with SSE streaming.
type Handler struct {
	orch        *Orchestrator
	chats       ChatStore
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         *config.Config
}

// NewHandler creates a chat handler. chats may be nil when conversations
// are not persisted.
func NewHandler(orch *Orchestrator, chats ChatStore, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		orch:        orch,
		chats:       chats,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		log:         conversationLogger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers chat routes. Identity middleware must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/chat/purchase", h.HandlePurchase)
	r.Get("/api/chat/ui", h.HandleUIState)
	r.Get("/api/chat/state", h.HandleState)
	r.Get("/api/chats", h.HandleListChats)
	r.Delete("/api/chats/{sessionID}", h.HandleDeleteChat)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message))

	turn, err := h.orch.SubmitUserTurn(r.Context(), sessionID, userID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Meta:       map[string]any{"request_id": reqID},
	})

	reply, count, err := h.stream(w, r, turn)
	meta := map[string]any{
		"deltas":     count,
		"request_id": reqID,
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply,
		Meta:       meta,
	})
}

// HandlePurchase handles POST /api/chat/purchase.
func (h *Handler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	turn, err := h.orch.ConfirmPurchase(r.Context(), sessionID, userID, req.Symbol, req.Price, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	reply, _, err := h.stream(w, r, turn)
	meta := map[string]any{
		"symbol": req.Symbol,
		"price":  req.Price,
		"amount": req.Amount,
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "purchase_confirmed",
		ContentRaw: reply,
		Meta:       meta,
	})
}

// HandleUIState handles GET /api/chat/ui.
func (h *Handler) HandleUIState(w http.ResponseWriter, r *http.Request) {
	units, err := h.orch.UIState(r.Context(),
		identity.SessionIDFromContext(r.Context()),
		identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"units": units})
}

// HandleState handles GET /api/chat/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.orch.State(r.Context(),
		identity.SessionIDFromContext(r.Context()),
		identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, state)
}

// HandleListChats handles GET /api/chats.
func (h *Handler) HandleListChats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.chats == nil {
		api.JSON(w, http.StatusOK, map[string]any{"chats": []domain.Chat{}})
		return
	}
	chats, err := h.chats.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list chats", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// HandleDeleteChat handles DELETE /api/chats/{sessionID}.
func (h *Handler) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.orch.State(r.Context(), sessionID, userID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.orch.Forget(sessionID); err != nil {
		writeError(w, err)
		return
	}
	if h.chats != nil {
		if err := h.chats.DeleteConversation(r.Context(), sessionID); err != nil {
			slog.Error("Failed to delete chat", "session_id", sessionID, "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to delete chat")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// stream writes the turn's deltas as SSE events and ends with a done or
// error event. It returns the streamed reply text.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, turn *Turn) (string, int, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		turn.Detach()
		_, err := turn.Wait()
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return "", 0, err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher}

	retryDelay := 5 * time.Second
	keepalive := 10 * time.Second
	if h.cfg != nil {
		retryDelay = h.cfg.SSE.RetryDelay
		keepalive = h.cfg.SSE.KeepaliveInterval
	}
	if err := sw.retry(retryDelay); err != nil {
		turn.Detach()
	}
	stopPing := sw.keepalive(r.Context(), keepalive)

	var reply strings.Builder
	count := 0
	for d := range turn.Deltas() {
		if d.Kind == DeltaText {
			reply.WriteString(d.Text)
		} else {
			for _, item := range d.Display {
				if item.Text != "" && d.Kind != DeltaPlaceholder {
					reply.WriteString(item.Text)
				}
			}
		}
		if err := sw.event("delta", d); err != nil {
			slog.Warn("Client disconnected mid-turn", "session_id", turn.SessionID, "error", err)
			break
		}
		count++
	}
	stopPing()

	state, err := turn.Wait()
	for _, warn := range turn.Warnings() {
		_ = sw.event("warning", map[string]string{"error": warn.Error()})
	}
	if err != nil {
		_ = sw.event("error", map[string]string{"error": err.Error()})
	} else {
		_ = sw.event("done", map[string]any{"sessionId": state.SessionID, "messages": state.Len()})
	}
	return reply.String(), count, err
}

// sseWriter serializes writes from the stream and its keepalive pings.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) retry(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepalive(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.event("ping", map[string]string{"status": "alive"}); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// writeError maps a classified error to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case conversation.IsTurnInProgress(err):
		api.Error(w, http.StatusConflict, "a turn is already in progress for this chat")
	case errors.Is(err, conversation.ErrUnknownSession):
		api.Error(w, http.StatusServiceUnavailable, "chat was unloaded, please retry")
	case errdefs.IsInvalidArgument(err):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errdefs.IsUnauthorized(err):
		api.Error(w, http.StatusUnauthorized, "unauthorized")
	case errdefs.IsPermissionDenied(err):
		api.Error(w, http.StatusForbidden, "chat belongs to another user")
	case errs.IsPersistence(err):
		slog.Error("Conversation storage unavailable", "error", err)
		api.Error(w, http.StatusServiceUnavailable, "conversation storage unavailable")
	default:
		slog.Error("Chat request failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}
