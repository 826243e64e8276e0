// Package agent runs conversation turns: it routes each turn to a model,
// streams model output and tool activity as ordered deltas, and commits
// the results to the authoritative log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/dustin/go-humanize"

	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
	"github.com/ashureev/stockchat/internal/llm"
	"github.com/ashureev/stockchat/internal/projection"
	"github.com/ashureev/stockchat/internal/routing"
	"github.com/ashureev/stockchat/internal/tools"
)

// providerFailureText replaces a text unit whose model stream failed.
const providerFailureText = "Something went wrong. Please try again."

// ErrUnidentified is returned for requests without a user.
var ErrUnidentified = fmt.Errorf("user not identified: %w", errdefs.ErrUnauthenticated)

// Options configures an Orchestrator.
type Options struct {
	Store    *conversation.Store
	Router   *routing.Router
	Provider llm.Provider
	Registry *tools.Registry
	// PurchaseStepDelay paces the purchase confirmation messages.
	PurchaseStepDelay time.Duration
	Logger            *slog.Logger
}

// Orchestrator drives turns. It is the only writer of conversation state.
type Orchestrator struct {
	store         *conversation.Store
	router        *routing.Router
	provider      llm.Provider
	registry      *tools.Registry
	purchaseDelay time.Duration
	logger        *slog.Logger

	// afterOpen runs between Open and BeginTurn; tests use it to evict.
	afterOpen func(sessionID string)
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:         opts.Store,
		router:        opts.Router,
		provider:      opts.Provider,
		registry:      opts.Registry,
		purchaseDelay: opts.PurchaseStepDelay,
		logger:        logger,
	}
}

// begin opens the session and claims its turn lock. The returned state is
// read under the lock. A session evicted between Open and BeginTurn is
// reopened once.
func (o *Orchestrator) begin(ctx context.Context, sessionID, userID string) (domain.ConversationState, func(), error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var (
			state   domain.ConversationState
			release func()
		)
		state, release, err = o.claim(ctx, sessionID, userID)
		if !errors.Is(err, conversation.ErrUnknownSession) {
			return state, release, err
		}
		o.logger.Debug("Session evicted while claiming turn, reopening", "session_id", sessionID)
	}
	return domain.ConversationState{}, nil, err
}

func (o *Orchestrator) claim(ctx context.Context, sessionID, userID string) (domain.ConversationState, func(), error) {
	if _, err := o.store.Open(ctx, sessionID, userID); err != nil {
		return domain.ConversationState{}, nil, err
	}
	if o.afterOpen != nil {
		o.afterOpen(sessionID)
	}
	release, err := o.store.BeginTurn(sessionID)
	if err != nil {
		return domain.ConversationState{}, nil, err
	}
	state, ok := o.store.Snapshot(sessionID)
	if !ok {
		release()
		return domain.ConversationState{}, nil, conversation.ErrUnknownSession
	}
	return state, release, nil
}

// SubmitUserTurn appends text as a user message and starts a model turn.
// A session with a turn already running yields
// conversation.ErrTurnInProgress.
func (o *Orchestrator) SubmitUserTurn(ctx context.Context, sessionID, userID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message is required: %w", errdefs.ErrInvalidArgument)
	}

	state, release, err := o.begin(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	state, err = o.store.Commit(state, domain.UserMessage(text))
	if err != nil {
		release()
		return nil, err
	}

	genCtx, cancel := context.WithCancel(ctx)
	turn := newTurn(sessionID, cancel)
	go func() {
		defer release()
		o.runTurn(genCtx, context.WithoutCancel(ctx), turn, state)
	}()
	return turn, nil
}

// runTurn is the single producer of a turn. genCtx bounds the model
// stream; workCtx outlives the consumer so tools and saves complete.
func (o *Orchestrator) runTurn(genCtx, workCtx context.Context, t *Turn, state domain.ConversationState) {
	system, msgs := buildPrompt(state)
	profile := o.router.Select(flatten(msgs))

	o.logger.Info("Starting turn",
		"session_id", state.SessionID,
		"provider", o.provider.Name(),
		"model", profile.Name,
		"messages", len(msgs))

	req := llm.Request{
		Model:    profile.Name,
		System:   system,
		Messages: msgs,
		Tools:    toolDefinitions(o.registry.Definitions()),
	}

	textUnit := projection.UnitID(state.SessionID, visibleCount(state)-1) + "-reply"
	var text strings.Builder
	var streamErr error

	for ev, err := range o.provider.Generate(genCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		switch ev.Type {
		case llm.EventTextDelta:
			if ev.Text == "" {
				continue
			}
			text.WriteString(ev.Text)
			t.emit(Delta{UnitID: textUnit, Kind: DeltaText, Text: ev.Text})
		case llm.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			var cerr error
			state, cerr = o.dispatch(workCtx, t, state, *ev.ToolCall)
			if cerr != nil {
				o.finish(workCtx, t, state, cerr)
				return
			}
		}
	}

	disconnected := streamErr != nil && (t.isDetached() || genCtx.Err() != nil)
	switch {
	case streamErr == nil, disconnected:
		if disconnected {
			o.logger.Info("Turn consumer disconnected", "session_id", state.SessionID)
			streamErr = nil
		}
		if text.Len() > 0 {
			next, err := o.store.Commit(state, domain.AssistantText(text.String()))
			if err != nil {
				o.finish(workCtx, t, state, err)
				return
			}
			state = next
		}
	default:
		o.logger.Error("Model stream failed",
			"session_id", state.SessionID,
			"model", profile.Name,
			"error", streamErr)
		t.emit(Delta{
			UnitID:  textUnit,
			Kind:    DeltaError,
			Display: []domain.Renderable{domain.Notice(providerFailureText)},
		})
	}

	o.finish(workCtx, t, state, streamErr)
}

// dispatch runs one tool call and commits its terminal messages.
func (o *Orchestrator) dispatch(ctx context.Context, t *Turn, state domain.ConversationState, call llm.ToolCall) (domain.ConversationState, error) {
	// The tool-call message takes the next index; its result unit follows.
	unitID := projection.UnitID(state.SessionID, visibleCount(state)+1)

	for ev := range o.registry.Dispatch(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Arguments}) {
		switch ev.Kind {
		case tools.EventPlaceholder:
			t.emit(Delta{UnitID: unitID, Kind: DeltaPlaceholder, Display: []domain.Renderable{ev.Display}})
		case tools.EventTerminal:
			next, err := o.store.Commit(state, ev.Messages...)
			if err != nil {
				return state, fmt.Errorf("commit %s result: %w", ev.Invocation.ToolName, err)
			}
			state = next

			if ev.Err != nil {
				o.logger.Warn("Tool invocation rejected",
					"session_id", state.SessionID,
					"tool", ev.Invocation.ToolName,
					"protocol", errs.IsProtocol(ev.Err),
					"error", ev.Err)
			}

			var display []domain.Renderable
			if ev.Display.Kind != "" {
				display = []domain.Renderable{ev.Display}
			}
			t.emit(Delta{UnitID: unitID, Kind: DeltaResult, Display: display})
		}
	}
	return state, nil
}

// finish saves the turn once and publishes its outcome.
func (o *Orchestrator) finish(ctx context.Context, t *Turn, state domain.ConversationState, err error) {
	if serr := o.store.Save(ctx, state); serr != nil {
		t.warnings = append(t.warnings, serr)
	}
	if err != nil && !errs.IsProvider(err) {
		o.logger.Error("Turn failed", "session_id", state.SessionID, "error", err)
	}
	t.finish(state, err)
}

// ConfirmPurchase completes a purchase the user confirmed in the UI. It
// streams progress for the purchase unit and records the purchase as a
// system note for the model.
func (o *Orchestrator) ConfirmPurchase(ctx context.Context, sessionID, userID, symbol string, price, amount float64) (*Turn, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errs.Validation("showStockPurchase", "symbol", "is required")
	}
	if !tools.ValidQuantity(amount) {
		return nil, errs.Validation("showStockPurchase", "amount", "%v outside (0, %d]", amount, tools.MaxQuantity)
	}
	if price <= 0 {
		return nil, errs.Validation("showStockPurchase", "price", "must be positive")
	}

	state, release, err := o.begin(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	workCtx := context.WithoutCancel(ctx)
	turn := newTurn(sessionID, func() {})
	go func() {
		defer release()
		o.runPurchase(workCtx, turn, state, symbol, price, amount)
	}()
	return turn, nil
}

func (o *Orchestrator) runPurchase(ctx context.Context, t *Turn, state domain.ConversationState, symbol string, price, amount float64) {
	unitID := projection.UnitID(state.SessionID, visibleCount(state)) + "-purchase"
	qty := strconv.FormatFloat(amount, 'f', -1, 64)
	total := amount * price
	purchasing := fmt.Sprintf("Purchasing %s $%s...", qty, symbol)

	t.emit(Delta{UnitID: unitID, Kind: DeltaPlaceholder, Display: []domain.Renderable{
		{Kind: domain.RenderSpinner, Text: purchasing},
	}})
	pauseFor(ctx, o.purchaseDelay)
	t.emit(Delta{UnitID: unitID, Kind: DeltaPlaceholder, Display: []domain.Renderable{
		{Kind: domain.RenderSpinner, Text: purchasing + " working on it..."},
	}})
	pauseFor(ctx, o.purchaseDelay)

	note := domain.SystemNote(fmt.Sprintf("[User has purchased %s shares of %s at %s. Total cost = %s]",
		qty, symbol, strconv.FormatFloat(price, 'f', -1, 64), formatUSD(total)))
	next, err := o.store.Commit(state, note)
	if err != nil {
		o.finish(ctx, t, state, err)
		return
	}

	o.logger.Info("Purchase confirmed",
		"session_id", state.SessionID,
		"symbol", symbol,
		"amount", amount,
		"total", total)

	t.emit(Delta{UnitID: unitID, Kind: DeltaResult, Display: []domain.Renderable{{
		Kind: domain.RenderBotText,
		Text: fmt.Sprintf("You have successfully purchased %s $%s. Total cost: %s", qty, symbol, formatUSD(total)),
	}}})
	o.finish(ctx, t, next, nil)
}

// UIState projects the stored conversation of an identified user.
func (o *Orchestrator) UIState(ctx context.Context, sessionID, userID string) ([]projection.Unit, error) {
	state, err := o.State(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return projection.Project(state, o.registry), nil
}

// State returns the authoritative log of a session.
func (o *Orchestrator) State(ctx context.Context, sessionID, userID string) (domain.ConversationState, error) {
	if userID == "" {
		return domain.ConversationState{}, ErrUnidentified
	}
	return o.store.Open(ctx, sessionID, userID)
}

// Forget drops a session from memory after its stored copy was deleted.
func (o *Orchestrator) Forget(sessionID string) error {
	return o.store.Forget(sessionID)
}

// visibleCount counts the messages that take a projection index.
func visibleCount(state domain.ConversationState) int {
	n := 0
	for _, m := range state.Messages {
		if m.Role != domain.RoleSystem {
			n++
		}
	}
	return n
}

func pauseFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func formatUSD(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// IsBusy reports whether err means the session already has a turn running.
func IsBusy(err error) bool {
	return errors.Is(err, conversation.ErrTurnInProgress)
}
