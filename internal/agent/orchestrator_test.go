package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/stockchat/internal/config"
	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
	"github.com/ashureev/stockchat/internal/knowledge"
	"github.com/ashureev/stockchat/internal/llm"
	"github.com/ashureev/stockchat/internal/projection"
	"github.com/ashureev/stockchat/internal/routing"
	"github.com/ashureev/stockchat/internal/tools"
)

// step is one scripted stream element. A step with wait set blocks until
// the gate is closed or the stream is cancelled.
type step struct {
	ev   llm.Event
	err  error
	wait chan struct{}
}

type fakeProvider struct {
	mu       sync.Mutex
	scripts  [][]step
	requests []llm.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, req llm.Request) iter.Seq2[llm.Event, error] {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script []step
	if len(p.scripts) > 0 {
		script, p.scripts = p.scripts[0], p.scripts[1:]
	}
	p.mu.Unlock()

	return func(yield func(llm.Event, error) bool) {
		for _, s := range script {
			if s.wait != nil {
				select {
				case <-s.wait:
					continue
				case <-ctx.Done():
					yield(llm.Event{}, errs.Provider("fake", "stream", ctx.Err()))
					return
				}
			}
			if !yield(s.ev, s.err) || s.err != nil {
				return
			}
		}
	}
}

func (p *fakeProvider) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("provider was never called")
	}
	return p.requests[len(p.requests)-1]
}

func text(s string) step { return step{ev: llm.Event{Type: llm.EventTextDelta, Text: s}} }

func toolCall(id, name, args string) step {
	return step{ev: llm.Event{Type: llm.EventToolCall, ToolCall: &llm.ToolCall{
		ID: id, Name: name, Arguments: json.RawMessage(args),
	}}}
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string) ([]knowledge.SearchResult, error) {
	return nil, errs.Provider("exa", "search", errors.New("connection reset"))
}

type failingPersister struct{}

func (failingPersister) SaveConversation(context.Context, domain.ConversationState) error {
	return errors.New("disk full")
}

func (failingPersister) LoadConversation(_ context.Context, sessionID string) (*domain.ConversationState, error) {
	st := domain.NewConversationState(sessionID, "")
	return &st, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *conversation.Store
	provider *fakeProvider
	registry *tools.Registry
}

func newFixture(t *testing.T, persister conversation.Persister, toolOpts tools.Options, scripts ...[]step) *fixture {
	t.Helper()

	provider := &fakeProvider{scripts: scripts}
	store := conversation.NewStore(persister, nil)
	registry := tools.NewRegistry(toolOpts)
	return &fixture{
		orch: New(Options{
			Store:    store,
			Router:   routing.New(config.DefaultModelProfiles()),
			Provider: provider,
			Registry: registry,
		}),
		store:    store,
		provider: provider,
		registry: registry,
	}
}

func collect(t *testing.T, turn *Turn) ([]Delta, domain.ConversationState, error) {
	t.Helper()

	var deltas []Delta
	for d := range turn.Deltas() {
		deltas = append(deltas, d)
	}
	state, err := turn.Wait()
	return deltas, state, err
}

func TestSubmitUserTurnShowsStockPrice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{
		toolCall("call_1", "showStockPrice", `{"symbol":"AAPL","price":150.25,"delta":1.5}`),
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "show me AAPL price")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}

	if len(state.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(state.Messages), state.Messages)
	}
	if state.Messages[0].Role != domain.RoleUser || state.Messages[0].Content.Text != "show me AAPL price" {
		t.Fatalf("unexpected user message %+v", state.Messages[0])
	}
	call, result := state.Messages[1], state.Messages[2]
	if call.Role != domain.RoleAssistant || call.Content.Items[0].Type != domain.ItemToolCall ||
		call.Content.Items[0].ToolName != "showStockPrice" {
		t.Fatalf("unexpected tool-call message %+v", call)
	}
	if result.Role != domain.RoleTool || result.Content.Items[0].ToolCallID != call.Content.Items[0].ToolCallID {
		t.Fatalf("tool-result not paired with call: %+v", result)
	}
	var quote tools.Stock
	if err := json.Unmarshal(result.Content.Items[0].Result, &quote); err != nil || quote.Symbol != "AAPL" {
		t.Fatalf("unexpected result %s (%v)", result.Content.Items[0].Result, err)
	}

	if len(deltas) != 2 {
		t.Fatalf("expected placeholder + result, got %+v", deltas)
	}
	if deltas[0].Kind != DeltaPlaceholder || deltas[0].Display[0].Kind != domain.RenderStockSkeleton {
		t.Fatalf("unexpected placeholder %+v", deltas[0])
	}
	if deltas[1].Kind != DeltaResult || deltas[1].Display[0].Kind != domain.RenderStock {
		t.Fatalf("unexpected result %+v", deltas[1])
	}

	units := projection.Project(state, f.registry)
	var stockUnits []projection.Unit
	for _, u := range units {
		if len(u.Display) > 0 && u.Display[0].Kind == domain.RenderStock {
			stockUnits = append(stockUnits, u)
		}
	}
	if len(stockUnits) != 1 {
		t.Fatalf("expected exactly one stock unit, got %+v", units)
	}
	if stockUnits[0].ID != deltas[1].UnitID {
		t.Fatalf("delta unit %s does not match projected unit %s", deltas[1].UnitID, stockUnits[0].ID)
	}

	req := f.provider.lastRequest(t)
	if req.Model == "" || len(req.Tools) != 6 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("expected only the user message, got %+v", req.Messages)
	}

	if snap, _ := f.store.Snapshot("s1"); snap.Len() != 3 {
		t.Fatalf("store snapshot has %d messages", snap.Len())
	}
}

func TestSubmitUserTurnStreamsText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{},
		[]step{text("Hello"), text(""), text(" there")},
		[]step{text("Again")},
	)

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hi")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}

	if len(deltas) != 2 || deltas[0].Text != "Hello" || deltas[1].Text != " there" {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
	if deltas[0].UnitID != deltas[1].UnitID {
		t.Fatalf("text deltas split across units: %+v", deltas)
	}
	last, _ := state.Last()
	if last.Role != domain.RoleAssistant || last.Content.Text != "Hello there" {
		t.Fatalf("unexpected committed reply %+v", last)
	}

	turn, err = f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hi again")
	if err != nil {
		t.Fatalf("second SubmitUserTurn() error: %v", err)
	}
	if _, _, err := collect(t, turn); err != nil {
		t.Fatalf("second turn error: %v", err)
	}
	req := f.provider.lastRequest(t)
	roles := make([]llm.Role, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if len(roles) != 3 || roles[0] != llm.RoleUser || roles[1] != llm.RoleAssistant || roles[2] != llm.RoleUser {
		t.Fatalf("unexpected history roles %v", roles)
	}
}

func TestSubmitUserTurnProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{
		text("partial"),
		{err: errs.Provider("fake", "stream", errors.New("upstream 502"))},
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if !errs.IsProvider(err) {
		t.Fatalf("expected ProviderError, got %v", err)
	}

	last := deltas[len(deltas)-1]
	if last.Kind != DeltaError || last.Display[0].Text != providerFailureText {
		t.Fatalf("expected failure placeholder, got %+v", last)
	}
	if last.UnitID != deltas[0].UnitID {
		t.Fatal("failure must end the streamed unit")
	}
	if state.Len() != 1 || state.Messages[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user message, got %+v", state.Messages)
	}
}

func TestSubmitUserTurnSearchFailureIsPaired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{Searcher: failingSearcher{}}, []step{
		toolCall("call_9", "search", `{"query":"AAPL news"}`),
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "any AAPL news?")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("provider failure of a tool must not fail the turn: %v", err)
	}

	if len(deltas) != 2 || deltas[0].Display[0].Text != "Loading search results..." ||
		deltas[1].Display[0].Text != "Error searching. Please try again." {
		t.Fatalf("unexpected deltas %+v", deltas)
	}

	if state.Len() != 4 {
		t.Fatalf("expected user, call, result, note; got %+v", state.Messages)
	}
	call, result, note := state.Messages[1], state.Messages[2], state.Messages[3]
	if call.Content.Items[0].ToolCallID != "call_9" || result.Content.Items[0].ToolCallID != "call_9" {
		t.Fatalf("call/result not paired: %+v %+v", call, result)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result.Content.Items[0].Result, &payload); err != nil || payload.Status != "error" {
		t.Fatalf("expected error-status result, got %s", result.Content.Items[0].Result)
	}
	if note.Role != domain.RoleSystem {
		t.Fatalf("expected system note, got %+v", note)
	}
}

func TestSubmitUserTurnUnknownToolIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{
		toolCall("call_x", "sellStock", `{"symbol":"AAPL"}`),
		text("Done."),
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "sell AAPL")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	if deltas[0].Kind != DeltaResult || len(deltas[0].Display) != 0 {
		t.Fatalf("expected a no-op result delta, got %+v", deltas[0])
	}
	if state.Len() != 5 {
		t.Fatalf("expected user, call, result, note, reply; got %+v", state.Messages)
	}
	if state.Messages[2].Role != domain.RoleTool || state.Messages[4].Content.Text != "Done." {
		t.Fatalf("unexpected log %+v", state.Messages)
	}
	if note := state.Messages[3]; note.Role != domain.RoleSystem || !strings.Contains(note.Content.Text, "unknown tool") {
		t.Fatalf("expected rejection note, got %+v", note)
	}
}

func TestSubmitUserTurnMalformedArgsRecordsRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{
		toolCall("call_m", "showStockPrice", `{"symbol":`),
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "show me AAPL price")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	_, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}

	var roles []domain.Role
	for _, m := range state.Messages {
		roles = append(roles, m.Role)
	}
	want := []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleSystem}
	if !slices.Equal(roles, want) {
		t.Fatalf("expected roles %v, got %v", want, roles)
	}
	if !strings.Contains(state.Messages[3].Content.Text, "not a JSON object") {
		t.Fatalf("unexpected rejection note %q", state.Messages[3].Content.Text)
	}
}

func TestSubmitUserTurnRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFixture(t, nil, tools.Options{},
		[]step{text("thinking"), {wait: gate}, text(" done")},
		[]step{text("ok")},
	)

	first, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "one")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}

	if _, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "two"); !IsBusy(err) {
		t.Fatalf("expected turn in progress, got %v", err)
	}
	if _, err := f.orch.ConfirmPurchase(context.Background(), "s1", "u1", "AAPL", 100, 1); !IsBusy(err) {
		t.Fatalf("expected turn in progress for purchase, got %v", err)
	}

	close(gate)
	if _, _, err := collect(t, first); err != nil {
		t.Fatalf("first turn error: %v", err)
	}

	second, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "two")
	if err != nil {
		t.Fatalf("turn after release: %v", err)
	}
	_, state, err := collect(t, second)
	if err != nil {
		t.Fatalf("second turn error: %v", err)
	}
	if state.Len() != 4 {
		t.Fatalf("expected two full exchanges, got %d messages", state.Len())
	}
}

func TestDetachCommitsPartialText(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, nil, tools.Options{}, []step{text("partial "), {wait: gate}})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	for range turn.Deltas() {
		break
	}

	state, err := turn.Wait()
	if err != nil {
		t.Fatalf("detached turn error: %v", err)
	}
	last, _ := state.Last()
	if last.Role != domain.RoleAssistant || last.Content.Text != "partial " {
		t.Fatalf("expected partial reply committed, got %+v", last)
	}
}

func TestDetachLetsToolFinish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{RenderDelay: 50 * time.Millisecond}, []step{
		toolCall("call_1", "showStockPrice", `{"symbol":"AAPL","price":150.25,"delta":1.5}`),
	})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "show me AAPL price")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	for d := range turn.Deltas() {
		if d.Kind != DeltaPlaceholder {
			t.Fatalf("expected placeholder first, got %+v", d)
		}
		break
	}

	state, err := turn.Wait()
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	if state.Len() != 3 || state.Messages[2].Role != domain.RoleTool {
		t.Fatalf("in-flight tool did not commit: %+v", state.Messages)
	}
}

func TestCancelledContextLetsToolFinish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{RenderDelay: 20 * time.Millisecond}, []step{
		toolCall("call_1", "getEvents", `{"events":[{"date":"2026-01-01","headline":"Earnings","description":"Q4"}]}`),
	})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := f.orch.SubmitUserTurn(ctx, "s1", "u1", "AAPL events")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	cancel()

	_, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	for i, m := range state.Messages {
		if m.Role == domain.RoleAssistant && !m.Content.IsText() {
			if i+1 >= state.Len() || state.Messages[i+1].Role != domain.RoleTool {
				t.Fatalf("unpaired tool-call at %d: %+v", i, state.Messages)
			}
		}
	}
}

func TestConfirmPurchase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{text("Noted.")})

	for _, amount := range []float64{0, 1001} {
		if _, err := f.orch.ConfirmPurchase(context.Background(), "s1", "u1", "AAPL", 150.25, amount); !errs.IsValidation(err) {
			t.Fatalf("amount %v: expected ValidationError, got %v", amount, err)
		}
	}

	turn, err := f.orch.ConfirmPurchase(context.Background(), "s1", "u1", "aapl", 150.25, 10)
	if err != nil {
		t.Fatalf("ConfirmPurchase() error: %v", err)
	}
	deltas, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("purchase error: %v", err)
	}

	if len(deltas) != 3 {
		t.Fatalf("expected two progress updates and a result, got %+v", deltas)
	}
	if deltas[0].Display[0].Text != "Purchasing 10 $AAPL..." ||
		deltas[1].Display[0].Text != "Purchasing 10 $AAPL... working on it..." {
		t.Fatalf("unexpected progress %+v", deltas[:2])
	}
	if want := "You have successfully purchased 10 $AAPL. Total cost: $1,502.50"; deltas[2].Display[0].Text != want {
		t.Fatalf("got %q, want %q", deltas[2].Display[0].Text, want)
	}

	last, _ := state.Last()
	wantNote := "[User has purchased 10 shares of AAPL at 150.25. Total cost = $1,502.50]"
	if last.Role != domain.RoleSystem || last.Content.Text != wantNote {
		t.Fatalf("unexpected note %+v", last)
	}

	turn, err = f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "thanks")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	if _, _, err := collect(t, turn); err != nil {
		t.Fatalf("turn error: %v", err)
	}
	req := f.provider.lastRequest(t)
	if !strings.Contains(req.System, wantNote) {
		t.Fatalf("purchase note not folded into system prompt: %q", req.System)
	}
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			t.Fatalf("system note sent as a turn: %+v", m)
		}
	}
}

func TestSaveFailureIsWarning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failingPersister{}, tools.Options{}, []step{text("hi")})

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	_, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("save failure must not fail the turn: %v", err)
	}
	if state.Len() != 2 {
		t.Fatalf("expected committed exchange, got %d messages", state.Len())
	}
	warnings := turn.Warnings()
	if len(warnings) != 1 || !errs.IsPersistence(warnings[0]) {
		t.Fatalf("expected one PersistenceError warning, got %v", warnings)
	}
}

func TestSubmitUserTurnRejectsEmptyText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{})
	if _, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "   "); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestUIState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{
		text("Here it is."),
		toolCall("call_1", "showStockPrice", `{"symbol":"AAPL","price":150.25,"delta":1.5}`),
	})

	if _, err := f.orch.UIState(context.Background(), "s1", ""); !errors.Is(err, ErrUnidentified) {
		t.Fatalf("expected ErrUnidentified, got %v", err)
	}

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "show me AAPL price")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	if _, _, err := collect(t, turn); err != nil {
		t.Fatalf("turn error: %v", err)
	}

	units, err := f.orch.UIState(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("UIState() error: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected user, stock and reply units, got %+v", units)
	}
	if units[0].Display[0].Kind != domain.RenderUserText ||
		units[1].Display[0].Kind != domain.RenderStock ||
		units[2].Display[0].Kind != domain.RenderBotText {
		t.Fatalf("unexpected unit order %+v", units)
	}

	if _, err := f.orch.UIState(context.Background(), "s1", "intruder"); !errors.Is(err, conversation.ErrSessionOwner) {
		t.Fatalf("expected ErrSessionOwner, got %v", err)
	}
}

func TestBuildPromptFoldsSystemNotes(t *testing.T) {
	t.Parallel()

	call, result := domain.ToolPair("c1", "showStockPrice", json.RawMessage(`{"symbol":"AAPL"}`), json.RawMessage(`{"symbol":"AAPL","price":1}`))
	state := domain.NewConversationState("s1", "u1").Append(
		domain.UserMessage("price?"),
		call, result,
		domain.SystemNote("[Price of AAPL = 1]"),
		domain.AssistantText("It is 1."),
	)

	system, msgs := buildPrompt(state)
	if !strings.HasPrefix(system, systemInstruction) || !strings.Contains(system, "- [Price of AAPL = 1]") {
		t.Fatalf("unexpected system prompt %q", system)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 model messages, got %+v", msgs)
	}
	if msgs[1].Role != llm.RoleAssistant || len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "c1" {
		t.Fatalf("unexpected tool-call mapping %+v", msgs[1])
	}
	if msgs[2].Role != llm.RoleTool || msgs[2].ToolCallID != "c1" || msgs[2].Name != "showStockPrice" {
		t.Fatalf("unexpected tool-result mapping %+v", msgs[2])
	}

	flat := flatten(msgs)
	if !strings.HasPrefix(flat, "user: price?\nassistant: [") || !strings.HasSuffix(flat, "assistant: It is 1.") {
		t.Fatalf("unexpected flattened prompt %q", flat)
	}
}

func TestSubmitUserTurnReopensSessionEvictedMidClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{}, []step{text("hello")})
	evictions := 0
	f.orch.afterOpen = func(sessionID string) {
		if evictions == 0 {
			evictions++
			if err := f.store.Forget(sessionID); err != nil {
				t.Errorf("Forget() error: %v", err)
			}
		}
	}

	turn, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hi")
	if err != nil {
		t.Fatalf("SubmitUserTurn() error: %v", err)
	}
	_, state, err := collect(t, turn)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	if evictions != 1 || state.Len() != 2 {
		t.Fatalf("expected one eviction and a full turn, got %d evictions and %+v", evictions, state.Messages)
	}
}

func TestSubmitUserTurnGivesUpAfterRepeatedEviction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, tools.Options{})
	f.orch.afterOpen = func(sessionID string) {
		if err := f.store.Forget(sessionID); err != nil {
			t.Errorf("Forget() error: %v", err)
		}
	}

	if _, err := f.orch.SubmitUserTurn(context.Background(), "s1", "u1", "hi"); !errors.Is(err, conversation.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}
