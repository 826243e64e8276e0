package agent

import (
	"context"
	"iter"
	"sync"

	"github.com/ashureev/stockchat/internal/domain"
)

// DeltaKind tags a streamed update.
type DeltaKind string

const (
	// DeltaText appends Text to the unit's running text.
	DeltaText DeltaKind = "text"
	// DeltaPlaceholder replaces the unit's display with an interim one.
	DeltaPlaceholder DeltaKind = "placeholder"
	// DeltaResult sets the unit's final display. An empty display is a no-op.
	DeltaResult DeltaKind = "result"
	// DeltaError ends the unit with a failure display.
	DeltaError DeltaKind = "error"
)

// Delta is one ordered update for the presentation layer.
type Delta struct {
	UnitID  string              `json:"unitId"`
	Kind    DeltaKind           `json:"kind"`
	Text    string              `json:"text,omitempty"`
	Display []domain.Renderable `json:"display,omitempty"`
}

// deltaBuffer bounds how far the producer may run ahead of the consumer.
const deltaBuffer = 32

// Turn is a running turn. Deltas must be drained, or the turn detached,
// before Wait can return.
type Turn struct {
	SessionID string

	deltas     chan Delta
	detached   chan struct{}
	detachOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}

	state    domain.ConversationState
	err      error
	warnings []error
}

func newTurn(sessionID string, cancel context.CancelFunc) *Turn {
	return &Turn{
		SessionID: sessionID,
		deltas:    make(chan Delta, deltaBuffer),
		detached:  make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Deltas yields the turn's updates in emission order. Stopping early
// detaches the consumer.
func (t *Turn) Deltas() iter.Seq[Delta] {
	return func(yield func(Delta) bool) {
		for d := range t.deltas {
			if !yield(d) {
				t.Detach()
				return
			}
		}
	}
}

// Detach disconnects the consumer. The model stream stops; a tool already
// running completes and commits.
func (t *Turn) Detach() {
	t.detachOnce.Do(func() {
		close(t.detached)
		t.cancel()
	})
}

// Wait blocks until the turn has committed and returns the final state
// and the turn's terminal error, if any.
func (t *Turn) Wait() (domain.ConversationState, error) {
	<-t.done
	return t.state, t.err
}

// Warnings returns non-fatal failures of a finished turn, such as a
// failed save.
func (t *Turn) Warnings() []error {
	<-t.done
	return t.warnings
}

func (t *Turn) isDetached() bool {
	select {
	case <-t.detached:
		return true
	default:
		return false
	}
}

func (t *Turn) emit(d Delta) {
	if t.isDetached() {
		return
	}
	select {
	case t.deltas <- d:
	case <-t.detached:
	}
}

func (t *Turn) finish(state domain.ConversationState, err error) {
	t.state = state
	t.err = err
	close(t.deltas)
	close(t.done)
	t.cancel()
}
