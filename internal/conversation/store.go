// Package conversation owns the in-memory authoritative state of every
// live session and publishes new snapshots atomically.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/errs"
)

var (
	// ErrTurnInProgress is returned when a session already has a turn running.
	ErrTurnInProgress = fmt.Errorf("turn already in progress: %w", errdefs.ErrConflict)
	// ErrStaleState is returned when a commit is based on an outdated snapshot.
	ErrStaleState = fmt.Errorf("conversation state changed since snapshot: %w", errdefs.ErrConflict)
	// ErrUnknownSession is returned for sessions that were never opened.
	ErrUnknownSession = fmt.Errorf("session not open: %w", errdefs.ErrNotFound)
	// ErrSessionOwner is returned when a session is opened by a different user.
	ErrSessionOwner = fmt.Errorf("session belongs to another user: %w", errdefs.ErrPermissionDenied)
)

// Persister saves and loads committed conversations.
type Persister interface {
	SaveConversation(ctx context.Context, state domain.ConversationState) error
	// LoadConversation returns an error matching errdefs.IsNotFound when
	// the session has never been saved.
	LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error)
}

type session struct {
	state    atomic.Pointer[domain.ConversationState]
	turn     sync.Mutex
	lastUsed atomic.Int64
}

func (s *session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

// Store holds one snapshot pointer per session. Readers always observe a
// complete snapshot; writers publish with compare-and-swap.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*session
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a store. A nil persister keeps conversations in memory only.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:  make(map[string]*session),
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Store) get(sessionID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Open returns the current snapshot of a session, loading it from the
// persister or starting an empty log when it is not live.
func (s *Store) Open(ctx context.Context, sessionID, userID string) (domain.ConversationState, error) {
	if sessionID == "" {
		return domain.ConversationState{}, fmt.Errorf("open session: %w", errdefs.ErrInvalidArgument)
	}

	if sess, ok := s.get(sessionID); ok {
		return s.checkOwner(sess, userID)
	}

	loaded, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return domain.ConversationState{}, err
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		sess.state.Store(&loaded)
		s.sessions[sessionID] = sess
	}
	s.mu.Unlock()

	return s.checkOwner(sess, userID)
}

func (s *Store) load(ctx context.Context, sessionID, userID string) (domain.ConversationState, error) {
	if s.persister == nil {
		return domain.NewConversationState(sessionID, userID), nil
	}
	st, err := s.persister.LoadConversation(ctx, sessionID)
	switch {
	case err == nil && st != nil:
		s.logger.Debug("Loaded conversation", "session_id", sessionID, "messages", st.Len())
		return st.Clone(), nil
	case err == nil, errdefs.IsNotFound(err):
		return domain.NewConversationState(sessionID, userID), nil
	default:
		return domain.ConversationState{}, &errs.PersistenceError{SessionID: sessionID, Err: err}
	}
}

func (s *Store) checkOwner(sess *session, userID string) (domain.ConversationState, error) {
	sess.touch(s.now())
	cur := *sess.state.Load()
	if cur.UserID != "" && userID != "" && cur.UserID != userID {
		return domain.ConversationState{}, ErrSessionOwner
	}
	return cur, nil
}

// Snapshot returns the latest committed state of a live session.
func (s *Store) Snapshot(sessionID string) (domain.ConversationState, bool) {
	sess, ok := s.get(sessionID)
	if !ok {
		return domain.ConversationState{}, false
	}
	return *sess.state.Load(), true
}

// Commit publishes prev with msgs appended as one atomic step. It fails
// with ErrStaleState if another commit landed after prev was read.
func (s *Store) Commit(prev domain.ConversationState, msgs ...domain.Message) (domain.ConversationState, error) {
	sess, ok := s.get(prev.SessionID)
	if !ok {
		return domain.ConversationState{}, ErrUnknownSession
	}

	cur := sess.state.Load()
	if !sameVersion(*cur, prev) {
		return domain.ConversationState{}, ErrStaleState
	}
	if len(msgs) == 0 {
		return *cur, nil
	}

	next := cur.Append(msgs...)
	if !sess.state.CompareAndSwap(cur, &next) {
		return domain.ConversationState{}, ErrStaleState
	}
	sess.touch(s.now())
	return next, nil
}

// The log is append-only, so length plus last ID identifies a version.
func sameVersion(a, b domain.ConversationState) bool {
	if a.Len() != b.Len() {
		return false
	}
	la, okA := a.Last()
	lb, okB := b.Last()
	return okA == okB && la.ID == lb.ID
}

// Save hands state to the persister. A failure is returned as a
// *errs.PersistenceError; the in-memory state is unaffected.
func (s *Store) Save(ctx context.Context, state domain.ConversationState) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveConversation(ctx, state); err != nil {
		perr := &errs.PersistenceError{SessionID: state.SessionID, Err: err}
		s.logger.Warn("Failed to persist conversation",
			"session_id", state.SessionID,
			"error", err)
		return perr
	}
	return nil
}

// BeginTurn claims the session's turn lock without waiting. The returned
// release func is safe to call more than once.
func (s *Store) BeginTurn(sessionID string) (func(), error) {
	sess, ok := s.get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	if !sess.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	sess.touch(s.now())

	var once sync.Once
	return func() {
		once.Do(func() {
			sess.touch(s.now())
			sess.turn.Unlock()
		})
	}, nil
}

// Forget drops a session from memory. It fails with ErrTurnInProgress
// while a turn is running.
func (s *Store) Forget(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !sess.turn.TryLock() {
		return ErrTurnInProgress
	}
	delete(s.sessions, sessionID)
	sess.turn.Unlock()
	return nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IsTurnInProgress reports whether err means the session is busy.
func IsTurnInProgress(err error) bool { return errors.Is(err, ErrTurnInProgress) }
