package conversation

import (
	"context"
	"time"
)

// EvictCallback is called after a session is dropped from memory.
type EvictCallback func(sessionID string)

// StartEvictionWorker runs a background goroutine that periodically drops
// sessions idle for longer than ttl. Sessions with a running turn are
// skipped. Evicted sessions reload from the persister on the next Open.
func (s *Store) StartEvictionWorker(ctx context.Context, ttl, interval time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session eviction worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := s.evictIdle(ttl, onEvict); n > 0 {
					s.logger.Info("Evicted idle sessions", "count", n, "remaining", s.Len())
				}
			case <-ctx.Done():
				s.logger.Info("Session eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Store) evictIdle(ttl time.Duration, onEvict EvictCallback) int {
	cutoff := s.now().Add(-ttl).UnixNano()

	var evicted []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastUsed.Load() > cutoff {
			continue
		}
		if !sess.turn.TryLock() {
			continue
		}
		delete(s.sessions, id)
		sess.turn.Unlock()
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.logger.Debug("Evicted idle session", "session_id", id)
		if onEvict != nil {
			onEvict(id)
		}
	}
	return len(evicted)
}
