package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ashureev/stockchat/internal/domain"
)

// ConversationTTL is how long an untouched conversation stays in Redis.
const ConversationTTL = 30 * 24 * time.Hour

// RedisStore implements ConversationRepository on Redis. Each
// conversation is a hash holding the snapshot and its chat record;
// a sorted set per user indexes conversations by update time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client and verifies connectivity.
func NewRedis(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) conversationKey(sessionID string) string {
	return r.prefix + "conversation:" + sessionID
}

func (r *RedisStore) userConversationsKey(userID string) string {
	return r.prefix + "user_conversations:" + userID
}

// SaveConversation writes the snapshot and updates the user index.
func (r *RedisStore) SaveConversation(ctx context.Context, state domain.ConversationState) error {
	snapshot, err := EncodeSnapshot(state)
	if err != nil {
		return err
	}
	rec := state.ChatRecord()
	now := time.Now().UTC()

	key := r.conversationKey(rec.ID)
	pipe := r.client.TxPipeline()
	if rec.Title != "" {
		pipe.HSetNX(ctx, key, "title", rec.Title)
	}
	pipe.HSetNX(ctx, key, "created_at", rec.CreatedAt.UnixMilli())
	pipe.HSet(ctx, key,
		"snapshot", snapshot,
		"user_id", rec.UserID,
		"path", rec.Path,
		"message_count", rec.Messages,
		"updated_at", now.UnixMilli(),
	)
	pipe.Expire(ctx, key, ConversationTTL)
	if rec.UserID != "" {
		userKey := r.userConversationsKey(rec.UserID)
		pipe.ZAdd(ctx, userKey, &redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: rec.ID,
		})
		pipe.Expire(ctx, userKey, ConversationTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// LoadConversation returns the saved state of a session.
func (r *RedisStore) LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	data, err := r.client.HGet(ctx, r.conversationKey(sessionID), "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return DecodeSnapshot(data)
}

// ListConversations returns the chat records of userID, newest first.
// Index entries whose conversation expired are pruned.
func (r *RedisStore) ListConversations(ctx context.Context, userID string) ([]domain.Chat, error) {
	userKey := r.userConversationsKey(userID)
	ids, err := r.client.ZRevRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	chats := make([]domain.Chat, 0, len(ids))
	var stale []any
	for _, id := range ids {
		fields, err := r.client.HMGet(ctx, r.conversationKey(id),
			"user_id", "title", "path", "message_count", "created_at", "updated_at").Result()
		if err != nil {
			return nil, fmt.Errorf("read conversation %s: %w", id, err)
		}
		if fields[2] == nil {
			stale = append(stale, id)
			continue
		}
		chats = append(chats, domain.Chat{
			ID:        id,
			UserID:    str(fields[0]),
			Title:     str(fields[1]),
			Path:      str(fields[2]),
			Messages:  atoi(fields[3]),
			CreatedAt: millis(fields[4]),
			UpdatedAt: millis(fields[5]),
		})
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, userKey, stale...)
	}
	return chats, nil
}

// DeleteConversation removes a conversation and its index entry.
func (r *RedisStore) DeleteConversation(ctx context.Context, sessionID string) error {
	key := r.conversationKey(sessionID)
	userID, err := r.client.HGet(ctx, key, "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete conversation: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.ZRem(ctx, r.userConversationsKey(userID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func atoi(v any) int {
	var n int
	_, _ = fmt.Sscan(str(v), &n)
	return n
}

func millis(v any) time.Time {
	var ms int64
	if _, err := fmt.Sscan(str(v), &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
