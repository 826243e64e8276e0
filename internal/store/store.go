// Package store provides durable persistence for committed conversations.
package store

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ashureev/stockchat/internal/domain"
)

// ConversationRepository saves and loads conversation snapshots.
type ConversationRepository interface {
	// SaveConversation upserts the full state of a conversation.
	SaveConversation(ctx context.Context, state domain.ConversationState) error

	// LoadConversation returns the saved state of a session. A missing
	// session yields an error matching errdefs.IsNotFound.
	LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error)

	// ListConversations returns the chat records of a user, newest first.
	ListConversations(ctx context.Context, userID string) ([]domain.Chat, error)

	// DeleteConversation removes a saved conversation. Deleting a missing
	// conversation is not an error.
	DeleteConversation(ctx context.Context, sessionID string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func notFound(sessionID string) error {
	return fmt.Errorf("conversation %s: %w", sessionID, errdefs.ErrNotFound)
}
