package domain

import (
	"slices"
	"time"
)

// titleLength caps the chat title derived from the first message.
const titleLength = 100

// ConversationState is the authoritative, append-only log of a session.
// Values are snapshots: Append never touches the receiver's backing array.
type ConversationState struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewConversationState starts an empty log for a session.
func NewConversationState(sessionID, userID string) ConversationState {
	return ConversationState{
		SessionID: sessionID,
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
	}
}

// Append returns a new snapshot with msgs added after the existing log.
func (s ConversationState) Append(msgs ...Message) ConversationState {
	next := s
	next.Messages = make([]Message, 0, len(s.Messages)+len(msgs))
	next.Messages = append(next.Messages, s.Messages...)
	next.Messages = append(next.Messages, msgs...)
	return next
}

// Len returns the number of messages in the log.
func (s ConversationState) Len() int { return len(s.Messages) }

// Last returns the final message, if any.
func (s ConversationState) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Title derives a chat title from the first message.
func (s ConversationState) Title() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return Summary(s.Messages[0].Content.String(), titleLength)
}

// Path is the presentation route of the chat.
func (s ConversationState) Path() string { return "/chat/" + s.SessionID }

// Clone returns a snapshot that shares no slice with s.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Messages = slices.Clone(s.Messages)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out
}

// Chat is the durable record saved for a conversation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  int       `json:"messageCount"`
}

// ChatRecord describes s as a durable chat record.
func (s ConversationState) ChatRecord() Chat {
	return Chat{
		ID:        s.SessionID,
		Title:     s.Title(),
		UserID:    s.UserID,
		Path:      s.Path(),
		CreatedAt: s.CreatedAt,
		Messages:  len(s.Messages),
	}
}
