// Package domain contains the conversation types shared by every layer.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ItemType tags a structured content item.
type ItemType string

const (
	ItemToolCall   ItemType = "tool-call"
	ItemToolResult ItemType = "tool-result"
)

// ContentItem is one structured entry of an assistant or tool message.
// Args is set on tool-call items, Result on tool-result items.
type ContentItem struct {
	Type       ItemType        `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Content is either plain text or an ordered list of structured items.
// On the wire it is a JSON string or a JSON array respectively.
type Content struct {
	Text  string        `cbor:"text,omitempty"`
	Items []ContentItem `cbor:"items,omitempty"`
}

// TextContent builds text content.
func TextContent(text string) Content { return Content{Text: text} }

// ItemContent builds structured content.
func ItemContent(items ...ContentItem) Content { return Content{Items: items} }

// IsText reports whether the content is plain text.
func (c Content) IsText() bool { return len(c.Items) == 0 }

// String flattens the content for prompts and logs.
func (c Content) String() string {
	if c.IsText() {
		return c.Text
	}
	data, err := json.Marshal(c.Items)
	if err != nil {
		return ""
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Items)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = Content{Text: text}
	case '[':
		var items []ContentItem
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode item content: %w", err)
		}
		*c = Content{Items: items}
	default:
		return fmt.Errorf("decode content: unexpected %q", data[0])
	}
	return nil
}

// Message is one entry in the authoritative log. Messages are never
// modified after being appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewID returns a time-ordered message identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewMessage builds a message with a fresh ID and timestamp.
func NewMessage(role Role, content Content) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// UserMessage builds a user text message.
func UserMessage(text string) Message { return NewMessage(RoleUser, TextContent(text)) }

// AssistantText builds an assistant text message.
func AssistantText(text string) Message { return NewMessage(RoleAssistant, TextContent(text)) }

// SystemNote builds a system bookkeeping message. Notes are shown to the
// model as context and never rendered.
func SystemNote(text string) Message { return NewMessage(RoleSystem, TextContent(text)) }

// ToolPair builds the assistant tool-call message and the tool-result
// message for one invocation. Both share toolCallID.
func ToolPair(toolCallID, toolName string, args, result json.RawMessage) (Message, Message) {
	call := NewMessage(RoleAssistant, ItemContent(ContentItem{
		Type:       ItemToolCall,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
	}))
	res := NewMessage(RoleTool, ItemContent(ContentItem{
		Type:       ItemToolResult,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Result:     result,
	}))
	return call, res
}

// Summary truncates text to at most n runes, for titles and log lines.
func Summary(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
