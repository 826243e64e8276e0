// Package projection derives the renderable view of a conversation from
// its authoritative log. The view is never stored.
package projection

import (
	"encoding/json"
	"strconv"

	"github.com/ashureev/stockchat/internal/domain"
)

// Unit is one entry of the projected view.
type Unit struct {
	ID      string              `json:"id"`
	Display []domain.Renderable `json:"display"`
}

// Renderer turns a tool result into display units. Unknown tool names
// must yield nothing.
type Renderer interface {
	Render(toolName string, result json.RawMessage) []domain.Renderable
}

// UnitID names the unit for the index-th non-system message of a session.
func UnitID(sessionID string, index int) string {
	return sessionID + "-" + strconv.Itoa(index)
}

// Project builds the view of state. System messages are skipped and do
// not count toward unit indices. Assistant tool-call messages count but
// produce no unit, their display belongs to the tool message that follows.
// Project is pure: the same state always yields the same units.
func Project(state domain.ConversationState, r Renderer) []Unit {
	units := make([]Unit, 0, len(state.Messages))
	index := 0
	for _, msg := range state.Messages {
		if msg.Role == domain.RoleSystem {
			continue
		}
		id := UnitID(state.SessionID, index)
		index++

		switch msg.Role {
		case domain.RoleUser:
			units = append(units, Unit{ID: id, Display: []domain.Renderable{
				{Kind: domain.RenderUserText, Text: msg.Content.String()},
			}})
		case domain.RoleAssistant:
			if !msg.Content.IsText() {
				continue
			}
			units = append(units, Unit{ID: id, Display: []domain.Renderable{
				{Kind: domain.RenderBotText, Text: msg.Content.Text},
			}})
		case domain.RoleTool:
			var display []domain.Renderable
			for _, item := range msg.Content.Items {
				if item.Type != domain.ItemToolResult || r == nil {
					continue
				}
				display = append(display, r.Render(item.ToolName, item.Result)...)
			}
			if len(display) == 0 {
				continue
			}
			units = append(units, Unit{ID: id, Display: display})
		}
	}
	return units
}
