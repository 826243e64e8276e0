package agent

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/llm"
	"github.com/ashureev/stockchat/internal/tools"
)

const systemInstruction = `You are a stock trading conversation bot. You help users look up stock prices and buy stocks, step by step.
You and the user can discuss stock prices, and the user can adjust the number of shares they want to buy or place an order in the UI.

Messages inside [] describe a UI element or a user event. For example:
- "[Price of AAPL = 100]" means the price card for AAPL is shown to the user.
- "[User has changed the amount of AAPL to 10]" means the user changed the amount of AAPL to 10 in the UI.

If the user asks to buy a stock, call showStockPurchase to show the purchase UI.
If the user only wants a price, call showStockPrice.
To show trending stocks, call listStocks.
To show upcoming or recent events for a stock, call getEvents.
For recent news or anything you do not know, call search.
For calculations, conversions and factual data, call computationalQuery.
If the user wants to sell stock or asks for anything else you cannot do, reply that you are a demo and cannot do that.

Besides that, you can chat with users and do small calculations when needed.`

// buildPrompt maps the committed log to model messages. System notes are
// not sent as turns; they are folded into the system instruction.
func buildPrompt(state domain.ConversationState) (string, []llm.Message) {
	var notes []string
	msgs := make([]llm.Message, 0, len(state.Messages))

	for _, m := range state.Messages {
		switch m.Role {
		case domain.RoleSystem:
			notes = append(notes, m.Content.String())
		case domain.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content.String(), Name: m.Name})
		case domain.RoleAssistant:
			if m.Content.IsText() {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content.Text, Name: m.Name})
				continue
			}
			var calls []llm.ToolCall
			for _, item := range m.Content.Items {
				if item.Type != domain.ItemToolCall {
					continue
				}
				calls = append(calls, llm.ToolCall{ID: item.ToolCallID, Name: item.ToolName, Arguments: item.Args})
			}
			if len(calls) > 0 {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})
			}
		case domain.RoleTool:
			for _, item := range m.Content.Items {
				if item.Type != domain.ItemToolResult {
					continue
				}
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    string(item.Result),
					Name:       item.ToolName,
					ToolCallID: item.ToolCallID,
				})
			}
		}
	}

	system := systemInstruction
	if len(notes) > 0 {
		system += "\n\nEvents so far in this conversation:\n- " + strings.Join(notes, "\n- ")
	}
	return system, msgs
}

// flatten renders messages as "role: content" lines for routing.
func flatten(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		if len(m.ToolCalls) > 0 {
			data, _ := json.Marshal(m.ToolCalls)
			b.Write(data)
			continue
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func toolDefinitions(defs []tools.Definition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}
