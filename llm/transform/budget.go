package transform

import (
	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// EstimateTokens approximates the token cost of a message.
func EstimateTokens(msg llm.Message) int {
	return len(msg.Content)/4 + 4
}

// TrimToBudget returns the newest messages whose estimated cost fits in
// maxTokens. System messages are always kept and are paid for first. Order
// is preserved. Tool results whose call was trimmed away are dropped too,
// since vendors reject unanswerable results.
func TrimToBudget(msgs []llm.Message, maxTokens int) []llm.Message {
	budget := maxTokens
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			budget -= EstimateTokens(m)
		}
	}

	keep := make([]bool, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == llm.RoleSystem {
			keep[i] = true
			continue
		}
		cost := EstimateTokens(m)
		if cost > budget {
			break
		}
		budget -= cost
		keep[i] = true
	}

	dropped := make(map[string]bool)
	out := make([]llm.Message, 0, len(msgs))
	for i, m := range msgs {
		if !keep[i] {
			for _, c := range m.Metadata.ToolCalls {
				dropped[c.ID] = true
			}
			continue
		}
		if m.Role == llm.RoleTool && m.Metadata.ToolUse != nil && dropped[m.Metadata.ToolUse.ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
