package usecase

import (
	"strings"

	"squadron/internal/domain"
)

// HistoryWindow limits how much conversation is replayed to a model.
type HistoryWindow struct {
	// MaxMessagePairs keeps the last N user/agent exchanges; 0 keeps all.
	MaxMessagePairs int
	// MaxTokens is the budget for system prompt plus messages; 0 disables
	// token trimming. Requires Counter.
	MaxTokens int
	Counter   domain.TokenCounter
}

// historyMessages converts in-context turns to backend messages. A user turn
// is replayed only when the turn right after it is a replayed agent reply, so
// a question whose answer failed, was cancelled or fell back never reaches
// the model again. Consecutive messages of the same role are merged and a
// leading assistant message is dropped, since backends expect alternating
// roles starting with the user.
func historyMessages(turns []domain.Turn) []domain.Message {
	msgs := make([]domain.Message, 0, len(turns))
	for i, t := range turns {
		if !replayed(t) {
			continue
		}
		role := domain.MessageUser
		if t.Role == domain.RoleAgent {
			role = domain.MessageAssistant
		} else if i+1 >= len(turns) || turns[i+1].Role != domain.RoleAgent || !replayed(turns[i+1]) {
			continue
		}
		msgs = append(msgs, domain.Message{Role: role, Content: t.Content})
	}
	return normalizeRoles(msgs)
}

func replayed(t domain.Turn) bool { return t.InContext() && t.Content != "" }

func normalizeRoles(msgs []domain.Message) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
			out[n-1].Content = strings.TrimSpace(out[n-1].Content + "\n\n" + m.Content)
			continue
		}
		out = append(out, m)
	}
	for len(out) > 0 && out[0].Role != domain.MessageUser {
		out = out[1:]
	}
	return out
}

// Apply trims msgs (which end with the current user message) to the window.
// The current message is always kept, even when it alone exceeds the budget.
func (w HistoryWindow) Apply(system string, msgs []domain.Message) []domain.Message {
	if w.MaxMessagePairs > 0 {
		if keep := w.MaxMessagePairs*2 + 1; len(msgs) > keep {
			msgs = msgs[len(msgs)-keep:]
		}
	}
	if w.MaxTokens > 0 && w.Counter != nil {
		total := w.Counter.CountText(system)
		for _, m := range msgs {
			total += w.Counter.CountText(m.Content)
		}
		for len(msgs) > 1 && total > w.MaxTokens {
			total -= w.Counter.CountText(msgs[0].Content)
			msgs = msgs[1:]
		}
	}
	for len(msgs) > 1 && msgs[0].Role != domain.MessageUser {
		msgs = msgs[1:]
	}
	return msgs
}
