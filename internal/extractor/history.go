package extractor

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// contextRunes bounds the assistant reply stored as evidence context.
const contextRunes = 200

// windower trims a conversation to the turns sent to the model.
type windower struct {
	codec     tokenizer.Codec
	size      int
	maxTokens int
}

func newWindower(size, maxTokens int) (windower, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return windower{}, err
	}
	return windower{codec: codec, size: size, maxTokens: maxTokens}, nil
}

func (w windower) tokens(t Turn) int {
	n, err := w.codec.Count(string(t.Role) + ": " + t.Content)
	if err != nil {
		return len(t.Content)/4 + 1
	}
	return n
}

// apply keeps the last size turns, then drops the oldest whole turns until the
// total fits maxTokens. It returns the window and its token count.
func (w windower) apply(history []Turn) ([]Turn, int) {
	turns := history
	if w.size > 0 && len(turns) > w.size {
		turns = turns[len(turns)-w.size:]
	}

	counts := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		counts[i] = w.tokens(t)
		total += counts[i]
	}

	start := 0
	for w.maxTokens > 0 && total > w.maxTokens && start < len(turns) {
		total -= counts[start]
		start++
	}
	return turns[start:], total
}

func hasUserTurn(turns []Turn) bool {
	for _, t := range turns {
		if t.Role == RoleUser && strings.TrimSpace(t.Content) != "" {
			return true
		}
	}
	return false
}

func countUserTurns(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

// transcript renders turns as "User:" / "Assistant:" lines.
func transcript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteByte('\n')
	}
	return b.String()
}

// locateQuote finds the user turn containing quote and the assistant reply
// that answered it. The reply is empty when the turn has not been answered yet.
func locateQuote(turns []Turn, quote string) (userMessage, reply string, ok bool) {
	for i, t := range turns {
		if t.Role != RoleUser || !strings.Contains(t.Content, quote) {
			continue
		}
		for j := i + 1; j < len(turns); j++ {
			if turns[j].Role == RoleAssistant {
				reply = truncateRunes(strings.TrimSpace(turns[j].Content), contextRunes)
				break
			}
		}
		return t.Content, reply, true
	}
	return "", "", false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
