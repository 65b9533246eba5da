package chatrelay

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// ThreadDirective carries the in-band options parsed from the head of a message.
type ThreadDirective struct {
	NewThread     bool
	Deterministic bool
}

// ParseDirective consumes the leading marker run of text. '.' and '。' start a
// new thread, ';' asks for a zero-temperature turn. Full-width and half-width
// forms fold to the same markers. The returned content has the markers and any
// spaces after them removed.
func ParseDirective(text string) (ThreadDirective, string) {
	var directive ThreadDirective
	rest := text
	for rest != "" {
		r, size := utf8.DecodeRuneInString(rest)
		switch width.Fold.String(string(r)) {
		case ".", "。":
			directive.NewThread = true
		case ";":
			directive.Deterministic = true
		default:
			if !directive.NewThread && !directive.Deterministic {
				return directive, text
			}
			return directive, strings.TrimLeft(rest, " 　")
		}
		rest = rest[size:]
	}
	return directive, ""
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type HistoryOptions struct {
	SystemPrompt string
	MaxTokens    int
	Tokenizer    Tokenizer
}

// BuildHistory assembles the completion turns for a thread. Messages must be
// in chronological order. The newest turns are kept until adding the next
// older one would push the count past MaxTokens; the result is chronological
// with the system turn first.
func BuildHistory(messages []Message, opts HistoryOptions) ([]Turn, int) {
	tokenizer := opts.Tokenizer
	if tokenizer == nil {
		tokenizer = runeTokenizer{}
	}
	system := Turn{Role: RoleSystem, Content: opts.SystemPrompt}
	used := countTurnTokens(tokenizer, system)

	reversed := make([]Turn, 0, len(messages)*2)
walk:
	for i := len(messages) - 1; i >= 0; i-- {
		message := messages[i]
		candidates := make([]Turn, 0, 2)
		if reply, ok := message.ValidReply(); ok {
			candidates = append(candidates, Turn{Role: RoleAssistant, Content: reply.Text})
		}
		candidates = append(candidates, Turn{Role: RoleUser, Content: message.Content})
		for _, turn := range candidates {
			tokens := countTurnTokens(tokenizer, turn)
			if opts.MaxTokens > 0 && used+tokens > opts.MaxTokens {
				break walk
			}
			used += tokens
			reversed = append(reversed, turn)
		}
	}

	turns := make([]Turn, 0, len(reversed)+1)
	turns = append(turns, system)
	for i := len(reversed) - 1; i >= 0; i-- {
		turns = append(turns, reversed[i])
	}
	return turns, used
}

func countTurnTokens(tokenizer Tokenizer, turn Turn) int {
	encoded, err := json.Marshal(turn)
	if err != nil {
		return tokenizer.Count(turn.Content)
	}
	return tokenizer.Count(string(encoded))
}

// SplitClosure reports whether the reply ends the conversation and returns the
// text with the sentinel removed.
func SplitClosure(text, sentinel string) (string, bool) {
	sentinel = strings.TrimSpace(sentinel)
	if sentinel == "" || !strings.Contains(text, sentinel) {
		return text, false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, sentinel, "")), true
}
