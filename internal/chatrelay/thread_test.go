package chatrelay

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestParseDirective(t *testing.T) {
	cases := []struct {
		name          string
		input         string
		newThread     bool
		deterministic bool
		content       string
	}{
		{name: "plain", input: "hello there", content: "hello there"},
		{name: "ascii period", input: ".hello", newThread: true, content: "hello"},
		{name: "ideographic full stop", input: "。 你好", newThread: true, content: "你好"},
		{name: "fullwidth period", input: "．hi", newThread: true, content: "hi"},
		{name: "semicolon", input: ";2+2?", deterministic: true, content: "2+2?"},
		{name: "fullwidth semicolon", input: "；2+2?", deterministic: true, content: "2+2?"},
		{name: "combined", input: ".; what now", newThread: true, deterministic: true, content: "what now"},
		{name: "repeated", input: "...   again", newThread: true, content: "again"},
		{name: "ideographic space", input: ".　hi", newThread: true, content: "hi"},
		{name: "marker only", input: ".", newThread: true, content: ""},
		{name: "marker in middle", input: "a.b", content: "a.b"},
		{name: "leading space kept", input: " .hi", content: " .hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			directive, content := ParseDirective(tc.input)
			if directive.NewThread != tc.newThread {
				t.Fatalf("expected newThread=%v, got %v", tc.newThread, directive.NewThread)
			}
			if directive.Deterministic != tc.deterministic {
				t.Fatalf("expected deterministic=%v, got %v", tc.deterministic, directive.Deterministic)
			}
			if content != tc.content {
				t.Fatalf("expected content %q, got %q", tc.content, content)
			}
		})
	}
}

func TestParseDirectivePreservesUnmarkedText(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-z0-9 ]{0,40}`).Draw(t, "text")
		directive, content := ParseDirective(text)
		if directive.NewThread || directive.Deterministic {
			t.Fatalf("unexpected directive for %q: %+v", text, directive)
		}
		if content != text {
			t.Fatalf("expected %q unchanged, got %q", text, content)
		}
	})
}

func TestParseDirectiveStripsAnyMarkerRun(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		markers := rapid.SliceOfN(rapid.SampledFrom([]string{".", "。", ";", "．", "；"}), 1, 5).Draw(t, "markers")
		body := rapid.StringMatching(`[a-z][a-z ]{0,20}`).Draw(t, "body")
		prefix := strings.Join(markers, "")
		directive, content := ParseDirective(prefix + "  " + body)
		if content != body {
			t.Fatalf("expected body %q, got %q", body, content)
		}
		wantNew := strings.ContainsAny(prefix, ".。．")
		wantDeterministic := strings.ContainsAny(prefix, ";；")
		if directive.NewThread != wantNew || directive.Deterministic != wantDeterministic {
			t.Fatalf("prefix %q: expected new=%v det=%v, got %+v", prefix, wantNew, wantDeterministic, directive)
		}
	})
}

func historyMessage(id int64, content, reply string) Message {
	message := Message{ID: id, Content: content}
	if reply != "" {
		message.Replies = []Reply{
			{ID: id*10 + 1, Status: ReplyFailed},
			{ID: id*10 + 2, Status: ReplyLoaded, Text: reply},
		}
	}
	return message
}

func turnCost(role, content string) int {
	encoded, _ := json.Marshal(Turn{Role: role, Content: content})
	return utf8.RuneCount(encoded)
}

func TestBuildHistoryAlternatesTurnsChronologically(t *testing.T) {
	messages := []Message{
		historyMessage(1, "first question", "first answer"),
		historyMessage(2, "second question", "second answer"),
		historyMessage(3, "third question", ""),
	}
	turns, _ := BuildHistory(messages, HistoryOptions{SystemPrompt: "be brief", MaxTokens: 10000})

	expected := []Turn{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
		{Role: RoleUser, Content: "second question"},
		{Role: RoleAssistant, Content: "second answer"},
		{Role: RoleUser, Content: "third question"},
	}
	if len(turns) != len(expected) {
		t.Fatalf("expected %d turns, got %d: %+v", len(expected), len(turns), turns)
	}
	for i := range expected {
		if turns[i] != expected[i] {
			t.Fatalf("turn %d: expected %+v, got %+v", i, expected[i], turns[i])
		}
	}
}

func TestBuildHistoryDropsOldestTurnsPastCeiling(t *testing.T) {
	messages := []Message{
		historyMessage(1, "old question", "old answer"),
		historyMessage(2, "new question", ""),
	}
	ceiling := turnCost(RoleSystem, "sys") + turnCost(RoleUser, "new question") + turnCost(RoleAssistant, "old answer")
	turns, used := BuildHistory(messages, HistoryOptions{SystemPrompt: "sys", MaxTokens: ceiling})

	if len(turns) != 3 {
		t.Fatalf("expected system + 2 turns, got %+v", turns)
	}
	if turns[1].Content != "old answer" || turns[2].Content != "new question" {
		t.Fatalf("expected old answer then new question, got %+v", turns)
	}
	if used != ceiling {
		t.Fatalf("expected %d tokens used, got %d", ceiling, used)
	}
}

func TestBuildHistoryKeepsNewestSuffixWithinBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 12).Draw(t, "count")
		messages := make([]Message, 0, count)
		for i := 0; i < count; i++ {
			content := rapid.StringMatching(`[a-z]{1,30}`).Draw(t, "content")
			reply := ""
			if rapid.Bool().Draw(t, "answered") {
				reply = rapid.StringMatching(`[a-z]{1,30}`).Draw(t, "reply")
			}
			messages = append(messages, historyMessage(int64(i+1), content, reply))
		}
		maxTokens := rapid.IntRange(1, 600).Draw(t, "maxTokens")

		turns, used := BuildHistory(messages, HistoryOptions{SystemPrompt: "s", MaxTokens: maxTokens})
		if turns[0].Role != RoleSystem {
			t.Fatalf("expected system turn first, got %+v", turns[0])
		}
		total := turnCost(RoleSystem, "s")
		for _, turn := range turns[1:] {
			total += turnCost(turn.Role, turn.Content)
		}
		if total != used {
			t.Fatalf("expected reported usage %d to match %d", used, total)
		}
		if len(turns) > 1 && used > maxTokens {
			t.Fatalf("used %d exceeds ceiling %d", used, maxTokens)
		}

		full, _ := BuildHistory(messages, HistoryOptions{SystemPrompt: "s"})
		kept := turns[1:]
		suffix := full[len(full)-len(kept):]
		for i := range kept {
			if kept[i] != suffix[i] {
				t.Fatalf("expected kept turns to be the newest suffix, got %+v want %+v", kept, suffix)
			}
		}
	})
}

func TestSplitClosure(t *testing.T) {
	text, closed := SplitClosure("goodbye [END]", "[END]")
	if !closed || text != "goodbye" {
		t.Fatalf("expected closed goodbye, got %q %v", text, closed)
	}
	text, closed = SplitClosure("still talking", "[END]")
	if closed || text != "still talking" {
		t.Fatalf("expected untouched text, got %q %v", text, closed)
	}
	if _, closed := SplitClosure("[END]", ""); closed {
		t.Fatalf("expected empty sentinel to disable closure")
	}
}

func TestTiktokenTokenizerCountsBPETokens(t *testing.T) {
	tokenizer, err := NewTokenizer("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("new tokenizer: %v", err)
	}
	if got := tokenizer.Count("hello world"); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
	if got := tokenizer.Count(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}
