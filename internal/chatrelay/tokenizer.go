package chatrelay

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

type Tokenizer interface {
	Count(text string) int
}

var setLoaderOnce sync.Once

type tiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer returns a BPE tokenizer matching model. The vocabulary ships
// with the binary so no network access is needed.
func NewTokenizer(model string) (Tokenizer, error) {
	setLoaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer for %s: %w", model, err)
		}
	}
	return &tiktokenTokenizer{encoding: encoding}, nil
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// runeTokenizer over-estimates with one token per rune.
type runeTokenizer struct{}

func (runeTokenizer) Count(text string) int {
	return utf8.RuneCountInString(text)
}
