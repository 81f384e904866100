// Package tokenizer counts prompt tokens for the history budget.
package tokenizer

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
)

// Tiktoken counts tokens with a BPE encoding such as cl100k_base.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads encoding. Loading may need network access to fetch the
// BPE ranks the first time.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates one token per four bytes, rounding up.
type Heuristic struct{}

func (Heuristic) CountText(text string) int {
	if text == "" {
		return 0
	}
	n := len(text)
	// Scripts with multi-byte runes tokenize closer to one token per rune.
	if r := utf8.RuneCountInString(text); r*2 < n {
		return r
	}
	return (n + 3) / 4
}

// New returns a tiktoken counter, or the heuristic when the encoding cannot
// be loaded.
func New(encoding string, l *slog.Logger) domain.TokenCounter {
	if encoding == "" {
		return Heuristic{}
	}
	t, err := NewTiktoken(encoding)
	if err != nil {
		logger.OrDiscard(l).Warn("tiktoken unavailable, using heuristic token counts", "encoding", encoding, "error", err)
		return Heuristic{}
	}
	return t
}

var (
	_ domain.TokenCounter = (*Tiktoken)(nil)
	_ domain.TokenCounter = Heuristic{}
)
