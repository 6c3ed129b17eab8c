package memctx

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token cost of a string for budget arithmetic.
// Injectable so Composer can run against a cheap heuristic in tests and a
// real BPE tokenizer in production, per §4.9's "token counting uses an
// injectable counter (BPE-compatible)".
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates tokens at a fixed characters-per-token ratio,
// calibrated the way the codenerd example's context/tokens.go calibrates
// for a ~4-characters-per-token model. Used where a real tokenizer vocab
// isn't available (tests, offline dev).
type HeuristicCounter struct {
	CharsPerToken float64
}

// NewHeuristicCounter builds a HeuristicCounter with the default 4
// characters-per-token ratio.
func NewHeuristicCounter() HeuristicCounter {
	return HeuristicCounter{CharsPerToken: 4.0}
}

// Count implements TokenCounter.
func (h HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ratio := h.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	return int(float64(utf8.RuneCountInString(text))/ratio) + 1
}

// BPECounter counts tokens with a real tiktoken-go byte-pair encoding,
// matching the tokenizer production models actually use.
type BPECounter struct {
	enc      *tiktoken.Tiktoken
	fallback TokenCounter
}

// NewBPECounter loads the named tiktoken encoding (e.g. "cl100k_base").
// If the encoding can't be loaded (no cached vocab file, no network), it
// returns the error and a nil *BPECounter, whose Count falls back to a
// HeuristicCounter rather than failing every call.
func NewBPECounter(encoding string) (*BPECounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &BPECounter{enc: enc, fallback: NewHeuristicCounter()}, nil
}

// Count implements TokenCounter.
func (b *BPECounter) Count(text string) int {
	if b == nil || b.enc == nil {
		return NewHeuristicCounter().Count(text)
	}
	return len(b.enc.Encode(text, nil, nil))
}
