package complexity

import (
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// Tokenizer counts model tokens in a query.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer counts tokens with a BPE encoding.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer loads the cl100k_base encoding. When the encoding cannot be
// loaded (offline host) it logs and returns the rune-based estimator.
func NewTokenizer() Tokenizer {
	tkm, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken encoding unavailable, estimating tokens from runes")
		return EstimateTokenizer{}
	}
	return &TiktokenTokenizer{encoding: tkm}
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimateTokenizer approximates cl100k_base: one token per CJK rune and one
// per four other non-space runes.
type EstimateTokenizer struct{}

func (EstimateTokenizer) CountTokens(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			cjk++
		case unicode.IsSpace(r):
		default:
			other++
		}
	}
	return cjk + (other+3)/4
}
