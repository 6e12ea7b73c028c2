package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens. It is used only to clamp embedding batches and
// per-chunk sizes, never to drive chunk boundaries.
type Tokenizer interface {
	Count(text string) int
}

// NewTokenizer returns the tokenizer named in config: cl100k_base or none.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", "none":
		return heuristicTokenizer{}, nil
	case "cl100k_base":
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
		}
		return &tiktokenTokenizer{enc: enc}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// heuristicTokenizer approximates one token per four characters.
type heuristicTokenizer struct{}

func (heuristicTokenizer) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
