// Package tokens estimates token counts for recorded prompts and
// completions so LLM call events carry usage numbers even when the
// caller does not supply them.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with tiktoken, falling back to a character
// heuristic for models without a known encoding. Estimation never
// fails: a bad model name just degrades accuracy.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an Estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{
		cache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// Count returns the estimated token count of text for the given model.
func (e *Estimator) Count(model, text string) int {
	if text == "" {
		return 0
	}

	codec := e.codecFor(model)
	if codec == nil {
		return approxCount(text)
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return approxCount(text)
	}
	return len(ids)
}

func (e *Estimator) codecFor(model string) tokenizer.Codec {
	if codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model))); err == nil {
		return codec
	}

	encoding := encodingFor(model)

	e.mu.RLock()
	cached, ok := e.cache[encoding]
	e.mu.RUnlock()
	if ok {
		return cached
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	e.cache[encoding] = codec
	e.mu.Unlock()
	return codec
}

// encodingFor picks a tokenizer encoding by model family. Unknown
// models get O200kBase, the broadest modern encoding.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// approxCount is the rough 4-chars-per-token heuristic used when no
// tokenizer is available. Claude and other non-OpenAI models land
// here.
func approxCount(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
