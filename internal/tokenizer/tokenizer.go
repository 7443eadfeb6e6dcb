// Package tokenizer estimates prompt/completion token counts using the
// cl100k_base BPE codec, with a whitespace-count fallback if the embedded
// codec ever fails to load.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator is safe for concurrent use; the underlying codec is loaded once.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func New() *Estimator {
	return &Estimator{}
}

func (e *Estimator) load() {
	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
}

// Count returns the estimated token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.load()
	if e.err != nil || e.codec == nil {
		return fallbackCount(text)
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return fallbackCount(text)
	}
	return len(ids)
}

// fallbackCount approximates token count by whitespace-delimited word
// count when the real codec is unavailable, never used in practice since
// cl100k_base is embedded in the module.
func fallbackCount(text string) int {
	return len(strings.Fields(text))
}
