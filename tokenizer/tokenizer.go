// Package tokenizer estimates prompt token counts so the composer can
// enforce an optional context budget before sending a request.
package tokenizer

import (
	"fmt"
	"sync"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count for a text.
	CountTokens(text string) (int, error)

	// CountMessages returns the total token count for a message list,
	// including per-message overhead (role markers, separators).
	CountMessages(messages []Message) (int, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns the tokenizer's name.
	Name() string
}

// Message is a minimal role/content pair, kept local to avoid a
// dependency on the llm package.
type Message struct {
	Role    string
	Content string
}

var (
	registry   = make(map[string]Tokenizer)
	registryMu sync.RWMutex
)

// Register registers a tokenizer for a model name.
func Register(model string, t Tokenizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[model] = t
}

// Get returns the tokenizer registered for a model, trying prefix
// matches ("gpt-4o" matches "gpt-4o-mini") before failing.
func Get(model string) (Tokenizer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if t, ok := registry[model]; ok {
		return t, nil
	}
	for prefix, t := range registry {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetOrEstimator returns the registered tokenizer for a model, falling
// back to the generic estimator when none is registered.
func GetOrEstimator(model string) Tokenizer {
	t, err := Get(model)
	if err != nil {
		return NewEstimator(model, 0)
	}
	return t
}
