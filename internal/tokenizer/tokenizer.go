// Package tokenizer estimates token counts for requests whose provider does
// not report usage, and for sizing tokens-per-minute reservations.
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// Per-message framing overhead and reply priming, as counted by the OpenAI
// chat format.
const (
	messageOverhead = 4
	replyPriming    = 3
	// DefaultCompletionTokens is reserved for the reply when a request sets no max_tokens.
	DefaultCompletionTokens = 1024
)

// Tokenizer counts tokens with tiktoken. Encodings load lazily, once each.
// If an encoding cannot be loaded it falls back to a four-characters-per-token
// approximation.
type Tokenizer struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	"claude":      "cl100k_base",
	"gpt-4":       "cl100k_base",
	"gpt-4-turbo": "cl100k_base",
	"gpt-3.5":     "cl100k_base",
	"gpt-4o":      "o200k_base",
	"gpt-4.1":     "o200k_base",
	"o1":          "o200k_base",
	"o3":          "o200k_base",
	"o4":          "o200k_base",
}

// New creates a Tokenizer.
func New() *Tokenizer {
	return &Tokenizer{}
}

// GetEncoding returns the encoding for model using the longest matching
// prefix. Unknown models default to cl100k_base.
func (t *Tokenizer) GetEncoding(model string) string {
	lower := strings.ToLower(model)
	best, enc := "", "cl100k_base"
	for prefix, e := range modelEncodings {
		if strings.HasPrefix(lower, prefix) && len(prefix) > len(best) {
			best, enc = prefix, e
		}
	}
	return enc
}

func (t *Tokenizer) getEncoder(model string) (*tiktoken.Tiktoken, error) {
	switch t.GetEncoding(model) {
	case "o200k_base":
		t.o200kOnce.Do(func() {
			t.o200kEnc, t.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return t.o200kEnc, t.o200kErr
	default:
		t.cl100kOnce.Do(func() {
			t.cl100kEnc, t.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		return t.cl100kEnc, t.cl100kErr
	}
}

// CountTokens counts the tokens in text for model.
func (t *Tokenizer) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.getEncoder(model)
	if err != nil {
		return approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages counts the prompt tokens for a chat request, including
// per-message framing and reply priming.
func (t *Tokenizer) CountMessages(model string, messages []provider.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverhead
		total += t.CountTokens(model, msg.Role)
		total += t.CountTokens(model, msg.Content)
	}
	return total + replyPriming
}

// EstimateRequest is the prompt size plus the reply budget, used to reserve
// tokens-per-minute capacity before a call.
func (t *Tokenizer) EstimateRequest(req *provider.Request) int {
	reply := req.MaxTokens
	if reply <= 0 {
		reply = DefaultCompletionTokens
	}
	return t.CountMessages(req.Model, req.Messages) + reply
}

func approximate(text string) int {
	return (len(text) + 3) / 4
}
