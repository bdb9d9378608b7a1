package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// SampleModel is the model every harness provider serves by default.
const SampleModel = "gpt-test"

// SampleGenerateBody returns a valid POST /v1/generate body for model.
func SampleGenerateBody(model string) []byte {
	req := map[string]interface{}{
		"model":      model,
		"max_tokens": 256,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello, how are you?"},
		},
		"timeout_ms": 5000,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleAnthropicResponse returns a valid Anthropic Messages API response body.
func SampleAnthropicResponse() []byte {
	resp := map[string]interface{}{
		"id":    "msg_test123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": []map[string]interface{}{
			{"type": "text", "text": "Hello! I'm doing well, thank you for asking."},
		},
		"stop_reason": "end_turn",
		"usage": map[string]interface{}{
			"input_tokens":  15,
			"output_tokens": 12,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleOpenAIResponse returns a valid OpenAI Chat Completions API response body.
func SampleOpenAIResponse() []byte {
	resp := map[string]interface{}{
		"id":      "chatcmpl-test123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": "Hello! I'm doing well, thank you for asking.",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     25,
			"completion_tokens": 12,
			"total_tokens":      37,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleMessages generates n-turn conversation messages for testing.
func SampleMessages(n int) []provider.Message {
	messages := make([]provider.Message, 0, n*2)
	for i := 0; i < n; i++ {
		messages = append(messages, provider.Message{
			Role:    "user",
			Content: fmt.Sprintf("This is user message number %d with some content to work with.", i+1),
		})
		messages = append(messages, provider.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("This is assistant response number %d with some content.", i+1),
		})
	}
	return messages
}

// SampleRequest creates a provider.Request for SampleModel.
func SampleRequest() *provider.Request {
	return &provider.Request{
		Model:     SampleModel,
		Messages:  SampleMessages(1),
		MaxTokens: 256,
	}
}
