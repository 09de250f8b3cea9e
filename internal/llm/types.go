package llm

import (
	"errors"
	"fmt"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

var (
	// ErrNoCredential is returned when neither the caller nor the server has a provider key.
	ErrNoCredential = errors.New("no provider credential configured")

	// ErrCircuitOpen is returned while the upstream breaker rejects calls.
	ErrCircuitOpen = errors.New("upstream temporarily unavailable")
)

// UpstreamError carries a failure reported by the gateway.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
}

// ChatMessage is a single message in an upstream request. Content is either a
// string or a slice of ContentPart for multimodal input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image the upstream fetches itself.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatRequest is the body sent to /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// Chunk is one decoded stream event.
type Chunk struct {
	Content      string
	FinishReason string
	Model        string
	Usage        *models.Usage
}

// wire formats

type streamRequest struct {
	ChatRequest
	Stream bool         `json:"stream"`
	Usage  usageOptions `json:"usage"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type errorBody struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamFrame struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		Architecture struct {
			InputModalities []string `json:"input_modalities"`
		} `json:"architecture"`
	} `json:"data"`
}
