package models

// LLMModel describes a model offered by the upstream gateway.
type LLMModel struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	ContextLength   int      `json:"context_length"`
	PromptPrice     string   `json:"prompt_price,omitempty"`
	CompletionPrice string   `json:"completion_price,omitempty"`
	Modalities      []string `json:"input_modalities,omitempty"`
}
