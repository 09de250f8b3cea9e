// Package chatrelay provides a client for the chatrelay streaming chat API.
package chatrelay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStreamIncomplete is returned when a chat stream ends without a done or error event.
var ErrStreamIncomplete = errors.New("stream ended before completion")

// Client is a chatrelay API client.
type Client struct {
	BaseURL     string
	Token       string // bearer token for the sub claim
	ProviderKey string // optional upstream key sent as X-Provider-Key
	HTTPClient  *http.Client
}

// NewClient creates a new client. Streaming calls are bounded by their
// context, so the HTTP client carries no overall timeout.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatrelay error %d: %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.ProviderKey != "" {
		req.Header.Set("X-Provider-Key", c.ProviderKey)
	}
	return req, nil
}

// do performs a request and decodes a JSON response into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
		errResp.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: errResp.Error}
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	ChatID      string    `json:"chatId,omitempty"`
	Model       string    `json:"model,omitempty"`
	Message     ChatInput `json:"message"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
	System      string    `json:"system,omitempty"`
}

// ChatInput is the user turn of a ChatRequest.
type ChatInput struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// Usage is the token accounting of a completed reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Event is one server-sent event from a chat stream. Fields are filled
// according to Name: meta, delta, done or error.
type Event struct {
	Name string `json:"-"`

	ChatID             string `json:"chatId,omitempty"`
	UserMessageID      string `json:"userMessageId,omitempty"`
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
	Model              string `json:"model,omitempty"`

	Content string `json:"content,omitempty"`

	MessageID    string `json:"messageId,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ChatResult summarizes a finished chat stream.
type ChatResult struct {
	ChatID    string
	MessageID string
	Content   string
	Usage     *Usage
}

// Chat sends a message and streams the reply. onEvent, when non-nil, is
// called for every event in order. Cancelling ctx aborts the reply; the
// server keeps what was generated so far.
func (c *Client) Chat(ctx context.Context, req ChatRequest, onEvent func(Event)) (*ChatResult, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}

	result := &ChatResult{}
	var content strings.Builder

	err = readEvents(resp.Body, func(ev Event) bool {
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Name {
		case "meta":
			result.ChatID = ev.ChatID
			result.MessageID = ev.AssistantMessageID
		case "delta":
			content.WriteString(ev.Content)
		case "done":
			result.Usage = ev.Usage
			return false
		case "error":
			return false
		}
		return true
	})
	result.Content = content.String()
	return result, err
}

// readEvents parses an SSE body, calling fn until it returns false. It
// returns ErrStreamIncomplete when the body ends first and an APIError for
// an error event.
func readEvents(body io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			ev := Event{Name: name}
			if data.Len() > 0 {
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					return fmt.Errorf("decode %s event: %w", name, err)
				}
			}
			ev.Name = name
			name = ""
			data.Reset()

			if !fn(ev) {
				if ev.Name == "error" {
					return &APIError{Status: http.StatusBadGateway, Message: ev.Error}
				}
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamIncomplete
}

// Model is an upstream model available to the caller.
type Model struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	ContextLength   int      `json:"context_length"`
	PromptPrice     string   `json:"prompt_price,omitempty"`
	CompletionPrice string   `json:"completion_price,omitempty"`
	Modalities      []string `json:"input_modalities,omitempty"`
}

// ModelsResponse is the response from listing models.
type ModelsResponse struct {
	Models []Model `json:"models"`
	Total  int     `json:"total"`
	Cache  string  `json:"-"`
}

// ListModels lists the models available to the caller's credential.
func (c *Client) ListModels(ctx context.Context) (*ModelsResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}

	var out ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	out.Cache = resp.Header.Get("X-Cache")
	return &out, nil
}

// Chat is a conversation summary.
type Chat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}

// ChatsResponse is the response from listing chats.
type ChatsResponse struct {
	Chats []Chat `json:"chats"`
	Total int    `json:"total"`
}

// ListChats lists the caller's chats.
func (c *Client) ListChats(ctx context.Context, limit, offset int) (*ChatsResponse, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))

	var out ChatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chats?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Message is a stored chat turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatDetail is a chat with its messages.
type ChatDetail struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// GetChat fetches a chat with its messages.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatDetail, error) {
	var out ChatDetail
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChat removes a chat.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server still returns its report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return &HealthResponse{Status: "degraded"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
