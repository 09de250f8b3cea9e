package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// Config configures the gateway client.
type Config struct {
	BaseURL        string
	APIKey         string
	Referer        string
	Title          string
	ConnectTimeout time.Duration
	RetryMaxTime   time.Duration
	MaxFailures    uint32
	OpenFor        time.Duration
}

// Client talks to an OpenAI-compatible gateway such as OpenRouter.
type Client struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	retry   time.Duration
}

// NewClient creates a gateway client. The HTTP client has no overall timeout
// so long streams are bounded only by the caller's context.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor == 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.RetryMaxTime == 0 {
		cfg.RetryMaxTime = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "llm-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 4xx responses and cancellations do not count as failures.
			var upstream *UpstreamError
			if errors.As(err, &upstream) {
				return upstream.Status >= 400 && upstream.Status < 500
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		referer: cfg.Referer,
		title:   cfg.Title,
		http:    &http.Client{Transport: transport},
		cb:      gobreaker.NewCircuitBreaker(st),
		retry:   cfg.RetryMaxTime,
	}
}

// HasServerKey reports whether a server-side key is configured.
func (c *Client) HasServerKey() bool {
	return c.apiKey != ""
}

// Credential resolves the key for a call. A caller-supplied key wins.
func (c *Client) Credential(callerKey string) (string, error) {
	if callerKey != "" {
		return callerKey, nil
	}
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	return "", ErrNoCredential
}

// StreamChat opens a streaming completion. The returned Stream must be closed.
func (c *Client) StreamChat(ctx context.Context, apiKey string, req ChatRequest) (*Stream, error) {
	key, err := c.Credential(apiKey)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(streamRequest{
		ChatRequest: req,
		Stream:      true,
		Usage:       usageOptions{Include: true},
	})
	if err != nil {
		return nil, err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		httpReq, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", key, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			return nil, readUpstreamError(resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, c.breakerError(err)
	}

	return newStream(res.(*http.Response).Body), nil
}

// ListModels fetches the gateway's model catalogue, retrying transient failures.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]models.LLMModel, error) {
	key, err := c.Credential(apiKey)
	if err != nil {
		return nil, err
	}

	var payload modelsResponse
	operation := func() error {
		_, err := c.cb.Execute(func() (interface{}, error) {
			req, err := c.newRequest(ctx, http.MethodGet, "/models", key, nil)
			if err != nil {
				return nil, err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return nil, readUpstreamError(resp)
			}
			payload = modelsResponse{}
			return nil, json.NewDecoder(resp.Body).Decode(&payload)
		})
		if err == nil {
			return nil
		}

		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.Status < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retry
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, c.breakerError(err)
	}

	out := make([]models.LLMModel, 0, len(payload.Data))
	for _, m := range payload.Data {
		out = append(out, models.LLMModel{
			ID:              m.ID,
			Name:            m.Name,
			Description:     m.Description,
			ContextLength:   m.ContextLength,
			PromptPrice:     m.Pricing.Prompt,
			CompletionPrice: m.Pricing.Completion,
			Modalities:      m.Architecture.InputModalities,
		})
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
	return req, nil
}

func (c *Client) breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// readUpstreamError decodes the gateway's error envelope, falling back to the raw body.
func readUpstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{Status: resp.StatusCode, Message: msg}
}

// errorCode normalizes the code field of an error frame, which may be a number or a string.
func errorCode(code any) int {
	switch v := code.(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
