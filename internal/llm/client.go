// Package llm implements the Reasoner collaborator over chat completion APIs.
//
// The client speaks the OpenAI chat protocol, which both hosted OpenAI-style
// endpoints and Ollama (/v1/chat/completions) accept. A Fallback chains
// several clients and tries them in order, the same way requests fail over
// between providers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
)

// Client is a Reasoner backed by one chat completion endpoint.
type Client struct {
	kind     string // "openai" or "ollama"
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	timeout  time.Duration

	latencyMu sync.RWMutex
	latencyMs int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithDefaultTimeout bounds calls whose request carries no Timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// NewClient creates a chat completion client. kind selects the URL layout and
// auth header; anything but "ollama" is treated as OpenAI-compatible.
func NewClient(kind, endpoint, model, apiKey string, opts ...Option) *Client {
	if endpoint == "" {
		if kind == "ollama" {
			endpoint = "http://localhost:11434"
		} else {
			endpoint = "https://api.openai.com/v1"
		}
	}
	c := &Client{
		kind:     kind,
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 120 * time.Second},
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Kind() string  { return c.kind }
func (c *Client) Model() string { return c.model }

// AvgLatencyMs is the moving average latency of successful calls.
func (c *Client) AvgLatencyMs() int64 {
	c.latencyMu.RLock()
	defer c.latencyMu.RUnlock()
	return c.latencyMs
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one prompt and returns the first choice. Transport failures,
// timeouts and non-200 answers wrap errs.ErrProviderUnavailable.
func (c *Client) Complete(ctx context.Context, req contracts.ReasonRequest) (*contracts.ReasonResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: c.model, Messages: messages, MaxTokens: req.MaxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.kind, err)
	}

	url := c.endpoint + "/chat/completions"
	if c.kind == "ollama" {
		url = c.endpoint + "/v1/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errs.Unavailable(c.kind, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, errs.Unavailable(c.kind, fmt.Errorf("status %d: %s", httpResp.StatusCode, string(respBody)))
	}

	var out chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, errs.Unavailable(c.kind, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, errs.Unavailable(c.kind, fmt.Errorf("empty choices"))
	}

	latencyMs := time.Since(start).Milliseconds()
	c.latencyMu.Lock()
	if c.latencyMs == 0 {
		c.latencyMs = latencyMs
	} else {
		// Exponential moving average
		c.latencyMs = (c.latencyMs*7 + latencyMs*3) / 10
	}
	c.latencyMu.Unlock()

	return &contracts.ReasonResponse{
		Text:       out.Choices[0].Message.Content,
		Model:      c.model,
		TokensUsed: out.Usage.TotalTokens,
		LatencyMs:  latencyMs,
	}, nil
}

// Fallback tries each reasoner in order and returns the first success.
type Fallback []contracts.Reasoner

// Complete implements contracts.Reasoner.
func (f Fallback) Complete(ctx context.Context, req contracts.ReasonRequest) (*contracts.ReasonResponse, error) {
	if len(f) == 0 {
		return nil, errs.Unavailable("reasoner", fmt.Errorf("no reasoners configured"))
	}
	var lastErr error
	for i, r := range f {
		resp, err := r.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		log.Warn().Int("index", i).Err(err).Msg("Reasoner call failed, trying next")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all reasoners failed, last error: %w", lastErr)
}
