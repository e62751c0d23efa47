// Package executor runs resolved intents against the factory's business
// services.
//
// The HTTP executor posts each execution request to
//
//	POST {base}/intents/{code}/execute
//
// with the factory in X-Factory-Id. Transport failures and 5xx answers are
// retried with exponential backoff; a 4xx answer is a domain failure and its
// message is returned verbatim.
package executor

import (
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

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultRetries = 2
)

// DomainError is a failure reported by the business service itself.
type DomainError struct {
	Status  int
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// HTTPExecutor is a contracts.BusinessExecutor backed by a REST service.
type HTTPExecutor struct {
	base    string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries uint64
}

// Option configures an HTTPExecutor.
type Option func(*HTTPExecutor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *HTTPExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int) Option {
	return func(e *HTTPExecutor) {
		if n >= 0 {
			e.retries = uint64(n)
		}
	}
}

// NewHTTPExecutor creates an executor for the service at base. apiKey, when
// set, is sent as a bearer token.
func NewHTTPExecutor(base, apiKey string, opts ...Option) *HTTPExecutor {
	e := &HTTPExecutor{
		base:    strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		retries: DefaultRetries,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute implements contracts.BusinessExecutor.
func (e *HTTPExecutor) Execute(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error) {
	if req.Intent == nil {
		return nil, fmt.Errorf("%w: execution request without intent", errs.ErrInvalidRequest)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execution request: %w", err)
	}
	endpoint := e.base + "/intents/" + url.PathEscape(req.Intent.Code) + "/execute"

	var result *contracts.ExecutionResult
	attempt := 0
	op := func() error {
		attempt++
		r, err := e.post(ctx, endpoint, req.FactoryID, body)
		if err != nil {
			var de *DomainError
			if errors.As(err, &de) {
				return backoff.Permanent(err)
			}
			log.Debug().Err(err).Int("attempt", attempt).Str("intent", req.Intent.Code).Msg("Business call failed")
			return err
		}
		result = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, e.retries), ctx)); err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, errs.Unavailable("business service", err)
	}
	return result, nil
}

func (e *HTTPExecutor) post(ctx context.Context, endpoint, factoryID string, body []byte) (*contracts.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Factory-Id", factoryID)
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, endpoint)
	case resp.StatusCode >= 400:
		return nil, &DomainError{Status: resp.StatusCode, Message: failureMessage(data, resp.StatusCode)}
	}

	var result contracts.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode execution result: %w", err))
	}
	return &result, nil
}

func failureMessage(data []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return fmt.Sprintf("business service returned HTTP %d", status)
}

// DryRun accepts every request without side effects. It is used when no
// business service is configured.
type DryRun struct{}

// Execute implements contracts.BusinessExecutor.
func (DryRun) Execute(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error) {
	code := ""
	if req.Intent != nil {
		code = req.Intent.Code
	}
	log.Info().
		Str("factory", req.FactoryID).
		Str("session", req.SessionID).
		Str("intent", code).
		Interface("parameters", req.Parameters).
		Msg("Dry-run execution")
	return &contracts.ExecutionResult{
		Success: true,
		Data:    map[string]any{"dry_run": true, "parameters": req.Parameters},
	}, nil
}
