// Package embeddings provides the embedding drivers and the Provider that
// turns a raw driver into a contracts.EmbeddingProvider.
// Drivers: Ollama (nomic-embed-text, all-minilm, bge), OpenAI-compatible and
// a deterministic hash driver for tests and offline development.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
)

// Driver is a raw embedding backend. Drivers know nothing about retries,
// batching or the error taxonomy; Provider adds those.
type Driver interface {
	Kind() string
	Model() string
	Dimensions() int
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// StatusError is a non-200 answer from an embedding API.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embed API returned %d: %s", e.Backend, e.Code, e.Body)
}

// retryable reports whether the request may succeed if repeated.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Provider implements contracts.EmbeddingProvider on top of a Driver.
type Provider struct {
	driver  Driver
	timeout time.Duration
	retries uint64
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithTimeout bounds every Encode/EncodeBatch call.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.timeout = d }
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) ProviderOption {
	return func(p *Provider) {
		if n >= 0 {
			p.retries = uint64(n)
		}
	}
}

// NewProvider wraps a driver.
func NewProvider(driver Driver, opts ...ProviderOption) *Provider {
	p := &Provider{driver: driver, timeout: 10 * time.Second, retries: 2}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Dimensions() int   { return p.driver.Dimensions() }
func (p *Provider) ModelName() string { return p.driver.Model() }
func (p *Provider) Kind() string      { return p.driver.Kind() }

// Encode embeds a single text.
func (p *Provider) Encode(ctx context.Context, text string) ([]float64, error) {
	out, err := p.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EncodeBatch embeds texts in driver-sized chunks. Any failure fails the
// whole call; partial results are never returned.
func (p *Provider) EncodeBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	size := p.driver.MaxBatchSize()
	if size <= 0 {
		size = len(texts)
	}
	dims := p.driver.Dimensions()

	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := p.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, errs.Unavailable(p.driver.Kind(), err)
		}
		for i, v := range chunk {
			if len(v) != dims {
				return nil, errs.Unavailable(p.driver.Kind(),
					fmt.Errorf("vector %d has dimension %d, want %d", start+i, len(v), dims))
			}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (p *Provider) embedWithRetry(ctx context.Context, texts []string) ([][]float64, error) {
	var result [][]float64
	attempt := 0
	op := func() error {
		attempt++
		vecs, err := p.driver.Embed(ctx, texts)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Debug().Err(err).Str("driver", p.driver.Kind()).Int("attempt", attempt).Msg("Embedding call failed")
			return err
		}
		result = vecs
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// HealthCheck verifies the driver is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.driver.HealthCheck(ctx); err != nil {
		return errs.Unavailable(p.driver.Kind(), err)
	}
	return nil
}

// NewFromConfig builds the provider for the configured driver name.
func NewFromConfig(driver, endpoint, model, apiKey string, batchSize int, opts ...ProviderOption) (*Provider, error) {
	switch driver {
	case "ollama", "":
		return NewProvider(NewOllamaDriver(endpoint, model, WithOllamaBatchSize(batchSize)), opts...), nil
	case "openai":
		return NewProvider(NewOpenAIDriver(apiKey, model, WithOpenAIEndpoint(endpoint), WithOpenAIBatchSize(batchSize)), opts...), nil
	case "hash":
		return NewProvider(NewHashDriver(0), opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedding driver: %s", driver)
	}
}
