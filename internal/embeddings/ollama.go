package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaDriver embeds through a local Ollama server's /api/embed endpoint.
type OllamaDriver struct {
	url        string
	model      string
	keepAlive  string
	dimensions int
	batchSize  int
	client     *http.Client
}

// OllamaOption configures the Ollama driver.
type OllamaOption func(*OllamaDriver)

// WithOllamaBatchSize sets the max texts per Embed call.
func WithOllamaBatchSize(size int) OllamaOption {
	return func(d *OllamaDriver) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithOllamaDimensions sets the width for models missing from the table.
func WithOllamaDimensions(dims int) OllamaOption {
	return func(d *OllamaDriver) {
		if dims > 0 {
			d.dimensions = dims
		}
	}
}

// WithOllamaKeepAlive controls how long Ollama keeps the model loaded
// between calls ("5m", "-1").
func WithOllamaKeepAlive(v string) OllamaOption {
	return func(d *OllamaDriver) { d.keepAlive = v }
}

// WithOllamaHTTPClient replaces the default HTTP client.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(d *OllamaDriver) { d.client = c }
}

// NewOllamaDriver creates an Ollama driver. An empty endpoint means the
// local default.
func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	d := &OllamaDriver{
		url:        strings.TrimRight(endpoint, "/") + "/api/embed",
		model:      model,
		keepAlive:  "30m",
		dimensions: dimensionsFor(model, 768),
		batchSize:  512,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string      { return "ollama" }
func (d *OllamaDriver) Model() string     { return d.model }
func (d *OllamaDriver) Dimensions() int   { return d.dimensions }
func (d *OllamaDriver) MaxBatchSize() int { return d.batchSize }

type ollamaEmbedRequest struct {
	Model     string `json:"model"`
	Input     any    `json:"input"`
	Truncate  bool   `json:"truncate"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed sends the whole batch in one /api/embed call. Inputs longer than
// the model context are truncated by the server.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkBatch(texts, d.batchSize); err != nil {
		return nil, err
	}

	var out ollamaEmbedResponse
	in := ollamaEmbedRequest{Model: d.model, Input: texts, Truncate: true, KeepAlive: d.keepAlive}
	if err := postJSON(ctx, d.client, "ollama", d.url, "", in, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// HealthCheck embeds a probe text, which also proves the model is pulled.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"ping"})
	return err
}
