package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAIDriver embeds through any server speaking the OpenAI /embeddings
// protocol, including self-hosted gateways in front of bge or m3e models.
type OpenAIDriver struct {
	apiKey     string
	model      string
	url        string
	dimensions int
	batchSize  int
	client     *http.Client
}

// OpenAIOption configures the OpenAI driver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIEndpoint points the driver at a gateway. A base URL such as
// http://gw/v1 gets /embeddings appended.
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) {
		if endpoint == "" {
			return
		}
		endpoint = strings.TrimRight(endpoint, "/")
		if !strings.HasSuffix(endpoint, "/embeddings") {
			endpoint += "/embeddings"
		}
		d.url = endpoint
	}
}

// WithOpenAIBatchSize sets the max texts per Embed call.
func WithOpenAIBatchSize(size int) OpenAIOption {
	return func(d *OpenAIDriver) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithOpenAIDimensions sets the width for models missing from the table.
func WithOpenAIDimensions(dims int) OpenAIOption {
	return func(d *OpenAIDriver) {
		if dims > 0 {
			d.dimensions = dims
		}
	}
}

// NewOpenAIDriver creates an OpenAI-compatible driver.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:     apiKey,
		model:      model,
		url:        "https://api.openai.com/v1/embeddings",
		dimensions: dimensionsFor(model, 1536),
		batchSize:  2048,
		client:     &http.Client{Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string      { return "openai" }
func (d *OpenAIDriver) Model() string     { return d.model }
func (d *OpenAIDriver) Dimensions() int   { return d.dimensions }
func (d *OpenAIDriver) MaxBatchSize() int { return d.batchSize }

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data  []openAIEmbedData `json:"data"`
	Error *openAIError      `json:"error,omitempty"`
}

type openAIEmbedData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed returns one vector per text in input order. Gateways may answer
// out of order, so results are placed by their index.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkBatch(texts, d.batchSize); err != nil {
		return nil, err
	}

	var out openAIEmbedResponse
	in := openAIEmbedRequest{Input: texts, Model: d.model, EncodingFormat: "float"}
	if err := postJSON(ctx, d.client, "openai", d.url, d.apiKey, in, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("openai embeddings: %s (%s)", out.Error.Message, out.Error.Type)
	}

	vectors := make([][]float64, len(texts))
	for _, item := range out.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: no vector for input %d", i)
		}
	}
	return vectors, nil
}

// HealthCheck embeds a probe text, which also validates the API key.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"ping"})
	return err
}
