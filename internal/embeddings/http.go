package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// modelDimensions lists the output width of the embedding models the
// assistant is deployed with. Unknown models fall back to the driver default
// unless a dimension is configured explicitly.
var modelDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"bge-m3":                 1024,
	"bge-small-zh":           512,
	"all-minilm":             384,
	"all-minilm:l6-v2":       384,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

func dimensionsFor(model string, fallback int) int {
	if d, ok := modelDimensions[model]; ok {
		return d
	}
	return fallback
}

// postJSON sends in as a JSON body and decodes a 200 answer into out.
// Other statuses come back as *StatusError so the provider can decide
// whether to retry.
func postJSON(ctx context.Context, client *http.Client, backend, url, apiKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", backend, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", backend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Backend: backend, Code: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", backend, err)
	}
	return nil
}

func checkBatch(texts []string, limit int) error {
	if len(texts) > limit {
		return fmt.Errorf("batch of %d texts exceeds driver limit %d", len(texts), limit)
	}
	return nil
}
