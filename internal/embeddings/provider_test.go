package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/assistant/internal/errs"
)

func ollamaServer(t *testing.T, dims int, failFirst int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failFirst {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputs, _ := req.Input.([]any)
		out := ollamaEmbedResponse{}
		for i := range inputs {
			v := make([]float64, dims)
			v[i%dims] = 1
			out.Embeddings = append(out.Embeddings, v)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestProviderEncodeBatchChunks(t *testing.T) {
	srv, calls := ollamaServer(t, 4, 0)
	p := NewProvider(NewOllamaDriver(srv.URL, "custom", WithOllamaBatchSize(2), WithOllamaDimensions(4)))

	vecs, err := p.EncodeBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, "custom", p.ModelName())
	assert.Equal(t, 4, p.Dimensions())
}

func TestProviderRetriesTransientFailures(t *testing.T) {
	srv, calls := ollamaServer(t, 4, 2)
	p := NewProvider(NewOllamaDriver(srv.URL, "custom", WithOllamaDimensions(4)), WithRetries(3))

	v, err := p.Encode(context.Background(), "批次 B2024-07 的质检结果")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestProviderPermanentFailureIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProvider(NewOllamaDriver(srv.URL, "missing"), WithRetries(5))
	_, err := p.Encode(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProviderRejectsWrongDimension(t *testing.T) {
	srv, _ := ollamaServer(t, 3, 0)
	p := NewProvider(NewOllamaDriver(srv.URL, "custom", WithOllamaDimensions(4)))
	_, err := p.Encode(context.Background(), "x")
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestProviderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewProvider(NewOllamaDriver(srv.URL, "all-minilm"), WithTimeout(50*time.Millisecond), WithRetries(0))
	start := time.Now()
	_, err := p.Encode(context.Background(), "slow")
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenAIDriverReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(openAIEmbedResponse{Data: []openAIEmbedData{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		}})
	}))
	defer srv.Close()

	d := NewOpenAIDriver("sk-test", "local", WithOpenAIEndpoint(srv.URL+"/v1"), WithOpenAIDimensions(2))
	vecs, err := d.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, vecs)
}

func TestRegistryHealthCheckAll(t *testing.T) {
	srv, _ := ollamaServer(t, 384, 0)
	r := NewRegistry()
	r.Register("default", NewProvider(NewOllamaDriver(srv.URL, "all-minilm")))

	_, err := r.Get("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"default"}, r.List())
	results := r.HealthCheckAll(context.Background())
	assert.NoError(t, results["default"])
}

func TestNewFromConfigUnknownDriver(t *testing.T) {
	_, err := NewFromConfig("bedrock", "", "m", "", 0)
	assert.Error(t, err)
}

func TestHashDriverIsDeterministicAndNormalised(t *testing.T) {
	p := NewProvider(NewHashDriver(64))
	ctx := context.Background()

	a, err := p.Encode(ctx, "查询批次B2024-07")
	require.NoError(t, err)
	b, err := p.Encode(ctx, "查询批次B2024-07")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	var norm float64
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	empty, err := p.Encode(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, empty[0])
}
