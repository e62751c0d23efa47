package executor

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
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

func request() contracts.ExecutionRequest {
	return contracts.ExecutionRequest{
		FactoryID:  "F1",
		SessionID:  "s1",
		Intent:     &models.IntentDefinition{Code: "SHIP_BATCH", Name: "批次出库"},
		Parameters: map[string]any{"batch": "B2024-07", "quantity": 50.0},
	}
}

func TestHTTPExecutorPostsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/intents/SHIP_BATCH/execute", r.URL.Path)
		assert.Equal(t, "F1", r.Header.Get("X-Factory-Id"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req contracts.ExecutionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "B2024-07", req.Parameters["batch"])
		json.NewEncoder(w).Encode(contracts.ExecutionResult{Success: true, Message: "出库单已创建"})
	}))
	defer srv.Close()

	res, err := NewHTTPExecutor(srv.URL+"/", "k").Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "出库单已创建", res.Message)
}

func TestHTTPExecutorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(contracts.ExecutionResult{Success: true})
	}))
	defer srv.Close()

	res, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPExecutorDomainFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"批次B2024-07库存不足"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), request())
	require.Error(t, err)
	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusConflict, de.Status)
	assert.Equal(t, "批次B2024-07库存不足", err.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPExecutorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, "", WithRetries(1), WithTimeout(time.Second)).Execute(context.Background(), request())
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestHTTPExecutorRequiresIntent(t *testing.T) {
	_, err := NewHTTPExecutor("http://unused", "").Execute(context.Background(), contracts.ExecutionRequest{FactoryID: "F1"})
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "bad", failureMessage([]byte(`{"error":"bad"}`), 400))
	assert.Equal(t, "plain text", failureMessage([]byte("plain text"), 400))
	assert.Equal(t, "business service returned HTTP 404", failureMessage(nil, 404))
}

func TestDryRunSucceeds(t *testing.T) {
	res, err := DryRun{}.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Data["dry_run"])
}
