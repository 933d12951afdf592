package embedding_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/embedding"
	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
)

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newEmbeddingServer(t *testing.T, dim int, status *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if status != nil && *status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(*status)
			_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
			return
		}

		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data := make([]map[string]any, 0, len(req.Input))
		// Reverse order to check that results are placed by index.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestOpenAIModelEncodesInOrder(t *testing.T) {
	srv := newEmbeddingServer(t, 3, nil)
	defer srv.Close()

	m := embedding.NewOpenAIModel(embedding.OpenAIConfig{
		BaseURL:   srv.URL + "/v1",
		APIKey:    "test",
		Model:     "all-MiniLM-L6-v2",
		Dimension: 3,
		Timeout:   5 * time.Second,
	})

	got, err := m.Encode(context.Background(), []string{"a", "b", "c"})
	gt.NoError(t, err)
	gt.A(t, got).Length(3)
	gt.Equal(t, got[0][0], float32(1))
	gt.Equal(t, got[1][0], float32(2))
	gt.Equal(t, got[2][0], float32(3))
	gt.Equal(t, m.Name(), "all-MiniLM-L6-v2")
	gt.Equal(t, m.Dimension(), 3)
}

func TestOpenAIModelRejectsWrongDimension(t *testing.T) {
	srv := newEmbeddingServer(t, 5, nil)
	defer srv.Close()

	m := embedding.NewOpenAIModel(embedding.OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m", Dimension: 3})
	_, err := m.Encode(context.Background(), []string{"a"})
	gt.Error(t, err)
}

func TestOpenAIModelDoesNotRetryClientErrors(t *testing.T) {
	status := http.StatusBadRequest
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	m := embedding.NewOpenAIModel(embedding.OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m", Dimension: 3})
	_, err := m.Encode(context.Background(), []string{"a"})
	gt.Error(t, err)
	gt.Equal(t, calls, 1)
}

func TestOpenAIModelEmptyInput(t *testing.T) {
	m := embedding.NewOpenAIModel(embedding.OpenAIConfig{BaseURL: "http://127.0.0.1:1/v1", Model: "m", Dimension: 3})
	got, err := m.Encode(context.Background(), nil)
	gt.NoError(t, err)
	gt.A(t, got).Length(0)
}

func TestOpenAIModelRejectedInputsKeepBreakerClosed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"input too long","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	m := embedding.NewOpenAIModel(embedding.OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m", Dimension: 3})
	for i := 0; i < 8; i++ {
		_, err := m.Encode(context.Background(), []string{"a"})
		gt.Error(t, err)
		gt.False(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	}
	gt.Equal(t, calls, 8)
}
