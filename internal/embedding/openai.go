package embedding

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
	"github.com/classroom-assistant/backend/pkg/logger"
	"github.com/classroom-assistant/backend/pkg/retry"
)

type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OpenAIModel talks to any server that implements the OpenAI embeddings
// endpoint, including self-hosted sentence-transformers gateways.
type OpenAIModel struct {
	client      *openai.Client
	model       string
	dimension   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAIModel(cfg OpenAIConfig) *OpenAIModel {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.RecordBreakerState,
		// A rejected input says nothing about the health of the server.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		Logger: logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Embedding model initialized",
		zap.String("model", cfg.Model),
		zap.String("base_url", clientConfig.BaseURL),
		zap.Int("dimension", cfg.Dimension),
	)

	return &OpenAIModel{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (m *OpenAIModel) Name() string {
	return m.model
}

func (m *OpenAIModel) Dimension() int {
	return m.dimension
}

func (m *OpenAIModel) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var vectors [][]float32
	err := m.cb.Execute(ctx, func() error {
		var err error
		vectors, err = retry.DoWithResult(ctx, m.retryConfig, func() ([][]float32, error) {
			return m.createEmbeddings(ctx, texts)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(vectors)))
	return vectors, nil
}

func (m *OpenAIModel) createEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(m.model),
	})
	if err != nil {
		if isClientError(err) {
			return nil, retry.Permanent(goerr.Wrap(err, "embedding request rejected"))
		}
		return nil, goerr.Wrap(err, "failed to create embeddings", goerr.V("count", len(texts)))
	}

	if len(resp.Data) != len(texts) {
		return nil, retry.Permanent(goerr.New("embedding response size mismatch",
			goerr.V("want", len(texts)),
			goerr.V("got", len(resp.Data)),
		))
	}

	out := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(out) {
			return nil, retry.Permanent(goerr.New("embedding index out of range", goerr.V("index", data.Index)))
		}
		if m.dimension > 0 && len(data.Embedding) != m.dimension {
			return nil, retry.Permanent(goerr.New("embedding dimension mismatch",
				goerr.V("want", m.dimension),
				goerr.V("got", len(data.Embedding)),
			))
		}
		out[data.Index] = data.Embedding
	}
	return out, nil
}

func isClientError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 &&
			reqErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}
