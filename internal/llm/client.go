package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/pkg/circuitbreaker"
	"github.com/kb-agent/backend/pkg/config"
	"github.com/kb-agent/backend/pkg/logger"
	"github.com/kb-agent/backend/pkg/retry"
)

// Client talks to an OpenAI-compatible runtime for both chat generation and
// embeddings. BaseURL may point at a local server (Ollama, vLLM, llama.cpp).
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	genCB          *circuitbreaker.CircuitBreaker
	embedCB        *circuitbreaker.CircuitBreaker
	ready          atomic.Bool
}

func NewClient(cfg config.LLMConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("base_url", clientCfg.BaseURL),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		genCB:          newBreaker("llm_generation"),
		embedCB:        newBreaker("llm_embedding"),
	}
}

// Generation and embeddings trip independently.
func newBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})
}

// Warmup embeds a sample text until it succeeds or ctx is done, then
// marks the embedder ready. Run it in the background at startup.
func (c *Client) Warmup(ctx context.Context) error {
	warm, err := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:    0,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.1,
		Name:           "llm_warmup",
		Logger:         logger.GetLogger(),
	}, func(ctx context.Context) ([]float32, error) {
		vec, err := c.embed(ctx, "warmup")
		if isAuthError(err) {
			return nil, retry.Permanent(err)
		}
		return vec, err
	})
	if err != nil {
		return fmt.Errorf("failed to warm up embedding model: %w", err)
	}

	c.ready.Store(true)
	logger.Info("Embedding model ready",
		zap.String("embedding_model", c.embeddingModel),
		zap.Int("dimension", len(warm)),
	)
	return nil
}

// isAuthError reports a rejected API key, which no amount of retrying fixes.
func isAuthError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusUnauthorized || reqErr.HTTPStatusCode == http.StatusForbidden
	}
	return false
}

func (c *Client) Ready() bool {
	return c.ready.Load()
}

func (c *Client) request(messages []Message, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    out,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      stream,
	}
}

func (c *Client) Invoke(ctx context.Context, messages []Message) (string, error) {
	resp, err := circuitbreaker.ExecuteWithResult(c.genCB, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, c.request(messages, false))
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create completion: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", ErrGeneration)
	}

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Stream(ctx context.Context, messages []Message) (TokenStream, error) {
	stream, err := circuitbreaker.ExecuteWithResult(c.genCB, func() (*openai.ChatCompletionStream, error) {
		return c.client.CreateChatCompletionStream(ctx, c.request(messages, true))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open completion stream: %w", ErrGeneration, err)
	}

	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%w: stream receive: %w", ErrGeneration, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	return c.embed(ctx, text)
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := circuitbreaker.ExecuteWithResult(c.embedCB, func() (openai.EmbeddingResponse, error) {
		return c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrEmbedding)
	}

	return resp.Data[0].Embedding, nil
}

// EmbeddingModel names the model so caches can key on it.
func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}
