package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Client provides embedding and chat-completion capabilities. Embeddings
// are unit-norm vectors of a fixed dimension; output order matches input
// order. Implementations are safe for concurrent use and initialize their
// backing model handle lazily on first call.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Complete(ctx context.Context, req CompleteRequest) (string, error)
	Dim() int
}

// CompleteRequest is a single non-streaming chat completion. Model, when
// set, overrides the provider's configured chat model for this request.
type CompleteRequest struct {
	System      string
	User        string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Provider is enumeration of supported AI providers.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
	ProviderStub   Provider = "stub"
)

// ClientConfig holds configuration for AI clients.
type ClientConfig struct {
	EmbedAPIKey string
	LLMAPIKey   string
	EmbedModel  string
	ChatModel   string
	Dim         int
	Provider    Provider
	// BaseURL overrides the OpenAI-compatible endpoint (e.g. Groq).
	BaseURL string
}

// EmbedError wraps an embedding failure after retries were exhausted (or
// the failure was permanent).
type EmbedError struct {
	Err       error
	Transient bool
}

func (e *EmbedError) Error() string { return "embed: " + e.Err.Error() }
func (e *EmbedError) Unwrap() error { return e.Err }

// AnswerError wraps an LLM completion failure (timeout, quota, transport).
type AnswerError struct {
	Err error
}

func (e *AnswerError) Error() string { return "answer: " + e.Err.Error() }
func (e *AnswerError) Unwrap() error { return e.Err }

// NewClient creates a new AI client based on configuration.
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}
	switch config.Provider {
	case ProviderGemini:
		return NewGeminiClient(config), nil
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// maxEmbedChars caps embedding inputs well below typical model token
// limits; longer chunks are truncated before the request.
const maxEmbedChars = 6000

func truncateForEmbed(text string) string {
	if len(text) > maxEmbedChars {
		return text[:maxEmbedChars]
	}
	return text
}

// normalize L2-normalizes the vector in place and returns it.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

const (
	retryAttempts = 5
	retryBase     = 500 * time.Millisecond
	retryCap      = 15 * time.Second
)

// withRetry runs fn with full-jitter exponential backoff on transient
// failures. Permanent failures return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			max := retryBase << uint(attempt)
			if max > retryCap {
				max = retryCap
			}
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(max)))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			return err
		}
	}
	return lastErr
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "too many requests", "quota", "rate", "unavailable", "502", "503", "500", "timeout", "deadline", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// StubClient is a deterministic in-memory implementation for tests. Its
// embeddings hash token occurrences into the vector so similar texts get
// similar directions.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient.
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 16
	}
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dim)
		for _, tok := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[int(h.Sum32())%s.dim]++
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

func (s *StubClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	return "stub answer", nil
}

func (s *StubClient) Dim() int { return s.dim }
