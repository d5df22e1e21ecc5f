package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// OpenAIClient talks to any OpenAI-compatible API (api.openai.com, Groq's
// /openai/v1, local gateways) over plain HTTP.
type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	return &OpenAIClient{
		config: config,
		http:   &http.Client{Timeout: 90 * time.Second},
	}
}

// Embed implements batched embedding against /embeddings.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.EmbedAPIKey == "" {
		return nil, &EmbedError{Err: errors.New("EMBED_API_KEY unset")}
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncateForEmbed(t)
	}
	payload := map[string]any{
		"input": inputs,
		"model": c.config.EmbedModel,
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return c.post(callCtx, "/embeddings", c.config.EmbedAPIKey, payload, &out)
	})
	if err != nil {
		return nil, &EmbedError{Err: err, Transient: transient(err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &EmbedError{Err: errors.New("embedding count mismatch")}
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &EmbedError{Err: errors.New("embedding index out of range")}
		}
		vecs[d.Index] = normalize(d.Embedding)
	}
	return vecs, nil
}

// Complete implements a single non-streaming chat completion against
// /chat/completions.
func (c *OpenAIClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	if c.config.LLMAPIKey == "" {
		return "", &AnswerError{Err: errors.New("LLM_API_KEY unset")}
	}
	model := req.Model
	if model == "" {
		model = c.config.ChatModel
	}
	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := c.post(callCtx, "/chat/completions", c.config.LLMAPIKey, payload, &out); err != nil {
		return "", &AnswerError{Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &AnswerError{Err: errors.New("no choices")}
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Dim() int { return c.config.Dim }

func (c *OpenAIClient) post(ctx context.Context, path, key string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error.Message != "" {
			return errors.New(resp.Status + ": " + e.Error.Message)
		}
		return errors.New(resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
