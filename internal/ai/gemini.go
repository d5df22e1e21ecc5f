package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// GeminiClient embeds and completes via the Google Gemini API. The genai
// handle is created lazily on first use so a missing key only fails the
// request that needs it.
type GeminiClient struct {
	config *ClientConfig

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClient creates a new client for the Google Gemini API.
func NewGeminiClient(config *ClientConfig) *GeminiClient {
	// Defaults matching the Gemini API
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-004"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	return &GeminiClient{config: config}
}

func (c *GeminiClient) init(ctx context.Context) error {
	c.once.Do(func() {
		key := strings.TrimSpace(c.config.EmbedAPIKey)
		if key == "" {
			key = strings.TrimSpace(c.config.LLMAPIKey)
		}
		if key == "" {
			c.initErr = errors.New("EMBED_API_KEY unset")
			return
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			Backend: genai.BackendGeminiAPI,
			APIKey:  key,
		})
		if err != nil {
			c.initErr = fmt.Errorf("failed to create Gemini client: %w", err)
			return
		}
		c.client = client
	})
	return c.initErr
}

// Embed implements batched embedding via the Gemini API. Inputs are
// truncated to the model cap; the output order matches the input order.
func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.init(ctx); err != nil {
		return nil, &EmbedError{Err: err}
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(truncateForEmbed(t), genai.RoleUser)
	}
	cfg := genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}

	var res *genai.EmbedContentResponse
	err := withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		var err error
		res, err = c.client.Models.EmbedContent(callCtx, c.config.EmbedModel, contents, &cfg)
		return err
	})
	if err != nil {
		return nil, &EmbedError{Err: err, Transient: transient(err)}
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, &EmbedError{Err: errors.New("embedding count mismatch")}
	}
	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		out[i] = normalize(e.Values)
	}
	return out, nil
}

// Complete implements a single non-streaming chat completion.
func (c *GeminiClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	if err := c.init(ctx); err != nil {
		return "", &AnswerError{Err: err}
	}
	system := genai.Text(req.System)
	temp := req.Temperature
	cfg := genai.GenerateContentConfig{
		Temperature:       &temp,
		MaxOutputTokens:   int32(req.MaxTokens),
		SystemInstruction: system[0],
	}

	model := req.Model
	if model == "" {
		model = c.config.ChatModel
	}
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	resp, err := c.client.Models.GenerateContent(callCtx, model, genai.Text(req.User), &cfg)
	if err != nil {
		return "", &AnswerError{Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &AnswerError{Err: errors.New("no completion returned")}
	}
	return strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text), nil
}

func (c *GeminiClient) Dim() int { return c.config.Dim }
