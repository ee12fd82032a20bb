package capability

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAILLM adapts an OpenAI-compatible chat endpoint to the engine's llm
// capability.
type OpenAILLM struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

// OpenAIConfig configures the llm capability adapter. BaseURL may point at
// any OpenAI-compatible server.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
}

// NewOpenAILLM builds the adapter.
func NewOpenAILLM(cfg OpenAIConfig) *OpenAILLM {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}
	return &OpenAILLM{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          model,
		embeddingModel: embeddingModel,
	}
}

// Predict runs one completion. Options may carry model, system, temperature
// and maxTokens.
func (l *OpenAILLM) Predict(ctx context.Context, prompt string, options map[string]any) (any, error) {
	req := openai.ChatCompletionRequest{
		Model: l.model,
	}
	if options != nil {
		if m, ok := options["model"].(string); ok && m != "" {
			req.Model = m
		}
		if t, ok := numberOption(options["temperature"]); ok {
			req.Temperature = float32(t)
		}
		if mt, ok := numberOption(options["maxTokens"]); ok {
			req.MaxTokens = int(mt)
		}
		if sys, ok := options["system"].(string); ok && sys != "" {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: sys,
			})
		}
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm predict: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm predict: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed produces an embedding vector for the text.
func (l *OpenAILLM) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := l.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(l.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("llm embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm embed: empty response")
	}
	out := make([]float64, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		out[i] = float64(f)
	}
	return out, nil
}

func numberOption(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
