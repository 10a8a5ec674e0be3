package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/observability"
)

// Client adapts github.com/openai/openai-go/v2 (or any OpenAI-compatible
// endpoint reachable via a custom BaseURL) to the llm.Provider contract.
type Client struct {
	sdk   sdk.Client
	model string
}

// New builds an OpenAI-backed llm.Provider from configuration.
func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = sdk.ChatModelGPT4oMini
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// Chat implements llm.Provider.Chat using the Chat Completions endpoint.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model := c.pickModel(req.Model)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", model, 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("chat_completion_error")
		llm.RecordTrace(ctx, "OpenAI Chat", model, "error", dur, 0, 0)
		return llm.ChatResponse{}, err
	}
	llm.LogRedactedResponse(ctx, comp)

	var content, finish string
	if len(comp.Choices) > 0 {
		content = comp.Choices[0].Message.Content
		finish = comp.Choices[0].FinishReason
	}
	promptTokens := int(comp.Usage.PromptTokens)
	completionTokens := int(comp.Usage.CompletionTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	llm.RecordTrace(ctx, "OpenAI Chat", model, "ok", dur, promptTokens, completionTokens)

	return llm.ChatResponse{
		Content:      content,
		Usage:        llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		FinishReason: finish,
	}, nil
}

// ChatStream streams content deltas from the Chat Completions endpoint.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(llm.StreamDelta)) error {
	model := c.pickModel(req.Model)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", model, 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var promptTokens, completionTokens int
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				onDelta(llm.StreamDelta{Content: delta})
			}
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				onDelta(llm.StreamDelta{FinishReason: fr})
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			promptTokens = int(chunk.Usage.PromptTokens)
			completionTokens = int(chunk.Usage.CompletionTokens)
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("openai stream: %w", err)
	}
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	return nil
}

// Embed calls the OpenAI embeddings endpoint directly.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("openai: no texts to embed")
	}
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModelTextEmbedding3Small,
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
