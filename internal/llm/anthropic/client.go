package anthropic

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"context"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/observability"
)

const defaultMaxTokens int64 = 2048

// Client adapts github.com/anthropics/anthropic-sdk-go to the llm.Provider
// contract. It has no embeddings endpoint of its own: Embed returns an error,
// and embeddings come from the shared internal/embedding HTTP client instead.
type Client struct {
	sdk       anthropicsdk.Client
	model     string
	maxTokens int64
}

// New builds an Anthropic-backed llm.Provider from configuration.
func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropicsdk.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropicsdk.NewClient(opts...), model: model, maxTokens: defaultMaxTokens}
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func adaptMessages(msgs []llm.Message) (string, []anthropicsdk.MessageParam, error) {
	var sys strings.Builder
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Content)
		case "assistant":
			out = append(out, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}
	return sys.String(), out, nil
}

func (c *Client) buildParams(req llm.ChatRequest) anthropicsdk.MessageNewParams {
	sys, converted, _ := adaptMessages(req.Messages)
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.pickModel(req.Model)),
		Messages:  converted,
		MaxTokens: maxTokens,
	}
	if sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		params.System = append(params.System, anthropicsdk.TextBlockParam{
			Text: "Respond with a single valid JSON object and no surrounding prose.",
		})
	}
	return params
}

// Chat sends a single-turn or multi-turn completion request.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	params := c.buildParams(req)

	ctx, span := llm.StartRequestSpan(ctx, "Anthropic Chat", string(params.Model), 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		llm.RecordTrace(ctx, "Anthropic Chat", string(params.Model), "error", dur, 0, 0)
		return llm.ChatResponse{}, err
	}
	llm.LogRedactedResponse(ctx, resp)

	var text strings.Builder
	for _, block := range resp.Content {
		if t := block.AsText(); t.Text != "" {
			text.WriteString(t.Text)
		}
	}

	promptTokens := int(resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)
	llm.RecordTrace(ctx, "Anthropic Chat", string(params.Model), "ok", dur, promptTokens, completionTokens)

	return llm.ChatResponse{
		Content:      text.String(),
		Usage:        llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		FinishReason: string(resp.StopReason),
	}, nil
}

// ChatStream streams text deltas. Anthropic's thinking/tool-use block types
// are not surfaced here; only plain text deltas reach onDelta.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(llm.StreamDelta)) error {
	params := c.buildParams(req)

	ctx, span := llm.StartRequestSpan(ctx, "Anthropic ChatStream", string(params.Model), 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var promptTokens, completionTokens int
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if ev.Delta.Text != "" {
				onDelta(llm.StreamDelta{Content: ev.Delta.Text})
			}
		case anthropicsdk.MessageDeltaEvent:
			completionTokens = int(ev.Usage.OutputTokens)
		case anthropicsdk.MessageStartEvent:
			promptTokens = int(ev.Message.Usage.InputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("anthropic stream: %w", err)
	}
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)
	onDelta(llm.StreamDelta{FinishReason: "stop"})
	return nil
}

// Embed is not natively supported by the Anthropic API; callers should
// prefer internal/embedding.EmbedText against a dedicated embeddings
// endpoint. Kept to satisfy llm.Provider for code paths that select a single
// provider for both chat and embeddings.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported, use internal/embedding.EmbedText")
}
