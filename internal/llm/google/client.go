package google

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/observability"
)

// Client adapts google.golang.org/genai (Gemini) to the llm.Provider
// contract.
type Client struct {
	client *genai.Client
	model  string
}

// New builds a Gemini-backed llm.Provider from configuration.
func New(cfg config.GoogleConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func toContents(msgs []llm.Message) ([]*genai.Content, string) {
	var sys strings.Builder
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, sys.String()
}

func (c *Client) buildConfig(req llm.ChatRequest, sys string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func textFromResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String()
}

// Chat sends a request to the Gemini generateContent endpoint.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model := c.pickModel(req.Model)
	contents, sys := toContents(req.Messages)

	ctx, span := llm.StartRequestSpan(ctx, "Google Chat", model, 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, c.buildConfig(req, sys))
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("google_chat_error")
		llm.RecordTrace(ctx, "Google Chat", model, "error", dur, 0, 0)
		return llm.ChatResponse{}, err
	}
	llm.LogRedactedResponse(ctx, resp)

	var promptTokens, completionTokens int
	var finish string
	if resp.UsageMetadata != nil {
		promptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		finish = string(resp.Candidates[0].FinishReason)
	}
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	llm.RecordTrace(ctx, "Google Chat", model, "ok", dur, promptTokens, completionTokens)

	return llm.ChatResponse{
		Content:      textFromResponse(resp),
		Usage:        llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		FinishReason: finish,
	}, nil
}

// ChatStream streams text deltas from the Gemini streamGenerateContent endpoint.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(llm.StreamDelta)) error {
	model := c.pickModel(req.Model)
	contents, sys := toContents(req.Messages)

	ctx, span := llm.StartRequestSpan(ctx, "Google ChatStream", model, 0, len(req.Messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, req.Messages)

	var promptTokens, completionTokens int
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, c.buildConfig(req, sys)) {
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("google stream: %w", err)
		}
		if text := textFromResponse(resp); text != "" {
			onDelta(llm.StreamDelta{Content: text})
		}
		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	onDelta(llm.StreamDelta{FinishReason: "stop"})
	return nil
}

// Embed calls Gemini's embedContent endpoint.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("google: no texts to embed")
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := c.client.Models.EmbedContent(ctx, "text-embedding-004", contents, nil)
	if err != nil {
		return nil, fmt.Errorf("google embed: %w", err)
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
