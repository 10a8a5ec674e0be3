package llm

import "context"

// Message is one turn of a chat-style prompt. Role is one of
// "system" | "user" | "assistant".
type Message struct {
	Role    string
	Content string
}

// Usage reports token accounting for a single completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ResponseFormat constrains the shape of a completion. When JSON is true the
// provider is asked (via its native JSON-mode parameter, where available) to
// return a parseable JSON object in ChatResponse.Content; callers still must
// parse defensively since providers do not guarantee well-formed output.
type ResponseFormat struct {
	JSON bool
}

// ChatRequest is a portable chat completion request understood by every
// Provider implementation.
type ChatRequest struct {
	Messages       []Message
	Model          string
	Temperature    float64
	MaxTokens      int
	ResponseFormat *ResponseFormat
}

// ChatResponse is the provider-agnostic result of a Chat call.
type ChatResponse struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// StreamDelta is one increment of a ChatStream callback.
type StreamDelta struct {
	Content      string
	FinishReason string
}

// Provider is the LLM client contract consumed by the merge pipeline, the
// classifier, and the summarizer: chat completions (optionally JSON
// constrained or streamed) plus text embeddings.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onDelta func(StreamDelta)) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
