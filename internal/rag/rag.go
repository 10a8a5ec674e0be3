// Package rag stubs the consumer-facing query surface a chat-over-topics
// HTTP layer would call. The HTTP layer itself, auth, and retrieval ranking
// are out of scope; this interface exists so a future surface has a stable
// contract to implement against.
package rag

import "context"

// Answer is the result of answering a free-form question against the
// topic corpus.
type Answer struct {
	Text    string
	TopicID *int64
}

// Service answers questions against the accumulated topic corpus.
type Service interface {
	Answer(ctx context.Context, question string) (Answer, error)
}
