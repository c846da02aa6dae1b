package llm

import "context"

// Request describes one character-reply prompt.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed token delta. Done is set on the closing chunk,
// whose Content may be empty.
type Chunk struct {
	Content string
	Done    bool
}

// Generator is a pluggable LLM backend. Generate streams deltas into the
// consumer until the reply completes; a consumer error aborts the stream.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
