package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator emits a short canned reply word by word. Useful for
// wiring tests and demos without a model server.
func NewMockGenerator() Generator {
	return &mockGenerator{delay: 10 * time.Millisecond}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reply := "I heard you. Let me think about that for a moment. Done!"
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{Content: word}); err != nil {
			return err
		}
	}
	return consumer(Chunk{Done: true})
}
