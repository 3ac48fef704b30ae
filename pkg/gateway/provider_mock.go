package gateway

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider is a deterministic, dependency-free Provider used when no
// PROVIDER_{NAME}_API_KEY is configured for a model (local development,
// tests, and CI) and directly by the test suite. It streams its reply one
// word at a time so streaming tests exercise real multi-chunk ordering.
type MockProvider struct {
	Name string
	// Fail, when non-nil, is returned by Invoke instead of streaming a
	// reply — used to exercise failover in tests.
	Fail error
}

// NewMockProvider builds a MockProvider.
func NewMockProvider(name string) *MockProvider { return &MockProvider{Name: name} }

func (p *MockProvider) Invoke(ctx context.Context, req ChatRequest) (ResponseStream, error) {
	if p.Fail != nil {
		return nil, p.Fail
	}

	reply := p.reply(req)
	words := strings.Fields(reply)
	out := make(chan Chunk, len(words)+1)

	finishReason := "stop"
	if req.Parameters.MaxTokens != nil && *req.Parameters.MaxTokens < len(words) {
		words = words[:*req.Parameters.MaxTokens]
		finishReason = "length"
	}

	for i, w := range words {
		delta := w
		if i > 0 {
			delta = " " + w
		}
		out <- Chunk{Delta: delta}
	}
	out <- Chunk{Done: true, FinishReason: finishReason}
	close(out)
	return out, nil
}

func (p *MockProvider) reply(req ChatRequest) string {
	if len(req.Messages) == 0 {
		return "hello"
	}
	last := req.Messages[len(req.Messages)-1]
	return fmt.Sprintf("[%s] acknowledged: %s", p.Name, last.Content)
}

func (p *MockProvider) CountTokens(req ChatRequest) (input, output int) {
	for i, msg := range req.Messages {
		n := len(strings.Fields(msg.Content))
		if msg.Role == "assistant" && i == len(req.Messages)-1 {
			output += n
		} else {
			input += n
		}
	}
	return input, output
}
