package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider invokes any OpenAI-compatible chat-completions endpoint
// (OpenAI itself, Azure OpenAI, vLLM, LocalAI, Ollama's /v1 surface,
// LiteLLM, ...) over plain net/http — the same "JSON POST + bearer auth +
// streamed body" shape the rest of this codebase already uses for
// outbound HTTP, generalized from a single-purpose embeddings client to
// chat completions with SSE streaming.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewHTTPProvider builds a provider pointed at baseURL (e.g.
// "https://api.openai.com/v1"). apiKey may be empty for providers that
// don't require one (local inference servers).
func NewHTTPProvider(name, baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke streams a chat completion from the remote endpoint, translating
// its SSE frames into this package's Chunk shape.
func (p *HTTPProvider) Invoke(ctx context.Context, req ChatRequest) (ResponseStream, error) {
	wire := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		MaxTokens:   req.Parameters.MaxTokens,
		Stream:      true,
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, &RequestError{Kind: ErrorInternal, Message: err.Error(), Code: http.StatusInternalServerError}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, &RequestError{Kind: ErrorInternal, Message: err.Error(), Code: http.StatusInternalServerError}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Kind: ErrorProviderUnavailable, Message: err.Error(), Code: http.StatusBadGateway}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classifyHTTPError(resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	go pumpSSE(resp.Body, out)
	return out, nil
}

func (p *HTTPProvider) classifyHTTPError(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RequestError{Kind: ErrorRateLimited, Message: fmt.Sprintf("%s rate limited the request", p.name), Code: status}
	case status == http.StatusRequestEntityTooLarge || status == http.StatusBadRequest:
		return &RequestError{Kind: ErrorContextLength, Message: fmt.Sprintf("%s rejected the request as malformed or too long", p.name), Code: status}
	case status >= 500:
		return &RequestError{Kind: ErrorProviderUnavailable, Message: fmt.Sprintf("%s returned %d", p.name, status), Code: status}
	default:
		return &RequestError{Kind: ErrorInternal, Message: fmt.Sprintf("%s returned %d", p.name, status), Code: status}
	}
}

// pumpSSE reads "data: {...}" frames from body and forwards translated
// Chunks until a "data: [DONE]" sentinel or a read error.
func pumpSSE(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finishReason := "stop"

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			out <- Chunk{Done: true, FinishReason: finishReason}
			return
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			continue
		}
		if len(wc.Choices) == 0 {
			continue
		}
		if fr := wc.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		out <- Chunk{Delta: wc.Choices[0].Delta.Content}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: &RequestError{Kind: ErrorProviderUnavailable, Message: err.Error(), Code: http.StatusBadGateway}}
		return
	}
	out <- Chunk{Done: true, FinishReason: finishReason}
}

// CountTokens approximates token counts from whitespace-delimited word
// counts (no BPE tokenizer is pinned anywhere in the corpus for any
// provider): input sums every non-assistant message, output sums the
// trailing assistant message (the generated reply, appended by the
// gateway before this call).
func (p *HTTPProvider) CountTokens(req ChatRequest) (input, output int) {
	for i, msg := range req.Messages {
		n := approxTokens(msg.Content)
		if msg.Role == "assistant" && i == len(req.Messages)-1 {
			output += n
		} else {
			input += n
		}
	}
	return input, output
}

func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}
