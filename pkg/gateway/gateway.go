package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/virtuouscycle/gateway/pkg/cache"
	"github.com/virtuouscycle/gateway/pkg/quality"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
)

// Deps bundles the Gateway's constructor-injected dependencies.
type Deps struct {
	Registry   *Registry
	Cache      *cache.Cache
	Variants   *VariantStore
	TraceQueue *quality.IngestQueue
	Monitor    *ratelimit.Monitor
}

// Gateway orchestrates the OpenAI-compatible chat-completions surface:
// cache lookup, provider dispatch with failover, token accounting, and
// trace emission into the quality pipeline.
type Gateway struct {
	registry   *Registry
	cache      *cache.Cache
	variants   *VariantStore
	traceQueue *quality.IngestQueue
	monitor    *ratelimit.Monitor
	log        *slog.Logger
}

// New constructs a Gateway.
func New(d Deps) *Gateway {
	return &Gateway{
		registry:   d.Registry,
		cache:      d.Cache,
		variants:   d.Variants,
		traceQueue: d.TraceQueue,
		monitor:    d.Monitor,
		log:        slog.With("component", "chat_gateway"),
	}
}

// Registry exposes the provider registry, e.g. for GET /v1/models.
func (g *Gateway) Registry() *Registry { return g.registry }

// Complete serves a non-streaming chat-completions request.
func (g *Gateway) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	req = g.applyVariant(req)
	fp := g.fingerprint(req)

	if cached, ok := g.readCache(ctx, fp); ok {
		return cached, nil
	}

	timerID := g.startTimer("chat_complete")
	provider, stream, err := g.dispatch(ctx, req)
	if err != nil {
		g.endTimer(timerID, false)
		return nil, err
	}

	content, finishReason, streamErr := drain(stream)
	if streamErr != nil {
		g.endTimer(timerID, false)
		g.emitTrace(req, "", 0, 0, time.Since(start), streamErr.Error())
		return nil, streamErr
	}
	g.endTimer(timerID, true)

	input, output := provider.CountTokens(withAssistantReply(req, content))
	resp := g.buildResponse(req, content, finishReason, input, output, false)

	g.cacheResponse(ctx, fp, resp)
	g.emitTrace(req, content, input, output, time.Since(start), "")
	return &resp, nil
}

// Stream serves a streaming chat-completions request. The returned
// ResponseStream is closed once the final chunk (Done=true, or an Err
// chunk) has been sent.
func (g *Gateway) Stream(ctx context.Context, req ChatRequest) (ResponseStream, error) {
	start := time.Now()
	req = g.applyVariant(req)
	fp := g.fingerprint(req)

	if cached, ok := g.readCache(ctx, fp); ok {
		out := make(chan Chunk, 1)
		go replayCached(*cached, out)
		return out, nil
	}

	provider, providerStream, err := g.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go g.pipeAndFinalize(ctx, req, provider, providerStream, fp, start, out)
	return out, nil
}

func replayCached(resp ChatResponse, out chan<- Chunk) {
	defer close(out)
	if len(resp.Choices) == 0 {
		out <- Chunk{Done: true, Cached: true, FinishReason: "stop"}
		return
	}
	choice := resp.Choices[0]
	out <- Chunk{Delta: choice.Message.Content}
	out <- Chunk{Done: true, Cached: true, FinishReason: choice.FinishReason}
}

func (g *Gateway) pipeAndFinalize(ctx context.Context, req ChatRequest, provider Provider, in ResponseStream, fp string, start time.Time, out chan<- Chunk) {
	defer close(out)

	var content strings.Builder
	finishReason := "stop"
	for chunk := range in {
		if chunk.Err != nil {
			out <- chunk
			g.emitTrace(req, "", 0, 0, time.Since(start), chunk.Err.Message)
			return
		}
		content.WriteString(chunk.Delta)
		if chunk.Done && chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		out <- chunk
	}

	input, output := provider.CountTokens(withAssistantReply(req, content.String()))
	resp := g.buildResponse(req, content.String(), finishReason, input, output, false)
	g.cacheResponse(ctx, fp, resp)
	g.emitTrace(req, content.String(), input, output, time.Since(start), "")
}

// dispatch resolves the failover chain for req.Model and invokes providers
// in order, stopping at the first success. A *RequestError with
// ErrorContextLength is a client-input error, not a provider failure, and
// is never retried against a fallback.
func (g *Gateway) dispatch(ctx context.Context, req ChatRequest) (Provider, ResponseStream, error) {
	chain, ok := g.registry.Resolve(req.Model)
	if !ok {
		return nil, nil, &RequestError{Kind: ErrorProviderUnavailable, Message: fmt.Sprintf("unknown model %q", req.Model), Code: http.StatusBadRequest}
	}

	var lastErr error
	for _, rp := range chain {
		stream, err := rp.Provider.Invoke(ctx, req)
		if err == nil {
			return rp.Provider, stream, nil
		}
		lastErr = err

		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Kind == ErrorContextLength {
			return nil, nil, reqErr
		}
		g.log.Warn("provider invoke failed, trying next in failover chain", "model", rp.Model, "error", err)
	}
	return nil, nil, &RequestError{Kind: ErrorProviderUnavailable, Message: fmt.Sprintf("all providers exhausted for model %q: %v", req.Model, lastErr), Code: http.StatusServiceUnavailable}
}

func drain(stream ResponseStream) (content, finishReason string, err error) {
	finishReason = "stop"
	for chunk := range stream {
		if chunk.Err != nil {
			return content, "", chunk.Err
		}
		content += chunk.Delta
		if chunk.Done && chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}
	return content, finishReason, nil
}

// applyVariant overlays the currently-deployed PromptVariant for (model,
// spectrum), if any, as a leading system message and default parameters —
// it never overrides parameters the caller explicitly set.
func (g *Gateway) applyVariant(req ChatRequest) ChatRequest {
	if g.variants == nil {
		return req
	}
	variant, ok := g.variants.Deployed(req.Model, req.Spectrum)
	if !ok || variant.SystemPrompt == "" {
		return req
	}

	msgs := make([]Message, 0, len(req.Messages)+1)
	msgs = append(msgs, Message{Role: "system", Content: variant.SystemPrompt})
	msgs = append(msgs, req.Messages...)
	req.Messages = msgs

	if req.Parameters.Temperature == nil {
		req.Parameters.Temperature = variant.Parameters.Temperature
	}
	if req.Parameters.TopP == nil {
		req.Parameters.TopP = variant.Parameters.TopP
	}
	if req.Parameters.MaxTokens == nil {
		req.Parameters.MaxTokens = variant.Parameters.MaxTokens
	}
	return req
}

func (g *Gateway) fingerprint(req ChatRequest) string {
	canonical, _ := json.Marshal(struct {
		Model      string
		Messages   []Message
		Parameters Parameters
	}{req.Model, req.Messages, req.Parameters})
	return cache.Key(cache.ClassLLMResponse, string(canonical))
}

func (g *Gateway) readCache(ctx context.Context, fp string) (*ChatResponse, bool) {
	if g.cache == nil {
		return nil, false
	}
	raw, ok := g.cache.Get(ctx, cache.ClassLLMResponse, fp)
	if !ok {
		return nil, false
	}
	var resp ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

func (g *Gateway) cacheResponse(ctx context.Context, fp string, resp ChatResponse) {
	if g.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	g.cache.Set(ctx, cache.ClassLLMResponse, fp, raw)
}

func (g *Gateway) buildResponse(req ChatRequest, content, finishReason string, input, output int, cached bool) ChatResponse {
	return ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage:             Usage{PromptTokens: input, CompletionTokens: output, TotalTokens: input + output},
		SystemFingerprint: "fp_" + fingerprintSuffix(req.Model),
		Cached:            cached,
	}
}

func fingerprintSuffix(model string) string {
	sum := cache.Key(cache.ClassLLMResponse, model)
	if len(sum) > 12 {
		return sum[len(sum)-12:]
	}
	return sum
}

func withAssistantReply(req ChatRequest, content string) ChatRequest {
	msgs := make([]Message, len(req.Messages)+1)
	copy(msgs, req.Messages)
	msgs[len(req.Messages)] = Message{Role: "assistant", Content: content}
	req.Messages = msgs
	return req
}

func (g *Gateway) emitTrace(req ChatRequest, content string, input, output int, latency time.Duration, errMsg string) {
	if g.traceQueue == nil {
		return
	}
	spectrum := quality.Spectrum(req.Spectrum)
	if spectrum == "" {
		spectrum = quality.SpectrumIdentity
	}
	session := req.RequestFingerprint
	if session == "" {
		session = "anonymous"
	}
	g.traceQueue.Push(quality.TraceRecord{
		TraceID:           uuid.NewString(),
		Session:           session,
		Model:             req.Model,
		Spectrum:          spectrum,
		LatencyMS:         latency.Milliseconds(),
		TotalTokens:       input + output,
		InputTokens:       input,
		OutputTokens:      output,
		Error:             errMsg,
		StructurallyValid: structurallyValid(req, content),
		CreatedAt:         time.Now(),
	})
}

// structurallyValid reports whether content satisfies the request's
// expected output shape. Requests with no tools declared carry no schema
// expectation, so they're trivially valid; a tool-using request is only
// valid if the model's reply is well-formed JSON (the wire shape every
// provider in this gateway uses for tool-call arguments).
func structurallyValid(req ChatRequest, content string) bool {
	if len(req.Tools) == 0 {
		return true
	}
	return json.Valid([]byte(content))
}

func (g *Gateway) startTimer(op string) int64 {
	if g.monitor == nil {
		return 0
	}
	return g.monitor.StartTimer(op, nil)
}

func (g *Gateway) endTimer(id int64, ok bool) {
	if g.monitor == nil {
		return
	}
	g.monitor.EndTimer(id, ok)
}
