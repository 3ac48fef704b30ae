package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/virtuouscycle/gateway/pkg/gateway"
)

// chatCompletionChunk is one SSE data frame for a streaming completion,
// mirroring the established "chat.completion.chunk" object shape.
type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Cached  bool          `json:"cached,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

// chatCompletions handles POST /v1/chat/completions.
func (s *Server) chatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorEnvelope{Error: ErrorBody{Message: err.Error(), Kind: "user_error"}})
		return
	}

	gwReq := req.toGatewayRequest(callerIdentity(c), c.GetHeader("X-Quality-Spectrum"))

	if gwReq.Stream {
		s.streamChatCompletion(c, gwReq)
		return
	}

	resp, err := s.gateway.Complete(c.Request.Context(), gwReq)
	if err != nil {
		status, env := mapError(err)
		c.JSON(status, env)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamChatCompletion writes an ordered sequence of SSE frames directly
// via c.Writer, paced by ssePacer, and terminated by a "data: [DONE]"
// sentinel. A mid-stream Err chunk instead writes one final error frame
// and returns without a [DONE] sentinel, per spec §7.
func (s *Server) streamChatCompletion(c *gin.Context, req gateway.ChatRequest) {
	stream, err := s.gateway.Stream(c.Request.Context(), req)
	if err != nil {
		status, env := mapError(err)
		c.JSON(status, env)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	pacer := newSSEPacer()

	writeFrame := func(delta string, finishReason *string, cached bool) {
		chunk := chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model, Cached: cached,
			Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: delta}, FinishReason: finishReason}},
		}
		raw, _ := json.Marshal(chunk)
		fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
		flusher.Flush()
	}

	for chunk := range stream {
		if chunk.Err != nil {
			if pacer.hasPending() {
				writeFrame(pacer.drain(), nil, false)
			}
			env := ErrorEnvelope{Error: ErrorBody{Message: chunk.Err.Message, Kind: string(chunk.Err.Kind)}}
			raw, _ := json.Marshal(env)
			fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
			flusher.Flush()
			return
		}

		pacer.add(chunk.Delta)
		if chunk.Done {
			finishReason := chunk.FinishReason
			writeFrame(pacer.drain(), &finishReason, chunk.Cached)
			break
		}
		if pacer.ready() {
			writeFrame(pacer.drain(), nil, false)
		}
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// listModels handles GET /v1/models.
func (s *Server) listModels(c *gin.Context) {
	models := s.gateway.Registry().Models()
	data := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		data = append(data, ModelInfo{ID: m, Object: "model", OwnedBy: "virtuouscycle"})
	}
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: data})
}
