package api

import (
	"github.com/virtuouscycle/gateway/pkg/gateway"
)

// ChatCompletionRequest is the wire-level POST /v1/chat/completions body.
// It owns the flattened OpenAI-compatible shape; toGatewayRequest
// translates it into the internal gateway.ChatRequest.
type ChatCompletionRequest struct {
	Model            string           `json:"model" binding:"required"`
	Messages         []gateway.Message `json:"messages" binding:"required,min=1"`
	Stream           bool             `json:"stream"`
	Temperature      *float64         `json:"temperature"`
	TopP             *float64         `json:"top_p"`
	MaxTokens        *int             `json:"max_tokens"`
	FrequencyPenalty *float64         `json:"frequency_penalty"`
	Tools            []any            `json:"tools,omitempty"`
	ToolChoice       any              `json:"tool_choice,omitempty"`
}

// toGatewayRequest builds the internal request. callerID feeds A/B
// assignment and trace attribution; spectrum tags quality routing.
func (r ChatCompletionRequest) toGatewayRequest(callerID, spectrum string) gateway.ChatRequest {
	return gateway.ChatRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Parameters: gateway.Parameters{
			Temperature: r.Temperature,
			TopP:        r.TopP,
			MaxTokens:   r.MaxTokens,
			Penalties:   r.FrequencyPenalty,
		},
		Stream:             r.Stream,
		Tools:              r.Tools,
		ToolChoice:         r.ToolChoice,
		RequestFingerprint: callerID,
		Spectrum:           spectrum,
	}
}

// TriggerRequest is the POST /v1/virtuous-cycle/trigger body.
type TriggerRequest struct {
	Reason string `json:"reason" binding:"required"`
}
