// Package gateway implements the Rate-Limited Chat Gateway (C5): an
// OpenAI-compatible request surface with provider selection, response
// caching, streaming, and token accounting.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is one OpenAI-compatible chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parameters are the sampling/shape knobs an OpenAI-compatible request may
// set.
type Parameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Penalties   *float64 `json:"frequency_penalty,omitempty"`
}

// ChatRequest mirrors the established chat-completions request shape.
type ChatRequest struct {
	Model      string     `json:"model"`
	Messages   []Message  `json:"messages"`
	Parameters Parameters `json:",inline"`
	Stream     bool       `json:"stream,omitempty"`
	Tools      []any      `json:"tools,omitempty"`
	ToolChoice any        `json:"tool_choice,omitempty"`

	// RequestFingerprint is an opaque per-caller identifier used for
	// deterministic A/B arm assignment; it is not part of the wire
	// envelope and is populated by the HTTP layer.
	RequestFingerprint string `json:"-"`
	// Spectrum tags the request for quality/optimization routing; not
	// part of the wire envelope.
	Spectrum string `json:"-"`
}

// Usage is OpenAI-compatible token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the non-streaming completion envelope.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Cached            bool     `json:"cached,omitempty"`
}

// Chunk is one server-sent-events delta frame. A non-nil Err marks a
// mid-stream failure: the gateway writes one final SSE error frame and
// terminates the stream without a separate [DONE] frame.
type Chunk struct {
	Delta        string
	FinishReason string // empty until the final chunk
	Done         bool
	Cached       bool // set on the final chunk of a cache-hit replay
	Err          *RequestError
}

// ResponseStream is a channel of ordered, monotonically-extending chunks,
// closed by the provider once the final chunk (Done=true) has been sent.
type ResponseStream <-chan Chunk

// Provider is the uniform contract every concrete LLM backend implements.
type Provider interface {
	Invoke(ctx context.Context, req ChatRequest) (ResponseStream, error)
	CountTokens(req ChatRequest) (input, output int)
}

// ErrorKind enumerates the stable user-facing chat-completions error
// kinds.
type ErrorKind string

const (
	ErrorProviderUnavailable ErrorKind = "provider_unavailable"
	ErrorContextLength       ErrorKind = "context_length"
	ErrorRateLimited         ErrorKind = "rate_limited"
	ErrorInternal            ErrorKind = "internal"
)

// RequestError is the typed, user-facing chat-completions error envelope.
type RequestError struct {
	Kind    ErrorKind
	Message string
	Code    int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// PromptVariant is a deployable prompt configuration.
type PromptVariant struct {
	VariantID       string
	CreatedAt       time.Time
	SystemPrompt    string
	Parameters      Parameters
	ParentVariantID string
	Status          VariantStatus
	Model           string
	Spectrum        string
}

// VariantStatus is a PromptVariant's lifecycle state.
type VariantStatus string

const (
	VariantCandidate VariantStatus = "candidate"
	VariantDeployed  VariantStatus = "deployed"
	VariantArchived  VariantStatus = "archived"
)

// VariantStore holds PromptVariants and enforces the "at most one deployed
// per (model, spectrum)" invariant. C5 exclusively owns status
// transitions; C4 requests them through the ConfigHook below.
type VariantStore struct {
	mu       sync.RWMutex
	byModel  map[string][]*PromptVariant // key: model|spectrum
	history  []PromptVariant             // bounded append-only deployed/archived history
	maxHistory int
}

// NewVariantStore builds an empty store bounding its change history to
// maxHistory entries (<=0 means unbounded).
func NewVariantStore(maxHistory int) *VariantStore {
	return &VariantStore{byModel: make(map[string][]*PromptVariant), maxHistory: maxHistory}
}

func variantKey(model, spectrum string) string { return model + "|" + spectrum }

// Candidate registers v as a candidate (not yet deployed) variant.
func (s *VariantStore) Candidate(v PromptVariant) {
	v.Status = VariantCandidate
	s.mu.Lock()
	defer s.mu.Unlock()
	k := variantKey(v.Model, v.Spectrum)
	s.byModel[k] = append(s.byModel[k], &v)
}

// Deploy promotes variantID to deployed for its (model, spectrum),
// archiving whatever was previously deployed there so the invariant holds.
func (s *VariantStore) Deploy(ctx context.Context, model, spectrum, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := variantKey(model, spectrum)
	var target *PromptVariant
	for _, v := range s.byModel[k] {
		if v.VariantID == variantID {
			target = v
		} else if v.Status == VariantDeployed {
			v.Status = VariantArchived
			s.recordLocked(*v)
		}
	}
	if target == nil {
		return fmt.Errorf("variant %s not found for %s", variantID, k)
	}
	target.Status = VariantDeployed
	s.recordLocked(*target)
	return nil
}

// Archive marks variantID archived without deploying a replacement.
func (s *VariantStore) Archive(ctx context.Context, model, spectrum, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := variantKey(model, spectrum)
	for _, v := range s.byModel[k] {
		if v.VariantID == variantID {
			v.Status = VariantArchived
			s.recordLocked(*v)
			return nil
		}
	}
	return fmt.Errorf("variant %s not found for %s", variantID, k)
}

func (s *VariantStore) recordLocked(v PromptVariant) {
	s.history = append(s.history, v)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// Deployed returns the currently-deployed variant for (model, spectrum),
// if any — the snapshot C5 reads at request dispatch time.
func (s *VariantStore) Deployed(model, spectrum string) (PromptVariant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.byModel[variantKey(model, spectrum)] {
		if v.Status == VariantDeployed {
			return *v, true
		}
	}
	return PromptVariant{}, false
}

// History returns a snapshot of deployed/archived transitions, oldest
// first.
func (s *VariantStore) History() []PromptVariant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PromptVariant(nil), s.history...)
}

// VariantAction is the instruction C4 sends through a ConfigHook.
type VariantAction struct {
	Model, Spectrum string
	Variant         PromptVariant
	Deploy          bool // true = deploy Variant; false = archive it
}

// ConfigHook lets the Virtuous Cycle Manager commit a deployment decision
// without importing the gateway's request-serving types (REDESIGN FLAG on
// cyclic references between C4 and C5).
type ConfigHook func(ctx context.Context, action VariantAction) error

// Hook builds a ConfigHook bound to this store.
func (s *VariantStore) Hook() ConfigHook {
	return func(ctx context.Context, action VariantAction) error {
		s.Candidate(action.Variant)
		if action.Deploy {
			return s.Deploy(ctx, action.Model, action.Spectrum, action.Variant.VariantID)
		}
		return s.Archive(ctx, action.Model, action.Spectrum, action.Variant.VariantID)
	}
}
