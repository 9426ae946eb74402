// Package llm provides the AI completion backends used to synthesize
// responses on behalf of a tenant.
package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nous-labs/understudy/pkg/decision"
)

// Failure classes. Every error returned by a Provider wraps exactly one.
var (
	ErrTimeout         = errors.New("llm: timeout")
	ErrBackend         = errors.New("llm: backend failure")
	ErrContentRejected = errors.New("llm: content rejected")
	ErrNoProvider      = errors.New("llm: no provider configured for requested tier")
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "kimi").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // cheap and quick, used for style mimicry
	TierMid
	TierDeep // thorough, used for direct answers
)

// TierFor maps a response mode to the tier that serves it.
func TierFor(mode decision.Mode) Tier {
	if mode == decision.ModeDirectAnswer {
		return TierDeep
	}
	return TierFast
}

// Router selects the appropriate provider based on task tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the appropriate provider based on tier.
// Fallback chain: requested tier → deep → mid → fast.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, Classify(p.Name(), err)
	}
	return resp, nil
}

// Has reports whether any provider can serve the tier.
func (r *Router) Has(tier Tier) bool {
	return r.resolveProvider(tier) != nil
}

// resolveProvider finds the best provider for the given tier using the fallback chain.
func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Kind       error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the failure class to errors.Is.
func (e *ProviderError) Unwrap() error { return e.Kind }

// Classify wraps err in a ProviderError carrying one of ErrTimeout,
// ErrBackend or ErrContentRejected. Context cancellation is returned as is
// so callers can tell a shutdown from a failure.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackend) || errors.Is(err, ErrContentRejected) {
		return err
	}

	pe := &ProviderError{Message: err.Error(), Provider: provider, Kind: ErrBackend}

	var existing *ProviderError
	if errors.As(err, &existing) {
		pe.StatusCode = existing.StatusCode
		if existing.Provider != "" {
			pe.Provider = existing.Provider
		}
		pe.Message = existing.Message
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Kind = ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Kind = ErrTimeout
	case pe.StatusCode == http.StatusRequestTimeout || pe.StatusCode == http.StatusGatewayTimeout:
		pe.Kind = ErrTimeout
	case pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusUnprocessableEntity:
		pe.Kind = ErrContentRejected
	}
	return pe
}
