// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the adapter and pipeline send
// correct requests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"r":[["Hi","x"]]}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/rapportlabs/rapport/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// VisionCall records a single invocation of CompleteVision.
type VisionCall struct {
	// Ctx is the context passed to CompleteVision.
	Ctx context.Context
	// Req is the VisionRequest passed to CompleteVision.
	Req llm.VisionRequest
}

// Provider is a mock implementation of llm.VisionProvider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponse is returned by Complete when CompleteScript is empty.
	CompleteResponse *llm.CompletionResponse

	// CompleteScript, when non-empty, supplies one response per Complete call
	// in order. After the script is exhausted the last entry repeats.
	CompleteScript []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// VisionResponse is returned by CompleteVision.
	VisionResponse *llm.CompletionResponse

	// VisionErr, if non-nil, is returned as the error from CompleteVision.
	VisionErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// VisionCalls records every invocation of CompleteVision in order.
	VisionCalls []VisionCall
}

// Complete records the call and returns the scripted or fixed response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteScript) > 0 {
		if idx >= len(p.CompleteScript) {
			idx = len(p.CompleteScript) - 1
		}
		return p.CompleteScript[idx], nil
	}
	return p.CompleteResponse, nil
}

// CompleteVision records the call and returns VisionResponse, VisionErr.
func (p *Provider) CompleteVision(ctx context.Context, req llm.VisionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VisionCalls = append(p.VisionCalls, VisionCall{Ctx: ctx, Req: req})
	if p.VisionErr != nil {
		return nil, p.VisionErr
	}
	return p.VisionResponse, nil
}

// CountTokens returns TokenCount.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.VisionCalls = nil
}

// Ensure Provider implements llm.VisionProvider at compile time.
var _ llm.VisionProvider = (*Provider)(nil)
