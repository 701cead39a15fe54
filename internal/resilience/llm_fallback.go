package resilience

import (
	"context"

	"github.com/MrWong99/segue/pkg/provider/llm"
	"github.com/MrWong99/segue/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple LLM backends. Each backend has its own breaker; when the primary
// fails or is cooling off, the next healthy fallback serves the request.
type LLMFallback struct {
	chain *Chain[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg ChainConfig) *LLMFallback {
	return &LLMFallback{
		chain: NewChain("llm", primaryName, primary, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Try(ctx, f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the intersection of all backends' capabilities, since
// any of them may end up serving a request. A fallback chain supports vision
// only if every link does.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.chain.links) == 0 {
		return types.ModelCapabilities{}
	}
	caps := f.chain.links[0].backend.Capabilities()
	for _, l := range f.chain.links[1:] {
		c := l.backend.Capabilities()
		caps.SupportsVision = caps.SupportsVision && c.SupportsVision
		caps.SupportsToolCalling = caps.SupportsToolCalling && c.SupportsToolCalling
		caps.SupportsStreaming = caps.SupportsStreaming && c.SupportsStreaming
		if c.ContextWindow < caps.ContextWindow {
			caps.ContextWindow = c.ContextWindow
		}
		if c.MaxOutputTokens < caps.MaxOutputTokens {
			caps.MaxOutputTokens = c.MaxOutputTokens
		}
	}
	return caps
}
