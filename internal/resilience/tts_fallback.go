package resilience

import (
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/segue/pkg/provider/tts"
	"github.com/MrWong99/segue/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends. Each backend has its own breaker.
//
// All backends must emit the same audio format: the transcode step is told
// the input format once, before it knows which backend served the synthesis.
type TTSFallback struct {
	chain  *Chain[tts.Provider]
	format string
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg ChainConfig) *TTSFallback {
	return &TTSFallback{
		chain:  NewChain("tts", primaryName, primary, cfg),
		format: primary.Format(),
	}
}

// AddFallback registers an additional TTS provider as a fallback. It returns
// an error if the provider's output format differs from the primary's.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) error {
	if got := provider.Format(); got != f.format {
		return fmt.Errorf("resilience: tts fallback %q emits %q, primary emits %q", name, got, f.format)
	}
	f.chain.Add(name, provider)
	return nil
}

// Synthesize renders text using the first healthy provider. Only the initial
// call is covered by failover; errors surfacing mid-stream from the returned
// reader are the caller's responsibility.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (io.ReadCloser, error) {
	return Try(ctx, f.chain, func(p tts.Provider) (io.ReadCloser, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// Format reports the shared output format of all backends.
func (f *TTSFallback) Format() string {
	return f.format
}
