// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio bytes to consumers and to verify that
// the correct text and VoiceProfile are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{SynthesizeAudio: []byte("fake-flac-bytes")}
//	rc, _ := p.Synthesize(ctx, "Up next...", voice)
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/MrWong99/segue/pkg/provider/tts"
	"github.com/MrWong99/segue/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the announcement text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeAudio is the byte stream returned by Synthesize.
	SynthesizeAudio []byte

	// SynthesizeErr, if non-nil, is returned by Synthesize instead of a reader.
	SynthesizeErr error

	// FormatResult is returned by Format. Defaults to "flac" when empty.
	FormatResult string

	// SynthesizeCalls records all Synthesize invocations.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time check.
var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (io.ReadCloser, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	audio := p.SynthesizeAudio
	err := p.SynthesizeErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(audio)), nil
}

// Format implements tts.Provider.
func (p *Provider) Format() string {
	if p.FormatResult == "" {
		return "flac"
	}
	return p.FormatResult
}
