// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., the OpenAI speech
// API or ElevenLabs) and presents a uniform streaming interface: Synthesize
// returns the encoded audio as an io.ReadCloser so the caller can pipe it
// straight into the loudness/padding transcode step without buffering the
// whole clip in memory.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"io"

	"github.com/MrWong99/segue/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text to audio using the given voice and returns a
	// stream of encoded audio bytes. The caller must Close the returned reader;
	// closing before EOF cancels the synthesis.
	//
	// Errors that occur after the stream has started are surfaced as read
	// errors from the returned reader.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (io.ReadCloser, error)

	// Format describes the encoding of the bytes returned by Synthesize, in
	// ffmpeg demuxer terms: a container name such as "flac", "mp3" or "wav",
	// or a raw PCM spec such as "pcm_s16le_16000" for headerless streams.
	// Constant for the lifetime of the provider.
	Format() string
}
