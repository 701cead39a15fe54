// Package transcode shells out to ffmpeg and ffprobe to turn raw synthesis
// output into loudness-normalized, crossfade-padded clip files.
//
// The filtergraph normalizes to broadcast loudness (loudnorm I=-16 LRA=11
// TP=-1) and, when a crossfade pad is requested, prepends silence with adelay
// and appends it with apad so the player's crossfade consumes the silence
// instead of the spoken words.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithFFmpeg sets the ffmpeg binary path. Default "ffmpeg".
func WithFFmpeg(path string) Option {
	return func(t *Transcoder) {
		if path != "" {
			t.ffmpeg = path
		}
	}
}

// WithFFprobe sets the ffprobe binary path. Default "ffprobe".
func WithFFprobe(path string) Option {
	return func(t *Transcoder) {
		if path != "" {
			t.ffprobe = path
		}
	}
}

// Transcoder runs ffmpeg/ffprobe. Safe for concurrent use.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
}

// New creates a Transcoder.
func New(opts ...Option) *Transcoder {
	t := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Normalize reads audio in inputFormat from r and writes a normalized, padded
// file in outFormat to outPath. The output container is passed explicitly
// since clips are written under temp names ffmpeg cannot infer from. pad is
// the silence added before and after the speech; zero disables padding.
func (t *Transcoder) Normalize(ctx context.Context, r io.Reader, inputFormat, outFormat, outPath string, pad time.Duration) error {
	args := normalizeArgs(inputFormat, outFormat, outPath, pad)
	cmd := exec.CommandContext(ctx, t.ffmpeg, args...)
	cmd.Stdin = r
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcode: ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// Probe returns the duration of the audio file at path.
func (t *Transcoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("transcode: ffprobe: %w: %s", err, lastLine(stderr.String()))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("transcode: parse ffprobe duration %q: %w", stdout.String(), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// normalizeArgs builds the ffmpeg argument list.
func normalizeArgs(inputFormat, outFormat, outPath string, pad time.Duration) []string {
	args := []string{"-hide_banner", "-nostdin"}
	args = append(args, inputArgs(inputFormat)...)
	args = append(args, "-i", "pipe:0", "-af", filterGraph(pad), "-f", outFormat, "-y", outPath)
	return args
}

// inputArgs maps a provider format spec onto ffmpeg demuxer flags. Raw PCM
// ("pcm_s16le_<rate>") needs explicit sample format, rate and channel count;
// container formats pass through as-is.
func inputArgs(format string) []string {
	if rate, ok := strings.CutPrefix(format, "pcm_s16le_"); ok {
		return []string{"-f", "s16le", "-ar", rate, "-ac", "1"}
	}
	return []string{"-f", format}
}

// filterGraph renders the loudnorm chain with optional symmetric padding.
func filterGraph(pad time.Duration) string {
	graph := "loudnorm=I=-16:LRA=11:TP=-1"
	if pad > 0 {
		ms := pad.Milliseconds()
		graph += fmt.Sprintf(",adelay=%d:all=1,apad=pad_dur=%dms", ms, ms)
	}
	return graph
}

// lastLine extracts the final non-empty stderr line, which is where ffmpeg
// puts the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// CrossfadePad derives the silence pad from the player's crossfade setting.
// The pad is shorter than the full crossfade so the narration begins while
// the outgoing track is still audible but ends clear of the fade into the
// next one.
func CrossfadePad(xfadeSeconds int) time.Duration {
	if xfadeSeconds <= 0 {
		return 0
	}
	pad := xfadeSeconds - xfadeSeconds/5
	return time.Duration(pad) * time.Second
}
