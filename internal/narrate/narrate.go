// Package narrate runs one narration job per transition: it builds the prompt
// context, asks the language model for an announcement (resolving any tool
// calls it makes), synthesizes the text to speech, and writes a normalized,
// padded clip file into the clip store.
//
// Jobs run concurrently with the scheduler and must never leave a half-written
// file behind: synthesis writes to a temp file that is renamed into place only
// on full success.
package narrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/segue/internal/clips"
	"github.com/MrWong99/segue/internal/history"
	"github.com/MrWong99/segue/internal/mpd"
	"github.com/MrWong99/segue/internal/script"
	"github.com/MrWong99/segue/internal/toolhost"
	"github.com/MrWong99/segue/pkg/provider/llm"
	"github.com/MrWong99/segue/pkg/provider/tts"
	"github.com/MrWong99/segue/pkg/types"
)

// GenerationError wraps failures of the text-generation stage. The transition
// proceeds unnarrated; there is no retry since the latency budget is already
// spent.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "narrate: generation: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// SynthesisError wraps failures of the speech-synthesis and transcode stages.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "narrate: synthesis: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

// ToolExecutor resolves the model's tool calls. *toolhost.Host implements it.
type ToolExecutor interface {
	Tools() []types.ToolDefinition
	Execute(ctx context.Context, name, args string) (*toolhost.Result, error)
}

// Transcoder converts raw synthesis output into finished clip files.
// *transcode.Transcoder implements it.
type Transcoder interface {
	Normalize(ctx context.Context, r io.Reader, inputFormat, outFormat, outPath string, pad time.Duration) error
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Request is the input for one narration job.
type Request struct {
	// Prev and Next are the songs on either side of the transition.
	Prev mpd.Song
	Next mpd.Song

	// Art is the incoming song's cover art, nil when it has none.
	Art *types.Attachment

	// TransitionAt is the projected moment the transition occurs. The prompt
	// date and the clip filename use it, since that is when the clip airs.
	TransitionAt time.Time

	// Pad is the crossfade silence added before and after the speech.
	Pad time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithTools attaches a tool executor. Without one the model gets no tools.
func WithTools(exec ToolExecutor) Option {
	return func(r *Runner) { r.tools = exec }
}

// WithHistory attaches the announcement log and sets how many past
// announcements are injected into the prompt.
func WithHistory(log history.Log, window int) Option {
	return func(r *Runner) {
		r.history = log
		r.historyWindow = window
	}
}

// WithVoice sets the TTS voice profile.
func WithVoice(voice types.VoiceProfile) Option {
	return func(r *Runner) { r.voice = voice }
}

// WithParams sets template parameter overrides.
func WithParams(params script.Params) Option {
	return func(r *Runner) { r.params = params }
}

// WithAudioFormat sets the clip file format. Default "flac".
func WithAudioFormat(format string) Option {
	return func(r *Runner) {
		if format != "" {
			r.audioFormat = format
		}
	}
}

// WithMaxToolRounds caps the generate/execute loop. Default 4.
func WithMaxToolRounds(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxToolRounds = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// Runner executes narration jobs. Safe for concurrent use, though the
// scheduler only ever runs one job at a time.
type Runner struct {
	llm      llm.Provider
	tts      tts.Provider
	trans    Transcoder
	store    *clips.Store
	template script.Template

	tools         ToolExecutor
	history       history.Log
	historyWindow int
	voice         types.VoiceProfile
	audioFormat   string
	maxToolRounds int
	log           *slog.Logger

	paramsMu sync.RWMutex
	params   script.Params
}

// SetParams replaces the template parameters. Used for config hot-reload so
// the persona can be retuned without a restart.
func (r *Runner) SetParams(params script.Params) {
	r.paramsMu.Lock()
	r.params = params
	r.paramsMu.Unlock()
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(llmP llm.Provider, ttsP tts.Provider, trans Transcoder, store *clips.Store, template script.Template, opts ...Option) *Runner {
	r := &Runner{
		llm:           llmP,
		tts:           ttsP,
		trans:         trans,
		store:         store,
		template:      template,
		audioFormat:   "flac",
		maxToolRounds: 4,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one job. On success the returned clip file exists on disk with
// its duration probed; on any error or cancellation no file remains.
func (r *Runner) Run(ctx context.Context, req Request) (clips.Clip, error) {
	text, err := r.generate(ctx, req)
	if err != nil {
		return clips.Clip{}, err
	}

	// Cooperative cancellation point between the two expensive stages. A
	// cancelled job must not spend TTS budget on a clip nobody will insert.
	if err := ctx.Err(); err != nil {
		return clips.Clip{}, err
	}

	clip, err := r.synthesize(ctx, text, req)
	if err != nil {
		return clips.Clip{}, err
	}

	r.remember(req, text)
	return clip, nil
}

// generate produces the announcement text, resolving tool calls.
func (r *Runner) generate(ctx context.Context, req Request) (string, error) {
	prompt, system, err := r.buildPrompt(ctx, req)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	creq := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []types.Message{{Role: "user", Content: prompt}},
	}
	if req.Art != nil {
		creq.Attachments = []types.Attachment{*req.Art}
	}
	if r.tools != nil {
		creq.Tools = r.tools.Tools()
	}

	for round := 0; ; round++ {
		resp, err := r.llm.Complete(ctx, creq)
		if err != nil {
			return "", &GenerationError{Err: err}
		}
		if len(resp.ToolCalls) == 0 || r.tools == nil || round >= r.maxToolRounds {
			if resp.Content == "" {
				return "", &GenerationError{Err: fmt.Errorf("model returned no text after %d rounds", round)}
			}
			return resp.Content, nil
		}

		creq.Messages = append(creq.Messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := r.tools.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				// A broken tool is not fatal; tell the model and move on.
				result = &toolhost.Result{Content: err.Error(), IsError: true}
			}
			r.log.Debug("tool executed", "tool", call.Name, "is_error", result.IsError)
			creq.Messages = append(creq.Messages, types.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: call.ID,
			})
		}
	}
}

// buildPrompt renders the template for this transition.
func (r *Runner) buildPrompt(ctx context.Context, req Request) (prompt, system string, err error) {
	sctx := script.Context{
		Date:     req.TransitionAt,
		Previous: script.DescribeSong(req.Prev),
		Next:     script.DescribeSong(req.Next),
	}
	if r.history != nil && r.historyWindow > 0 {
		recent, err := r.history.Recent(ctx, r.historyWindow)
		if err != nil {
			// Prompt quality degrades without history; generation still works.
			r.log.Warn("failed to load announcement history", "error", err)
		}
		for _, a := range recent {
			sctx.Recent = append(sctx.Recent, a.Text)
		}
	}

	r.paramsMu.RLock()
	params := r.params
	r.paramsMu.RUnlock()

	system, prompt, err = r.template.Render(sctx, params)
	return prompt, system, err
}

// synthesize renders text to a finished clip file.
func (r *Runner) synthesize(ctx context.Context, text string, req Request) (clips.Clip, error) {
	clip, err := r.store.Allocate(req.TransitionAt, r.audioFormat)
	if err != nil {
		return clips.Clip{}, &SynthesisError{Err: err}
	}

	audio, err := r.tts.Synthesize(ctx, text, r.voice)
	if err != nil {
		return clips.Clip{}, &SynthesisError{Err: err}
	}
	defer audio.Close()

	tmp := clip.Path + ".part"
	if err := r.trans.Normalize(ctx, audio, r.tts.Format(), r.audioFormat, tmp, req.Pad); err != nil {
		os.Remove(tmp)
		return clips.Clip{}, &SynthesisError{Err: err}
	}

	clip.Duration, err = r.trans.Probe(ctx, tmp)
	if err != nil {
		os.Remove(tmp)
		return clips.Clip{}, &SynthesisError{Err: err}
	}

	if err := os.Rename(tmp, clip.Path); err != nil {
		os.Remove(tmp)
		return clips.Clip{}, &SynthesisError{Err: fmt.Errorf("finalize clip: %w", err)}
	}

	r.log.Info("clip synthesized",
		"clip", clip.URI,
		"duration", clip.Duration.Round(time.Millisecond),
		"text_len", len(text))
	return clip, nil
}

// remember records the announcement and flags repetitive output.
func (r *Runner) remember(req Request, text string) {
	if r.history == nil {
		return
	}
	// Recording happens after the job's own deadline may have fired; use a
	// short independent context so bookkeeping still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recent, err := r.history.Recent(ctx, r.historyWindow)
	if err == nil {
		if sim := history.Similarity(text, recent); sim > 0.85 {
			r.log.Warn("announcement is close to a recent one", "similarity", sim)
		}
	}

	err = r.history.Record(ctx, history.Announcement{
		At:       time.Now(),
		PrevFile: req.Prev.File,
		NextFile: req.Next.File,
		Text:     text,
	})
	if err != nil {
		r.log.Warn("failed to record announcement", "error", err)
	}
}
