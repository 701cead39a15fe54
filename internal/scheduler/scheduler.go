// Package scheduler owns the transition timeline. It consumes monitor events,
// decides whether to start a narration job for the upcoming transition, races
// that job against the remaining playtime of the current song, and hands
// finished clips to the queue inserter — or discards them when the moment has
// passed.
//
// The scheduler is a single-goroutine actor: all state transitions happen on
// its Run loop, fed by the monitor's event channel and the jobs' completion
// channel. Only narration jobs run concurrently with it. Per-transition
// failures are contained and logged; nothing here ever stops playback or
// crashes the process.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/segue/internal/clips"
	"github.com/MrWong99/segue/internal/insert"
	"github.com/MrWong99/segue/internal/monitor"
	"github.com/MrWong99/segue/internal/mpd"
	"github.com/MrWong99/segue/internal/narrate"
	"github.com/MrWong99/segue/internal/observe"
	"github.com/MrWong99/segue/internal/transcode"
	"github.com/MrWong99/segue/pkg/types"
)

// JobRunner executes one narration job. *narrate.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, req narrate.Request) (clips.Clip, error)
}

// Inserter splices clips into the queue and cleans them up afterwards.
// *insert.Inserter implements it.
type Inserter interface {
	Insert(ctx context.Context, clip clips.Clip, expectedNextID int) (int, error)
	Cleanup(ctx context.Context, queueID int, clip clips.Clip) error
}

// ArtFetcher retrieves cover art. *artwork.Fetcher implements it.
type ArtFetcher interface {
	Fetch(ctx context.Context, uri string) (*types.Attachment, error)
}

// mutationTimeout bounds the blocking MPD calls made from the actor loop.
const mutationTimeout = 30 * time.Second

// missedPollLimit is how many consecutive polls an inserted clip may be
// absent from both the current and next slot before it is considered removed
// and cleaned up.
const missedPollLimit = 3

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAlways lifts the album-art gate: every transition is narrated.
func WithAlways(always bool) Option {
	return func(s *Scheduler) { s.always = always }
}

// WithMinLead sets the minimum remaining playtime at detection for a
// transition to be considered at all. Default 120s.
func WithMinLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.minLead = d
		}
	}
}

// WithMargin sets the deadline safety margin: the narration must be ready
// this long before the current song ends. Default 10s.
func WithMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.margin = d
		}
	}
}

// WithCrossfadePad fixes the clip padding. A negative value (the default)
// derives the pad from the player's crossfade setting per transition.
func WithCrossfadePad(d time.Duration) Option {
	return func(s *Scheduler) { s.pad = d }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// armedJob is the one in-flight narration job.
type armedJob struct {
	seq      int
	nextID   int
	nextFile string
	cancel   context.CancelFunc
	started  time.Time
}

// jobResult is what a finished job reports back to the actor.
type jobResult struct {
	seq  int
	clip clips.Clip
	err  error
}

// insertedClip tracks a queued clip until it has played (or vanished) and can
// be cleaned up.
type insertedClip struct {
	queueID   int
	clip      clips.Clip
	playing   bool
	missPolls int
}

// Scheduler drives narration for one playback stream. Create with New and
// run exactly one Run goroutine.
type Scheduler struct {
	events   <-chan monitor.Event
	runner   JobRunner
	inserter Inserter
	art      ArtFetcher
	owns     func(uri string) bool

	always  bool
	minLead time.Duration
	margin  time.Duration
	pad     time.Duration

	metrics *observe.Metrics
	log     *slog.Logger

	// Actor state. Touched only from Run.
	seq      int
	armed    *armedJob
	inserted *insertedClip
	lastSnap monitor.Snapshot
	results  chan jobResult

	// pendingNextID is a detected transition that was gated for a transient
	// reason (paused, stopped, database update) and should be re-evaluated
	// once the condition clears. -1 when none.
	pendingNextID int
}

// New creates a Scheduler. owns reports whether a song URI is one of our own
// clips (the store's Owns method); narrating an announcement would loop.
func New(events <-chan monitor.Event, runner JobRunner, inserter Inserter, art ArtFetcher, owns func(string) bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		events:   events,
		runner:   runner,
		inserter: inserter,
		art:      art,
		owns:     owns,
		minLead:  120 * time.Second,
		margin:   10 * time.Second,
		pad:      -1,
		log:      slog.Default(),
		results:  make(chan jobResult, 1),

		pendingNextID: -1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run consumes events until ctx is cancelled or the event channel closes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.shutdown(ctx)
				return nil
			}
			s.handleEvent(ctx, ev)
		case res := <-s.results:
			s.handleResult(ctx, res)
		case <-ctx.Done():
			s.shutdown(ctx)
			return ctx.Err()
		}
	}
}

// shutdown cancels the in-flight job so its goroutine exits.
func (s *Scheduler) shutdown(ctx context.Context) {
	if s.armed != nil {
		s.disarm(ctx, "aborted")
	}
}

// handleEvent advances the state machine for one monitor observation.
func (s *Scheduler) handleEvent(ctx context.Context, ev monitor.Event) {
	s.lastSnap = ev.Snapshot
	s.trackInserted(ctx, ev.Snapshot)

	switch ev.Kind {
	case monitor.TransitionDetected:
		// Last detected wins: the newest event reflects the true queue.
		if s.armed != nil {
			s.log.Info("superseding armed transition",
				"old_next", s.armed.nextFile, "new_next", ev.Snapshot.Next.File)
			s.disarm(ctx, "aborted")
		}
		s.evaluate(ctx, ev.Snapshot)

	case monitor.TransitionInvalidated:
		s.pendingNextID = -1
		if s.armed != nil {
			s.log.Info("transition invalidated", "next", s.armed.nextFile)
			s.disarm(ctx, "aborted")
		}

	case monitor.Tick:
		if s.armed != nil {
			s.checkDeadline(ctx, ev.Snapshot)
		} else if s.revivable(ev.Snapshot) {
			s.log.Debug("revisiting deferred transition", "next", ev.Snapshot.Next.File)
			s.evaluate(ctx, ev.Snapshot)
		}

	case monitor.Paused:
		s.log.Debug("playback paused, deadline frozen")
	case monitor.Resumed:
		// A transition detected while paused or stopped never got a chance to
		// arm; give it one now that the countdown is running again.
		if s.armed == nil && ev.Snapshot.Next.File != "" {
			s.evaluate(ctx, ev.Snapshot)
		}
	}
}

// revivable reports whether a transiently gated transition is still upcoming
// and its blocking condition has cleared.
func (s *Scheduler) revivable(snap monitor.Snapshot) bool {
	return s.pendingNextID >= 0 &&
		snap.Status.NextSongID == s.pendingNextID &&
		snap.Status.State == mpd.StatePlay &&
		snap.Status.UpdatingDB == 0
}

// evaluate applies the arming gates to a fresh transition and starts a job
// when all pass. Transiently gated transitions are remembered so a later
// tick or resume can retry them.
func (s *Scheduler) evaluate(ctx context.Context, snap monitor.Snapshot) {
	gate := s.gate(ctx, snap)
	s.metrics.RecordTransition(ctx, gate)

	transient := gate == "not_playing" || gate == "updating_db"
	if transient && snap.Status.NextSongID >= 0 {
		s.pendingNextID = snap.Status.NextSongID
	} else {
		s.pendingNextID = -1
	}

	if gate != "armed" {
		s.log.Debug("transition not narrated",
			"gate", gate,
			"prev", snap.Current.File,
			"next", snap.Next.File)
		return
	}
}

// gate runs the arming checks in order and returns the outcome label. On
// "armed" the job has been started as a side effect.
func (s *Scheduler) gate(ctx context.Context, snap monitor.Snapshot) string {
	if snap.Status.State != mpd.StatePlay {
		return "not_playing"
	}
	if snap.Status.UpdatingDB != 0 {
		return "updating_db"
	}
	if snap.Next.File == "" {
		return "not_playing"
	}
	if s.owns != nil && (s.owns(snap.Current.File) || s.owns(snap.Next.File)) {
		return "own_clip"
	}
	remaining := snap.Status.Remaining()
	if remaining < s.minLead {
		return "too_late"
	}

	art := s.fetchArt(ctx, snap.Next.File)
	if art == nil && !s.always {
		return "no_art"
	}

	s.arm(ctx, snap, art, remaining)
	return "armed"
}

// fetchArt retrieves the incoming song's cover. Absence and failure both
// yield nil; only the gate outcome differs in how that is treated.
func (s *Scheduler) fetchArt(ctx context.Context, uri string) *types.Attachment {
	artCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	art, err := s.art.Fetch(artCtx, uri)
	if err != nil {
		s.log.Warn("cover art fetch failed", "uri", uri, "error", err)
		return nil
	}
	return art
}

// arm starts a narration job for the transition in snap.
func (s *Scheduler) arm(ctx context.Context, snap monitor.Snapshot, art *types.Attachment, remaining time.Duration) {
	s.seq++
	jobCtx, cancel := context.WithCancel(ctx)
	job := &armedJob{
		seq:      s.seq,
		nextID:   snap.Status.NextSongID,
		nextFile: snap.Next.File,
		cancel:   cancel,
		started:  time.Now(),
	}
	s.armed = job
	s.metrics.ArmedJobs.Add(ctx, 1)

	req := narrate.Request{
		Prev:         snap.Current,
		Next:         snap.Next,
		Art:          art,
		TransitionAt: snap.At.Add(remaining),
		Pad:          s.padFor(snap.Status),
	}

	s.log.Info("transition armed",
		"prev", req.Prev.File,
		"next", req.Next.File,
		"remaining", remaining.Round(time.Second),
		"deadline_in", (remaining - s.margin).Round(time.Second),
		"has_art", art != nil)

	go func() {
		clip, err := s.runner.Run(jobCtx, req)
		select {
		case s.results <- jobResult{seq: job.seq, clip: clip, err: err}:
		case <-ctx.Done():
			// Actor is gone; nobody will insert this clip.
			if err == nil {
				_ = s.inserter.Cleanup(context.Background(), 0, clip)
			}
		}
	}()
}

// padFor resolves the clip padding for this transition.
func (s *Scheduler) padFor(status mpd.Status) time.Duration {
	if s.pad >= 0 {
		return s.pad
	}
	return transcode.CrossfadePad(status.Xfade)
}

// checkDeadline misses the transition when the job cannot finish in time.
// While paused, remaining playtime does not shrink, so the countdown freezes
// on its own.
func (s *Scheduler) checkDeadline(ctx context.Context, snap monitor.Snapshot) {
	if snap.Status.State != mpd.StatePlay {
		return
	}
	if snap.Status.Remaining() <= s.margin {
		s.log.Info("narration missed its deadline",
			"next", s.armed.nextFile,
			"running_for", time.Since(s.armed.started).Round(time.Second))
		s.disarm(ctx, "missed")
	}
}

// disarm cancels the armed job and records its outcome. A clip the job still
// delivers afterwards is released in handleResult via the seq mismatch.
func (s *Scheduler) disarm(ctx context.Context, outcome string) {
	s.armed.cancel()
	s.armed = nil
	s.metrics.ArmedJobs.Add(ctx, -1)
	s.metrics.RecordNarration(ctx, outcome)
}

// handleResult consumes a job completion on the actor's own turn.
func (s *Scheduler) handleResult(ctx context.Context, res jobResult) {
	if s.armed == nil || res.seq != s.armed.seq {
		// The owning transition is gone (missed, aborted, superseded). The
		// outcome was recorded at disarm time; just release the orphan clip.
		if res.err == nil {
			s.release(ctx, res.clip)
		}
		return
	}

	job := s.armed
	s.armed = nil
	job.cancel()
	s.metrics.ArmedJobs.Add(ctx, -1)

	if res.err != nil {
		s.reportFailure(ctx, job, res.err)
		return
	}

	s.metrics.GenerationDuration.Record(ctx, time.Since(job.started).Seconds())

	// The deadline may have passed while the final bytes were written.
	if s.lastSnap.Status.State == mpd.StatePlay && s.lastSnap.Status.Remaining() <= s.margin {
		s.log.Info("clip ready but too late", "next", job.nextFile)
		s.metrics.RecordNarration(ctx, "missed")
		s.release(ctx, res.clip)
		return
	}

	s.insert(ctx, job, res.clip)
}

// reportFailure logs a failed job with its stage.
func (s *Scheduler) reportFailure(ctx context.Context, job *armedJob, err error) {
	if errors.Is(err, context.Canceled) {
		// Parent shutdown; not a per-transition outcome worth counting.
		return
	}
	stage := "generation"
	var synErr *narrate.SynthesisError
	if errors.As(err, &synErr) {
		stage = "synthesis"
	}
	s.log.Error("narration failed",
		"next", job.nextFile,
		"stage", stage,
		"error", err)
	s.metrics.RecordNarration(ctx, "failed")
}

// insert hands the clip to the inserter and starts tracking it for cleanup.
func (s *Scheduler) insert(ctx context.Context, job *armedJob, clip clips.Clip) {
	insCtx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	start := time.Now()
	queueID, err := s.inserter.Insert(insCtx, clip, job.nextID)
	if err != nil {
		if errors.Is(err, insert.ErrStaleQueue) {
			s.log.Info("queue changed before insertion", "next", job.nextFile, "error", err)
			s.metrics.RecordNarration(ctx, "stale")
		} else {
			s.log.Error("insertion failed", "next", job.nextFile, "error", err)
			s.metrics.RecordNarration(ctx, "failed")
		}
		s.release(ctx, clip)
		return
	}
	s.metrics.InsertionDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.RecordNarration(ctx, "succeeded")
	s.log.Info("narration inserted",
		"clip", clip.URI,
		"queue_id", queueID,
		"before", job.nextFile,
		"took", time.Since(job.started).Round(time.Second))

	// A previous clip still being tracked means it never got observed as
	// played; reclaim it rather than leaking the file.
	if s.inserted != nil {
		s.cleanupInserted(ctx)
	}
	s.inserted = &insertedClip{queueID: queueID, clip: clip}
}

// trackInserted watches an inserted clip through the queue and cleans it up
// once it has played or been removed.
func (s *Scheduler) trackInserted(ctx context.Context, snap monitor.Snapshot) {
	ins := s.inserted
	if ins == nil {
		return
	}
	switch {
	case snap.Status.SongID == ins.queueID:
		ins.playing = true
		ins.missPolls = 0
	case ins.playing:
		// Queue advanced past the clip.
		s.cleanupInserted(ctx)
	case snap.Status.NextSongID == ins.queueID:
		ins.missPolls = 0
	default:
		// Neither current nor next. Either the user removed it or playback
		// raced past between polls; give it a few cycles before reclaiming.
		ins.missPolls++
		if ins.missPolls >= missedPollLimit {
			s.cleanupInserted(ctx)
		}
	}
}

// cleanupInserted removes the tracked clip from queue and disk.
func (s *Scheduler) cleanupInserted(ctx context.Context) {
	ins := s.inserted
	s.inserted = nil

	cleanCtx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	if err := s.inserter.Cleanup(cleanCtx, ins.queueID, ins.clip); err != nil {
		s.log.Warn("clip cleanup failed", "clip", ins.clip.URI, "error", err)
		return
	}
	s.metrics.ClipsCleaned.Add(ctx, 1)
}

// release deletes a clip that will never be inserted.
func (s *Scheduler) release(ctx context.Context, clip clips.Clip) {
	if clip.Path == "" {
		return
	}
	relCtx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	if err := s.inserter.Cleanup(relCtx, 0, clip); err != nil {
		s.log.Warn("failed to release unused clip", "clip", clip.URI, "error", err)
	}
}
