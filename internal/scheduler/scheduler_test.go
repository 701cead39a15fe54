package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/segue/internal/clips"
	"github.com/MrWong99/segue/internal/insert"
	"github.com/MrWong99/segue/internal/monitor"
	"github.com/MrWong99/segue/internal/mpd"
	"github.com/MrWong99/segue/internal/narrate"
	"github.com/MrWong99/segue/internal/observe"
	"github.com/MrWong99/segue/pkg/types"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const waitFor = 5 * time.Second

// fakeRunner blocks each job until the test feeds it a clip (or the job is
// cancelled). It tracks concurrency to prove only one job runs at a time.
type fakeRunner struct {
	mu       sync.Mutex
	requests []narrate.Request
	active   int
	maxSeen  int

	started chan struct{}
	proceed chan clips.Clip
	err     error

	// ignoreCancel makes jobs run to completion even after cancellation,
	// modelling the best-effort nature of cooperative cancellation.
	ignoreCancel bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan struct{}, 8),
		proceed: make(chan clips.Clip),
	}
}

func (f *fakeRunner) Run(ctx context.Context, req narrate.Request) (clips.Clip, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	err := f.err
	f.mu.Unlock()

	f.started <- struct{}{}

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.ignoreCancel {
		return <-f.proceed, err
	}
	select {
	case clip := <-f.proceed:
		return clip, err
	case <-ctx.Done():
		return clips.Clip{}, ctx.Err()
	}
}

type insertCall struct {
	clip   clips.Clip
	nextID int
}

type cleanupCall struct {
	queueID int
	clip    clips.Clip
}

// fakeInserter records mutations on channels so tests can await them.
type fakeInserter struct {
	insertErr error
	queueID   int

	inserts  chan insertCall
	cleanups chan cleanupCall
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{
		queueID:  101,
		inserts:  make(chan insertCall, 8),
		cleanups: make(chan cleanupCall, 8),
	}
}

func (f *fakeInserter) Insert(ctx context.Context, clip clips.Clip, expectedNextID int) (int, error) {
	f.inserts <- insertCall{clip: clip, nextID: expectedNextID}
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	return f.queueID, nil
}

func (f *fakeInserter) Cleanup(ctx context.Context, queueID int, clip clips.Clip) error {
	f.cleanups <- cleanupCall{queueID: queueID, clip: clip}
	return nil
}

// fakeArt serves a fixed attachment.
type fakeArt struct {
	art *types.Attachment
}

func (f *fakeArt) Fetch(ctx context.Context, uri string) (*types.Attachment, error) {
	return f.art, nil
}

var coverArt = &types.Attachment{MIMEType: "image/jpeg", Data: []byte{0xFF, 0xD8}}

// harness wires a scheduler with fakes and runs it.
type harness struct {
	events   chan monitor.Event
	runner   *fakeRunner
	inserter *fakeInserter
	art      *fakeArt
	sched    *Scheduler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	h := &harness{
		events:   make(chan monitor.Event),
		runner:   newFakeRunner(),
		inserter: newFakeInserter(),
		art:      &fakeArt{art: coverArt},
	}
	owns := func(uri string) bool { return len(uri) > 6 && uri[:6] == "clips/" }
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	h.sched = New(h.events, h.runner, h.inserter, h.art, owns, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("scheduler did not stop")
		}
	})
	return h
}

// snapshot builds a playing snapshot with the given songs and timing.
func snapshot(curID, nextID int, remaining time.Duration) monitor.Snapshot {
	const duration = 300 * time.Second
	snap := monitor.Snapshot{
		At: time.Now(),
		Status: mpd.Status{
			State:       mpd.StatePlay,
			SongID:      curID,
			NextSongID:  nextID,
			NextSongPos: 1,
			Elapsed:     duration - remaining,
			Duration:    duration,
		},
		Current: mpd.Song{File: "music/a.flac", ID: curID},
	}
	if nextID >= 0 {
		snap.Next = mpd.Song{File: "music/b.flac", ID: nextID, Pos: 1}
	}
	return snap
}

func (h *harness) send(t *testing.T, kind monitor.EventKind, snap monitor.Snapshot) {
	t.Helper()
	select {
	case h.events <- monitor.Event{Kind: kind, Snapshot: snap}:
	case <-time.After(waitFor):
		t.Fatal("scheduler did not consume event")
	}
}

func (h *harness) awaitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-h.runner.started:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}
}

func (h *harness) deliver(t *testing.T, clip clips.Clip) {
	t.Helper()
	select {
	case h.runner.proceed <- clip:
	case <-time.After(waitFor):
		t.Fatal("no job waiting for a clip")
	}
}

func (h *harness) awaitInsert(t *testing.T) insertCall {
	t.Helper()
	select {
	case call := <-h.inserter.inserts:
		return call
	case <-time.After(waitFor):
		t.Fatal("no insertion happened")
		return insertCall{}
	}
}

func (h *harness) awaitCleanup(t *testing.T) cleanupCall {
	t.Helper()
	select {
	case call := <-h.inserter.cleanups:
		return call
	case <-time.After(waitFor):
		t.Fatal("no cleanup happened")
		return cleanupCall{}
	}
}

func (h *harness) assertNoInsert(t *testing.T) {
	t.Helper()
	select {
	case call := <-h.inserter.inserts:
		t.Fatalf("unexpected insertion: %+v", call)
	case <-time.After(100 * time.Millisecond):
	}
}

func testClip() clips.Clip {
	return clips.Clip{Path: "/music/clips/x.flac", URI: "clips/x.flac", Duration: 12 * time.Second}
}

func TestFastJobInsertedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())

	call := h.awaitInsert(t)
	if call.nextID != 2 {
		t.Errorf("inserted before next id %d, want 2", call.nextID)
	}
	if call.clip.URI != "clips/x.flac" {
		t.Errorf("inserted clip = %q", call.clip.URI)
	}
	h.assertNoInsert(t)
}

func TestSlowJobMissesDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)

	// Time passes; the job is still running when remaining drops below the
	// margin.
	h.send(t, monitor.Tick, snapshot(1, 2, 9*time.Second))

	// The cancelled job exits via ctx; no clip to release, no insertion.
	h.assertNoInsert(t)

	// A later transition still narrates independently.
	h.send(t, monitor.TransitionDetected, snapshot(2, 3, 240*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())
	if call := h.awaitInsert(t); call.nextID != 3 {
		t.Errorf("second transition inserted before id %d, want 3", call.nextID)
	}
}

func TestLateClipIsDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.ignoreCancel = true

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.send(t, monitor.Tick, snapshot(1, 2, 9*time.Second)) // missed

	// The job ignored cancellation and still produced a clip.
	h.deliver(t, testClip())

	clean := h.awaitCleanup(t)
	if clean.queueID != 0 {
		t.Errorf("cleanup queueID = %d, want 0 (never queued)", clean.queueID)
	}
	if clean.clip.URI != "clips/x.flac" {
		t.Errorf("released clip = %q", clean.clip.URI)
	}
	h.assertNoInsert(t)
}

func TestInvalidatedTransitionCancelsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)

	invalidated := snapshot(1, -1, 170*time.Second)
	h.send(t, monitor.TransitionInvalidated, invalidated)

	h.assertNoInsert(t)
	h.mustIdle(t)
}

func TestSkipSupersedesArmedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)

	// User reorders: track 3 is next now. The old job is aborted and a new
	// one armed.
	skip := snapshot(1, 3, 170*time.Second)
	skip.Next.File = "music/c.flac"
	h.send(t, monitor.TransitionDetected, skip)
	h.awaitStarted(t)

	h.deliver(t, testClip())
	if call := h.awaitInsert(t); call.nextID != 3 {
		t.Errorf("inserted before id %d, want 3 (the superseding transition)", call.nextID)
	}

	h.runner.mu.Lock()
	maxSeen := h.runner.maxSeen
	h.runner.mu.Unlock()
	if maxSeen > 1 {
		t.Errorf("max concurrent jobs = %d, want 1", maxSeen)
	}
}

func TestStaleQueueReleasesClip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.inserter.insertErr = insert.ErrStaleQueue

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())

	h.awaitInsert(t) // attempted
	clean := h.awaitCleanup(t)
	if clean.queueID != 0 {
		t.Errorf("cleanup queueID = %d, want 0", clean.queueID)
	}
}

func TestFailedJobProceedsUnnarrated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.err = &narrate.GenerationError{Err: errors.New("api down")}

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.deliver(t, clips.Clip{})

	h.assertNoInsert(t)
	h.mustIdle(t)
}

func TestNoArtGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.art.art = nil

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))

	select {
	case <-h.runner.started:
		t.Fatal("job started despite missing art")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAlwaysLiftsArtGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithAlways(true))
	h.art.art = nil

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
}

func TestOwnClipGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	snap := snapshot(1, 2, 180*time.Second)
	snap.Next.File = "clips/20260823T101500.flac"
	h.send(t, monitor.TransitionDetected, snap)

	select {
	case <-h.runner.started:
		t.Fatal("job started for our own clip")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMinLeadGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 60*time.Second))

	select {
	case <-h.runner.started:
		t.Fatal("job started with too little lead time")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResumeArmsPausedTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// The queue changes while playback is paused: no countdown is running,
	// so nothing arms yet.
	paused := snapshot(1, 2, 180*time.Second)
	paused.Status.State = mpd.StatePause
	h.send(t, monitor.TransitionDetected, paused)

	select {
	case <-h.runner.started:
		t.Fatal("job started while paused")
	case <-time.After(100 * time.Millisecond):
	}

	// Resuming restarts the countdown; the deferred transition arms now.
	h.send(t, monitor.Resumed, snapshot(1, 2, 175*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())
	if call := h.awaitInsert(t); call.nextID != 2 {
		t.Errorf("inserted before id %d, want 2", call.nextID)
	}
}

func TestDatabaseUpdateDefersArming(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	updating := snapshot(1, 2, 180*time.Second)
	updating.Status.UpdatingDB = 5
	h.send(t, monitor.TransitionDetected, updating)

	select {
	case <-h.runner.started:
		t.Fatal("job started during database update")
	case <-time.After(100 * time.Millisecond):
	}

	// The update finishes; the next poll picks the transition back up.
	h.send(t, monitor.Tick, snapshot(1, 2, 170*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())
	if call := h.awaitInsert(t); call.nextID != 2 {
		t.Errorf("inserted before id %d, want 2", call.nextID)
	}
}

func TestDeferredTransitionNotRevivedForDifferentSong(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	paused := snapshot(1, 2, 180*time.Second)
	paused.Status.State = mpd.StatePause
	h.send(t, monitor.TransitionDetected, paused)

	// The deferred song is gone by the next poll; ticks alone must not arm a
	// transition the monitor has not re-announced.
	h.send(t, monitor.Tick, snapshot(1, 3, 170*time.Second))

	select {
	case <-h.runner.started:
		t.Fatal("job started for a song that was never detected")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInsertedClipCleanedUpAfterPlaying(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())
	h.awaitInsert(t)

	// The clip (queue id 101) becomes next, then plays, then the queue moves
	// past it.
	h.send(t, monitor.Tick, snapshot(1, 101, 20*time.Second))
	h.send(t, monitor.TransitionDetected, snapshot(101, 2, 12*time.Second))
	h.send(t, monitor.TransitionDetected, snapshot(2, 4, 200*time.Second))

	clean := h.awaitCleanup(t)
	if clean.queueID != 101 {
		t.Errorf("cleanup queueID = %d, want 101", clean.queueID)
	}
}

func TestInsertedClipCleanedUpWhenRemoved(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(t, monitor.TransitionDetected, snapshot(1, 2, 180*time.Second))
	h.awaitStarted(t)
	h.deliver(t, testClip())
	h.awaitInsert(t)

	// The user deletes the clip: it never appears as current or next again.
	for range missedPollLimit {
		h.send(t, monitor.Tick, snapshot(1, 2, 100*time.Second))
	}

	clean := h.awaitCleanup(t)
	if clean.queueID != 101 {
		t.Errorf("cleanup queueID = %d, want 101", clean.queueID)
	}
}

// mustIdle verifies the scheduler accepted a new event, proving the actor
// loop is alive and no job is stuck.
func (h *harness) mustIdle(t *testing.T) {
	t.Helper()
	h.send(t, monitor.Tick, snapshot(1, 2, 150*time.Second))
}
