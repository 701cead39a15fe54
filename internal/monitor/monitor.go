// Package monitor watches MPD playback and turns raw status polls into the
// event stream the transition scheduler consumes.
//
// The monitor is read-only against the server. It polls on a fixed interval
// and additionally waits on "idle player playlist" between polls so queue
// changes and skips are picked up immediately rather than on the next tick.
// Connection loss is handled internally with exponential backoff; the event
// stream simply goes quiet until the server is reachable again.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/segue/internal/mpd"
)

// Client is the subset of the MPD client the monitor reads from.
type Client interface {
	Status(ctx context.Context) (mpd.Status, error)
	CurrentSong(ctx context.Context) (mpd.Song, error)
	PlaylistID(ctx context.Context, id int) (mpd.Song, error)
	Idle(ctx context.Context, subsystems ...string) ([]string, error)
	Close() error
}

// DialFunc establishes a fresh server connection after a failure.
type DialFunc func(ctx context.Context) (Client, error)

// Snapshot is one immutable observation of playback state. Decisions made in
// a cycle reference the snapshot passed into that cycle, never live state.
type Snapshot struct {
	// At is when the snapshot was taken.
	At time.Time

	// Status is the raw MPD status.
	Status mpd.Status

	// Current is the song playing or paused. Zero when stopped.
	Current mpd.Song

	// Next is the upcoming queue entry. Zero (File == "") when the queue has
	// no next song.
	Next mpd.Song
}

// EventKind discriminates monitor events.
type EventKind int

const (
	// Tick carries a fresh snapshot with no change of upcoming song. The
	// scheduler uses ticks to recompute the deadline.
	Tick EventKind = iota

	// TransitionDetected fires when the upcoming song differs from the one
	// previously observed, including the first observation after startup.
	TransitionDetected

	// TransitionInvalidated fires when a previously anticipated next song is
	// no longer next and nothing has replaced it (queue cleared, playback
	// stopped, end of queue).
	TransitionInvalidated

	// Paused and Resumed bracket pause periods. Deadlines freeze while
	// paused since snapshots stop losing remaining time.
	Paused
	Resumed
)

// String implements fmt.Stringer for log output.
func (k EventKind) String() string {
	switch k {
	case Tick:
		return "tick"
	case TransitionDetected:
		return "transition-detected"
	case TransitionInvalidated:
		return "transition-invalidated"
	case Paused:
		return "paused"
	case Resumed:
		return "resumed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one monitor observation delivered to the scheduler.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the polling interval. Default 1s.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMaxBackoff caps the reconnect backoff. Default 30s.
func WithMaxBackoff(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxBackoff = d
		}
	}
}

// Monitor polls MPD and emits Events. Create with New, then run exactly one
// Run goroutine and consume Events until it is closed.
type Monitor struct {
	dial       DialFunc
	interval   time.Duration
	maxBackoff time.Duration
	log        *slog.Logger

	events chan Event

	// lastNextID is the previously observed upcoming song id, -1 when none.
	// lastState is the previously observed player state.
	lastNextID int
	lastState  mpd.PlayerState
	primed     bool
}

// New creates a Monitor that connects through dial.
func New(dial DialFunc, opts ...Option) *Monitor {
	m := &Monitor{
		dial:       dial,
		interval:   time.Second,
		maxBackoff: 30 * time.Second,
		log:        slog.Default(),
		events:     make(chan Event, 16),
		lastNextID: -1,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Events returns the event stream. Closed when Run returns.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run drives the poll loop until ctx is cancelled. It reconnects on
// connection errors and never returns one; the only return value is ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.events)

	backoff := time.Second
	for {
		client, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("mpd connection failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, m.maxBackoff)
			continue
		}
		backoff = time.Second

		err = m.pollLoop(ctx, client)
		client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("mpd connection lost, reconnecting", "error", err)
	}
}

// pollLoop polls until ctx is cancelled or the connection errors.
func (m *Monitor) pollLoop(ctx context.Context, client Client) error {
	for {
		snap, err := m.observe(ctx, client)
		if err != nil {
			return err
		}
		m.emit(ctx, snap)

		// Wait for either the interval or a player/playlist change,
		// whichever comes first.
		idleCtx, cancel := context.WithTimeout(ctx, m.interval)
		_, err = client.Idle(idleCtx, "player", "playlist")
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// observe takes one snapshot.
func (m *Monitor) observe(ctx context.Context, client Client) (Snapshot, error) {
	status, err := client.Status(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitor: status: %w", err)
	}

	snap := Snapshot{At: time.Now(), Status: status}

	if status.State != mpd.StateStop {
		snap.Current, err = client.CurrentSong(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("monitor: currentsong: %w", err)
		}
	}
	if status.NextSongID >= 0 {
		snap.Next, err = client.PlaylistID(ctx, status.NextSongID)
		if err != nil {
			// The queue may have changed between status and playlistid;
			// treat a vanished id as "no next song" rather than an error.
			if errors.Is(err, mpd.ErrNoExist) {
				snap.Status.NextSongID = -1
				snap.Status.NextSongPos = -1
				return snap, nil
			}
			return Snapshot{}, fmt.Errorf("monitor: playlistid: %w", err)
		}
	}
	return snap, nil
}

// emit diffs the snapshot against prior observations and sends events.
func (m *Monitor) emit(ctx context.Context, snap Snapshot) {
	state := snap.Status.State
	nextID := snap.Status.NextSongID

	if m.primed && state != m.lastState {
		switch {
		case state == mpd.StatePause && m.lastState == mpd.StatePlay:
			m.send(ctx, Event{Kind: Paused, Snapshot: snap})
		case state == mpd.StatePlay && m.lastState == mpd.StatePause:
			m.send(ctx, Event{Kind: Resumed, Snapshot: snap})
		}
	}
	m.lastState = state

	switch {
	case nextID != m.lastNextID && nextID >= 0:
		m.send(ctx, Event{Kind: TransitionDetected, Snapshot: snap})
	case nextID != m.lastNextID:
		m.send(ctx, Event{Kind: TransitionInvalidated, Snapshot: snap})
	default:
		m.send(ctx, Event{Kind: Tick, Snapshot: snap})
	}
	m.lastNextID = nextID
	m.primed = true
}

// send delivers an event, dropping the oldest pending tick when the consumer
// lags. Transition events are never dropped.
func (m *Monitor) send(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
		return
	case <-ctx.Done():
		return
	default:
	}
	if ev.Kind == Tick {
		// Consumer is behind; a stale tick is worthless.
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}
