// Package insert splices finished narration clips into the live MPD queue.
//
// The queue is shared with the user, so every mutation is optimistic
// check-then-act: the upcoming song is re-verified immediately before
// inserting and a lost race surfaces as ErrStaleQueue instead of a misplaced
// entry. MPD also cannot queue a file it has not indexed, so insertion first
// triggers a database update of the clip and waits for it to finish.
package insert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/segue/internal/clips"
	"github.com/MrWong99/segue/internal/mpd"
)

// ErrStaleQueue reports that the queue changed between transition detection
// and insertion. The caller abandons the narration; nothing was mutated.
var ErrStaleQueue = errors.New("insert: queue changed since transition was observed")

// maxPrio is the highest queue priority MPD accepts.
const maxPrio = 255

// Client is the subset of the MPD client the inserter mutates through.
type Client interface {
	Status(ctx context.Context) (mpd.Status, error)
	PlaylistID(ctx context.Context, id int) (mpd.Song, error)
	AddID(ctx context.Context, uri string, pos int) (int, error)
	PrioID(ctx context.Context, prio, id int) error
	DeleteID(ctx context.Context, id int) error
	Update(ctx context.Context, uri string) (int, error)
}

// Option configures an Inserter.
type Option func(*Inserter)

// WithUpdatePollInterval sets how often the database-update wait polls.
// Default 500ms.
func WithUpdatePollInterval(d time.Duration) Option {
	return func(i *Inserter) {
		if d > 0 {
			i.updatePoll = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Inserter) {
		if l != nil {
			i.log = l
		}
	}
}

// Inserter mutates the queue. It is the only component that writes to MPD.
type Inserter struct {
	client     Client
	store      *clips.Store
	updatePoll time.Duration
	log        *slog.Logger
}

// New creates an Inserter.
func New(client Client, store *clips.Store, opts ...Option) *Inserter {
	i := &Inserter{
		client:     client,
		store:      store,
		updatePoll: 500 * time.Millisecond,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Insert indexes the clip, re-validates that expectedNextID is still the
// upcoming song, and places the clip so it plays immediately before it.
// Returns the clip's queue id, or ErrStaleQueue when the race was lost.
func (i *Inserter) Insert(ctx context.Context, clip clips.Clip, expectedNextID int) (int, error) {
	if err := i.indexClip(ctx, clip); err != nil {
		return 0, err
	}

	status, err := i.client.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert: status: %w", err)
	}
	if status.NextSongID != expectedNextID {
		return 0, fmt.Errorf("%w: next song id %d, expected %d",
			ErrStaleQueue, status.NextSongID, expectedNextID)
	}

	if status.Random {
		return i.insertByPriority(ctx, clip, expectedNextID)
	}
	return i.insertByPosition(ctx, clip, status.NextSongPos)
}

// indexClip triggers a library update for the clip and waits for that update
// job to complete.
func (i *Inserter) indexClip(ctx context.Context, clip clips.Clip) error {
	job, err := i.client.Update(ctx, clip.URI)
	if err != nil {
		return fmt.Errorf("insert: update %q: %w", clip.URI, err)
	}
	for {
		status, err := i.client.Status(ctx)
		if err != nil {
			return fmt.Errorf("insert: update wait: %w", err)
		}
		if status.UpdatingDB == 0 || status.UpdatingDB > job {
			return nil
		}
		select {
		case <-time.After(i.updatePoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// insertByPriority appends the clip and gives it a priority just above the
// upcoming song's, so random mode picks it first. Used when random is on and
// positions are meaningless.
func (i *Inserter) insertByPriority(ctx context.Context, clip clips.Clip, nextID int) (int, error) {
	next, err := i.client.PlaylistID(ctx, nextID)
	if err != nil {
		if errors.Is(err, mpd.ErrNoExist) {
			return 0, fmt.Errorf("%w: next song %d vanished", ErrStaleQueue, nextID)
		}
		return 0, fmt.Errorf("insert: playlistid: %w", err)
	}

	id, err := i.client.AddID(ctx, clip.URI, -1)
	if err != nil {
		return 0, fmt.Errorf("insert: addid: %w", err)
	}

	prio := min(next.Prio+1, maxPrio)
	if err := i.client.PrioID(ctx, prio, id); err != nil {
		// Half-inserted entry would play at a random point; take it back out.
		if delErr := i.client.DeleteID(ctx, id); delErr != nil && !errors.Is(delErr, mpd.ErrNoExist) {
			i.log.Warn("failed to remove clip after prioid failure", "id", id, "error", delErr)
		}
		return 0, fmt.Errorf("insert: prioid: %w", err)
	}

	i.log.Info("clip queued by priority", "clip", clip.URI, "id", id, "prio", prio)
	return id, nil
}

// insertByPosition places the clip at the upcoming song's queue slot, pushing
// that song one position back.
func (i *Inserter) insertByPosition(ctx context.Context, clip clips.Clip, nextPos int) (int, error) {
	if nextPos < 0 {
		return 0, fmt.Errorf("%w: no next position", ErrStaleQueue)
	}
	id, err := i.client.AddID(ctx, clip.URI, nextPos)
	if err != nil {
		return 0, fmt.Errorf("insert: addid at %d: %w", nextPos, err)
	}
	i.log.Info("clip queued by position", "clip", clip.URI, "id", id, "pos", nextPos)
	return id, nil
}

// Cleanup removes a played or abandoned clip: the queue entry if still
// present, then the file. Idempotent.
func (i *Inserter) Cleanup(ctx context.Context, queueID int, clip clips.Clip) error {
	if queueID > 0 {
		if err := i.client.DeleteID(ctx, queueID); err != nil && !errors.Is(err, mpd.ErrNoExist) {
			return fmt.Errorf("insert: cleanup deleteid %d: %w", queueID, err)
		}
	}
	if err := i.store.Release(clip.Path); err != nil {
		return err
	}
	i.log.Debug("clip cleaned up", "clip", clip.URI, "id", queueID)
	return nil
}
