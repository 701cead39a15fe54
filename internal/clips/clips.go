// Package clips manages narration audio files on disk.
//
// Clips live in a directory inside the MPD music tree so the server can index
// and queue them. The store owns naming, deletion, and a periodic sweep that
// removes files left behind by crashes or abandoned jobs.
package clips

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Clip is one synthesized narration artifact.
type Clip struct {
	// Path is the absolute filesystem path of the audio file.
	Path string

	// URI is the song URI relative to the MPD music directory, the form the
	// queue commands expect.
	URI string

	// Duration is the probed clip length, 0 before probing.
	Duration time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge sets the sweep age threshold. Default 24h.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithSweepInterval sets how often Run sweeps. Default 10m.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store manages the clips directory. Safe for concurrent use; all state lives
// on disk.
type Store struct {
	dir           string // absolute filesystem path
	uriPrefix     string // URI prefix relative to the music directory
	maxAge        time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
}

// New creates a Store rooted at dir (absolute filesystem path) whose files are
// addressed by MPD under uriPrefix. The directory is created if missing and a
// write probe verifies it is usable; an unusable directory is a startup-fatal
// condition for the caller.
func New(dir, uriPrefix string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:           dir,
		uriPrefix:     strings.Trim(uriPrefix, "/"),
		maxAge:        24 * time.Hour,
		sweepInterval: 10 * time.Minute,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("clips: create directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("clips: directory not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return s, nil
}

// Dir returns the absolute filesystem path of the clip directory.
func (s *Store) Dir() string {
	return s.dir
}

// Allocate reserves a path for a new clip in the given audio format. The name
// is the timestamp of the transition the clip announces, so files sort in air
// order; a counter suffix resolves same-second collisions. A zero time falls
// back to the current time.
func (s *Store) Allocate(at time.Time, format string) (Clip, error) {
	if at.IsZero() {
		at = time.Now()
	}
	base := at.UTC().Format("20060102T150405")
	name := base + "." + format
	for i := 1; ; i++ {
		p := filepath.Join(s.dir, name)
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return Clip{Path: p, URI: path.Join(s.uriPrefix, name)}, nil
		} else if err != nil {
			return Clip{}, fmt.Errorf("clips: allocate: %w", err)
		}
		name = fmt.Sprintf("%s-%d.%s", base, i, format)
	}
}

// Release deletes a clip file. Idempotent: a file already gone is not an
// error.
func (s *Store) Release(clipPath string) error {
	err := os.Remove(clipPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clips: release: %w", err)
	}
	return nil
}

// Owns reports whether a song URI refers to one of our clips. The guard keeps
// the DJ from narrating its own announcements.
func (s *Store) Owns(uri string) bool {
	if s.uriPrefix == "" {
		return false
	}
	return strings.HasPrefix(uri, s.uriPrefix+"/")
}

// Sweep deletes clip files older than the configured age. Defensive cleanup
// for crashes that skipped the normal release path.
func (s *Store) Sweep() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("clips: sweep: %w", err)
	}
	cutoff := time.Now().Add(-s.maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to sweep stale clip", "path", p, "error", err)
			continue
		}
		s.log.Info("swept stale clip", "path", p, "age", time.Since(info.ModTime()).Round(time.Second))
	}
	return nil
}

// Run sweeps periodically until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.log.Warn("clip sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
