// Package history keeps a log of past announcements.
//
// The recency window is fed back into the narration prompt so the DJ does not
// repeat itself across transitions. Two backends exist: a PostgreSQL log that
// survives restarts, and an in-memory ring used when no database is
// configured. A similarity score over the window flags narrations that came
// out repetitive anyway.
package history

import (
	"context"
	"time"

	"github.com/antzucaro/matchr"
)

// Announcement is one narrated transition.
type Announcement struct {
	// At is when the announcement was generated.
	At time.Time

	// PrevFile and NextFile are the song URIs on either side of the
	// transition.
	PrevFile string
	NextFile string

	// Text is the narration as spoken.
	Text string
}

// Log stores announcements and serves the recency window.
type Log interface {
	// Record appends one announcement.
	Record(ctx context.Context, a Announcement) error

	// Recent returns up to n announcements, oldest first.
	Recent(ctx context.Context, n int) ([]Announcement, error)

	// Close releases backend resources.
	Close()
}

// Similarity returns the highest Jaro-Winkler similarity between text and any
// of the recent announcements, in [0, 1]. Values near 1 mean the DJ is
// repeating itself.
func Similarity(text string, recent []Announcement) float64 {
	var max float64
	for _, a := range recent {
		if s := matchr.JaroWinkler(text, a.Text, false); s > max {
			max = s
		}
	}
	return max
}
