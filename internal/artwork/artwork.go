// Package artwork retrieves cover art for songs from MPD.
//
// MPD exposes art two ways: albumart serves an external file next to the song
// (cover.jpg and friends), readpicture serves a picture embedded in the song's
// tags. The fetcher tries both; a song without any art is a normal outcome,
// not an error.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/segue/internal/mpd"
	"github.com/MrWong99/segue/pkg/types"
)

// Client is the subset of the MPD client the fetcher reads from.
type Client interface {
	AlbumArt(ctx context.Context, uri string) ([]byte, error)
	ReadPicture(ctx context.Context, uri string) ([]byte, error)
}

// Fetcher retrieves cover art as LLM-ready attachments.
type Fetcher struct {
	client Client
}

// New creates a Fetcher reading through client.
func New(client Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch returns the song's cover art, or (nil, nil) when the song has none.
// External art wins over an embedded picture when both exist.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*types.Attachment, error) {
	data, err := f.client.AlbumArt(ctx, uri)
	if errors.Is(err, mpd.ErrNoExist) || (err == nil && len(data) == 0) {
		data, err = f.client.ReadPicture(ctx, uri)
		if errors.Is(err, mpd.ErrNoExist) || (err == nil && len(data) == 0) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("artwork: fetch %q: %w", uri, err)
	}
	return &types.Attachment{
		MIMEType: http.DetectContentType(data),
		Data:     data,
	}, nil
}
