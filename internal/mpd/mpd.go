// Package mpd implements a client for the Music Player Daemon text protocol.
//
// Only the subset of the protocol that Segue needs is covered: status and
// queue inspection, queue mutation (addid/prioid/deleteid), library updates,
// album art retrieval, idle notifications, and the config command used to
// discover the music directory over a UNIX socket.
//
// See https://mpd.readthedocs.io/en/latest/protocol.html for the wire format.
package mpd

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ackNoExist is the ACK error code MPD uses for missing objects, including
// songs without embedded or external album art.
const ackNoExist = 50

// ErrNoExist is wrapped by command errors when MPD reports that the requested
// object does not exist (ACK code 50). Album art lookups use this to signal
// "no artwork" rather than a failure.
var ErrNoExist = errors.New("mpd: no such object")

// CommandError is a protocol-level error returned by MPD for a single command.
type CommandError struct {
	// Code is the numeric ACK error code.
	Code int

	// Command is the command MPD attributes the failure to.
	Command string

	// Message is MPD's human-readable error text.
	Message string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("mpd: ACK [%d] {%s} %s", e.Code, e.Command, e.Message)
}

// Unwrap maps well-known ACK codes onto sentinel errors for errors.Is checks.
func (e *CommandError) Unwrap() error {
	if e.Code == ackNoExist {
		return ErrNoExist
	}
	return nil
}

// PlayerState is the playback state reported in the status response.
type PlayerState string

const (
	StatePlay  PlayerState = "play"
	StatePause PlayerState = "pause"
	StateStop  PlayerState = "stop"
)

// Status is a decoded MPD status response. Fields not present in the response
// keep their zero value; optional numeric fields use -1 for "absent" where the
// zero value is meaningful.
type Status struct {
	// State is the player state: play, pause or stop.
	State PlayerState

	// Elapsed is the position within the current song.
	Elapsed time.Duration

	// Duration is the total length of the current song.
	Duration time.Duration

	// SongID is the queue id of the current song, -1 when absent.
	SongID int

	// NextSongID is the queue id of the next song, -1 when absent (e.g. end
	// of queue with random off, or stopped).
	NextSongID int

	// NextSongPos is the queue position of the next song, -1 when absent.
	NextSongPos int

	// Xfade is the configured crossfade in seconds, 0 when disabled.
	Xfade int

	// Random reports whether random mode is enabled.
	Random bool

	// UpdatingDB is the id of a running database update job, 0 when idle.
	UpdatingDB int

	// Playlist is the queue version number, incremented on every change.
	Playlist int
}

// Remaining returns the playtime left in the current song.
func (s Status) Remaining() time.Duration {
	if s.Duration <= s.Elapsed {
		return 0
	}
	return s.Duration - s.Elapsed
}

// Song is a single queue entry or library song. Tag values beyond the common
// fields are kept in Tags verbatim.
type Song struct {
	// File is the song URI relative to the music directory.
	File string

	// Title, Artist and Album are the common display tags. May be empty.
	Title  string
	Artist string
	Album  string

	// ID is the queue id, -1 when the song is not a queue entry.
	ID int

	// Pos is the queue position, -1 when the song is not a queue entry.
	Pos int

	// Prio is the queue priority (random-mode ordering), 0 by default.
	Prio int

	// Duration is the song length, 0 when unknown.
	Duration time.Duration

	// Tags holds every key/value pair from the response, including the ones
	// mirrored into the fields above.
	Tags map[string]string
}

// parseStatus decodes a status response key/value list.
func parseStatus(pairs []pair) Status {
	st := Status{SongID: -1, NextSongID: -1, NextSongPos: -1}
	for _, p := range pairs {
		switch p.key {
		case "state":
			st.State = PlayerState(p.value)
		case "elapsed":
			st.Elapsed = parseSeconds(p.value)
		case "duration":
			st.Duration = parseSeconds(p.value)
		case "songid":
			st.SongID = parseInt(p.value, -1)
		case "nextsongid":
			st.NextSongID = parseInt(p.value, -1)
		case "nextsong":
			st.NextSongPos = parseInt(p.value, -1)
		case "xfade":
			st.Xfade = parseInt(p.value, 0)
		case "random":
			st.Random = p.value == "1"
		case "updating_db":
			st.UpdatingDB = parseInt(p.value, 0)
		case "playlist":
			st.Playlist = parseInt(p.value, 0)
		}
	}
	return st
}

// parseSong decodes a song block (currentsong / playlistid response).
func parseSong(pairs []pair) Song {
	s := Song{ID: -1, Pos: -1, Tags: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		s.Tags[p.key] = p.value
		switch p.key {
		case "file":
			s.File = p.value
		case "Title":
			s.Title = p.value
		case "Artist":
			s.Artist = p.value
		case "Album":
			s.Album = p.value
		case "Id":
			s.ID = parseInt(p.value, -1)
		case "Pos":
			s.Pos = parseInt(p.value, -1)
		case "Prio":
			s.Prio = parseInt(p.value, 0)
		case "duration":
			s.Duration = parseSeconds(p.value)
		}
	}
	return s
}

// parseSeconds converts MPD's fractional-seconds notation to a Duration.
func parseSeconds(v string) time.Duration {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// parseInt converts v to an int, returning fallback on parse failure.
func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
