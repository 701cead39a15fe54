package mpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// pair is one "key: value" line of a command response.
type pair struct {
	key   string
	value string
}

// Client is a connection to an MPD server. All commands are serialized on the
// single underlying connection; Client is safe for concurrent use, but a
// long-running Idle blocks other commands until it returns (use NoIdle or a
// second Client for concurrent queue mutation, which is what the inserter does).
type Client struct {
	conn net.Conn
	br   *bufio.Reader

	// cmdMu serializes whole command round-trips.
	cmdMu chan struct{}

	// version is the protocol version from the greeting, e.g. "0.24.0".
	version string
}

// Dial connects to an MPD server. address is either a UNIX socket path
// (anything containing a '/') or a TCP host:port.
func Dial(ctx context.Context, address string) (*Client, error) {
	network := "tcp"
	if strings.Contains(address, "/") {
		network = "unix"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("mpd: dial %s %q: %w", network, address, err)
	}

	c := &Client{
		conn:  conn,
		br:    bufio.NewReader(conn),
		cmdMu: make(chan struct{}, 1),
	}
	c.cmdMu <- struct{}{}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	greeting, err := c.br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mpd: read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	const prefix = "OK MPD "
	if !strings.HasPrefix(greeting, prefix) {
		conn.Close()
		return nil, fmt.Errorf("mpd: unexpected greeting %q", strings.TrimSpace(greeting))
	}
	c.version = strings.TrimSpace(strings.TrimPrefix(greeting, prefix))
	return c, nil
}

// Version returns the protocol version announced by the server.
func (c *Client) Version() string {
	return c.version
}

// Close terminates the connection. Pending commands fail with read errors.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ── Commands ─────────────────────────────────────────────────────────────────

// Ping checks that the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "ping")
	return err
}

// Status returns the current player status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	pairs, err := c.roundTrip(ctx, "status")
	if err != nil {
		return Status{}, err
	}
	return parseStatus(pairs), nil
}

// CurrentSong returns the song currently playing or paused. When nothing is
// loaded the returned Song has an empty File.
func (c *Client) CurrentSong(ctx context.Context) (Song, error) {
	pairs, err := c.roundTrip(ctx, "currentsong")
	if err != nil {
		return Song{}, err
	}
	return parseSong(pairs), nil
}

// PlaylistID returns the queue entry with the given id.
func (c *Client) PlaylistID(ctx context.Context, id int) (Song, error) {
	pairs, err := c.roundTrip(ctx, "playlistid "+strconv.Itoa(id))
	if err != nil {
		return Song{}, err
	}
	song := parseSong(pairs)
	if song.File == "" {
		return Song{}, fmt.Errorf("mpd: playlistid %d: %w", id, ErrNoExist)
	}
	return song, nil
}

// AddID appends the song at uri to the queue and returns its queue id.
// When pos is >= 0 the song is inserted at that queue position instead.
func (c *Client) AddID(ctx context.Context, uri string, pos int) (int, error) {
	cmd := "addid " + quote(uri)
	if pos >= 0 {
		cmd += " " + strconv.Itoa(pos)
	}
	pairs, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return 0, err
	}
	for _, p := range pairs {
		if p.key == "Id" {
			return parseInt(p.value, 0), nil
		}
	}
	return 0, errors.New("mpd: addid: response missing Id")
}

// PrioID sets the random-mode priority of the queue entry with the given id.
// Higher priorities play earlier; the valid range is 0–255.
func (c *Client) PrioID(ctx context.Context, prio, id int) error {
	_, err := c.roundTrip(ctx, fmt.Sprintf("prioid %d %d", prio, id))
	return err
}

// DeleteID removes the queue entry with the given id. Removing an id that is
// already gone returns ErrNoExist via errors.Is.
func (c *Client) DeleteID(ctx context.Context, id int) error {
	_, err := c.roundTrip(ctx, "deleteid "+strconv.Itoa(id))
	return err
}

// Update triggers a database update of uri (may be a single file) and returns
// the update job id.
func (c *Client) Update(ctx context.Context, uri string) (int, error) {
	cmd := "update"
	if uri != "" {
		cmd += " " + quote(uri)
	}
	pairs, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return 0, err
	}
	for _, p := range pairs {
		if p.key == "updating_db" {
			return parseInt(p.value, 0), nil
		}
	}
	return 0, errors.New("mpd: update: response missing updating_db")
}

// MusicDirectory returns the server's music directory. MPD only answers the
// config command on local (UNIX socket) connections; over TCP it returns an
// ACK and callers must configure the directory explicitly.
func (c *Client) MusicDirectory(ctx context.Context) (string, error) {
	pairs, err := c.roundTrip(ctx, "config")
	if err != nil {
		return "", err
	}
	for _, p := range pairs {
		if p.key == "music_directory" {
			return p.value, nil
		}
	}
	return "", errors.New("mpd: config: response missing music_directory")
}

// AlbumArt reads the external album art (cover.jpg and friends) for uri.
// Returns ErrNoExist (via errors.Is) when the song has no external art.
func (c *Client) AlbumArt(ctx context.Context, uri string) ([]byte, error) {
	return c.readBinary(ctx, "albumart", uri)
}

// ReadPicture reads the picture embedded in the song's tags.
// Returns ErrNoExist (via errors.Is) when no picture is embedded.
func (c *Client) ReadPicture(ctx context.Context, uri string) ([]byte, error) {
	return c.readBinary(ctx, "readpicture", uri)
}

// Idle blocks until one of the given subsystems changes (or any subsystem
// when none are given) and returns the names of the changed subsystems.
// Cancelling ctx sends noidle and returns promptly with ctx.Err().
func (c *Client) Idle(ctx context.Context, subsystems ...string) ([]string, error) {
	select {
	case <-c.cmdMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.cmdMu <- struct{}{} }()

	cmd := "idle"
	if len(subsystems) > 0 {
		cmd += " " + strings.Join(subsystems, " ")
	}
	if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("mpd: write %q: %w", cmd, err)
	}

	// noidle is the one command MPD accepts while another is in flight; it
	// makes the pending idle return immediately. The canceller reports whether
	// it actually wrote noidle so the reader can tell a flushed idle apart
	// from one that raced the cancellation on the wire.
	readDone := make(chan struct{})
	sent := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-readDone:
				// Response already consumed; noidle would corrupt the stream.
				sent <- false
			default:
				_, err := io.WriteString(c.conn, "noidle\n")
				sent <- err == nil
			}
		case <-readDone:
			sent <- false
		}
	}()

	pairs, err := c.readResponse()
	close(readDone)
	noidleSent := <-sent
	if err != nil {
		return nil, err
	}
	if noidleSent && len(pairs) > 0 {
		// The idle completed on its own while noidle was in flight. Real MPD
		// swallows a noidle received outside idle, but a server may also
		// answer it as a regular command, leaving a stray OK queued ahead of
		// every later response. Realign before releasing the connection.
		if err := c.resync(); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var changed []string
	for _, p := range pairs {
		if p.key == "changed" {
			changed = append(changed, p.value)
		}
	}
	return changed, nil
}

// ── Wire protocol ────────────────────────────────────────────────────────────

// roundTrip sends one command and reads its key/value response.
func (c *Client) roundTrip(ctx context.Context, cmd string) ([]pair, error) {
	select {
	case <-c.cmdMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.cmdMu <- struct{}{} }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("mpd: write %q: %w", firstWord(cmd), err)
	}
	return c.readResponse()
}

// resync realigns the response stream after a noidle crossed a completed idle
// response on the wire. Depending on which the server processed first, the
// stream now carries either nothing extra or one stray OK. A status round-trip
// settles it: status responses are never empty, so reading an empty response
// here means it was the stray OK and the real answer is next. Called with
// cmdMu held.
func (c *Client) resync() error {
	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(c.conn, "status\n"); err != nil {
		return fmt.Errorf("mpd: resync: %w", err)
	}
	pairs, err := c.readResponse()
	if err != nil {
		return fmt.Errorf("mpd: resync: %w", err)
	}
	if len(pairs) == 0 {
		if _, err := c.readResponse(); err != nil {
			return fmt.Errorf("mpd: resync: %w", err)
		}
	}
	return nil
}

// readResponse reads key/value lines until OK or ACK.
func (c *Client) readResponse() ([]pair, error) {
	var pairs []pair
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("mpd: read response: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")

		switch {
		case line == "OK":
			return pairs, nil
		case strings.HasPrefix(line, "ACK "):
			return nil, parseAck(line)
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("mpd: malformed response line %q", line)
		}
		pairs = append(pairs, pair{key: key, value: value})
	}
}

// readBinary fetches a chunked binary response (albumart / readpicture),
// issuing as many offset reads as the server requires.
func (c *Client) readBinary(ctx context.Context, cmd, uri string) ([]byte, error) {
	select {
	case <-c.cmdMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.cmdMu <- struct{}{} }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	var buf []byte
	for {
		line := fmt.Sprintf("%s %s %d\n", cmd, quote(uri), len(buf))
		if _, err := io.WriteString(c.conn, line); err != nil {
			return nil, fmt.Errorf("mpd: write %q: %w", cmd, err)
		}

		total, chunk, err := c.readBinaryChunk()
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			// Zero-length chunk means the server has nothing more to send.
			return buf, nil
		}
		buf = append(buf, chunk...)
		if len(buf) >= total {
			return buf, nil
		}
	}
}

// readBinaryChunk reads a single size/binary chunk followed by OK.
func (c *Client) readBinaryChunk() (total int, chunk []byte, err error) {
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("mpd: read binary response: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")

		switch {
		case line == "OK":
			return total, chunk, nil
		case strings.HasPrefix(line, "ACK "):
			return 0, nil, parseAck(line)
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return 0, nil, fmt.Errorf("mpd: malformed binary response line %q", line)
		}
		switch key {
		case "size":
			total = parseInt(value, 0)
		case "binary":
			n := parseInt(value, 0)
			chunk = make([]byte, n)
			if _, err := io.ReadFull(c.br, chunk); err != nil {
				return 0, nil, fmt.Errorf("mpd: read binary payload: %w", err)
			}
			// The payload is followed by a terminating newline.
			if _, err := c.br.ReadByte(); err != nil {
				return 0, nil, fmt.Errorf("mpd: read binary terminator: %w", err)
			}
		}
	}
}

// parseAck decodes an "ACK [code@listpos] {command} message" line.
func parseAck(line string) error {
	ce := &CommandError{Message: line}

	rest := strings.TrimPrefix(line, "ACK ")
	if open := strings.IndexByte(rest, '['); open >= 0 {
		if at := strings.IndexByte(rest[open:], '@'); at > 0 {
			ce.Code = parseInt(rest[open+1:open+at], 0)
		}
	}
	if open := strings.IndexByte(rest, '{'); open >= 0 {
		if closing := strings.IndexByte(rest[open:], '}'); closing > 0 {
			ce.Command = rest[open+1 : open+closing]
			ce.Message = strings.TrimSpace(rest[open+closing+1:])
		}
	}
	return ce
}

// quote wraps an argument in double quotes, escaping embedded quotes and
// backslashes as the protocol requires.
func quote(arg string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		if arg[i] == '"' || arg[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(arg[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

// firstWord returns the command verb of cmd for error messages.
func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
