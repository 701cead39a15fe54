package mpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer is a minimal scripted MPD server. Each accepted connection gets
// the greeting, then handle is invoked per command line until the connection
// closes.
type fakeServer struct {
	ln     net.Listener
	handle func(cmd string, w *bufio.Writer)

	wg sync.WaitGroup
}

func newFakeServer(t *testing.T, handle func(cmd string, w *bufio.Writer)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, handle: handle}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			w := bufio.NewWriter(conn)
			fmt.Fprint(w, "OK MPD 0.24.0\n")
			w.Flush()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				s.handle(sc.Text(), w)
				w.Flush()
			}
		}()
	}
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func dialFake(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialGreeting(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		fmt.Fprint(w, "OK\n")
	})
	c := dialFake(t, s)
	if got, want := c.Version(), "0.24.0"; got != want {
		t.Errorf("Version() = %q, want %q", got, want)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		if cmd != "status" {
			fmt.Fprintf(w, "ACK [5@0] {} unknown command %q\n", cmd)
			return
		}
		fmt.Fprint(w,
			"state: play\n",
			"elapsed: 42.500\n",
			"duration: 242.000\n",
			"songid: 7\n",
			"nextsongid: 8\n",
			"nextsong: 3\n",
			"xfade: 10\n",
			"random: 1\n",
			"playlist: 99\n",
			"OK\n")
	})
	c := dialFake(t, s)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != StatePlay {
		t.Errorf("State = %q, want %q", st.State, StatePlay)
	}
	if want := 42500 * time.Millisecond; st.Elapsed != want {
		t.Errorf("Elapsed = %v, want %v", st.Elapsed, want)
	}
	if st.SongID != 7 || st.NextSongID != 8 || st.NextSongPos != 3 {
		t.Errorf("ids = (%d, %d, %d), want (7, 8, 3)", st.SongID, st.NextSongID, st.NextSongPos)
	}
	if st.Xfade != 10 {
		t.Errorf("Xfade = %d, want 10", st.Xfade)
	}
	if !st.Random {
		t.Error("Random = false, want true")
	}
	if want := 199500 * time.Millisecond; st.Remaining() != want {
		t.Errorf("Remaining() = %v, want %v", st.Remaining(), want)
	}
}

func TestStatusAbsentFields(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		fmt.Fprint(w, "state: stop\nOK\n")
	})
	c := dialFake(t, s)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.SongID != -1 || st.NextSongID != -1 || st.NextSongPos != -1 {
		t.Errorf("absent ids = (%d, %d, %d), want (-1, -1, -1)", st.SongID, st.NextSongID, st.NextSongPos)
	}
}

func TestPlaylistID(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		switch cmd {
		case "playlistid 8":
			fmt.Fprint(w,
				"file: music/song.flac\n",
				"Title: Some Song\n",
				"Artist: Some Artist\n",
				"Id: 8\n",
				"Pos: 3\n",
				"Prio: 12\n",
				"duration: 180.000\n",
				"OK\n")
		case "playlistid 99":
			fmt.Fprint(w, "ACK [50@0] {playlistid} No such song\n")
		default:
			fmt.Fprint(w, "OK\n")
		}
	})
	c := dialFake(t, s)

	song, err := c.PlaylistID(context.Background(), 8)
	if err != nil {
		t.Fatalf("PlaylistID(8) error = %v", err)
	}
	if song.File != "music/song.flac" || song.ID != 8 || song.Pos != 3 || song.Prio != 12 {
		t.Errorf("song = %+v", song)
	}

	_, err = c.PlaylistID(context.Background(), 99)
	if !errors.Is(err, ErrNoExist) {
		t.Errorf("PlaylistID(99) error = %v, want ErrNoExist", err)
	}
}

func TestAddID(t *testing.T) {
	t.Parallel()
	var gotCmd string
	var mu sync.Mutex
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		mu.Lock()
		gotCmd = cmd
		mu.Unlock()
		fmt.Fprint(w, "Id: 42\nOK\n")
	})
	c := dialFake(t, s)

	id, err := c.AddID(context.Background(), `clips/it's "live".flac`, 5)
	if err != nil {
		t.Fatalf("AddID() error = %v", err)
	}
	if id != 42 {
		t.Errorf("AddID() = %d, want 42", id)
	}
	mu.Lock()
	defer mu.Unlock()
	want := `addid "clips/it's \"live\".flac" 5`
	if gotCmd != want {
		t.Errorf("command = %q, want %q", gotCmd, want)
	}
}

func TestAddIDAppend(t *testing.T) {
	t.Parallel()
	var gotCmd string
	var mu sync.Mutex
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		mu.Lock()
		gotCmd = cmd
		mu.Unlock()
		fmt.Fprint(w, "Id: 7\nOK\n")
	})
	c := dialFake(t, s)

	if _, err := c.AddID(context.Background(), "clips/a.flac", -1); err != nil {
		t.Fatalf("AddID() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := `addid "clips/a.flac"`; gotCmd != want {
		t.Errorf("command = %q, want %q", gotCmd, want)
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		if !strings.HasPrefix(cmd, "update ") {
			fmt.Fprint(w, "ACK [5@0] {} bad\n")
			return
		}
		fmt.Fprint(w, "updating_db: 3\nOK\n")
	})
	c := dialFake(t, s)

	job, err := c.Update(context.Background(), "clips/20260823T101500.flac")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if job != 3 {
		t.Errorf("Update() = %d, want 3", job)
	}
}

func TestAlbumArtChunked(t *testing.T) {
	t.Parallel()
	art := []byte("0123456789abcdef")
	const chunkSize = 6
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		var offset int
		if _, err := fmt.Sscanf(cmd, "albumart %q %d", new(string), &offset); err != nil {
			fmt.Fprintf(w, "ACK [2@0] {albumart} bad args: %v\n", err)
			return
		}
		end := offset + chunkSize
		if end > len(art) {
			end = len(art)
		}
		chunk := art[offset:end]
		fmt.Fprintf(w, "size: %d\nbinary: %d\n", len(art), len(chunk))
		w.Write(chunk)
		fmt.Fprint(w, "\nOK\n")
	})
	c := dialFake(t, s)

	got, err := c.AlbumArt(context.Background(), "music/song.flac")
	if err != nil {
		t.Fatalf("AlbumArt() error = %v", err)
	}
	if string(got) != string(art) {
		t.Errorf("AlbumArt() = %q, want %q", got, art)
	}
}

func TestAlbumArtNoExist(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		fmt.Fprint(w, "ACK [50@0] {albumart} No file exists\n")
	})
	c := dialFake(t, s)

	_, err := c.AlbumArt(context.Background(), "music/song.flac")
	if !errors.Is(err, ErrNoExist) {
		t.Errorf("AlbumArt() error = %v, want ErrNoExist", err)
	}
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Code != 50 || ce.Command != "albumart" {
		t.Errorf("CommandError = %+v", ce)
	}
}

func TestIdleCancellation(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		switch cmd {
		case "idle player":
			// Hold the response until noidle arrives.
		case "noidle":
			fmt.Fprint(w, "OK\n")
		default:
			fmt.Fprint(w, "OK\n")
		}
	})
	c := dialFake(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := c.Idle(ctx, "player")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Idle() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Idle() did not return after cancellation")
	}
}

func TestIdleCancelCrossesEvent(t *testing.T) {
	t.Parallel()
	// The event lands just as the client gives up waiting, so the idle
	// response and the noidle cross on the wire. This server then answers the
	// stray noidle like a regular command; the connection must stay aligned
	// so the next round-trip reads its own response.
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		switch {
		case cmd == "idle player":
			time.Sleep(150 * time.Millisecond)
			fmt.Fprint(w, "changed: player\nOK\n")
		case cmd == "noidle":
			fmt.Fprint(w, "OK\n")
		case cmd == "status":
			fmt.Fprint(w, "state: play\nsongid: 7\nnextsongid: 8\nOK\n")
		default:
			fmt.Fprint(w, "OK\n")
		}
	})
	c := dialFake(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Idle(ctx, "player"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Idle() error = %v, want context.DeadlineExceeded", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() after crossed cancel error = %v", err)
	}
	if st.State != StatePlay || st.SongID != 7 {
		t.Errorf("Status() = state %q songid %d, want %q 7", st.State, st.SongID, StatePlay)
	}
}

func TestIdleCancelCrossedNoidleIgnored(t *testing.T) {
	t.Parallel()
	// Same race, but the server behaves like real MPD and silently drops a
	// noidle that arrives after the idle already returned.
	idleDone := false
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		switch {
		case cmd == "idle player":
			time.Sleep(150 * time.Millisecond)
			fmt.Fprint(w, "changed: player\nOK\n")
			idleDone = true
		case cmd == "noidle" && idleDone:
			// No response; not idling anymore.
		case cmd == "noidle":
			fmt.Fprint(w, "OK\n")
		case cmd == "status":
			fmt.Fprint(w, "state: play\nsongid: 7\nnextsongid: 8\nOK\n")
		default:
			fmt.Fprint(w, "OK\n")
		}
	})
	c := dialFake(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Idle(ctx, "player"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Idle() error = %v, want context.DeadlineExceeded", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() after crossed cancel error = %v", err)
	}
	if st.State != StatePlay || st.SongID != 7 {
		t.Errorf("Status() = state %q songid %d, want %q 7", st.State, st.SongID, StatePlay)
	}
}

func TestIdleChanged(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(cmd string, w *bufio.Writer) {
		if cmd == "idle player" {
			fmt.Fprint(w, "changed: player\nOK\n")
			return
		}
		fmt.Fprint(w, "OK\n")
	})
	c := dialFake(t, s)

	changed, err := c.Idle(context.Background(), "player")
	if err != nil {
		t.Fatalf("Idle() error = %v", err)
	}
	if len(changed) != 1 || changed[0] != "player" {
		t.Errorf("Idle() = %v, want [player]", changed)
	}
}

func TestParseAck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		line    string
		code    int
		command string
		message string
	}{
		{
			name:    "no exist",
			line:    "ACK [50@0] {albumart} No file exists",
			code:    50,
			command: "albumart",
			message: "No file exists",
		},
		{
			name:    "unknown command",
			line:    "ACK [5@0] {} unknown command \"bogus\"",
			code:    5,
			command: "",
			message: "unknown command \"bogus\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := parseAck(tt.line)
			var ce *CommandError
			if !errors.As(err, &ce) {
				t.Fatalf("parseAck() = %T, want *CommandError", err)
			}
			if ce.Code != tt.code || ce.Command != tt.command || ce.Message != tt.message {
				t.Errorf("parseAck() = %+v, want code=%d command=%q message=%q",
					ce, tt.code, tt.command, tt.message)
			}
		})
	}
}
