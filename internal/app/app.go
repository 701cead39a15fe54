// Package app wires all Segue subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the monitor and scheduler loops until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryLog,
// WithToolHost, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/segue/internal/artwork"
	"github.com/MrWong99/segue/internal/clips"
	"github.com/MrWong99/segue/internal/config"
	"github.com/MrWong99/segue/internal/health"
	"github.com/MrWong99/segue/internal/history"
	"github.com/MrWong99/segue/internal/insert"
	"github.com/MrWong99/segue/internal/monitor"
	"github.com/MrWong99/segue/internal/mpd"
	"github.com/MrWong99/segue/internal/narrate"
	"github.com/MrWong99/segue/internal/observe"
	"github.com/MrWong99/segue/internal/scheduler"
	"github.com/MrWong99/segue/internal/script"
	"github.com/MrWong99/segue/internal/toolhost"
	"github.com/MrWong99/segue/internal/transcode"
	"github.com/MrWong99/segue/pkg/provider/llm"
	"github.com/MrWong99/segue/pkg/provider/tts"
	"github.com/MrWong99/segue/pkg/types"
)

// Providers holds the model backends the narration pipeline depends on.
// Populated by main.go via the config registry, possibly wrapped in
// resilience fallback chains.
type Providers struct {
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and orchestrates the announcement pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	store     *clips.Store
	cmdClient *mpd.Client
	tools     *toolhost.Host
	hist      history.Log
	runner    *narrate.Runner
	mon       *monitor.Monitor
	sched     *scheduler.Scheduler
	httpSrv   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryLog injects an announcement log instead of creating one from config.
func WithHistoryLog(l history.Log) Option {
	return func(a *App) { a.hist = l }
}

// WithToolHost injects an MCP tool host instead of creating one from config.
func WithToolHost(h *toolhost.Host) Option {
	return func(a *App) { a.tools = h }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs the startup-fatal checks synchronously: the LLM must support
// vision unless narrate.always is set, MPD must be reachable, the music
// directory must be resolvable, and the clip directory must be writable.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if err := a.initMetrics(ctx); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 2. Provider capability check ─────────────────────────────────────
	if err := a.checkProviders(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 3. MPD command connection + clip store ───────────────────────────
	if err := a.initMPD(ctx); err != nil {
		return nil, fmt.Errorf("app: init mpd: %w", err)
	}

	// ── 4. Tool host ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. Announcement history ──────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 6. Narration pipeline + scheduler ────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 7. Metrics/health HTTP listener ──────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initMetrics sets up the OTel meter provider with the Prometheus exporter.
// Skipped when the metrics listener is disabled; the scheduler then records
// into the no-op global provider.
func (a *App) initMetrics(ctx context.Context) error {
	if a.cfg.Server.MetricsAddr == "" {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return nil
}

// checkProviders verifies the configured backends can serve the pipeline.
func (a *App) checkProviders() error {
	if a.providers == nil || a.providers.LLM == nil {
		return fmt.Errorf("no LLM provider configured")
	}
	if a.providers.TTS == nil {
		return fmt.Errorf("no TTS provider configured")
	}
	// Announcements are gated on album art, which the model must be able to
	// see. The always flag drops the art from the prompt, so text-only
	// models work there.
	if !a.cfg.Narrate.Always && !a.providers.LLM.Capabilities().SupportsVision {
		return fmt.Errorf("llm provider %q does not support vision; set narrate.always to announce without album art", a.cfg.Providers.LLM.Name)
	}
	return nil
}

// initMPD dials the command connection, resolves the music directory, and
// creates the clip store inside it.
func (a *App) initMPD(ctx context.Context) error {
	client, err := mpd.Dial(ctx, a.cfg.MPD.Address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", a.cfg.MPD.Address, err)
	}
	a.cmdClient = client
	a.closers = append(a.closers, client.Close)
	slog.Info("connected to MPD", "address", a.cfg.MPD.Address, "version", client.Version())

	musicDir := a.cfg.MPD.MusicDirectory
	if musicDir == "" {
		// Only answered over a UNIX socket; config validation guarantees we
		// are on one when this is empty.
		musicDir, err = client.MusicDirectory(ctx)
		if err != nil {
			return fmt.Errorf("discover music directory: %w", err)
		}
		slog.Info("discovered music directory", "path", musicDir)
	}

	store, err := clips.New(
		filepath.Join(musicDir, a.cfg.Clips.Directory),
		a.cfg.Clips.Directory,
		clips.WithMaxAge(a.cfg.Clips.MaxAge.Std()),
		clips.WithSweepInterval(a.cfg.Clips.SweepInterval.Std()),
	)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// initTools sets up the MCP host and registers the configured servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil && len(a.cfg.Tools.Servers) == 0 {
		return nil
	}
	if a.tools == nil {
		a.tools = toolhost.New()
		a.closers = append(a.closers, a.tools.Close)
	}

	for _, srv := range a.cfg.Tools.Servers {
		serverCfg := toolhost.ServerConfig{
			Name:      srv.Name,
			Transport: string(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.tools.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register tool server %q: %w", srv.Name, err)
		}
		slog.Info("registered tool server", "name", srv.Name)
	}
	return nil
}

// initHistory sets up the announcement log: PostgreSQL when a DSN is
// configured, in-memory otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.hist != nil {
		return nil // injected
	}

	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		log, err := history.NewPostgresLog(ctx, dsn)
		if err != nil {
			return err
		}
		a.hist = log
		slog.Info("announcement history persisted to postgres")
	} else {
		// Keep a few windows' worth so the log survives window bumps on
		// config reload.
		a.hist = history.NewMemoryLog(max(a.cfg.History.Window*4, 32))
	}
	a.closers = append(a.closers, func() error {
		a.hist.Close()
		return nil
	})
	return nil
}

// initPipeline builds the narration runner, inserter, artwork fetcher,
// monitor, and scheduler.
func (a *App) initPipeline() error {
	template, err := script.Lookup(a.cfg.Narrate.Template)
	if err != nil {
		return err
	}

	runnerOpts := []narrate.Option{
		narrate.WithHistory(a.hist, a.cfg.History.Window),
		narrate.WithVoice(voiceProfile(a.cfg.Providers.TTS)),
		narrate.WithParams(script.Params(a.cfg.Narrate.Params)),
		narrate.WithAudioFormat(a.cfg.Narrate.AudioFormat),
		narrate.WithMaxToolRounds(a.cfg.Narrate.MaxToolRounds),
	}
	if a.tools != nil {
		runnerOpts = append(runnerOpts, narrate.WithTools(a.tools))
	}
	a.runner = narrate.NewRunner(
		a.providers.LLM,
		a.providers.TTS,
		transcode.New(),
		a.store,
		template,
		runnerOpts...,
	)

	inserter := insert.New(a.cmdClient, a.store)
	fetcher := artwork.New(a.cmdClient)

	// The monitor gets its own connection: its idle wait holds the protocol
	// exclusively, and artwork fetches plus insertions must not queue behind
	// a poll interval.
	a.mon = monitor.New(
		func(ctx context.Context) (monitor.Client, error) {
			return mpd.Dial(ctx, a.cfg.MPD.Address)
		},
		monitor.WithPollInterval(a.cfg.MPD.PollInterval.Std()),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithAlways(a.cfg.Narrate.Always),
		scheduler.WithMinLead(a.cfg.Narrate.MinLead.Std()),
		scheduler.WithMargin(a.cfg.Narrate.Margin.Std()),
		scheduler.WithMetrics(observe.DefaultMetrics()),
	}
	if pad := a.cfg.Narrate.CrossfadePad; pad >= 0 {
		schedOpts = append(schedOpts, scheduler.WithCrossfadePad(time.Duration(pad)*time.Second))
	}
	a.sched = scheduler.New(a.mon.Events(), a.runner, inserter, fetcher, a.store.Owns, schedOpts...)

	return nil
}

// initHTTP builds the metrics/health listener. Nil when disabled.
func (a *App) initHTTP() {
	if a.cfg.Server.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.MPDChecker(a.cmdClient),
		health.ClipDirChecker(a.store.Dir()),
	).Register(mux)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// SetParams replaces the narration template parameters at runtime. Called by
// the config watcher on hot reload.
func (a *App) SetParams(params map[string]string) {
	a.runner.SetParams(script.Params(params))
}

// Run starts the monitor, scheduler, clip sweeper, and HTTP listener, and
// blocks until ctx is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.mon.Run(ctx) })
	g.Go(func() error { return a.sched.Run(ctx) })
	g.Go(func() error { return a.store.Run(ctx) })

	if a.httpSrv != nil {
		g.Go(func() error {
			err := a.httpSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
		slog.Info("metrics listener started", "addr", a.cfg.Server.MetricsAddr)
	}

	slog.Info("segue running",
		"always", a.cfg.Narrate.Always,
		"min_lead", a.cfg.Narrate.MinLead.Std(),
		"margin", a.cfg.Narrate.Margin.Std(),
	)
	return g.Wait()
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// voiceProfile builds the TTS voice from the provider entry's options block.
func voiceProfile(entry config.ProviderEntry) types.VoiceProfile {
	id := optString(entry.Options, "voice")
	if id == "" {
		id = optString(entry.Options, "voice_id")
	}
	return types.VoiceProfile{
		ID:       id,
		Provider: entry.Name,
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
