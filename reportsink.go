package reportsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/config"
	"github.com/loykin/reportsink/internal/history"
	histfactory "github.com/loykin/reportsink/internal/history/factory"
	"github.com/loykin/reportsink/internal/ingest"
	"github.com/loykin/reportsink/internal/logger"
	"github.com/loykin/reportsink/internal/metrics"
	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/server"
	"github.com/loykin/reportsink/internal/store"
	storefactory "github.com/loykin/reportsink/internal/store/factory"
	tlsutil "github.com/loykin/reportsink/internal/tls"
)

// Version is stamped at build time with -ldflags "-X github.com/loykin/reportsink.Version=...".
var Version = "dev"

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Entry = report.Entry

type Ack = report.Ack

type Stats = ingest.Stats

type Store = store.Store

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Error taxonomy, matched with errors.Is.
var (
	ErrUnauthorized       = report.ErrUnauthorized
	ErrInvalidPayload     = report.ErrInvalidPayload
	ErrPayloadTooLarge    = report.ErrPayloadTooLarge
	ErrStorageUnavailable = report.ErrStorageUnavailable
)

// LoadConfig reads a TOML file (path may be empty) plus REPORTSINK_* env overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App is a fully wired report sink: store, authenticator, completed hooks,
// activity log and HTTP router.
type App struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	store     store.Store
	auth      *auth.Authenticator
	hooks     *history.Dispatcher
	activity  *logger.ActivityLog
	svc       *ingest.Service
	router    *server.Router
	self      *metrics.SelfSampler

	extraSinks []namedSink
	ownStore   bool
}

type namedSink struct {
	name string
	sink HistorySink
}

// Option customises New.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithStore uses s instead of opening cfg.Store.DSN. The caller keeps
// ownership; Close does not close s.
func WithStore(s Store) Option { return func(a *App) { a.store = s } }

// WithHistorySink adds a completed-report sink next to those in cfg.Hooks.
func WithHistorySink(name string, s HistorySink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, namedSink{name: name, sink: s}) }
}

// New wires an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("reportsink: nil config")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.log == nil {
		l, closer, err := cfg.Log.New()
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.log, a.logCloser = l, closer
	}

	if a.auth, err = auth.New(cfg.Auth); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	if cfg.Metrics.Self {
		a.self, err = metrics.NewSelfSampler(metrics.SelfSamplerConfig{Enabled: true, Interval: cfg.Metrics.SelfInterval})
		if err != nil {
			return nil, fmt.Errorf("self metrics: %w", err)
		}
		if cfg.Metrics.Enabled {
			if err := a.self.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return nil, fmt.Errorf("self metrics: %w", err)
			}
		}
	}

	if a.store == nil {
		if a.store, err = storefactory.New(cfg.Store); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		a.ownStore = true
	}
	if err := a.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}

	a.hooks = history.NewDispatcher(a.log, cfg.Hooks.Timeout)
	for _, dsn := range cfg.Hooks.Sinks {
		sink, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", SinkName(dsn), err)
		}
		a.hooks.Add(SinkName(dsn), sink)
	}
	for _, ns := range a.extraSinks {
		a.hooks.Add(ns.name, ns.sink)
	}

	a.activity = logger.NewActivityLog(cfg.ActivityLog)

	a.svc, err = ingest.New(ingest.Options{
		Store:        a.store,
		Auth:         a.auth,
		Hook:         a.hooks,
		Activity:     a.activity,
		Logger:       a.log,
		ServerDomain: cfg.Server.Domain,
	})
	if err != nil {
		return nil, err
	}

	a.router, err = server.NewRouter(server.Options{
		Service:      a.svc,
		Auth:         a.auth,
		Logger:       a.log,
		BasePath:     cfg.Server.BasePath,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ProtectReads: cfg.Server.ProtectReads,
		Dashboard:    cfg.Server.Dashboard,
		CORSOrigin:   cfg.Server.CORSOrigin,
		Metrics:      cfg.Metrics.Enabled,
		Self:         a.self,
		Version:      Version,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Handler returns the HTTP surface, ready to mount in any server or mux.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Submit stores one report as if it arrived over HTTP with headers h.
func (a *App) Submit(ctx context.Context, body []byte, h http.Header) (Ack, error) {
	return a.svc.Submit(ctx, body, h)
}

// List returns up to limit reports, newest first.
func (a *App) List(ctx context.Context, limit int) ([]Entry, error) { return a.svc.List(ctx, limit) }

// Stats aggregates the retained reports.
func (a *App) Stats(ctx context.Context) (Stats, error) { return a.svc.Stats(ctx) }

// ApplyConfig takes over the parts of a reloaded config that can change
// while running. Only the shared secret is hot-swapped; other sections are
// reported and need a restart.
func (a *App) ApplyConfig(next *Config) {
	if next == nil {
		return
	}
	if err := a.auth.Rotate(next.Auth); err != nil {
		a.log.Error("token rotation rejected", "error", err)
	} else if next.Auth != a.cfg.Auth {
		a.log.Info("shared secret rotated", "header", a.auth.Header())
	}
	if !reflect.DeepEqual(next.Server, a.cfg.Server) || !reflect.DeepEqual(next.Store, a.cfg.Store) {
		a.log.Warn("server or store settings changed; restart to apply")
	}
	cp := *a.cfg
	cp.Auth = next.Auth
	a.cfg = &cp
}

// ListenAndServe serves the HTTP surface on cfg.Server.Listen until ctx is
// cancelled.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener, which it closes on
// return. TLS is used when cfg.Server.TLS is enabled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	sc := a.cfg.Server
	tlsCfg, err := tlsutil.SetupTLS(sc.TLS)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("tls: %w", err)
	}
	srv := server.NewServer(sc.Listen, a.Handler(), tlsCfg, sc.ReadTimeout, sc.WriteTimeout)
	if a.self != nil {
		a.self.Start(ctx)
	}
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	a.log.Info("reportsink listening",
		"addr", ln.Addr().String(),
		"scheme", scheme,
		"base_path", sc.BasePath,
		"store", SinkName(a.cfg.Store.DSN),
		"hooks", a.hooks.Len(),
		"version", Version)
	return server.Serve(ctx, srv, ln, sc.ShutdownTimeout)
}

// Close waits for in-flight hooks and releases every resource New opened.
func (a *App) Close() error {
	var errs []error
	if a.self != nil {
		a.self.Stop()
	}
	if a.hooks != nil {
		errs = append(errs, a.hooks.Close())
	}
	if a.store != nil && a.ownStore {
		errs = append(errs, a.store.Close())
	}
	if a.activity != nil {
		errs = append(errs, a.activity.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// SinkName labels a DSN in logs and metrics without leaking credentials:
// the scheme, or "sqlite"/"file" for bare paths.
func SinkName(dsn string) string {
	d := strings.TrimSpace(dsn)
	if i := strings.Index(d, "://"); i > 0 {
		if u, err := url.Parse(d); err == nil && u.Scheme != "" {
			return strings.ToLower(u.Scheme)
		}
		return strings.ToLower(d[:i])
	}
	if strings.HasSuffix(strings.ToLower(d), ".json") {
		return "file"
	}
	return "sqlite"
}
