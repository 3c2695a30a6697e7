package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/ingest"
	"github.com/loykin/reportsink/internal/metrics"
)

// Router provides embeddable HTTP handlers for the report sink.
// Endpoints:
//
//	POST    {basePath}/reports          submit a report (token required)
//	GET     {basePath}/reports?limit=N  newest-first listing
//	GET     {basePath}/reports/stats    aggregate counters
//	GET     {basePath}/dashboard        HTML view of the retained reports
//	GET     {basePath}/healthz          liveness plus store count
//	GET     /metrics                    Prometheus, when enabled
//	OPTIONS any path                    CORS preflight, 204
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      *ingest.Service
	auth     *auth.Authenticator
	log      *slog.Logger
	opts     Options
	basePath string
	allowed  map[string][]string
}

// Options configures a Router. Service is required.
type Options struct {
	Service      *ingest.Service
	Auth         *auth.Authenticator
	Logger       *slog.Logger
	BasePath     string
	MaxBodyBytes int64
	ProtectReads bool
	Dashboard    bool
	CORSOrigin   string
	Metrics      bool
	Self         *metrics.SelfSampler
	Version      string
}

// DefaultMaxBodyBytes bounds a report body when Options leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/reports, /abc/dashboard.
func NewRouter(opts Options) (*Router, error) {
	if opts.Service == nil {
		return nil, errors.New("server: ingest service is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		svc:      opts.Service,
		auth:     opts.Auth,
		log:      log,
		opts:     opts,
		basePath: sanitizeBase(opts.BasePath),
		allowed:  make(map[string][]string),
	}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.HandleMethodNotAllowed = true
	g.Use(gin.Recovery(), requestID(), r.requestLogger(), r.metricsMiddleware(), r.cors())
	g.NoMethod(r.handleMethodNotAllowed)
	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "path": c.Request.URL.Path})
	})

	readGuard := auth.NewMiddleware(r.auth, r.opts.ProtectReads).GinAuth()

	group := g.Group(r.basePath)
	r.handle(group, http.MethodPost, "/reports", r.handleSubmit)
	r.handle(group, http.MethodGet, "/reports", readGuard, r.handleList)
	r.handle(group, http.MethodGet, "/reports/stats", readGuard, r.handleStats)
	if r.opts.Dashboard {
		g.SetHTMLTemplate(dashboardTemplate)
		r.handle(group, http.MethodGet, "/dashboard", readGuard, r.handleDashboard)
	}
	r.handle(group, http.MethodGet, "/healthz", r.handleHealth)
	if r.opts.Metrics {
		r.handle(&g.RouterGroup, http.MethodGet, "/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// handle registers a route and remembers its method for 405 responses.
func (r *Router) handle(g *gin.RouterGroup, method, path string, h ...gin.HandlerFunc) {
	g.Handle(method, path, h...)
	full := g.BasePath()
	if full == "/" {
		full = ""
	}
	full += path
	r.allowed[full] = append(r.allowed[full], method)
}

// allowedMethods lists the methods served at path, OPTIONS included.
func (r *Router) allowedMethods(path string) []string {
	ms := append([]string{}, r.allowed[path]...)
	ms = append(ms, http.MethodOptions)
	sort.Strings(ms)
	return ms
}

// NewServer builds an http.Server around h. When tlsCfg is not nil the
// server is expected to be started with ServeTLS or ListenAndServeTLS("", "").
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, readTimeout, writeTimeout time.Duration) *http.Server {
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down within
// shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
