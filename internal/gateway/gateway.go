// ABOUTME: Gateway orchestrator that wires auth, store, audit and sessions behind one HTTP server
// ABOUTME: Owns the /ws upgrade, health endpoints, metrics, stale-session janitor and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/dispatch-relay/internal/audit"
	"github.com/2389/dispatch-relay/internal/auth"
	"github.com/2389/dispatch-relay/internal/config"
	"github.com/2389/dispatch-relay/internal/store"
)

// primeTimeout bounds the startup key fetch.
const primeTimeout = 30 * time.Second

// readyCheckTimeout bounds the store ping behind /health/ready.
const readyCheckTimeout = 2 * time.Second

// Readiness reports whether a dependency can serve requests.
type Readiness interface {
	Ready() bool
}

// Deps are the collaborators a Gateway is assembled from. New builds them
// from configuration; tests supply their own through NewWithDeps.
type Deps struct {
	Store     store.Store
	Validator auth.TokenValidator
	// Keys gates /health/ready. Optional.
	Keys Readiness
	// Sink receives action log entries. Defaults to Store.
	Sink audit.Sink
	// Registry receives the gateway metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry
	// Closers are closed after the store on shutdown.
	Closers []func() error
}

// Gateway orchestrates the dispatch-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	validator  auth.TokenValidator
	keys       Readiness
	recorder   *audit.Recorder
	registry   *Registry
	router     *Router
	metrics    *Metrics
	promReg    *prometheus.Registry
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	sessionCfg SessionConfig
	closers    []func() error
	logger     *slog.Logger

	// sessionCtx outlives individual requests and is cancelled on shutdown.
	sessionCtx     context.Context
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Gateway from configuration: it opens the store, primes the
// signing key cache and selects the audit sink. A key cache that cannot be
// primed is fatal.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.Open(cfg.Database.Path, store.Options{
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMS: int(cfg.Database.BusyTimeout / time.Millisecond),
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(promReg)

	certsURL := cfg.Access.CertsURL
	if certsURL == "" {
		certsURL = auth.CertsURL(cfg.Access.TeamDomain)
	}
	keys := auth.NewKeyCache(auth.NewCertFetcher(certsURL, nil), cfg.Access.KeyTTL, logger)
	keys.OnRefresh = metrics.observeKeyRefresh

	primeCtx, cancel := context.WithTimeout(context.Background(), primeTimeout)
	defer cancel()
	if err := keys.Prime(primeCtx); err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	logger.Info("signing keys loaded", "certs_url", certsURL)

	verifier, err := auth.NewAccessVerifier(keys, auth.VerifierConfig{
		Audience:   cfg.Access.Audience,
		Issuer:     cfg.Access.Issuer,
		Algorithms: cfg.Access.Algorithms,
		Leeway:     cfg.Access.Leeway,
	})
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("creating verifier: %w", err)
	}

	sink, closers := buildSink(cfg, sqlStore, logger)

	return newGateway(cfg, Deps{
		Store:     sqlStore,
		Validator: verifier,
		Keys:      keys,
		Sink:      sink,
		Registry:  promReg,
		Closers:   closers,
	}, metrics, logger), nil
}

// buildSink picks the action log destination for audit.backend.
func buildSink(cfg *config.Config, sqlStore *store.SQLiteStore, logger *slog.Logger) (audit.Sink, []func() error) {
	if cfg.Audit.Backend == "sqlite" {
		return sqlStore, nil
	}

	redisSink := audit.NewRedisSink(audit.RedisConfig{
		Addr:   cfg.Audit.Redis.Addr,
		Stream: cfg.Audit.Redis.Stream,
		MaxLen: cfg.Audit.Redis.MaxLen,
	})
	logger.Info("action log streaming to redis", "addr", cfg.Audit.Redis.Addr, "backend", cfg.Audit.Backend)

	if cfg.Audit.Backend == "redis" {
		return redisSink, []func() error{redisSink.Close}
	}
	return audit.Tee(sqlStore, redisSink), []func() error{redisSink.Close}
}

// NewWithDeps assembles a Gateway around prebuilt collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("token validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	return newGateway(cfg, deps, NewMetrics(deps.Registry), logger), nil
}

func newGateway(cfg *config.Config, deps Deps, metrics *Metrics, logger *slog.Logger) *Gateway {
	sink := deps.Sink
	if sink == nil {
		sink = deps.Store
	}

	recorder := audit.NewRecorder(sink, audit.Options{
		Logger:   logger,
		Failures: metrics.AuditFailures,
		Recorded: metrics.AuditRecorded,
	})

	sessionCtx, cancelSessions := context.WithCancel(context.Background())

	g := &Gateway{
		config:    cfg,
		store:     deps.Store,
		validator: deps.Validator,
		keys:      deps.Keys,
		recorder:  recorder,
		registry:  NewRegistry(logger.With("component", "registry")),
		router:    NewRouter(recorder, logger),
		metrics:   metrics,
		promReg:   deps.Registry,
		upgrader:  makeUpgrader(cfg.Server.AllowedOrigins),
		sessionCfg: SessionConfig{
			KeepaliveInterval: cfg.Session.KeepaliveInterval,
			PongTimeout:       cfg.Session.PongTimeout,
			WriteTimeout:      cfg.Session.WriteTimeout,
			SendQueue:         cfg.Session.SendQueue,
			MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		},
		closers:        deps.Closers,
		logger:         logger.With("component", "gateway"),
		sessionCtx:     sessionCtx,
		cancelSessions: cancelSessions,
	}

	g.handler = g.routes(logger)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

func (g *Gateway) routes(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path,
			promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{Registry: g.promReg}))
	}

	r.With(g.countUpgrades, auth.Middleware(g.validator, g.store, logger)).
		Get("/ws", g.handleWebSocket)

	return r
}

// makeUpgrader allows every origin when allowedOrigins is empty or ["*"].
// Requests without an Origin header come from non-browser clients and pass.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry returns the live session registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Router returns the frame router so callers can install domain handlers.
func (g *Gateway) Router() *Router {
	return g.router
}

// Addr returns the listening address once Run has bound it.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// handleWebSocket upgrades an authenticated request and runs the session
// until it ends. The handler goroutine owns the session.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if ac == nil || ac.User == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	// Counted before the hijack so Shutdown cannot miss this session.
	g.sessions.Add(1)
	defer g.sessions.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.metrics.UpgradesTotal.WithLabelValues("error").Inc()
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	g.metrics.UpgradesTotal.WithLabelValues("ok").Inc()

	remote := clientAddr(r)
	sess := newSession(conn, ac.User.ID, ac.User.Email, remote, g.sessionCfg, sessionDeps{
		sessions: g.store,
		recorder: g.recorder,
		router:   g.router,
		registry: g.registry,
		metrics:  g.metrics,
		logger:   g.logger,
	})

	ctx, cancel := context.WithTimeout(g.sessionCtx, cleanupTimeout)
	err = g.store.CreateSession(ctx, &store.UserSession{ID: sess.ID, UserID: sess.UserID, RemoteAddr: remote})
	cancel()
	if err != nil {
		g.logger.Warn("failed to record session row", "session_id", sess.ID, "error", err)
	}

	if err := g.registry.Register(sess); err != nil {
		g.logger.Error("registering session", "session_id", sess.ID, "error", err)
		_ = conn.Close()
		return
	}
	g.metrics.SessionsActive.Inc()
	g.recorder.Connect(r.Context(), sess.UserID, remote)

	sess.run(g.sessionCtx)
}

// countUpgrades records rejected upgrade attempts by status.
func (g *Gateway) countUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		switch ww.Status() {
		case http.StatusUnauthorized:
			g.metrics.UpgradesTotal.WithLabelValues("unauthorized").Inc()
		case http.StatusForbidden:
			g.metrics.UpgradesTotal.WithLabelValues("forbidden").Inc()
		case http.StatusInternalServerError:
			g.metrics.UpgradesTotal.WithLabelValues("error").Inc()
		}
	})
}

// clientAddr prefers the address reported by the access proxy.
func clientAddr(r *http.Request) string {
	if ip := r.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// startServers starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServers(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	// Rows left behind by an unclean stop belong to no live connection.
	g.sweepStaleSessions(ctx, 0)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		g.runJanitor(janitorCtx)
	}()

	errCh := g.startServers(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopJanitor()
	<-janitorDone

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// runJanitor removes session rows whose last ping is older than stale_after.
func (g *Gateway) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(g.config.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepStaleSessions(ctx, g.config.Session.StaleAfter)
		}
	}
}

func (g *Gateway) sweepStaleSessions(ctx context.Context, maxAge time.Duration) {
	n, err := g.store.CleanupStaleSessions(ctx, maxAge)
	if err != nil {
		g.logger.Warn("stale session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		g.metrics.StaleSessions.Add(float64(n))
		g.logger.Info("removed stale sessions", "count", n)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every live session and
// releases the store. Sessions still open when ctx expires are cut off.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "sessions", g.registry.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeSessions(ctx)

	errs = appendCloseError(errs, "store close", g.store.Close())
	for _, closeFn := range g.closers {
		errs = appendCloseError(errs, "sink close", closeFn())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeSessions sends every session a close frame and waits for their
// teardown, cancelling them outright if ctx expires first.
func (g *Gateway) closeSessions(ctx context.Context) {
	g.registry.CloseAll("server shutdown")

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("sessions did not close in time, cancelling")
		g.cancelSessions()
		<-done
	}
	g.cancelSessions()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once signing keys are loaded and the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.keys != nil && !g.keys.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("signing keys not loaded"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Count())
}
