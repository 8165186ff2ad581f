// ABOUTME: Gateway orchestrator that wires the desk components to the HTTP and gRPC servers
// ABOUTME: Manages store, dispatch queue, realtime sessions, listeners (TCP or tsnet) and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/dedupe"
	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/events"
	"github.com/2389/coven-desk/internal/inbound"
	"github.com/2389/coven-desk/internal/media"
	"github.com/2389/coven-desk/internal/metrics"
	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/provider"
	"github.com/2389/coven-desk/internal/realtime"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/store"
)

const (
	// dedupeTTL bounds how long a provider message id is remembered in memory.
	// The store's unique index remains the durable check.
	dedupeTTL     = 24 * time.Hour
	dedupeMaxSize = 100_000

	healthInterval = 15 * time.Second
	tsnetGRPCPort  = ":50051"
)

// Gateway orchestrates the coven-desk server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	conversations *conversation.Service
	registry      *presence.Registry
	topics        *realtime.Topics
	fanout        *realtime.Fanout
	realtime      *realtime.Server
	views         *realtime.Views
	provider      *provider.Client
	inbound       *inbound.Processor
	queue         *dispatch.Queue
	queueCancel   context.CancelFunc
	authenticator *auth.Authenticator
	verifier      auth.TokenVerifier
	metrics       *metrics.Recorder
	emitter       *events.Emitter
	dedupe        *dedupe.Cache

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// Option customizes how New builds a Gateway.
type Option func(*options)

type options struct {
	store      store.Store
	httpClient *http.Client
	publisher  events.Publisher
	command    media.CommandFunc
}

// WithStore uses s instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient sets the client used for provider API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithPublisher sets the event publisher instead of dialing events.amqp_url.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMediaCommand replaces the ffmpeg command builder.
func WithMediaCommand(fn media.CommandFunc) Option {
	return func(o *options) { o.command = fn }
}

// initStore opens the SQLite store, honoring the COVEN_DESK_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initEmitter connects the AMQP publisher when configured. It returns a nil Emitter when
// events are disabled.
func initEmitter(ctx context.Context, cfg *config.Config, pub events.Publisher, logger *slog.Logger) (*events.Emitter, error) {
	if pub == nil {
		if cfg.Events.AMQPURL == "" {
			return nil, nil
		}
		conn, err := events.DialWithRetry(ctx, events.ConnectionOptions{
			URL:           cfg.Events.AMQPURL,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to event broker: %w", err)
		}
		amqpPub, err := events.NewAMQPPublisher(conn, cfg.Events.Exchange, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		pub = amqpPub
		logger.Info("domain events enabled", "exchange", cfg.Events.Exchange)
	}
	return events.NewEmitter(pub, 0, logger), nil
}

// New creates a Gateway from cfg. The dispatch queue starts immediately; listeners start in Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	emitter, err := initEmitter(ctx, cfg, o.publisher, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	rec := metrics.NewRecorder()
	g := &Gateway{
		config:  cfg,
		store:   s,
		logger:  logger.With("component", "gateway"),
		metrics: rec,
		emitter: emitter,
		dedupe:  dedupe.New(dedupeTTL, dedupeMaxSize),
		health:  health.NewServer(),
	}

	var providerOpts []provider.Option
	providerOpts = append(providerOpts, provider.WithObserver(rec.ObserveProvider))
	if o.httpClient != nil {
		providerOpts = append(providerOpts, provider.WithHTTPClient(o.httpClient))
	}
	g.provider = provider.NewClient(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		APIVersion:    cfg.Provider.APIVersion,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		AccessToken:   cfg.Provider.AccessToken,
		Timeout:       cfg.Provider.Timeout,
		MaxMediaBytes: cfg.Provider.MaxMediaBytes,
	}, logger, providerOpts...)

	var mediaOpts []media.Option
	if o.command != nil {
		mediaOpts = append(mediaOpts, media.WithCommand(o.command))
	}
	pipeline := media.New(media.Config{
		FFmpegPath: cfg.Media.FFmpegPath,
		ScratchDir: cfg.Media.ScratchDir,
		Timeout:    cfg.Media.TranscodeTimeout,
	}, g.provider, logger, mediaOpts...)

	assigner := routing.NewAssigner(logger, routing.WithObserver(rec.ObserveAssignment))
	g.conversations = conversation.New(s, assigner.Assign, g.dedupe, logger)

	g.registry = presence.NewRegistry(logger)
	g.topics = realtime.NewTopics(logger)
	g.fanout = realtime.NewFanout(g.registry, g.topics, logger, realtime.WithFanoutObserver(rec.ObserveFanout))
	g.views = realtime.NewViews(s, g.registry)

	// The verifier must stay a nil interface when auth is off.
	var generator *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		generator = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		g.verifier = generator
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}
	g.authenticator = auth.NewAuthenticator(s, generator, cfg.Auth.TokenTTL)

	g.realtime = realtime.NewServer(realtime.Config{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
	}, realtime.Deps{
		Registry:      g.registry,
		Topics:        g.topics,
		Agents:        s,
		Conversations: g.conversations,
		Views:         g.views,
		Verifier:      g.verifier,
	}, logger)

	g.inbound = inbound.NewProcessor(g.conversations, g.provider, g.fanout, logger,
		inbound.WithMediaPolicy(inbound.MediaPolicy(cfg.Provider.MediaPolicy)),
		inbound.WithObserver(func(out inbound.Outcome) {
			rec.ObserveInbound(out)
			g.emitter.InboundObserved(out)
		}),
	)

	runner := dispatch.NewSendRunner(g.provider, pipeline, g.conversations, logger)
	g.queue = dispatch.NewQueue(dispatch.Config{
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		StatusHistory: cfg.Dispatch.StatusHistory,
	}, runner, logger,
		dispatch.WithHooks(dispatch.Hooks{OnSent: g.onJobSent, OnFailed: g.onJobFailed}),
		dispatch.WithObserver(rec),
	)
	queueCtx, cancel := context.WithCancel(context.Background())
	g.queueCancel = cancel
	g.queue.Start(queueCtx)

	g.grpcServer = newGRPCServer(g.health)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.refreshHealth(ctx)
	return g, nil
}

// Handler returns the HTTP handler serving every desk route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	go g.watchHealth(healthCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopHealth()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-desk", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
// With funnel enabled the HTTP listener is public, which is how the provider reaches the webhook.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tsnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, lets in-flight sends finish, then releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "realtime shutdown", g.realtime.Shutdown(ctx))
	errs = appendCloseError(errs, "dispatch shutdown", g.queue.Shutdown(ctx))
	g.queueCancel()

	shutdownGRPCServer(ctx, g.grpcServer)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "events close", g.emitter.Close(ctx))
	g.topics.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// ready reports why the desk cannot serve traffic, or nil.
func (g *Gateway) ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if !g.queue.Running() {
		return errors.New("dispatch queue not running")
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the dispatch queue runs.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.refreshHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected, %d queued)", g.registry.Count(), g.queue.Depth())
}
