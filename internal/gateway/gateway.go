// ABOUTME: Gateway orchestrator that wires the registry, router and relay to both transports
// ABOUTME: Manages the gRPC and HTTP servers, the store, and health endpoints lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/mskumargvd/arushi-cloud/internal/agent"
	"github.com/mskumargvd/arushi-cloud/internal/alert"
	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/config"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/pending"
	"github.com/mskumargvd/arushi-cloud/internal/router"
	"github.com/mskumargvd/arushi-cloud/internal/store"
	"github.com/mskumargvd/arushi-cloud/internal/telemetry"
)

// maxPendingCommands bounds the correlation cache.
const maxPendingCommands = 10_000

// Gateway orchestrates the arushi-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	metrics     *metrics.Metrics
	hub         *hub.Hub
	registry    *agent.Registry
	router      *router.Router
	relay       *telemetry.Relay
	pending     *pending.Cache
	validator   auth.Validator
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the configured store. ARUSHI_DB_PATH overrides the sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	opts := store.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		URL:    cfg.Database.URL,
		Schema: cfg.Database.Schema,
	}
	if envPath := os.Getenv("ARUSHI_DB_PATH"); envPath != "" {
		opts.Path = envPath
	}

	s, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newValidator builds the credential validator. A bcrypt hash of the agent
// secret takes precedence over the plain secret.
func newValidator(cfg *config.Config) auth.Validator {
	var agents auth.SecretMatcher = auth.PlainSecret(cfg.Auth.AgentSecret)
	if cfg.Auth.AgentSecretHash != "" {
		agents = auth.HashedSecret(cfg.Auth.AgentSecretHash)
	}
	return auth.NewCredentialValidator(agents, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
}

// newAlertSink combines the log sink with any configured external sinks.
func newAlertSink(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (alert.Sink, error) {
	sinks := []alert.Sink{alert.NewLogSink(logger)}
	if mx := cfg.Alerts.Matrix; mx.Enabled {
		ms, err := alert.NewMatrixSink(mx.Homeserver, mx.UserID, mx.AccessToken, mx.RoomID, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ms)
		logger.Info("matrix alerts enabled", "room_id", mx.RoomID)
	}
	return alert.NewMulti(logger, m, sinks...), nil
}

// createGRPCServer creates the gRPC server with the auth interceptor.
func createGRPCServer(validator auth.Validator, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(validator, logger.With("component", "auth"))),
	)
}

// New creates a new Gateway instance with the given configuration. The
// registry is seeded from the store before New returns.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	sink, err := newAlertSink(cfg, m, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	connections := hub.New(logger, m)
	registry := agent.NewRegistry(s, connections, agent.Options{
		GracePeriod:      cfg.Agents.ReconnectGracePeriod,
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		SampleInterval:   cfg.Agents.SampleInterval,
		SampleBurst:      cfg.Agents.SampleBurst,
		Alerts:           sink,
		Metrics:          m,
		Logger:           logger,
	})
	if err := registry.Recover(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recovering registry: %w", err)
	}

	ttl := cfg.Commands.CorrelationTTL
	if ttl <= 0 {
		ttl = config.DefaultCorrelationTTL
	}
	correlations := pending.New(ttl, maxPendingCommands, nil)

	validator := newValidator(cfg)
	gw := &Gateway{
		config:    cfg,
		store:     s,
		metrics:   m,
		hub:       connections,
		registry:  registry,
		pending:   correlations,
		validator: validator,
		router: router.New(registry, connections, s, router.Options{
			FallbackBroadcast: cfg.Commands.FallbackEnabled(),
			Pending:           correlations,
			Metrics:           m,
			Logger:            logger,
		}),
		relay: telemetry.New(connections, s, telemetry.Options{
			AuditSeverity: cfg.Telemetry.AuditSeverity,
			Metrics:       m,
			Logger:        logger,
		}),
		grpcServer: createGRPCServer(validator, logger),
		logger:     logger.With("component", "gateway"),
	}

	gw.grpcServer.RegisterService(&gatewayServiceDesc, newGatewayService(gw, logger.With("component", "grpc")))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP routes: the WebSocket endpoint, health checks,
// the console API and optionally metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Peers authenticate before upgrade
	mux.HandleFunc("GET /ws", g.handleWebSocket)

	requireConsole := auth.RequireConsoleHTTP(g.validator)
	mux.Handle("GET /api/agents", requireConsole(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/stats/history/{agentId}", requireConsole(http.HandlerFunc(g.handleStatsHistory)))
	mux.Handle("GET /api/logs", requireConsole(http.HandlerFunc(g.handleLogs)))

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = config.DefaultMetricsPath
		}
		mux.Handle("GET "+path, g.metrics.Handler())
	}
	return mux
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
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

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
// A nil gRPC listener leaves gRPC disabled.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if g.config.Agents.HeartbeatTimeout > 0 {
		g.logger.Info("heartbeat staleness sweep enabled", "timeout", g.config.Agents.HeartbeatTimeout)
		go g.registry.RunStaleSweep(sweepCtx)
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Agents still in their grace period are left for the next start to mark offline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Stop the registry first so closing live sessions arms no grace timers.
	g.registry.Stop()
	g.hub.CloseAll()
	g.shutdownGRPCServer(ctx)
	g.pending.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
