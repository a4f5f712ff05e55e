// ABOUTME: Gateway orchestrator that wires the stage machine to its servers
// ABOUTME: Manages store, scheduler, transports, HTTP and gRPC listeners and shutdown

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/stagehand/internal/admin"
	"github.com/2389/stagehand/internal/auth"
	"github.com/2389/stagehand/internal/config"
	"github.com/2389/stagehand/internal/dedupe"
	"github.com/2389/stagehand/internal/flow"
	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/llm"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
	"github.com/2389/stagehand/internal/transport/matrix"
)

// Gateway owns every long-lived stagehand component.
type Gateway struct {
	config    *config.Config
	store     *store.SQLiteStore
	tasks     scheduler.TaskStore
	scheduler *scheduler.Scheduler
	router    *stage.Router
	commands  *admin.Commands
	gate      *intake.Gate
	recent    *dedupe.Window
	exporter  exporter
	bridge    *matrix.Bridge
	verifier  *auth.JWTVerifier

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	sender transport.Sender
	llm    *llmDeps
}

// WithSender replaces the configured outbound transport.
func WithSender(s transport.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithLLM replaces the configured model client. Any argument may be nil.
func WithLLM(gen llm.Generator, cls llm.Classifier, ext llm.Extractor) Option {
	return func(o *options) {
		o.llm = &llmDeps{generator: gen, classifier: cls, extractor: ext}
	}
}

// New builds the gateway. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dbPath := databasePath(cfg)
	sqlStore, err := initStore(dbPath)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  sqlStore,
		logger: logger.With("component", "gateway"),
	}
	if err := gw.build(dbPath, o, logger); err != nil {
		_ = gw.closeComponents()
		return nil, err
	}
	return gw, nil
}

// build wires the components. On error the caller closes whatever was opened.
func (g *Gateway) build(dbPath string, o options, logger *slog.Logger) error {
	cfg := g.config

	tasks, err := initTaskStore(cfg, dbPath)
	if err != nil {
		return err
	}
	g.tasks = tasks

	sender := o.sender
	if sender == nil {
		sender, g.bridge, err = initSender(cfg, logger)
		if err != nil {
			return err
		}
	}
	resolver := transport.NewResolver(g.store, sender, g.store)

	models := o.llm
	if models == nil {
		deps, err := initLLM(cfg, logger)
		if err != nil {
			return err
		}
		models = &deps
	}

	g.exporter, err = initExporter(cfg, logger)
	if err != nil {
		return err
	}

	g.recent = dedupe.New(cfg.Intake.DedupeTTL, cfg.Intake.DedupeSize)
	g.gate = intake.NewGate(g.store, intake.GateConfig{
		LateDropWindow: cfg.Intake.LateDropWindow,
		Recent:         g.recent,
		Logger:         logger,
	})

	registry := scheduler.NewRegistry()
	g.scheduler = scheduler.New(tasks, registry, resolver, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
		BatchSize:    cfg.Scheduler.BatchSize,
		Logger:       logger,
	})

	var owner *transport.Output
	if cfg.Owner.Address != "" {
		owner = resolver.Fixed(cfg.Owner.Address)
	}
	fl := flow.New(flow.Config{
		GreetingDelay:     cfg.Flow.GreetingDelay,
		RequiredFields:    cfg.Flow.RequiredFields,
		MaxAttempts:       cfg.Flow.MaxAttempts,
		AllowMissing:      cfg.Flow.AllowMissing,
		FirstReminder:     cfg.Flow.FirstReminder,
		SecondReminder:    cfg.Flow.SecondReminder,
		FinalReminder:     cfg.Flow.FinalReminder,
		ExportRetryDelay:  cfg.Export.RetryDelay,
		ExportMaxAttempts: cfg.Export.MaxAttempts,
		JournalLines:      cfg.Flow.JournalLines,
		OfferDocument:     cfg.Flow.OfferDocument,
		OfferVideo:        cfg.Flow.OfferVideo,
	}, flow.Deps{
		Planner:   g.scheduler,
		Journal:   g.store,
		Exporter:  g.exporter,
		Owner:     owner,
		Generator: models.generator,
		Extractor: models.extractor,
		Logger:    logger,
	})

	g.router = stage.NewRouter(stage.Config{
		Store:   g.store,
		Gate:    g.gate,
		Outputs: resolver,
		Initial: fl.Initial(),
		Escape:  llm.NewEscapeHatch(models.classifier, logger),
		Journal: g.store,
		Logger:  logger,
	})
	if err := fl.Install(g.router, registry); err != nil {
		return err
	}

	g.commands = admin.New(admin.Config{
		Allow:   cfg.Admin.Allow,
		Locker:  g.router,
		Store:   g.store,
		Journal: g.store,
		Tasks:   g.scheduler,
		Gate:    g.gate,
		Reply:   resolver,
		Logger:  logger,
	})

	if cfg.Admin.JWTSecret != "" {
		g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		logger.Warn("admin API disabled - no admin.jwt_secret configured")
	}

	if g.bridge != nil {
		g.bridge.SetDispatcher(g)
	}

	g.grpcServer, g.health = newGRPCServer()
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Deliver runs operator commands and dispatches everything else to the
// stage machine. Only transports that authenticate the sender, like the
// Matrix bridge, feed it.
func (g *Gateway) Deliver(ctx context.Context, ev intake.Event) error {
	handled, err := g.commands.Handle(ctx, ev)
	if err != nil {
		return fmt.Errorf("admin command: %w", err)
	}
	if handled {
		return nil
	}
	return g.router.Dispatch(ctx, ev)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
// The gRPC listener is nil when no gRPC address is configured.
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

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC, HTTP and the Matrix sync in goroutines, returning error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
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

	if g.bridge != nil {
		go func() {
			if err := g.bridge.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

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
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run starts the servers and the scheduler loop and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.scheduler.Start()
	setServing(g.health, true)

	errCh := g.startServers(runCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "stagehand", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
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

// closeComponents releases the stores and caches. Safe to call more than once.
func (g *Gateway) closeComponents() error {
	g.closeOnce.Do(func() {
		var errs []error
		if g.scheduler != nil {
			g.scheduler.Stop()
		}
		if g.recent != nil {
			g.recent.Close()
		}
		if g.exporter != nil {
			errs = appendCloseError(errs, "exporter close", g.exporter.Close())
		}
		if g.tasks != nil {
			errs = appendCloseError(errs, "task store close", g.tasks.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	setServing(g.health, false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if err := g.closeComponents(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
