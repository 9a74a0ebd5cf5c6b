// Package main provides the entry point for the memory service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trinitas-lab/tmws/internal/access"
	"github.com/trinitas-lab/tmws/internal/config"
	"github.com/trinitas-lab/tmws/internal/embedding"
	"github.com/trinitas-lab/tmws/internal/metrics"
	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/internal/service"
	"github.com/trinitas-lab/tmws/internal/session"
	"github.com/trinitas-lab/tmws/internal/storage"
	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 2
	exitStartup = 3
	exitUsage   = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		stdio           = flag.Bool("stdio", false, "Serve a single embedded client over stdin/stdout")
		httpAddr        = flag.String("http-addr", "", "HTTP listen address (overrides TMWS_HTTP_ADDR)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}

	if *showVersion {
		fmt.Printf("tmws-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		return exitOK
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitConfig
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	logger, err := initLogger(cfg, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitStartup
	}
	defer logger.Sync()

	logger.Info("Starting memory service",
		zap.String("version", Version),
		zap.String("environment", cfg.Environment),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("stdio", *stdio),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage backend", zap.Error(err))
		return exitStartup
	}
	defer store.Close()

	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("Failed to build rate limiter", zap.Error(err))
		return exitStartup
	}
	defer limiter.Close()

	embedder := embedding.NewHashEmbedder(cfg.VectorDimension)
	gateway := embedding.NewGateway(embedder, embedding.GatewayConfig{}, logger)
	defer gateway.Close()

	reg, err := registry.New(ctx, store, logger)
	if err != nil {
		logger.Error("Failed to initialize agent registry", zap.Error(err))
		return exitStartup
	}

	loader := registry.NewLoader(reg, logger)
	configPath, err := loader.Load()
	if err != nil {
		logger.Error("Failed to load custom agents", zap.Error(err))
		return exitStartup
	}
	if configPath != "" {
		watcher, err := registry.NewWatcher(configPath, loader, logger)
		if err != nil {
			logger.Error("Failed to create config watcher", zap.Error(err))
			return exitStartup
		}
		if err := watcher.Watch(ctx); err != nil {
			logger.Error("Failed to watch custom agents file", zap.Error(err))
			return exitStartup
		}
		defer watcher.Stop()
		go drainReloads(ctx, watcher, logger)
	}

	allowlist, err := validate.DefaultAllowlist()
	if err != nil {
		logger.Error("Failed to build profile path allowlist", zap.Error(err))
		return exitStartup
	}

	svc := service.New(store, reg, gateway, limiter, logger)
	m := metrics.NewPrometheus("tmws")
	router := session.NewRouter(svc, reg, limiter, allowlist, logger).WithMetrics(m)
	manager := session.NewManager(router, reg, logger).WithMetrics(m)
	manager.StartReaper(ctx)

	defaultAgent, err := resolveDefaultAgent(ctx, cfg, reg)
	if err != nil {
		logger.Error("Failed to resolve the default agent", zap.Error(err))
		return exitStartup
	}

	if *stdio {
		transport := session.NewStdioTransport(manager, logger)
		initial := defaultAgent
		if initial == nil {
			logger.Error("Stdio mode needs a default agent; set TMWS_AGENT_ID or enable TMWS_ALLOW_DEFAULT_AGENT")
			return exitConfig
		}
		if err := serveStdio(ctx, transport, initial, logger); err != nil {
			logger.Error("Stdio transport failed", zap.Error(err))
			return exitStartup
		}
		logger.Info("Server stopped successfully")
		return exitOK
	}

	auth := session.NewAuthenticator([]byte(cfg.SecretKey), cfg.IsProduction())
	srv := session.NewServer(manager, router, reg, auth, defaultAgent, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTPAddr))
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Error("Server error", zap.Error(err))
			return exitStartup
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		cancel()
	}

	logger.Info("Server stopped successfully")
	return exitOK
}

// serveStdio runs the single embedded session until stdin closes or a
// signal arrives.
func serveStdio(ctx context.Context, t *session.StdioTransport, initial *types.Agent, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return t.Serve(ctx, os.Stdin, os.Stdout, initial)
}

// openStore selects the storage backend. A memory:// DSN keeps
// everything in process, anything else is a Postgres connection string.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "memory:") {
		logger.Info("Using in-process storage backend")
		return storage.NewMemoryStore(cfg.VectorDimension), nil
	}
	return storage.OpenPostgres(ctx, cfg.DatabaseURL, cfg.VectorDimension, logger)
}

// buildLimiter picks the Redis limiter when TMWS_REDIS_URL is set, the
// in-process sliding window otherwise.
func buildLimiter(cfg *config.Config, logger *zap.Logger) (access.Limiter, error) {
	limits := access.DefaultLimits()
	limits.Requests = cfg.RateLimitRequests
	limits.Window = cfg.RateLimitPeriod

	if cfg.RedisURL == "" {
		return access.NewLocalLimiter(limits), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, types.E(types.KindValidation, "TMWS_REDIS_URL is not a valid Redis URL")
	}
	logger.Info("Using Redis rate limiter", zap.String("addr", opts.Addr))
	return access.NewRedisLimiter(redis.NewClient(opts), limits, logger), nil
}

// resolveDefaultAgent builds the unauthenticated fallback principal.
// TMWS_AGENT_ID names (and registers, if needed) a custom identity;
// otherwise development deployments fall back to the conductor. In
// production there is no fallback and every request must carry a token.
func resolveDefaultAgent(ctx context.Context, cfg *config.Config, reg *registry.Registry) (*types.Agent, error) {
	if cfg.AgentID != "" {
		agent, err := reg.Resolve(cfg.AgentID)
		if err == nil {
			return agent, nil
		}
		return reg.Register(ctx, types.AgentSpec{
			AgentID:      cfg.AgentID,
			Namespace:    cfg.AgentNamespace,
			Capabilities: cfg.AgentCapabilities,
		}, true)
	}
	if cfg.IsProduction() && !cfg.AllowDefaultAgent {
		return nil, nil
	}
	return reg.Resolve("athena-conductor")
}

// drainReloads logs config reload outcomes for operator visibility.
func drainReloads(ctx context.Context, w *registry.Watcher, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Error != nil {
				logger.Warn("Custom agents reload rejected", zap.Error(ev.Error))
			}
		}
	}
}

// initLogger builds the zap logger, optionally teeing to a rotating
// file when TMWS_LOG_FILE is set.
func initLogger(cfg *config.Config, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if format == "console" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapLevel),
	}
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotated), zapLevel))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}
