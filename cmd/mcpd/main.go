// Command mcpd runs a streamable HTTP MCP server. Configuration comes from an
// optional YAML file plus environment overrides; see internal/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamplane/mcpd/auth"
	"github.com/streamplane/mcpd/auth/authtest"
	"github.com/streamplane/mcpd/internal/config"
	"github.com/streamplane/mcpd/internal/metrics"
	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/sessions"
	"github.com/streamplane/mcpd/sessions/memoryhost"
	"github.com/streamplane/mcpd/sessions/redishost"
	"github.com/streamplane/mcpd/streaminghttp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, closeHost, err := newSessionHost(cfg.Sessions)
	if err != nil {
		return err
	}
	defer closeHost()

	authenticator, secOpt, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	server, lv := newServerCapabilities(cfg)
	applyLogLevel(lv, cfg.Logging.Level)

	sink := metrics.NewSink("mcpd")
	opts := []streaminghttp.Option{
		streaminghttp.WithServerName(cfg.Server.Name),
		streaminghttp.WithLogger(log),
		streaminghttp.WithRequestTimeout(cfg.Server.RequestTimeout),
		streaminghttp.WithSessionConfig(sessioncore.ManagerConfig{
			DefaultTTL:    cfg.Sessions.TTL,
			SweepInterval: cfg.Sessions.SweepInterval,
			Metrics:       sink,
			Logger:        log,
		}),
	}
	if secOpt != nil {
		opts = append(opts, secOpt)
	}

	h, err := streaminghttp.New(ctx, cfg.Server.PublicEndpoint, host, server, authenticator, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, log, cfg.Metrics, sink)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Server.Addr), slog.String("endpoint", cfg.Server.PublicEndpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newSessionHost(cfg config.SessionsConfig) (sessions.SessionHost, func(), error) {
	switch cfg.Backend {
	case "redis":
		host, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("redis session host: %w", err)
		}
		return host, func() { _ = host.Close() }, nil
	default:
		return memoryhost.New(), func() {}, nil
	}
}

// newAuthenticator builds the authenticator for the configured mode. In
// "none" mode every bearer token is accepted; never run that on a network
// you do not control.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, streaminghttp.Option, error) {
	switch cfg.Auth.Mode {
	case "oidc":
		if cfg.Auth.JWKSURL != "" {
			sec := auth.SecurityConfig{
				Issuer:    cfg.Auth.Issuer,
				Audiences: cfg.Auth.Audiences,
				JWKSURL:   cfg.Auth.JWKSURL,
			}
			sec.Normalize()
			a, err := sec.NewManualJWTAuthenticator(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("manual jwt authenticator: %w", err)
			}
			return a, nil, nil
		}
		a, err := auth.NewFromDiscovery(ctx, cfg.Auth.Issuer, cfg.Auth.Audiences[0])
		if err != nil {
			return nil, nil, fmt.Errorf("oidc discovery: %w", err)
		}
		return a, nil, nil
	default:
		return authtest.NewNoAuth("local-user"), nil, nil
	}
}

func applyLogLevel(lv *slog.LevelVar, level string) {
	switch level {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
}

func startMetricsServer(ctx context.Context, log *slog.Logger, cfg config.MetricsConfig, sink *metrics.Sink) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, sink.Handler())
	msrv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics.serve.fail", slog.String("err", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = msrv.Shutdown(shutdownCtx)
	}()
}
