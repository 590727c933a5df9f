// Command mcpmux runs the multi-tenant session multiplexer with the
// reference echo protocol engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpmux/mcpmux/auth"
	"github.com/mcpmux/mcpmux/broker"
	memorybroker "github.com/mcpmux/mcpmux/broker/memory"
	redisbroker "github.com/mcpmux/mcpmux/broker/redis"
	"github.com/mcpmux/mcpmux/gateway"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/service/echoservice"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mcpmux.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	authn, err := buildAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}

	var b broker.Broker
	if cfg.RedisAddr != "" {
		rb := redisbroker.New(redisbroker.Config{Addr: cfg.RedisAddr})
		defer rb.Close()
		b = rb
		log.Info("broker.redis", slog.String("addr", cfg.RedisAddr))
	} else {
		b = memorybroker.New()
		log.Info("broker.memory")
	}

	gw, err := gateway.New(echoservice.New(log), b, authn,
		gateway.WithLogger(log),
		gateway.WithModeTag(cfg.ModeTag),
		gateway.WithKeepAliveInterval(cfg.KeepAliveInterval),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr), slog.String("mode", cfg.ModeTag))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func buildAuthenticator(ctx context.Context, cfg *config.Config, log *slog.Logger) (auth.TenantAuthenticator, error) {
	switch {
	case cfg.AuthIssuer != "" && cfg.AuthJWKSURL != "":
		jcfg := auth.DefaultJWTConfig()
		jcfg.Issuer = cfg.AuthIssuer
		if cfg.AuthAudience != "" {
			jcfg.ExpectedAudiences = []string{cfg.AuthAudience}
		}
		return auth.NewJWT(ctx, jcfg, cfg.AuthJWKSURL)
	case cfg.AuthIssuer != "":
		jcfg := auth.DefaultJWTConfig()
		jcfg.Issuer = cfg.AuthIssuer
		if cfg.AuthAudience != "" {
			jcfg.ExpectedAudiences = []string{cfg.AuthAudience}
		}
		return auth.NewJWTFromDiscovery(ctx, jcfg)
	case cfg.TenantAllowlistPath != "":
		return auth.NewFileAllowlist(ctx, cfg.TenantAllowlistPath, log)
	default:
		return auth.AllowAll{}, nil
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
