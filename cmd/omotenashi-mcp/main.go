// Command omotenashi-mcp runs the OmotenashiQR MCP gateway: a streamable
// HTTP MCP server exposing generate_audio and generate_video tools backed by
// the OmotenashiQR media-generation API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/omotenashiqr/mcp-gateway/internal/config"
	"github.com/omotenashiqr/mcp-gateway/internal/logctx"
	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/mediatools"
	"github.com/omotenashiqr/mcp-gateway/sessions"
	"github.com/omotenashiqr/mcp-gateway/sessions/redisstore"
	"github.com/omotenashiqr/mcp-gateway/streaminghttp"
	"github.com/omotenashiqr/mcp-gateway/toolset"
	"github.com/omotenashiqr/mcp-gateway/upstream"
)

const (
	serverName    = "omotenashi-mcp-server"
	serverVersion = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, nil)})
	slog.SetDefault(log)

	client, err := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamSessionToken,
		upstream.WithClientLogger(log))
	if err != nil {
		return err
	}
	poller := upstream.NewPoller(client, cfg.PublicAssetBaseURL, upstream.WithPollerLogger(log))
	svc := mediatools.NewService(client, poller, mediatools.WithServiceLogger(log))

	store, err := newEventStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := sessions.NewRegistry()
	handler, err := streaminghttp.New(cfg.APIKey, registry, toolset.NewContainer(svc.Tools()...), store,
		mcp.ImplementationInfo{Name: serverName, Version: serverVersion},
		streaminghttp.WithLogger(log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen",
			slog.Int("port", cfg.Port),
			slog.String("endpoint", fmt.Sprintf("http://localhost:%d/mcp", cfg.Port)),
			slog.String("upstream", cfg.UpstreamBaseURL),
			slog.String("event_store", cfg.EventStore),
			slog.String("api_key", cfg.RedactedAPIKey()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown", slog.Int("sessions", registry.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
	}
	registry.CloseAll()
	return nil
}

func newEventStore(cfg *config.Config) (sessions.EventStore, error) {
	if strings.EqualFold(cfg.EventStore, "redis") {
		store, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("redis event store: %w", err)
		}
		return store, nil
	}
	return sessions.NewMemoryEventStore(0), nil
}
