package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirhf/imageSearch/services/lookalike-go/api"
	"github.com/amirhf/imageSearch/services/lookalike-go/client"
	"github.com/amirhf/imageSearch/services/lookalike-go/config"
	"github.com/amirhf/imageSearch/services/lookalike-go/history"
	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Storage
	store, err := storage.Open(ctx, cfg.History)
	if err != nil {
		logger.Error("failed to open history storage", "backend", cfg.History.Backend, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	searchClient, err := client.New(cfg.SearchURL, client.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create search client", "err", err)
		os.Exit(1)
	}
	defer searchClient.Close()

	policy := history.KeepWithoutCredential
	if cfg.ClearWithoutCredential {
		policy = history.ClearWithoutCredential
	}
	handler := api.NewHandler(searchClient, store, logger, policy)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("lookalike service running", "port", cfg.Port, "search_api", cfg.SearchURL, "history", cfg.History.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
	logger.Info("server stopped")
}
