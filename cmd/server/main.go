package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convo-relay/chatserver/internal/api"
	"github.com/convo-relay/chatserver/internal/config"
	"github.com/convo-relay/chatserver/internal/core"
	"github.com/convo-relay/chatserver/internal/logger"
	"github.com/convo-relay/chatserver/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		appLog.Fatal().Err(err).Str("database", cfg.DatabaseURL).Msg("Failed to initialize database")
	}
	defer dbStore.Close()

	llmService, err := core.NewLLMService(context.Background(), core.LLMOptions{
		Provider: cfg.LLMProvider,
		APIURL:   cfg.LLMAPIURL,
		Model:    modelFor(cfg),
		APIKey:   cfg.CompletionAPIKey(),
		Timeout:  cfg.LLMTimeout,
	})
	if err != nil {
		appLog.Fatal().Err(err).Msg("Failed to initialize LLM service")
	}
	defer llmService.Close()
	if llmService.Offline() {
		appLog.Warn().Str("provider", cfg.LLMProvider).Msg("No API key configured, chat replies are offline placeholders")
	}

	staticHandler, err := api.NewStaticHandler(cfg.StaticDir)
	if err != nil {
		appLog.Fatal().Err(err).Str("dir", cfg.StaticDir).Msg("Failed to resolve static directory")
	}

	chatService := core.NewChatService(dbStore, llmService)
	apiHandler := api.NewAPIHandler(chatService, staticHandler)
	router := api.NewRouter(apiHandler, appLog)

	serverAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second, // outlive the completion call
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLog.Info().Str("addr", serverAddr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLog.Error().Err(err).Msg("Server forced to shutdown")
	}
	appLog.Info().Msg("Server exiting gracefully")
}

func modelFor(cfg *config.Config) string {
	if cfg.LLMProvider == config.ProviderGemini {
		return cfg.GeminiModel
	}
	return cfg.LLMModel
}
