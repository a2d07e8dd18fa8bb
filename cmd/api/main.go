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

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/circularsearch/internal/ai"
	"github.com/seanblong/circularsearch/internal/answer"
	"github.com/seanblong/circularsearch/internal/api"
	"github.com/seanblong/circularsearch/internal/auth"
	"github.com/seanblong/circularsearch/internal/config"
	"github.com/seanblong/circularsearch/internal/embedding"
	"github.com/seanblong/circularsearch/internal/search"
	"github.com/seanblong/circularsearch/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("circularsearch-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting circularsearch api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := auth.New(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
	if err != nil {
		log.Fatal(err)
	}

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", c.Dim()).Str("embed_model", clientConfig.EmbedModel).
		Str("generate_model", clientConfig.GenerateModel).Str("fallback_model", clientConfig.FallbackModel).Msg("AI client initialized")

	st, err := store.Open(ctx, cfg.Store, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatalf("Failed to migrate store: %v", err)
	}

	emb, err := embedding.New(c, c.Dim(), cfg.EmbedBatchSize)
	if err != nil {
		log.Fatal(err)
	}
	composer := answer.New(c, st, answer.Config{
		Model:         clientConfig.GenerateModel,
		FallbackModel: clientConfig.FallbackModel,
		HistoryTurns:  cfg.Retrieval.HistoryTurns,
		MaxTitles:     cfg.Retrieval.MaxTitles,
	})
	svc := search.NewService(emb, st, composer, cfg.Retrieval.Threshold, cfg.Retrieval.Limit)

	if a.IsAuthEnabled() {
		logger.Info().Msg("Authentication is ENABLED")
	} else {
		logger.Info().Msg("Authentication is DISABLED - query endpoints are open")
	}

	server := api.New(svc, st, a, logger)
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
