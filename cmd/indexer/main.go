package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/circularsearch/internal/ai"
	"github.com/seanblong/circularsearch/internal/chunker"
	"github.com/seanblong/circularsearch/internal/config"
	"github.com/seanblong/circularsearch/internal/crawler"
	"github.com/seanblong/circularsearch/internal/embedding"
	"github.com/seanblong/circularsearch/internal/indexer"
	"github.com/seanblong/circularsearch/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("circularsearch-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Info().Str("provider", cfg.Provider).Str("store", cfg.Store).Msg("starting circularsearch indexer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	client, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}

	st, err := store.Open(ctx, cfg.Store, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	if cfg.Store == config.StoreMemory {
		zlog.Warn().Msg("memory store selected: the index is discarded when the run ends")
	}

	if err := st.Migrate(ctx, client.Dim()); err != nil {
		log.Fatalf("Failed to migrate store: %v", err)
	}

	emb, err := embedding.New(client, client.Dim(), cfg.EmbedBatchSize)
	if err != nil {
		log.Fatal(err)
	}

	from, to, err := cfg.Crawl.Window()
	if err != nil {
		log.Fatal(err)
	}
	cr, err := crawler.New(crawler.Config{
		IndexURL:  cfg.Crawl.IndexURL,
		From:      from,
		To:        to,
		Delay:     cfg.Crawl.Delay,
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.Crawl.Timeout,
	})
	if err != nil {
		log.Fatal(err)
	}

	policy, err := chunker.ParsePolicy(cfg.Chunk.Policy)
	if err != nil {
		log.Fatal(err)
	}
	ch := chunker.New(
		chunker.WithPolicy(policy),
		chunker.WithSize(cfg.Chunk.Size),
		chunker.WithStep(cfg.Chunk.Step),
		chunker.WithMinLength(cfg.Chunk.MinLength),
		chunker.WithMaxChunks(cfg.Chunk.MaxChunks),
	)

	ix, err := indexer.New(st, cr, ch, emb, indexer.Options{
		Refresh:      cfg.Crawl.Refresh,
		MaxDocuments: cfg.Crawl.MaxDocuments,
	})
	if err != nil {
		log.Fatal(err)
	}

	stats, err := ix.Run(ctx)
	zlog.Info().Interface("stats", stats).Msg("indexing finished")
	if err != nil {
		log.Fatal(err)
	}
}
