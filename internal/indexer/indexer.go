package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/ai"
	"github.com/seanblong/circularsearch/internal/chunker"
	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/internal/store"
	"github.com/seanblong/circularsearch/pkg/models"
)

// Source lists circulars and fetches their text.
type Source interface {
	Rows(ctx context.Context) ([]models.Row, error)
	InRange(r models.Row) bool
	FetchText(ctx context.Context, url string) (string, error)
}

// Embedder embeds segments, one result per input in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, task ai.TaskType) []outcome.Result[[]float32]
}

// ErrNothingEmbedded is reported when every segment of a document failed to embed.
var ErrNothingEmbedded = errors.New("no segment could be embedded")

// Options tune a run.
type Options struct {
	// Refresh re-fetches documents that are already stored and replaces their chunks.
	Refresh bool
	// MaxDocuments caps the documents processed per run; 0 means no cap.
	MaxDocuments int
}

// Stats summarises a run.
type Stats struct {
	Rows     int `json:"rows"`
	InRange  int `json:"in_range"`
	Skipped  int `json:"skipped"`
	Ingested int `json:"ingested"`
	Failed   int `json:"failed"`
	Chunks   int `json:"chunks"`
}

// Indexer ingests circulars into the document store.
type Indexer struct {
	Store    store.DocumentStore
	Source   Source
	Chunker  *chunker.Chunker
	Embedder Embedder
	Options  Options
}

// New creates a new Indexer instance.
func New(s store.DocumentStore, src Source, ch *chunker.Chunker, emb Embedder, opts Options) (*Indexer, error) {
	if s == nil || src == nil || emb == nil {
		return nil, outcome.Configf("indexer", "store, source and embedder are required")
	}
	if ch == nil {
		ch = chunker.New()
	}
	if opts.MaxDocuments < 0 {
		opts.MaxDocuments = 0
	}
	return &Indexer{Store: s, Source: src, Chunker: ch, Embedder: emb, Options: opts}, nil
}

// Run walks the index once. Rows are processed strictly in page order.
// Configuration errors abort the run; any other failure is confined to the
// document it happened on.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Logger()
	started := time.Now()

	logger.Info().Bool("refresh", ix.Options.Refresh).Int("max_documents", ix.Options.MaxDocuments).Msg("ingest started")

	rows, err := ix.Source.Rows(ctx)
	if err != nil {
		return stats, fmt.Errorf("list circulars: %w", err)
	}
	stats.Rows = len(rows)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !ix.Source.InRange(row) {
			continue
		}
		stats.InRange++

		if ix.Options.MaxDocuments > 0 && stats.Ingested+stats.Failed >= ix.Options.MaxDocuments {
			logger.Info().Int("max_documents", ix.Options.MaxDocuments).Msg("document cap reached")
			break
		}

		rl := logger.With().Str("url", row.Link).Str("title", row.Title).Logger()

		_, found, err := ix.Store.FindDocument(ctx, row.Link)
		if err != nil {
			if outcome.IsFatal(err) {
				return stats, err
			}
			rl.Error().Err(err).Msg("dedup check failed")
			stats.Failed++
			continue
		}
		if found && !ix.Options.Refresh {
			rl.Debug().Msg("already indexed")
			stats.Skipped++
			continue
		}

		n, err := ix.ingest(ctx, rl, row, found)
		if err != nil {
			if outcome.IsFatal(err) {
				rl.Error().Err(err).Msg("aborting run")
				return stats, err
			}
			rl.Warn().Err(err).Str("kind", outcome.KindOf(err).String()).Msg("document failed")
			stats.Failed++
			continue
		}
		stats.Ingested++
		stats.Chunks += n
	}

	logger.Info().
		Int("rows", stats.Rows).
		Int("in_range", stats.InRange).
		Int("skipped", stats.Skipped).
		Int("ingested", stats.Ingested).
		Int("failed", stats.Failed).
		Int("chunks", stats.Chunks).
		Dur("took", time.Since(started)).
		Msg("ingest finished")
	return stats, nil
}

// ingest registers, fetches, chunks, embeds and stores one circular. It
// returns the number of chunks stored.
func (ix *Indexer) ingest(ctx context.Context, l zerolog.Logger, row models.Row, existed bool) (int, error) {
	id, _, err := ix.Store.UpsertDocument(ctx, row.Title, row.Link, row.Date)
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}

	text, err := ix.Source.FetchText(ctx, row.Link)
	if err != nil {
		if existed {
			if cerr := ix.Store.InsertChunks(ctx, id, nil); cerr != nil {
				l.Warn().Err(cerr).Msg("clearing stale chunks failed")
			}
		}
		// one unreachable page never stops the run
		if outcome.IsFatal(err) {
			err = outcome.New(outcome.Transient, "fetch", err)
		}
		return 0, fmt.Errorf("fetch: %w", err)
	}

	segs := ix.Chunker.Split(text)
	if len(segs) == 0 {
		l.Info().Int("chars", len(text)).Msg("document too short, no chunks")
		if existed {
			if err := ix.Store.InsertChunks(ctx, id, nil); err != nil {
				return 0, fmt.Errorf("clear chunks: %w", err)
			}
		}
		return 0, nil
	}

	results := ix.Embedder.EmbedBatch(ctx, segs, ai.TaskDocument)
	chunks := make([]models.Chunk, 0, len(segs))
	for i, r := range results {
		if !r.OK() {
			if outcome.IsFatal(r.Err) {
				return 0, r.Err
			}
			l.Warn().Err(r.Err).Int("chunk", i).Msg("skipping chunk, embedding failed")
			continue
		}
		chunks = append(chunks, models.Chunk{
			ChunkIndex: i,
			Content:    segs[i],
			Embedding:  r.Value,
		})
	}
	if len(chunks) == 0 {
		return 0, outcome.New(outcome.Transient, "embed", ErrNothingEmbedded)
	}

	if err := ix.Store.InsertChunks(ctx, id, chunks); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	l.Info().Int("chunks", len(chunks)).Int("segments", len(segs)).Msg("document indexed")
	return len(chunks), nil
}
