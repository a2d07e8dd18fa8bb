// Package embedding wraps an ai.Client with the guarantees the pipeline
// relies on: batching, input order, per-item failure and a pinned dimension.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/ai"
	"github.com/seanblong/circularsearch/internal/outcome"
)

// DefaultBatchSize matches the Gemini batch embedding request limit.
const DefaultBatchSize = 100

// ErrEmptyText is reported for blank inputs, which are never sent upstream.
var ErrEmptyText = errors.New("empty text")

// Service embeds text for documents and queries.
type Service struct {
	Client    ai.Client
	Dim       int
	BatchSize int
}

// New creates a Service pinned to dim. A non-positive batchSize selects
// DefaultBatchSize.
func New(client ai.Client, dim, batchSize int) (*Service, error) {
	if client == nil {
		return nil, outcome.Configf("embedding", "client is required")
	}
	if dim <= 0 {
		return nil, outcome.Configf("embedding", "embedding dimension must be positive")
	}
	if client.Dim() != dim {
		return nil, outcome.Configf("embedding", "client dimension %d does not match configured %d", client.Dim(), dim)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{Client: client, Dim: dim, BatchSize: batchSize}, nil
}

// Embed embeds a single text.
func (s *Service) Embed(ctx context.Context, text string, task ai.TaskType) outcome.Result[[]float32] {
	return s.EmbedBatch(ctx, []string{text}, task)[0]
}

// EmbedBatch returns one Result per text, in input order. Upstream failures
// fail closed per item; a vector of the wrong length is a Configuration error.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, task ai.TaskType) []outcome.Result[[]float32] {
	out := make([]outcome.Result[[]float32], len(texts))

	// Only non-blank texts go upstream; idx maps batch position to input position.
	idx := make([]int, 0, len(texts))
	for i, t := range texts {
		if t == "" {
			out[i] = outcome.Fail[[]float32](outcome.New(outcome.Parse, "embed", ErrEmptyText))
			continue
		}
		idx = append(idx, i)
	}

	for start := 0; start < len(idx); start += s.BatchSize {
		end := min(start+s.BatchSize, len(idx))
		part := idx[start:end]

		batch := make([]string, len(part))
		for j, i := range part {
			batch[j] = texts[i]
		}

		vecs, err := s.Client.Embed(ctx, batch, task)
		if err == nil && len(vecs) != len(part) {
			err = outcome.New(outcome.Transient, "embed", fmt.Errorf("expected %d vectors, got %d", len(part), len(vecs)))
		}
		if err != nil {
			err = outcome.Wrap("embed", err)
			if len(part) == 1 {
				out[part[0]] = outcome.Fail[[]float32](rejectedInput(err))
				continue
			}
			if outcome.IsFatal(err) && !badRequest(err) {
				for _, i := range part {
					out[i] = outcome.Fail[[]float32](err)
				}
				continue
			}
			log.Warn().Err(err).Int("batch", len(part)).Msg("batch embedding failed, retrying items individually")
			for _, i := range part {
				out[i] = s.embedOne(ctx, texts[i], task)
			}
			continue
		}

		for j, i := range part {
			out[i] = s.check(vecs[j])
		}
	}
	return out
}

func (s *Service) embedOne(ctx context.Context, text string, task ai.TaskType) outcome.Result[[]float32] {
	vecs, err := s.Client.Embed(ctx, []string{text}, task)
	if err != nil {
		return outcome.Fail[[]float32](rejectedInput(outcome.Wrap("embed", err)))
	}
	if len(vecs) != 1 {
		return outcome.Fail[[]float32](outcome.New(outcome.Transient, "embed", fmt.Errorf("expected 1 vector, got %d", len(vecs))))
	}
	return s.check(vecs[0])
}

func (s *Service) check(v []float32) outcome.Result[[]float32] {
	if len(v) == 0 {
		return outcome.Fail[[]float32](outcome.New(outcome.Transient, "embed", errors.New("empty vector returned")))
	}
	if len(v) != s.Dim {
		return outcome.Fail[[]float32](outcome.Configf("embed", "dimension mismatch: got %d, want %d", len(v), s.Dim))
	}
	return outcome.Ok(v)
}

// badRequest reports an upstream 400. Providers answer 400 for a single bad
// input (too long, unsupported characters) as well as for a bad model name.
func badRequest(err error) bool {
	return outcome.StatusCode(err) == http.StatusBadRequest
}

// rejectedInput turns a 400 on a single text into a per-item Parse failure so
// one bad chunk fails closed instead of stopping ingestion.
func rejectedInput(err error) error {
	if badRequest(err) {
		return outcome.New(outcome.Parse, "embed", err)
	}
	return err
}
