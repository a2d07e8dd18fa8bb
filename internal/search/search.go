package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/ai"
	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

const (
	DefaultThreshold = 0.5
	DefaultLimit     = 8

	// NoContextSentinel stands in for the context when nothing matched, so
	// generation can say the corpus has no support instead of guessing.
	NoContextSentinel = "NO RELEVANT CIRCULAR CONTENT WAS FOUND FOR THIS QUESTION."

	// RetrievalUnavailable is the answer text when the query could not be
	// embedded or the store could not be searched.
	RetrievalUnavailable = "The circular search service is temporarily unavailable. Please try again shortly."

	separator = "--------------------------------"
)

// ErrEmptyQuery is returned for blank questions.
var ErrEmptyQuery = errors.New("query text is empty")

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, text string, task ai.TaskType) outcome.Result[[]float32]
}

// Searcher runs similarity search over stored chunks.
type Searcher interface {
	Search(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.Match, error)
}

// Answerer turns a retrieval into an answer.
type Answerer interface {
	Compose(ctx context.Context, question string, r models.Retrieval, session *models.Session) models.Answer
}

type Service struct {
	Embedder  Embedder
	Store     Searcher
	Composer  Answerer
	Threshold float64
	Limit     int
}

// NewService creates a new search service. A non-positive limit selects
// DefaultLimit.
func NewService(emb Embedder, s Searcher, c Answerer, threshold float64, limit int) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		Embedder:  emb,
		Store:     s,
		Composer:  c,
		Threshold: threshold,
		Limit:     limit,
	}
}

// Retrieve embeds text in query mode and collects the best matching chunks,
// their deduplicated sources and the context blob.
func (s *Service) Retrieve(ctx context.Context, text string) (models.Retrieval, error) {
	return s.RetrieveTop(ctx, text, s.Limit)
}

// RetrieveTop is Retrieve with a per-call match limit, capped at the
// configured one. A non-positive k selects the configured limit.
func (s *Service) RetrieveTop(ctx context.Context, text string, k int) (models.Retrieval, error) {
	if k <= 0 || k > s.Limit {
		k = s.Limit
	}
	text = strings.TrimSpace(text)
	r := models.Retrieval{Query: text}
	if text == "" {
		return r, outcome.New(outcome.Parse, "query", ErrEmptyQuery)
	}

	vec := s.Embedder.Embed(ctx, text, ai.TaskQuery)
	if !vec.OK() {
		return r, vec.Err
	}

	matches, err := s.Store.Search(ctx, vec.Value, s.Threshold, k)
	if err != nil {
		return r, outcome.Wrap("search", err)
	}

	r.Matches = matches
	r.Sources = Sources(matches)
	r.Context = BuildContext(matches)
	log.Debug().Int("matches", len(matches)).Int("sources", len(r.Sources)).Msg("retrieval complete")
	return r, nil
}

// AnswerQuery answers text against the corpus and records the exchange in
// session. Upstream failures produce a degraded answer; only configuration
// errors and blank questions are returned as errors.
func (s *Service) AnswerQuery(ctx context.Context, session *models.Session, text string) (models.Answer, error) {
	r, err := s.Retrieve(ctx, text)
	if err != nil {
		if outcome.IsFatal(err) || errors.Is(err, ErrEmptyQuery) {
			return models.Answer{}, err
		}
		log.Warn().Err(err).Str("kind", outcome.KindOf(err).String()).Msg("retrieval failed, answering degraded")
		ans := models.Answer{Text: RetrievalUnavailable, Sources: []models.Source{}, Degraded: true}
		record(session, r.Query, ans)
		return ans, nil
	}

	if s.Composer == nil {
		return models.Answer{}, fmt.Errorf("search: no composer configured")
	}
	ans := s.Composer.Compose(ctx, r.Query, r, session)
	record(session, r.Query, ans)
	return ans, nil
}

func record(session *models.Session, question string, ans models.Answer) {
	session.Append(models.Turn{Role: models.RoleUser, Content: question})
	session.Append(models.Turn{Role: models.RoleAssistant, Content: ans.Text, Sources: ans.Sources})
}

// Sources deduplicates matches by URL, keeping the first (best) title.
func Sources(matches []models.Match) []models.Source {
	out := []models.Source{}
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seen[m.URL] {
			continue
		}
		seen[m.URL] = true
		out = append(out, models.Source{Title: m.Title, URL: m.URL})
	}
	return out
}

// BuildContext concatenates every match under a title and date header. It
// never returns an empty string.
func BuildContext(matches []models.Match) string {
	if len(matches) == 0 {
		return NoContextSentinel
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(separator)
		b.WriteString("\nTitle: ")
		b.WriteString(m.Title)
		b.WriteString("\nDate: ")
		if m.PublishedDate.IsZero() {
			b.WriteString("unknown")
		} else {
			b.WriteString(m.PublishedDate.Format("2006-01-02"))
		}
		b.WriteString("\nContent:\n")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}
