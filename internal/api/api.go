// Package api serves the question-answering pipeline over HTTP for the chat
// UI and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/circularsearch/internal/auth"
	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/internal/search"
	"github.com/seanblong/circularsearch/pkg/models"
)

const (
	maxBodyBytes   = 64 << 10
	maxHistory     = 50
	askTimeout     = 60 * time.Second
	searchTimeout  = 10 * time.Second
	catalogTimeout = 5 * time.Second
)

// Asker is the query side of the pipeline.
type Asker interface {
	AnswerQuery(ctx context.Context, session *models.Session, text string) (models.Answer, error)
	RetrieveTop(ctx context.Context, text string, k int) (models.Retrieval, error)
}

// Catalog is the read and admin surface of the document store.
type Catalog interface {
	CountDocuments(ctx context.Context) (int, error)
	ListTitles(ctx context.Context) ([]string, error)
	DeleteDocument(ctx context.Context, url string) (bool, error)
	Ping(ctx context.Context) error
}

type askRequest struct {
	Question string        `json:"question"`
	History  []models.Turn `json:"history"`
}

type askResponse struct {
	Answer   string          `json:"answer"`
	Sources  []models.Source `json:"sources"`
	Degraded bool            `json:"degraded"`
	History  []models.Turn   `json:"history"`
}

type searchResponse struct {
	Query   string          `json:"query"`
	Matches []models.Match  `json:"matches"`
	Sources []models.Source `json:"sources"`
}

type statsResponse struct {
	Documents int      `json:"documents"`
	Titles    []string `json:"titles"`
}

type Server struct {
	search Asker
	store  Catalog
	auth   *auth.Authenticator
	logger zerolog.Logger
}

func New(s Asker, c Catalog, a *auth.Authenticator, logger zerolog.Logger) *Server {
	return &Server{search: s, store: c, auth: a, logger: logger}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/auth/status", s.authStatus)
	mux.HandleFunc("/ask", s.auth.OptionalAuthMiddleware(s.ask))
	mux.HandleFunc("/search", s.auth.OptionalAuthMiddleware(s.searchChunks))
	mux.HandleFunc("/stats", s.auth.OptionalAuthMiddleware(s.stats))
	mux.HandleFunc("/documents", s.auth.RequireAdmin(s.deleteDocument))
	return mux
}

// Handler wraps the routes with request-scoped logging and access logs.
func (s *Server) Handler() http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
	})(s.Routes())
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	return hlog.NewHandler(s.logger)(h)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("store ping failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": s.auth.IsAuthEnabled()})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req askRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	if len(req.History) > maxHistory {
		req.History = req.History[len(req.History)-maxHistory:]
	}

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()

	session := &models.Session{Turns: req.History}
	ans, err := s.search.AnswerQuery(ctx, session, req.Question)
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Int("sources", len(ans.Sources)).Bool("degraded", ans.Degraded).Msg("answered")
	writeJSON(w, r, http.StatusOK, askResponse{
		Answer:   ans.Text,
		Sources:  nonNil(ans.Sources),
		Degraded: ans.Degraded,
		History:  session.Turns,
	})
}

func (s *Server) searchChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "k must be a positive integer", http.StatusBadRequest)
			return
		}
		k = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()

	res, err := s.search.RetrieveTop(ctx, q, k)
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	matches := res.Matches
	if matches == nil {
		matches = []models.Match{}
	}
	for i := range matches {
		if math.IsNaN(matches[i].Similarity) || math.IsInf(matches[i].Similarity, 0) {
			matches[i].Similarity = 0
		}
	}
	writeJSON(w, r, http.StatusOK, searchResponse{Query: res.Query, Matches: matches, Sources: nonNil(res.Sources)})
	hlog.FromRequest(r).Info().Str("q", q).Int("k", k).Int("matches", len(matches)).Dur("dur", time.Since(start)).Msg("served")
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	n, err := s.store.CountDocuments(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("count documents")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	titles, err := s.store.ListTitles(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list titles")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if titles == nil {
		titles = []string{}
	}
	writeJSON(w, r, http.StatusOK, statsResponse{Documents: n, Titles: titles})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		http.Error(w, "missing query parameter url", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	deleted, err := s.store.DeleteDocument(ctx, target)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("url", target).Msg("delete document")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !deleted {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	l := hlog.FromRequest(r).Info().Str("url", target)
	if p := auth.GetUserFromContext(r); p != nil {
		l = l.Str("by", p.Subject)
	}
	l.Msg("document deleted")
	w.WriteHeader(http.StatusNoContent)
}

// queryError maps pipeline errors onto status codes. Configuration errors
// are logged in full but reported generically.
func (s *Server) queryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		http.Error(w, "question is required", http.StatusBadRequest)
	case outcome.IsFatal(err):
		hlog.FromRequest(r).Error().Err(err).Msg("pipeline misconfigured")
		http.Error(w, "service misconfigured", http.StatusInternalServerError)
	default:
		hlog.FromRequest(r).Warn().Err(err).Str("kind", outcome.KindOf(err).String()).Msg("query failed")
		http.Error(w, "search temporarily unavailable", http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

func nonNil(s []models.Source) []models.Source {
	if s == nil {
		return []models.Source{}
	}
	return s
}
