package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

// DocumentStore persists circulars and their embedded chunks.
type DocumentStore interface {
	Migrate(ctx context.Context, dim int) error
	EmbeddingDim(ctx context.Context) (int, error)
	FindDocument(ctx context.Context, url string) (models.Document, bool, error)
	UpsertDocument(ctx context.Context, title, url string, date time.Time) (int64, bool, error)
	InsertChunks(ctx context.Context, documentID int64, chunks []models.Chunk) error
	Search(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.Match, error)
	CountDocuments(ctx context.Context) (int, error)
	ListTitles(ctx context.Context) ([]string, error)
	CountChunks(ctx context.Context, documentID int64) (int, error)
	DeleteDocument(ctx context.Context, url string) (bool, error)
	Ping(ctx context.Context) error
	Close()
}

// ErrDimension is returned when a vector does not match the stored dimension.
var ErrDimension = errors.New("embedding dimension mismatch")

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, outcome.New(outcome.Configuration, "store", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, outcome.New(outcome.Transient, "store", err)
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Open returns the named backend: "postgres" (the default) connects to url,
// "sqlite" opens url as a database file, "memory" keeps everything in process.
func Open(ctx context.Context, backend, url string) (DocumentStore, error) {
	switch backend {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		s, err := NewSQLite(url)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "":
		s, err := New(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, outcome.Configf("store", "unknown backend %q", backend)
	}
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  id             BIGSERIAL PRIMARY KEY,
  title          TEXT NOT NULL,
  url            TEXT NOT NULL UNIQUE,
  published_date DATE,
  created_at     TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at     TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_chunks (
  id           BIGSERIAL PRIMARY KEY,
  document_id  BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  chunk_index  INT NOT NULL,
  content      TEXT NOT NULL,
  content_hash TEXT,
  embedding    vector(%d) NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now(),
  UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx
  ON document_chunks (document_id);

CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
  ON document_chunks USING hnsw (embedding vector_cosine_ops);

CREATE OR REPLACE FUNCTION match_documents(
  query_embedding vector(%d),
  match_threshold float,
  match_count     int
)
RETURNS TABLE (
  document_id    bigint,
  chunk_index    int,
  title          text,
  url            text,
  published_date date,
  content        text,
  similarity     float
)
LANGUAGE sql STABLE
AS $$
  SELECT c.document_id, c.chunk_index, d.title, d.url, d.published_date, c.content,
         1 - (c.embedding <=> query_embedding) AS similarity
  FROM document_chunks c
  JOIN documents d ON d.id = c.document_id
  WHERE 1 - (c.embedding <=> query_embedding) > match_threshold
  ORDER BY c.embedding <=> query_embedding
  LIMIT match_count;
$$;
`

// Migrate creates the schema for vectors of length dim. An existing schema
// built for another dimension is a Configuration error.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 || dim > 2000 {
		return outcome.Configf("migrate", "embedding dimension %d outside supported range (1..2000)", dim)
	}
	existing, err := s.EmbeddingDim(ctx)
	if err != nil {
		return err
	}
	if existing != 0 && existing != dim {
		return outcome.Configf("migrate", "stored embedding dimension %d does not match configured %d", existing, dim)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, dim, dim)); err != nil {
		return outcome.Wrap("migrate", err)
	}
	s.dim = dim
	log.Debug().Int("dim", dim).Msg("schema ready")
	return nil
}

// EmbeddingDim returns the vector dimension of the stored schema, or 0 when
// the chunk table does not exist yet.
func (s *Store) EmbeddingDim(ctx context.Context) (int, error) {
	const q = `
      SELECT a.atttypmod
      FROM pg_attribute a
      WHERE a.attrelid = to_regclass('document_chunks')
        AND a.attname = 'embedding'
        AND NOT a.attisdropped`
	var dim int
	err := s.pool.QueryRow(ctx, q).Scan(&dim)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, outcome.Wrap("store", err)
	}
	if dim < 0 {
		dim = 0
	}
	return dim, nil
}

// FindDocument looks a document up by URL.
func (s *Store) FindDocument(ctx context.Context, url string) (models.Document, bool, error) {
	const q = `
      SELECT id, title, url, published_date, created_at, updated_at
      FROM documents
      WHERE url = $1`
	var d models.Document
	var published *time.Time
	err := s.pool.QueryRow(ctx, q, url).
		Scan(&d.ID, &d.Title, &d.URL, &published, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, false, nil
		}
		return models.Document{}, false, outcome.Wrap("store", err)
	}
	if published != nil {
		d.PublishedDate = *published
	}
	return d, true, nil
}

// UpsertDocument registers a document by URL. On an existing row only the
// title, date and updated_at are touched.
func (s *Store) UpsertDocument(ctx context.Context, title, url string, date time.Time) (int64, bool, error) {
	const q = `
		INSERT INTO documents (title, url, published_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET
			title          = EXCLUDED.title,
			published_date = COALESCE(EXCLUDED.published_date, documents.published_date),
			updated_at     = now()
		RETURNING id, (xmax <> 0) AS existed`

	var published any
	if !date.IsZero() {
		published = date
	}
	var id int64
	var existed bool
	if err := s.pool.QueryRow(ctx, q, title, url, published).Scan(&id, &existed); err != nil {
		return 0, false, outcome.Wrap("store", err)
	}
	return id, existed, nil
}

// InsertChunks replaces the chunk set of a document in one transaction.
// An empty set clears the document's chunks.
func (s *Store) InsertChunks(ctx context.Context, documentID int64, chunks []models.Chunk) error {
	if s.dim > 0 {
		for _, c := range chunks {
			if len(c.Embedding) != s.dim {
				return outcome.New(outcome.Configuration, "store", fmt.Errorf("%w: chunk %d has %d, want %d", ErrDimension, c.ChunkIndex, len(c.Embedding), s.dim))
			}
		}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}

		const q = `
			INSERT INTO document_chunks (document_id, chunk_index, content, content_hash, embedding)
			VALUES ($1, $2, $3, $4, $5)`
		b := &pgx.Batch{}
		for _, c := range chunks {
			b.Queue(q, documentID, c.ChunkIndex, c.Content, contentHash(c.Content), pgvector.NewVector(c.Embedding))
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return outcome.Wrap("store", err)
	}
	return nil
}

// Search returns chunks with cosine similarity strictly above threshold,
// best first, at most limit.
func (s *Store) Search(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.Match, error) {
	if limit <= 0 {
		return []models.Match{}, nil
	}
	if s.dim > 0 && len(vec) != s.dim {
		return nil, outcome.New(outcome.Configuration, "search", fmt.Errorf("%w: query has %d, want %d", ErrDimension, len(vec), s.dim))
	}

	const q = `
      SELECT document_id, chunk_index, title, url, published_date, content, similarity
      FROM match_documents($1, $2, $3)`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), threshold, limit)
	if err != nil {
		return nil, outcome.Wrap("search", err)
	}
	defer rows.Close()

	out := []models.Match{}
	for rows.Next() {
		var m models.Match
		var published *time.Time
		if err := rows.Scan(&m.DocumentID, &m.ChunkIndex, &m.Title, &m.URL, &published, &m.Content, &m.Similarity); err != nil {
			return nil, outcome.Wrap("search", err)
		}
		if published != nil {
			m.PublishedDate = *published
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, outcome.Wrap("search", err)
	}
	return out, nil
}

// CountDocuments returns the number of registered documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, outcome.Wrap("store", err)
	}
	return n, nil
}

// ListTitles returns all document titles, newest first.
func (s *Store) ListTitles(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT title FROM documents ORDER BY published_date DESC NULLS LAST, id DESC`)
	if err != nil {
		return nil, outcome.Wrap("store", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, outcome.Wrap("store", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// CountChunks returns the number of chunks stored for a document.
func (s *Store) CountChunks(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n); err != nil {
		return 0, outcome.Wrap("store", err)
	}
	return n, nil
}

// DeleteDocument removes a document and, by cascade, its chunks.
func (s *Store) DeleteDocument(ctx context.Context, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE url = $1`, url)
	if err != nil {
		return false, outcome.Wrap("store", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
