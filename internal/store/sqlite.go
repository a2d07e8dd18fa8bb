package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  title          TEXT NOT NULL,
  url            TEXT NOT NULL UNIQUE,
  published_date TEXT,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_chunks (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  document_id  INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  chunk_index  INTEGER NOT NULL,
  content      TEXT NOT NULL,
  content_hash TEXT,
  embedding    BLOB NOT NULL,
  UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks (document_id);
`

const dimKey = "embedding_dim"

// SQLiteStore is a single-file DocumentStore for hosts without Postgres.
// Search scans every stored vector in process.
type SQLiteStore struct {
	db  *sql.DB
	dim int
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, outcome.Configf("store", "sqlite store needs a database file path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, outcome.New(outcome.Configuration, "store", fmt.Errorf("creating data directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, outcome.New(outcome.Configuration, "store", fmt.Errorf("opening database: %w", err))
	}
	// one writer; keeps the pragmas and transactions on a single connection
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sqlite store")
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema and pins the embedding dimension on first run.
func (s *SQLiteStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return outcome.Configf("migrate", "embedding dimension must be positive")
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return outcome.Wrap("migrate", err)
	}
	existing, err := s.EmbeddingDim(ctx)
	if err != nil {
		return err
	}
	if existing != 0 && existing != dim {
		return outcome.Configf("migrate", "stored embedding dimension %d does not match configured %d", existing, dim)
	}
	if existing == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES (?, ?)`, dimKey, strconv.Itoa(dim)); err != nil {
			return outcome.Wrap("migrate", err)
		}
	}
	s.dim = dim
	log.Debug().Int("dim", dim).Msg("sqlite schema ready")
	return nil
}

// EmbeddingDim returns the pinned dimension, or 0 before the first Migrate.
func (s *SQLiteStore) EmbeddingDim(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'store_meta'`).Scan(&n); err != nil {
		return 0, outcome.Wrap("store", err)
	}
	if n == 0 {
		return 0, nil
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, dimKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, outcome.Wrap("store", err)
	}
	dim, err := strconv.Atoi(v)
	if err != nil {
		return 0, outcome.New(outcome.Parse, "store", fmt.Errorf("stored dimension %q: %w", v, err))
	}
	return dim, nil
}

func (s *SQLiteStore) FindDocument(ctx context.Context, url string) (models.Document, bool, error) {
	const q = `SELECT id, title, url, published_date, created_at, updated_at FROM documents WHERE url = ?`
	var d models.Document
	var published sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx, q, url).Scan(&d.ID, &d.Title, &d.URL, &published, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, false, nil
	}
	if err != nil {
		return models.Document{}, false, outcome.Wrap("store", err)
	}
	d.PublishedDate = parseDate(published)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return d, true, nil
}

// UpsertDocument registers a document by URL. On an existing row only the
// title, date and updated_at are touched.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, title, url string, date time.Time) (int64, bool, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	var published any
	if !date.IsZero() {
		published = date.Format(time.DateOnly)
	}

	var id int64
	var existed bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE url = ?`, url).Scan(&id)
		switch {
		case err == nil:
			existed = true
			_, err = tx.ExecContext(ctx, `
				UPDATE documents
				SET title = ?, published_date = COALESCE(?, published_date), updated_at = ?
				WHERE id = ?`, title, published, now, id)
			return err
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO documents (title, url, published_date, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`, title, url, published, now, now)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		default:
			return err
		}
	})
	if err != nil {
		return 0, false, outcome.Wrap("store", err)
	}
	return id, existed, nil
}

// InsertChunks replaces the chunk set of a document in one transaction.
func (s *SQLiteStore) InsertChunks(ctx context.Context, documentID int64, chunks []models.Chunk) error {
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if s.dim > 0 && len(c.Embedding) != s.dim {
			return outcome.New(outcome.Configuration, "store", fmt.Errorf("%w: chunk %d has %d, want %d", ErrDimension, c.ChunkIndex, len(c.Embedding), s.dim))
		}
		if seen[c.ChunkIndex] {
			return fmt.Errorf("duplicate chunk index %d for document %d", c.ChunkIndex, documentID)
		}
		seen[c.ChunkIndex] = true
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM documents WHERE id = ?`, documentID).Scan(&n); err != nil {
			return outcome.Wrap("store", err)
		}
		if n == 0 {
			return outcome.New(outcome.NotFound, "store", fmt.Errorf("document %d not found", documentID))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
			return outcome.Wrap("store", err)
		}
		if len(chunks) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, content, content_hash, embedding)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return outcome.Wrap("store", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, documentID, c.ChunkIndex, c.Content, contentHash(c.Content), encodeVector(c.Embedding)); err != nil {
				return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
}

// Search returns chunks with cosine similarity strictly above threshold,
// best first, at most limit.
func (s *SQLiteStore) Search(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.Match, error) {
	if limit <= 0 {
		return []models.Match{}, nil
	}
	if s.dim > 0 && len(vec) != s.dim {
		return nil, outcome.New(outcome.Configuration, "search", fmt.Errorf("%w: query has %d, want %d", ErrDimension, len(vec), s.dim))
	}

	const q = `
		SELECT c.document_id, c.chunk_index, d.title, d.url, d.published_date, c.content, c.embedding
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, outcome.Wrap("search", err)
	}
	defer rows.Close()

	out := []models.Match{}
	for rows.Next() {
		var m models.Match
		var published sql.NullString
		var blob []byte
		if err := rows.Scan(&m.DocumentID, &m.ChunkIndex, &m.Title, &m.URL, &published, &m.Content, &blob); err != nil {
			return nil, outcome.Wrap("search", err)
		}
		m.Similarity = cosine(vec, decodeVector(blob))
		if m.Similarity <= threshold {
			continue
		}
		m.PublishedDate = parseDate(published)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, outcome.Wrap("search", err)
	}
	return rank(out, limit), nil
}

func (s *SQLiteStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, outcome.Wrap("store", err)
	}
	return n, nil
}

// ListTitles returns all document titles, newest first.
func (s *SQLiteStore) ListTitles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM documents ORDER BY published_date IS NULL, published_date DESC, id DESC`)
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

func (s *SQLiteStore) CountChunks(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = ?`, documentID).Scan(&n); err != nil {
		return 0, outcome.Wrap("store", err)
	}
	return n, nil
}

// DeleteDocument removes a document and its chunks.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, url string) (bool, error) {
	var deleted bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id IN (SELECT id FROM documents WHERE url = ?)`, url); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE url = ?`, url)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, outcome.Wrap("store", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func parseDate(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
