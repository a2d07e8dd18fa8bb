package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

// MemoryStore is an in-process DocumentStore for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	nextID int64
	docs   map[string]*models.Document
	chunks map[int64][]models.Chunk
	now    func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]*models.Document),
		chunks: make(map[int64][]models.Chunk),
		now:    time.Now,
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Migrate(ctx context.Context, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dim <= 0 {
		return outcome.Configf("migrate", "embedding dimension must be positive")
	}
	if m.dim != 0 && m.dim != dim {
		return outcome.Configf("migrate", "stored embedding dimension %d does not match configured %d", m.dim, dim)
	}
	m.dim = dim
	return nil
}

func (m *MemoryStore) EmbeddingDim(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dim, nil
}

func (m *MemoryStore) FindDocument(ctx context.Context, url string) (models.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[url]
	if !ok {
		return models.Document{}, false, nil
	}
	return *d, true, nil
}

func (m *MemoryStore) UpsertDocument(ctx context.Context, title, url string, date time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, outcome.Wrap("store", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if d, ok := m.docs[url]; ok {
		d.Title = title
		if !date.IsZero() {
			d.PublishedDate = date
		}
		d.UpdatedAt = now
		return d.ID, true, nil
	}
	m.nextID++
	m.docs[url] = &models.Document{
		ID:            m.nextID,
		Title:         title,
		URL:           url,
		PublishedDate: date,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return m.nextID, false, nil
}

func (m *MemoryStore) InsertChunks(ctx context.Context, documentID int64, chunks []models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return outcome.Wrap("store", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byID(documentID) == nil {
		return outcome.New(outcome.NotFound, "store", fmt.Errorf("document %d not found", documentID))
	}
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if m.dim > 0 && len(c.Embedding) != m.dim {
			return outcome.New(outcome.Configuration, "store", fmt.Errorf("%w: chunk %d has %d, want %d", ErrDimension, c.ChunkIndex, len(c.Embedding), m.dim))
		}
		if seen[c.ChunkIndex] {
			return fmt.Errorf("duplicate chunk index %d for document %d", c.ChunkIndex, documentID)
		}
		seen[c.ChunkIndex] = true
	}

	if len(chunks) == 0 {
		delete(m.chunks, documentID)
		return nil
	}
	set := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		c.Embedding = append([]float32(nil), c.Embedding...)
		set[i] = c
	}
	m.chunks[documentID] = set
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, outcome.Wrap("search", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return []models.Match{}, nil
	}
	if m.dim > 0 && len(vec) != m.dim {
		return nil, outcome.New(outcome.Configuration, "search", fmt.Errorf("%w: query has %d, want %d", ErrDimension, len(vec), m.dim))
	}

	out := []models.Match{}
	for docID, set := range m.chunks {
		d := m.byID(docID)
		if d == nil {
			continue
		}
		for _, c := range set {
			sim := cosine(vec, c.Embedding)
			if sim <= threshold {
				continue
			}
			out = append(out, models.Match{
				DocumentID:    docID,
				ChunkIndex:    c.ChunkIndex,
				Title:         d.Title,
				URL:           d.URL,
				PublishedDate: d.PublishedDate,
				Content:       c.Content,
				Similarity:    sim,
			})
		}
	}
	return rank(out, limit), nil
}

// rank orders matches best first, ties broken by document and chunk
// position, and keeps at most limit.
func rank(out []models.Match, limit int) []models.Match {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) CountDocuments(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryStore) ListTitles(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]*models.Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].PublishedDate.Equal(docs[j].PublishedDate) {
			return docs[i].PublishedDate.After(docs[j].PublishedDate)
		}
		return docs[i].ID > docs[j].ID
	})
	titles := make([]string, len(docs))
	for i, d := range docs {
		titles[i] = d.Title
	}
	return titles, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context, documentID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[documentID]), nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[url]
	if !ok {
		return false, nil
	}
	delete(m.chunks, d.ID)
	delete(m.docs, url)
	return true, nil
}

func (m *MemoryStore) byID(id int64) *models.Document {
	for _, d := range m.docs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
