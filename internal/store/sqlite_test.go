package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

var _ DocumentStore = (*SQLiteStore)(nil)

func newSQLite(t *testing.T, dim int) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "circulars.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(context.Background(), dim); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, path
}

func TestSQLiteStore_DimensionPersists(t *testing.T) {
	ctx := context.Background()
	s, path := newSQLite(t, 3)
	s.Close()

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if dim, err := reopened.EmbeddingDim(ctx); err != nil || dim != 3 {
		t.Fatalf("EmbeddingDim = %d, %v; want 3", dim, err)
	}
	if err := reopened.Migrate(ctx, 3); err != nil {
		t.Errorf("re-migrating with the same dim should succeed: %v", err)
	}
	if err := reopened.Migrate(ctx, 768); !outcome.IsFatal(err) {
		t.Errorf("expected configuration error for changed dim, got %v", err)
	}
}

func TestSQLiteStore_EmbeddingDimBeforeMigrate(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if dim, err := s.EmbeddingDim(context.Background()); err != nil || dim != 0 {
		t.Errorf("EmbeddingDim = %d, %v; want 0", dim, err)
	}
	if err := s.Migrate(context.Background(), 0); !outcome.IsFatal(err) {
		t.Errorf("expected configuration error for zero dim, got %v", err)
	}
}

func TestSQLiteStore_UpsertDocumentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLite(t, 3)
	date := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)

	id, existed, err := s.UpsertDocument(ctx, "KYC Update", "https://rbi.org.in/c/1", date)
	if err != nil || existed {
		t.Fatalf("first upsert: id=%d existed=%v err=%v", id, existed, err)
	}
	id2, existed, err := s.UpsertDocument(ctx, "KYC Update (revised)", "https://rbi.org.in/c/1", time.Time{})
	if err != nil || !existed || id2 != id {
		t.Fatalf("second upsert: id=%d existed=%v err=%v", id2, existed, err)
	}

	d, ok, err := s.FindDocument(ctx, "https://rbi.org.in/c/1")
	if err != nil || !ok {
		t.Fatalf("document not found: %v", err)
	}
	if d.Title != "KYC Update (revised)" {
		t.Errorf("title not updated: %q", d.Title)
	}
	if !d.PublishedDate.Equal(date) {
		t.Errorf("zero date must keep the stored one, got %v", d.PublishedDate)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.Before(d.CreatedAt) {
		t.Errorf("timestamps: created=%v updated=%v", d.CreatedAt, d.UpdatedAt)
	}
	if n, _ := s.CountDocuments(ctx); n != 1 {
		t.Errorf("CountDocuments = %d, want 1", n)
	}

	if _, ok, err := s.FindDocument(ctx, "https://rbi.org.in/missing"); ok || err != nil {
		t.Errorf("missing document: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStore_InsertChunks(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLite(t, 3)
	id, _, err := s.UpsertDocument(ctx, "Doc", "https://rbi.org.in/c/2", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	first := []models.Chunk{
		{ChunkIndex: 0, Content: "a", Embedding: []float32{1, 0, 0}},
		{ChunkIndex: 1, Content: "b", Embedding: []float32{0, 1, 0}},
		{ChunkIndex: 2, Content: "c", Embedding: []float32{0, 0, 1}},
	}
	if err := s.InsertChunks(ctx, id, first); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountChunks(ctx, id); n != 3 {
		t.Fatalf("CountChunks = %d, want 3", n)
	}

	if err := s.InsertChunks(ctx, id, first[:1]); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountChunks(ctx, id); n != 1 {
		t.Errorf("replace: CountChunks = %d, want 1", n)
	}

	tests := []struct {
		name   string
		docID  int64
		chunks []models.Chunk
		kind   outcome.Kind
	}{
		{
			name:   "wrong dimension",
			docID:  id,
			chunks: []models.Chunk{{ChunkIndex: 0, Content: "x", Embedding: []float32{1, 0}}},
			kind:   outcome.Configuration,
		},
		{
			name:   "unknown document",
			docID:  id + 100,
			chunks: first,
			kind:   outcome.NotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InsertChunks(ctx, tt.docID, tt.chunks)
			if outcome.KindOf(err) != tt.kind {
				t.Errorf("kind = %v, want %v (err %v)", outcome.KindOf(err), tt.kind, err)
			}
		})
	}

	dup := []models.Chunk{
		{ChunkIndex: 0, Content: "x", Embedding: []float32{1, 0, 0}},
		{ChunkIndex: 0, Content: "y", Embedding: []float32{0, 1, 0}},
	}
	if err := s.InsertChunks(ctx, id, dup); err == nil {
		t.Error("expected duplicate index error")
	}
	if n, _ := s.CountChunks(ctx, id); n != 1 {
		t.Errorf("failed insert must leave the previous set, got %d chunks", n)
	}
}

func TestSQLiteStore_Search(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLite(t, 3)
	date := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	id, _, _ := s.UpsertDocument(ctx, "Payments", "https://rbi.org.in/c/3", date)
	err := s.InsertChunks(ctx, id, []models.Chunk{
		{ChunkIndex: 0, Content: "exact", Embedding: []float32{1, 0, 0}},
		{ChunkIndex: 1, Content: "close", Embedding: []float32{1, 1, 0}},
		{ChunkIndex: 2, Content: "orthogonal", Embedding: []float32{0, 0, 1}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(ctx, []float32{1, 0, 0}, 0.5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(got), got)
	}
	if got[0].Content != "exact" || got[1].Content != "close" {
		t.Errorf("wrong order: %q, %q", got[0].Content, got[1].Content)
	}
	if got[0].Title != "Payments" || !got[0].PublishedDate.Equal(date) {
		t.Errorf("match metadata: %+v", got[0])
	}

	if got, _ := s.Search(ctx, []float32{1, 0, 0}, 0.5, 1); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
	if got, _ := s.Search(ctx, []float32{1, 0, 0}, 1.0, 10); len(got) != 0 {
		t.Errorf("threshold is strict, got %d matches", len(got))
	}
	if got, err := s.Search(ctx, []float32{1, 0, 0}, 0.5, 0); err != nil || len(got) != 0 {
		t.Errorf("zero limit: %v, %v", got, err)
	}
	if _, err := s.Search(ctx, []float32{1, 0}, 0.5, 10); !outcome.IsFatal(err) {
		t.Errorf("expected dimension error, got %v", err)
	}
}

func TestSQLiteStore_TitlesAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLite(t, 3)
	_, _, _ = s.UpsertDocument(ctx, "Old", "https://rbi.org.in/c/old", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	_, _, _ = s.UpsertDocument(ctx, "Undated", "https://rbi.org.in/c/undated", time.Time{})
	id, _, _ := s.UpsertDocument(ctx, "New", "https://rbi.org.in/c/new", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.InsertChunks(ctx, id, []models.Chunk{{ChunkIndex: 0, Content: "n", Embedding: []float32{1, 0, 0}}}); err != nil {
		t.Fatal(err)
	}

	titles, err := s.ListTitles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"New", "Old", "Undated"}
	if len(titles) != len(want) {
		t.Fatalf("titles = %v, want %v", titles, want)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Errorf("titles[%d] = %q, want %q", i, titles[i], want[i])
		}
	}

	deleted, err := s.DeleteDocument(ctx, "https://rbi.org.in/c/new")
	if err != nil || !deleted {
		t.Fatalf("delete: %v, %v", deleted, err)
	}
	if n, _ := s.CountChunks(ctx, id); n != 0 {
		t.Errorf("chunks left after delete: %d", n)
	}
	if deleted, _ := s.DeleteDocument(ctx, "https://rbi.org.in/c/new"); deleted {
		t.Error("second delete should report false")
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}
