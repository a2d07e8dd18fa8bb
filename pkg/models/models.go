package models

import "time"

// Document is one circular, keyed by its canonical URL.
type Document struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	PublishedDate time.Time `json:"published_date"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chunk is a segment of a document and the unit of embedding.
type Chunk struct {
	ID            int64     `json:"id"`
	DocumentID    int64     `json:"document_id"`
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"`
	Title         string    `json:"title,omitempty"`
	URL           string    `json:"url,omitempty"`
	PublishedDate time.Time `json:"published_date,omitempty"`
}

// Match is a chunk returned by similarity search.
type Match struct {
	DocumentID    int64     `json:"document_id"`
	ChunkIndex    int       `json:"chunk_index"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	PublishedDate time.Time `json:"published_date"`
	Content       string    `json:"content"`
	Similarity    float64   `json:"similarity"`
}

// Source is a deduplicated citation.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Retrieval is the query-time context handed to generation.
type Retrieval struct {
	Query   string   `json:"query"`
	Matches []Match  `json:"matches"`
	Sources []Source `json:"sources"`
	Context string   `json:"-"`
}

// Answer is the result of a question against the corpus.
type Answer struct {
	Text     string   `json:"answer"`
	Sources  []Source `json:"sources"`
	Matches  []Match  `json:"-"`
	Degraded bool     `json:"degraded,omitempty"`
	Context  string   `json:"-"`
}

// Row is one listing line of the circular index page.
type Row struct {
	Number     string    `json:"number"`
	Date       time.Time `json:"date"`
	Department string    `json:"department"`
	Title      string    `json:"title"`
	Link       string    `json:"link"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Sources []Source `json:"sources,omitempty"`
}

// Session is a conversation owned by the caller. The pipeline only reads
// and appends to the session it is handed.
type Session struct {
	Turns []Turn `json:"turns"`
}

// Append adds a turn to the session. A nil session is a no-op.
func (s *Session) Append(t Turn) {
	if s == nil {
		return
	}
	s.Turns = append(s.Turns, t)
}

// Recent returns at most n of the latest turns.
func (s *Session) Recent(n int) []Turn {
	if s == nil || n <= 0 || len(s.Turns) == 0 {
		return nil
	}
	if len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}
