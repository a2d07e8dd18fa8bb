package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/seanblong/circularsearch/internal/outcome"
)

// TaskType tells the embedding model what the vector will be used for.
type TaskType string

const (
	TaskDocument TaskType = "RETRIEVAL_DOCUMENT"
	TaskQuery    TaskType = "RETRIEVAL_QUERY"
)

// Client provides both embedding and generation capabilities
type Client interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error)
	// Generate runs a single completion. An empty model selects the configured one.
	Generate(ctx context.Context, model, prompt string) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderGemini   Provider = "gemini"
	ProviderStub     Provider = "stub"
)

// ClientConfig is the pinned model record chosen at deployment time.
type ClientConfig struct {
	APIKey        string
	EmbedModel    string
	GenerateModel string
	FallbackModel string
	Dim           int
	ProjectID     string
	Provider      Provider
	Location      string
	BaseURL       string
}

// ParseProvider maps a configured provider name onto a Provider.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "vertex":
		return ProviderVertexAI, nil
	case "gemini", "google":
		return ProviderGemini, nil
	case "stub", "":
		return ProviderStub, nil
	default:
		return "", outcome.Configf("config", "unsupported provider: %s", name)
	}
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, outcome.Configf("config", "openai provider requires an API key")
		}
		return NewOpenAIClient(config), nil
	case ProviderVertexAI, ProviderGemini:
		return NewGenAIClient(ctx, config)
	case ProviderStub:
		if config.Dim <= 0 {
			return nil, outcome.Configf("config", "stub provider requires an embedding dimension")
		}
		return NewStubClient(config.Dim), nil
	default:
		return nil, outcome.Configf("config", "unsupported provider: %s", config.Provider)
	}
}

// StubClient is an offline Client. Embeddings are hashed bags of words, so
// texts sharing vocabulary land close together, and Generate echoes the
// first context block it finds in the prompt.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t, s.dim)
	}
	return out, nil
}

// Generate returns a canned answer built from the prompt's context section.
func (s *StubClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if i := strings.Index(prompt, "Content:\n"); i >= 0 {
		body := prompt[i+len("Content:\n"):]
		if j := strings.Index(body, "\n"); j >= 0 {
			body = body[:j]
		}
		return "According to the indexed circulars: " + strings.TrimSpace(body), nil
	}
	return "This information is not available in the circular database.", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

// HashEmbedding maps lower-cased word tokens into dim buckets and
// L2-normalizes the result. Empty input yields a zero vector.
func HashEmbedding(text string, dim int) []float32 {
	v := make([]float32, dim)
	if dim == 0 {
		return v
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", got, want)
	}
	return nil
}
