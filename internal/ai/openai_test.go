package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seanblong/circularsearch/internal/outcome"
)

// MockTransport implements http.RoundTripper for testing
type MockTransport struct {
	mu             sync.RWMutex
	responses      map[string]*http.Response
	responseBodies map[string]string
	requests       []*http.Request
	requestBodies  []string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:      make(map[string]*http.Response),
		responseBodies: make(map[string]string),
		requests:       make([]*http.Request, 0),
	}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.requestBodies = append(m.requestBodies, string(b))
	}

	key := fmt.Sprintf("%s %s", req.Method, req.URL.String())

	if respData, exists := m.responses[key]; exists {
		body := m.responseBodies[key]
		return &http.Response{
			StatusCode: respData.StatusCode,
			Status:     respData.Status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	}

	return &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
		Header:     make(http.Header),
	}, nil
}

func (m *MockTransport) AddResponse(method, url string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s %s", method, url)
	m.responses[key] = &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
	}
	m.responseBodies[key] = body
}

func (m *MockTransport) GetRequests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make([]*http.Request, len(m.requests))
	copy(requests, m.requests)
	return requests
}

func (m *MockTransport) LastBody() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.requestBodies) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(m.requestBodies[len(m.requestBodies)-1]), &out)
	return out
}

// Helper function to create a client with mock transport
func createMockClient(transport *MockTransport) *OpenAIClient {
	config := &ClientConfig{
		APIKey:        "test-api-key",
		EmbedModel:    "text-embedding-3-small",
		GenerateModel: "gpt-4o-mini",
		Dim:           3,
		ProjectID:     "test-project",
	}

	client := NewOpenAIClient(config)
	client.http = &http.Client{
		Transport: transport,
		Timeout:   20 * time.Second,
	}
	return client
}

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name         string
		config       *ClientConfig
		wantEmbed    string
		wantGenerate string
		wantDim      int
		wantBaseURL  string
		wantFallback string
	}{
		{
			name:         "defaults",
			config:       &ClientConfig{APIKey: "k"},
			wantEmbed:    "text-embedding-3-small",
			wantGenerate: "gpt-4o-mini",
			wantFallback: "gpt-4.1-mini",
			wantDim:      1536,
			wantBaseURL:  "https://api.openai.com/v1",
		},
		{
			name:         "large model default dimension",
			config:       &ClientConfig{APIKey: "k", EmbedModel: "text-embedding-3-large"},
			wantEmbed:    "text-embedding-3-large",
			wantGenerate: "gpt-4o-mini",
			wantFallback: "gpt-4.1-mini",
			wantDim:      3072,
			wantBaseURL:  "https://api.openai.com/v1",
		},
		{
			name: "explicit values kept",
			config: &ClientConfig{
				APIKey: "k", EmbedModel: "e", GenerateModel: "g", FallbackModel: "f",
				Dim: 256, BaseURL: "http://localhost:8080/v1/",
			},
			wantEmbed:    "e",
			wantGenerate: "g",
			wantFallback: "f",
			wantDim:      256,
			wantBaseURL:  "http://localhost:8080/v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewOpenAIClient(tt.config)
			if c.config.EmbedModel != tt.wantEmbed {
				t.Errorf("EmbedModel = %q, want %q", c.config.EmbedModel, tt.wantEmbed)
			}
			if c.config.GenerateModel != tt.wantGenerate {
				t.Errorf("GenerateModel = %q, want %q", c.config.GenerateModel, tt.wantGenerate)
			}
			if c.config.FallbackModel != tt.wantFallback {
				t.Errorf("FallbackModel = %q, want %q", c.config.FallbackModel, tt.wantFallback)
			}
			if c.Dim() != tt.wantDim {
				t.Errorf("Dim() = %d, want %d", c.Dim(), tt.wantDim)
			}
			if c.config.BaseURL != tt.wantBaseURL {
				t.Errorf("BaseURL = %q, want %q", c.config.BaseURL, tt.wantBaseURL)
			}
		})
	}
}

func TestOpenAIClient_Embed(t *testing.T) {
	t.Run("batch preserves input order", func(t *testing.T) {
		transport := NewMockTransport()
		// Upstream answers out of order; index decides placement.
		transport.AddResponse("POST", "https://api.openai.com/v1/embeddings", 200, `{
			"data": [
				{"index": 1, "embedding": [0, 1, 0]},
				{"index": 0, "embedding": [1, 0, 0]}
			]
		}`)
		client := createMockClient(transport)

		vecs, err := client.Embed(context.Background(), []string{"first", "second"}, TaskDocument)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
			t.Errorf("unexpected vectors %v", vecs)
		}

		body := transport.LastBody()
		if body["model"] != "text-embedding-3-small" {
			t.Errorf("unexpected model %v", body["model"])
		}
		if body["dimensions"] != float64(3) {
			t.Errorf("expected dimensions=3, got %v", body["dimensions"])
		}
		input, _ := body["input"].([]any)
		if len(input) != 2 || input[0] != "first" {
			t.Errorf("unexpected input %v", body["input"])
		}

		req := transport.GetRequests()[0]
		if got := req.Header.Get("Authorization"); got != "Bearer test-api-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
	})

	t.Run("rate limited is transient", func(t *testing.T) {
		transport := NewMockTransport()
		transport.AddResponse("POST", "https://api.openai.com/v1/embeddings", 429, `{"error": {"message": "slow down"}}`)
		client := createMockClient(transport)

		_, err := client.Embed(context.Background(), []string{"x"}, TaskQuery)
		if err == nil {
			t.Fatal("expected error")
		}
		if !outcome.IsTransient(err) {
			t.Errorf("expected transient error, got %v", err)
		}
		var se *outcome.StatusError
		if !errors.As(err, &se) || se.Message != "slow down" {
			t.Errorf("expected status error with message, got %v", err)
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		transport := NewMockTransport()
		transport.AddResponse("POST", "https://api.openai.com/v1/embeddings", 200, `{"data": [{"index": 0, "embedding": [1, 0, 0]}]}`)
		client := createMockClient(transport)

		if _, err := client.Embed(context.Background(), []string{"a", "b"}, TaskDocument); err == nil {
			t.Fatal("expected count mismatch error")
		}
	})

	t.Run("missing key is configuration error", func(t *testing.T) {
		client := NewOpenAIClient(&ClientConfig{})
		_, err := client.Embed(context.Background(), []string{"x"}, TaskDocument)
		if !outcome.IsFatal(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		client := createMockClient(NewMockTransport())
		vecs, err := client.Embed(context.Background(), nil, TaskDocument)
		if err != nil || vecs != nil {
			t.Errorf("expected nil, nil; got %v, %v", vecs, err)
		}
	})
}

func TestOpenAIClient_Generate(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", "https://api.openai.com/v1/chat/completions", 200, `{
		"choices": [{"message": {"content": "  Banks must verify identity.  "}}]
	}`)
	client := createMockClient(transport)

	got, err := client.Generate(context.Background(), "", "Question: kyc?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Banks must verify identity." {
		t.Errorf("unexpected completion %q", got)
	}
	if body := transport.LastBody(); body["model"] != "gpt-4o-mini" {
		t.Errorf("expected default model, got %v", body["model"])
	}

	if _, err := client.Generate(context.Background(), "other-model", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := transport.LastBody(); body["model"] != "other-model" {
		t.Errorf("expected explicit model, got %v", body["model"])
	}
}

func TestOpenAIClient_GenerateErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", 503, `{"error": {"message": "overloaded"}}`, true},
		{"no choices", 200, `{"choices": []}`, true},
		{"empty content", 200, `{"choices": [{"message": {"content": " "}}]}`, true},
		{"bad request", 400, `{"error": {"message": "bad"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			transport.AddResponse("POST", "https://api.openai.com/v1/chat/completions", tt.status, tt.body)
			client := createMockClient(transport)

			_, err := client.Generate(context.Background(), "", "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if outcome.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", outcome.IsTransient(err), tt.transient, err)
			}
		})
	}
}

func TestOpenAIClient_setHeaders(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{APIKey: "sk-proj-abc", ProjectID: "proj"})
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	client.setHeaders(req)

	if req.Header.Get("OpenAI-Project") != "proj" {
		t.Errorf("expected OpenAI-Project header, got %q", req.Header.Get("OpenAI-Project"))
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", req.Header.Get("Content-Type"))
	}

	plain := NewOpenAIClient(&ClientConfig{APIKey: "sk-abc", ProjectID: "proj"})
	req2, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	plain.setHeaders(req2)
	if req2.Header.Get("OpenAI-Project") != "" {
		t.Error("did not expect OpenAI-Project header for non project key")
	}
}

func TestOpenAIClient_InterfaceCompliance(t *testing.T) {
	var _ Client = &OpenAIClient{}
}
