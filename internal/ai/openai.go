package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/circularsearch/internal/outcome"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.GenerateModel == "" {
		config.GenerateModel = "gpt-4o-mini"
	}
	if config.FallbackModel == "" {
		config.FallbackModel = "gpt-4.1-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("CIRCULARSEARCH_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	httpClient := &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
	}

	return &OpenAIClient{
		config: config,
		http:   httpClient,
	}
}

// supportsDimensions reports whether the model accepts the dimensions parameter.
func (c *OpenAIClient) supportsDimensions() bool {
	return strings.HasPrefix(c.config.EmbedModel, "text-embedding-3")
}

// Embed implements the embedding functionality. OpenAI has no task types,
// so task is ignored.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, outcome.Configf("embed", "PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"input": texts,
		"model": c.config.EmbedModel,
	}
	if c.supportsDimensions() {
		payload["dimensions"] = c.config.Dim
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, outcome.New(outcome.Transient, "embed", errors.New("no embedding"))
	}
	if err := checkCount(len(out.Data), len(texts)); err != nil {
		return nil, outcome.New(outcome.Transient, "embed", err)
	}

	sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Generate implements the generation functionality
func (c *OpenAIClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.config.APIKey == "" {
		return "", outcome.Configf("generate", "PROVIDER_API_KEY unset")
	}
	if model == "" {
		model = c.config.GenerateModel
	}

	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", outcome.New(outcome.Transient, "generate", errors.New("no choices"))
	}

	s := strings.TrimSpace(out.Choices[0].Message.Content)
	if s == "" {
		return "", outcome.New(outcome.Transient, "generate", errors.New("empty completion"))
	}
	return s, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

// post sends a JSON request and decodes a JSON response. Non-2xx responses
// become *outcome.StatusError.
func (c *OpenAIClient) post(ctx context.Context, path string, payload any, into any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct{ Error struct{ Message string } }
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &outcome.StatusError{Code: resp.StatusCode, Message: e.Error.Message}
	}

	return json.NewDecoder(resp.Body).Decode(into)
}

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}
