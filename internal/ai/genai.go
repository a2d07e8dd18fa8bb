package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/seanblong/circularsearch/internal/outcome"
)

const (
	defaultGenAIEmbedModel    = "gemini-embedding-001"
	defaultGenAIGenerateModel = "gemini-2.5-flash"
	defaultGenAIFallbackModel = "gemini-2.0-flash"
	defaultGenAIDim           = 768
)

// GenAIClient talks to Gemini through the Gemini API (API key) or Vertex AI
// (project + location).
type GenAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// applyGenAIDefaults fills unset model fields in place.
func applyGenAIDefaults(config *ClientConfig) {
	if config.EmbedModel == "" {
		config.EmbedModel = defaultGenAIEmbedModel
	}
	if config.GenerateModel == "" {
		config.GenerateModel = defaultGenAIGenerateModel
	}
	if config.FallbackModel == "" {
		config.FallbackModel = defaultGenAIFallbackModel
	}
	if config.Dim == 0 {
		config.Dim = defaultGenAIDim
	}
}

// genAIClientConfig decides the backend: a project id selects Vertex AI,
// otherwise the Gemini API is used with the API key.
func genAIClientConfig(config *ClientConfig) (*genai.ClientConfig, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	project := strings.TrimSpace(config.ProjectID)

	if config.Provider == ProviderVertexAI || project != "" {
		if project == "" && apiKey == "" {
			return nil, outcome.Configf("config", "vertexai provider requires a project id or API key")
		}
		cc := &genai.ClientConfig{Backend: genai.BackendVertexAI, APIKey: apiKey, Project: project}
		if project != "" {
			cc.Location = config.Location
			if cc.Location == "" {
				cc.Location = "us-central1"
			}
		}
		return cc, nil
	}

	if apiKey == "" {
		return nil, outcome.Configf("config", "gemini provider requires an API key")
	}
	return &genai.ClientConfig{Backend: genai.BackendGeminiAPI, APIKey: apiKey}, nil
}

// NewGenAIClient creates a new client for the Google Gemini API.
func NewGenAIClient(ctx context.Context, config *ClientConfig) (*GenAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	applyGenAIDefaults(config)

	cc, err := genAIClientConfig(config)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, outcome.New(outcome.Configuration, "config", fmt.Errorf("failed to create Gemini client: %w", err))
	}

	return &GenAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed embeds all texts in one request with the pinned model and dimension.
func (c *GenAIClient) Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if c.client == nil {
		return nil, errors.New("gemini client not initialized")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	dim := int32(c.config.Dim)
	cfg := genai.EmbedContentConfig{
		TaskType:             string(task),
		OutputDimensionality: &dim,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, outcome.New(outcome.Transient, "embed", errors.New("no embedding returned"))
	}
	if err := checkCount(len(res.Embeddings), len(texts)); err != nil {
		return nil, outcome.New(outcome.Transient, "embed", err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e != nil {
			out[i] = e.Values
		}
	}
	return out, nil
}

// Generate implements the generation functionality using the Gemini API
func (c *GenAIClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("gemini client not initialized")
	}
	if model == "" {
		model = c.config.GenerateModel
	}

	temp := float32(0.2)
	cfg := genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: 2048,
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", outcome.New(outcome.Transient, "generate", errors.New("no text returned"))
	}
	return text, nil
}

func (c *GenAIClient) Dim() int {
	return c.config.Dim
}
