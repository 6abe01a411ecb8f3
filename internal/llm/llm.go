package llm

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"pressroom/internal/core"

	"github.com/spf13/viper"
	"google.golang.org/genai"
)

const (
	// DefaultModel is the default Gemini model used for analysis.
	DefaultModel = "gemini-2.0-flash"
	// DefaultEmbeddingModel is the default model for generating embeddings.
	DefaultEmbeddingModel = "gemini-embedding-001"
	// DefaultEmbeddingDimensions is the output dimension for embeddings (Matryoshka).
	DefaultEmbeddingDimensions = int32(768)
)

// Embedder turns text into a fixed-dimension vector. The serving path
// treats embedding as fallible; callers degrade to non-vector
// strategies when it errors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Unavailable is an Embedder that always fails. Wired in when no
// Gemini API key is configured, so every caller takes its non-vector
// fallback path.
type Unavailable struct{}

func (Unavailable) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings unavailable: no Gemini API key configured")
}

// Analysis is the summarizer output for a single article.
type Analysis struct {
	Summary   string
	Sentiment string // positive, negative, neutral
	Keywords  []string
}

// Analyzer produces a summary, sentiment label, and keyword set for an
// article. Used only by the ingestion side; the serving core never
// blocks on it.
type Analyzer interface {
	SummarizeAndAnalyze(ctx context.Context, title, body string) (Analysis, error)
}

// Client is a Gemini-backed implementation of Embedder and Analyzer.
type Client struct {
	apiKey       string
	modelName    string
	embedModel   string
	embedDim     int32
	gClient      *genai.Client
}

// NewClient creates a new LLM client.
// It supports multiple ways to get the API key (in order of preference):
// 1. Environment variable: GEMINI_API_KEY (or alternatives)
// 2. Viper configuration: ai.gemini.api_key
func NewClient(modelName string) (*Client, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		if apiKey = os.Getenv("GOOGLE_GEMINI_API_KEY"); apiKey == "" {
			apiKey = viper.GetString("ai.gemini.api_key")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required: set GEMINI_API_KEY or ai.gemini.api_key")
	}

	if modelName == "" {
		modelName = viper.GetString("ai.gemini.model")
		if modelName == "" {
			modelName = DefaultModel
		}
	}

	embedModel := viper.GetString("ai.gemini.embedding_model")
	if embedModel == "" {
		embedModel = DefaultEmbeddingModel
	}
	embedDim := int32(viper.GetInt("ai.gemini.embedding_dim"))
	if embedDim <= 0 {
		embedDim = DefaultEmbeddingDimensions
	}

	ctx := context.Background()
	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		apiKey:     apiKey,
		modelName:  modelName,
		embedModel: embedModel,
		embedDim:   embedDim,
		gClient:    gClient,
	}, nil
}

// generateContent is a helper that wraps the SDK's GenerateContent call.
func (c *Client) generateContent(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := c.gClient.Models.GenerateContent(ctx, c.modelName, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}

	return text, nil
}

// Embed generates a vector embedding for the given text using the
// configured embedding model and output dimensionality.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	// Embedding models have token limits; cut conservatively.
	if len(text) > 8000 {
		text = text[:8000]
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: text}},
		Role:  "user",
	}}

	dims := c.embedDim
	cfg := &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	}

	resp, err := c.gClient.Models.EmbedContent(ctx, c.embedModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding values returned from API")
	}

	return resp.Embeddings[0].Values, nil
}

// SummarizeAndAnalyze produces the summary, sentiment, and keyword set
// stored on every article by the ingestion pipeline.
func (c *Client) SummarizeAndAnalyze(ctx context.Context, title, body string) (Analysis, error) {
	if strings.TrimSpace(body) == "" && strings.TrimSpace(title) == "" {
		return Analysis{}, fmt.Errorf("article has no content to analyze")
	}

	if len(body) > 12000 {
		body = body[:12000]
	}

	prompt := fmt.Sprintf(`Analyze the following news article and respond with EXACTLY this format:

SUMMARY: [2-3 sentence summary of the article]
SENTIMENT: [one word: positive, negative, or neutral]
KEYWORDS: [up to %d short comma-separated keywords or phrases]

Title: %s

Article:
%s

Remember: Respond with EXACTLY the format above, nothing else.`, core.MaxKeywords, title, body)

	content, err := c.generateContent(ctx, prompt)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to analyze article: %w", err)
	}

	return parseAnalysisResponse(content), nil
}

// parseAnalysisResponse parses the structured analyzer response.
// Unknown or malformed lines fall back to neutral defaults.
func parseAnalysisResponse(response string) Analysis {
	analysis := Analysis{Sentiment: core.SentimentNeutral}

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SUMMARY:"):
			analysis.Summary = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		case strings.HasPrefix(line, "SENTIMENT:"):
			label := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "SENTIMENT:")))
			if label == core.SentimentPositive || label == core.SentimentNegative || label == core.SentimentNeutral {
				analysis.Sentiment = label
			}
		case strings.HasPrefix(line, "KEYWORDS:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "KEYWORDS:"))
			for _, kw := range strings.Split(raw, ",") {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw == "" {
					continue
				}
				analysis.Keywords = append(analysis.Keywords, kw)
				if len(analysis.Keywords) >= core.MaxKeywords {
					break
				}
			}
		}
	}

	return analysis
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Close cleans up resources used by the client.
func (c *Client) Close() {
	// SDK client doesn't require explicit close
}

// GetModelName returns the model name used by this client.
func (c *Client) GetModelName() string {
	return c.modelName
}
