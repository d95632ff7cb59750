// Package embedding provides the Embedding service client for converting text
// to vector representations via OpenAI-compatible API endpoints.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "text-embedding-3-small"

// EmbeddingService defines the interface for text embedding operations.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Factory builds an EmbeddingService bound to a credential.
type Factory func(apiKey string) EmbeddingService

// APIEmbeddingService implements EmbeddingService using an OpenAI-compatible API.
type APIEmbeddingService struct {
	Endpoint  string
	APIKey    string
	ModelName string
	client    *http.Client
}

// NewAPIEmbeddingService creates a new APIEmbeddingService with the given configuration.
func NewAPIEmbeddingService(endpoint, apiKey, modelName string) *APIEmbeddingService {
	return NewAPIEmbeddingServiceWithTimeout(endpoint, apiKey, modelName, 30*time.Second)
}

// NewAPIEmbeddingServiceWithTimeout is NewAPIEmbeddingService with an explicit HTTP timeout.
func NewAPIEmbeddingServiceWithTimeout(endpoint, apiKey, modelName string, timeout time.Duration) *APIEmbeddingService {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &APIEmbeddingService{
		Endpoint:  endpoint,
		APIKey:    apiKey,
		ModelName: modelName,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewFactory returns a Factory producing API clients that share endpoint, model, and timeout.
func NewFactory(endpoint, modelName string, timeout time.Duration) Factory {
	return func(apiKey string) EmbeddingService {
		return NewAPIEmbeddingServiceWithTimeout(endpoint, apiKey, modelName, timeout)
	}
}

// embeddingRequest is the request body for the OpenAI-compatible embedding API.
type embeddingRequest struct {
	Model string      `json:"model"`
	Input interface{} `json:"input"`
}

// embeddingResponse is the response body from the OpenAI-compatible embedding API.
type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed converts a single text string into an embedding vector.
func (s *APIEmbeddingService) Embed(ctx context.Context, text string) ([]float64, error) {
	results, err := s.callAPI(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("embedding API returned no results")
	}
	return results[0].Embedding, nil
}

// EmbedBatch converts multiple text strings into embedding vectors, in input order.
func (s *APIEmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := s.callAPI(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d results, expected %d", len(results), len(texts))
	}

	// The API may answer out of order; place each vector by its index.
	embeddings := make([][]float64, len(texts))
	for _, d := range results {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding API returned invalid index %d", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

func (s *APIEmbeddingService) callAPI(ctx context.Context, input []string) ([]embeddingData, error) {
	reqBody := embeddingRequest{
		Model: s.ModelName,
		Input: input,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.Endpoint + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, fmt.Errorf("embedding API error (HTTP %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("embedding API error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding API error: %s", result.Error.Message)
	}

	return result.Data, nil
}
