// Package llm generates answers over retrieved reference cases with an
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4.1-mini"

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = "You are a medical information assistant. Provide general information only and " +
	"suggest seeing a licensed clinician for diagnosis or treatment decisions. " +
	"Use the provided de-identified reference cases as decision-support context."

// NoResponseText is returned when the model produces no text.
const NoResponseText = "No response text returned."

// ErrMissingAPIKey is returned when a completion is requested without a key.
var ErrMissingAPIKey = errors.New("missing API key")

// LLMService answers a question given instructions and reference context.
type LLMService interface {
	Generate(ctx context.Context, instructions, referenceContext, question string) (string, error)
}

// Factory builds an LLMService bound to a credential.
type Factory func(apiKey string) LLMService

// APILLMService implements LLMService with go-openai.
type APILLMService struct {
	client      *openai.Client
	apiKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewAPILLMService creates a chat client for endpoint. A trailing slash on the
// endpoint is ignored.
func NewAPILLMService(endpoint, apiKey, model string, temperature float64, maxTokens int) *APILLMService {
	if model == "" {
		model = DefaultModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	return &APILLMService{
		client:      openai.NewClientWithConfig(cfg),
		apiKey:      apiKey,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// NewFactory returns a Factory sharing endpoint, model and sampling settings.
func NewFactory(endpoint, model string, temperature float64, maxTokens int) Factory {
	return func(apiKey string) LLMService {
		return NewAPILLMService(endpoint, apiKey, model, temperature, maxTokens)
	}
}

// BuildMessages builds the system and user messages. Empty instructions fall
// back to DefaultInstructions.
func BuildMessages(instructions, referenceContext, question string) []openai.ChatCompletionMessage {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	user := "Reference cases from local de-identified dataset:\n" + referenceContext +
		"\n\nUser question:\n" + question
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instructions},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

// Generate requests a completion, retrying once on failure. A response with
// no text yields NoResponseText.
func (s *APILLMService) Generate(ctx context.Context, instructions, referenceContext, question string) (string, error) {
	if strings.TrimSpace(s.apiKey) == "" {
		return "", ErrMissingAPIKey
	}
	req := openai.ChatCompletionRequest{
		Model:       s.Model,
		Messages:    BuildMessages(instructions, referenceContext, question),
		Temperature: float32(s.Temperature),
		MaxTokens:   s.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return responseText(resp), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Printf("[LLM] completion attempt %d failed: %v", attempt, err)
	}
	return "", fmt.Errorf("chat completion failed: %w", lastErr)
}

func responseText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return NoResponseText
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return NoResponseText
	}
	return text
}
