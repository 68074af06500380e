package answer

import (
	"context"
	"errors"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const promptTemplate = `You are a medical-document summarization assistant. Use the excerpts below to answer the user's question, but always

  - Provide your response as concise bullet points (each starting with "- ")
  - Focus on the most important findings or instructions
  - If the information isn't in the text, reply "I don't know."

Context:
{context}

Question: {question}

Answer:
`

// BuildPrompt fills the summarisation prompt. Chunks are separated by blank lines.
func BuildPrompt(question string, chunks []string) string {
	return strings.NewReplacer(
		"{context}", strings.Join(chunks, "\n\n"),
		"{question}", question,
	).Replace(promptTemplate)
}

// OpenAIOptions configures an OpenAI-compatible chat completion endpoint. Gemini is
// reachable through its OpenAI-compatible base URL.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIGenerator answers with one chat completion per question.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIGenerator creates a generator for the given endpoint.
func NewOpenAIGenerator(opts OpenAIOptions) (*OpenAIGenerator, error) {
	if opts.APIKey == "" {
		return nil, errors.New("answer API key is required")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
	}, nil
}

// Answer sends the filled prompt. With no chunks the model is not called.
func (g *OpenAIGenerator) Answer(ctx context.Context, question string, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return Unknown, nil
	}
	temperature := g.temperature
	if temperature == 0 {
		// The request field is omitempty; a zero would fall back to the server default.
		temperature = math.SmallestNonzeroFloat32
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(question, chunks)},
		},
	})
	if err != nil {
		return "", generationError(err)
	}
	if len(resp.Choices) == 0 {
		return "", generationError(errors.New("no choices in response"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
