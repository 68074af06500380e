// Package answer turns retrieved chunks and a question into a natural-language answer.
package answer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hyperjump/docqa/internal/config"
	"github.com/hyperjump/docqa/internal/models"
)

// Unknown is the answer given when the context does not contain the information.
const Unknown = "I don't know."

// Generator answers a question from ranked context chunks, best first.
type Generator interface {
	Answer(ctx context.Context, question string, chunks []string) (string, error)
}

// New builds the generator selected by cfg.Backend.
func New(cfg *config.AnswerConfig) (Generator, error) {
	switch cfg.Backend {
	case "", config.AnswerExtractive:
		return Extractive{}, nil
	case config.AnswerOpenAI:
		g, err := NewOpenAIGenerator(OpenAIOptions{
			APIKey:      os.Getenv(cfg.APIKeyEnv),
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown answer backend %q", cfg.Backend)
	}
}

// Extractive answers without a language model: each chunk becomes one bullet.
type Extractive struct{}

// Answer returns the chunks as "- " bullets, or Unknown when there are none.
func (Extractive) Answer(_ context.Context, _ string, chunks []string) (string, error) {
	var b strings.Builder
	for _, c := range chunks {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(c)
	}
	if b.Len() == 0 {
		return Unknown, nil
	}
	return b.String(), nil
}

func generationError(err error) error {
	return fmt.Errorf("%w: %w", models.ErrGeneration, err)
}
