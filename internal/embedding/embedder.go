// Package embedding maps chunks and questions to fixed-length dense vectors.
//
// One Embedder instance is built at startup and injected into every component that
// needs it, so ingest and query always share the same embedding space.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/docqa/internal/models"
)

// Embedder produces vector embeddings for text. EmbedBatch returns one vector per
// input, in input order. Implementations are safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
	Close() error
}

// embeddingError tags err as an embedding backend failure.
func embeddingError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrEmbedding, op, err)
}

// embedEach calls embed for every text in order; used by backends without a native batch call.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
