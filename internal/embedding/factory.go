package embedding

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/config"
)

// New builds the embedder selected by cfg.Backend, wrapped in an LRU cache when
// cfg.CacheSize is positive. The caller owns the result and must Close it.
func New(cfg *config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch cfg.Backend {
	case config.EmbeddingONNX:
		inner, err = NewONNXEmbedder(ONNXOptions{
			ModelPath:         cfg.ModelPath,
			VocabPath:         cfg.VocabPath,
			SharedLibraryPath: cfg.SharedLibraryPath,
			Dimensions:        cfg.Dimensions,
			MaxTokens:         cfg.MaxTokens,
		})
	case config.EmbeddingOpenAI:
		inner, err = NewOpenAIEmbedder(OpenAIOptions{
			APIKey:            os.Getenv(cfg.OpenAI.APIKeyEnv),
			BaseURL:           cfg.OpenAI.BaseURL,
			Model:             cfg.OpenAI.Model,
			Dimensions:        cfg.Dimensions,
			BatchSize:         cfg.OpenAI.BatchSize,
			RequestsPerSecond: cfg.OpenAI.RequestsPerSecond,
		})
	case config.EmbeddingHash:
		inner = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", cfg.Backend, err)
	}
	logger.Info("embedder ready",
		zap.String("backend", cfg.Backend),
		zap.String("model", inner.Model()),
		zap.Int("dimensions", inner.Dimensions()),
		zap.Int("cache_size", cfg.CacheSize))
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}
