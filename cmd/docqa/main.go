// Package main is the docqa CLI entry point.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/answer"
	"github.com/hyperjump/docqa/internal/chunker"
	"github.com/hyperjump/docqa/internal/cli"
	"github.com/hyperjump/docqa/internal/config"
	"github.com/hyperjump/docqa/internal/embedding"
	"github.com/hyperjump/docqa/internal/extract"
	"github.com/hyperjump/docqa/internal/lock"
	"github.com/hyperjump/docqa/internal/rag"
	"github.com/hyperjump/docqa/internal/service"
	"github.com/hyperjump/docqa/internal/session"
	"github.com/hyperjump/docqa/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/docqa/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	debug      bool
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "docqa",
		Short: "Ask questions about uploaded documents",
		Long: `docqa stores an uploaded document per session, splits its text into overlapping
chunks, embeds them into a per-session vector index, and answers questions
from the chunks closest to the question.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with API keys (skipped when missing)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", string(cli.OutputText), "output format: text or json")

	root.AddCommand(
		newServerCmd(opts),
		newIngestCmd(opts),
		newQueryCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCleanupCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads config from path. When path is the default and missing, it falls back to
// config.yaml in the current directory, then to built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cwd, _ := os.Getwd()
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr != nil {
				cfg := &config.Config{}
				config.ApplyDefaults(cfg)
				return cfg, "", cfg.Validate()
			}
			path = fallback
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// setup loads the environment and config and builds the logger every command needs.
func (o *globalOptions) setup() (*config.Config, *zap.Logger, cli.OutputFormat, error) {
	format, err := cli.ParseOutputFormat(o.output)
	if err != nil {
		return nil, nil, "", err
	}
	if err := config.LoadEnv(o.envFile); err != nil {
		return nil, nil, "", err
	}
	cfg, resolved, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || o.debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, logger, format, nil
}

// Components holds initialized services.
type Components struct {
	Store    session.Store
	Embedder embedding.Embedder
	Locker   lock.Locker
	Service  *service.Service
}

// Close releases the store, embedder, and lock backend.
func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if closer, ok := c.Locker.(io.Closer); ok {
		_ = closer.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	embedder, err := embedding.New(&cfg.Embedding, logger)
	if err != nil {
		if cfg.Embedding.Backend != config.EmbeddingONNX {
			return nil, err
		}
		// The ONNX model is optional for local use; keep working with lexical vectors.
		logger.Warn("onnx embedder unavailable, falling back to hash embedder", zap.Error(err))
		fallback := cfg.Embedding
		fallback.Backend = config.EmbeddingHash
		if embedder, err = embedding.New(&fallback, logger); err != nil {
			return nil, err
		}
	}
	c := &Components{Embedder: embedder}

	c.Store, err = session.NewStore(&cfg.Storage, session.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	c.Locker, err = lock.New(&cfg.Lock)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize lock: %w", err)
	}
	chunks, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.OverlapOrDefault())
	if err != nil {
		c.Close()
		return nil, err
	}
	generator, err := answer.New(&cfg.Answer)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize answer generator: %w", err)
	}

	pipeline := rag.New(chunks, embedder, c.Store,
		rag.WithLogger(logger),
		rag.WithLocker(c.Locker),
		rag.WithTopK(cfg.Retrieval.TopK),
		rag.WithWhitespaceNormalization(cfg.Chunking.NormalizeOrDefault()),
	)
	extractor := extract.NewExtractor(
		extract.WithOCR(extract.NewOCR(cfg.OCR.TesseractPath, cfg.OCR.PdftoppmPath, cfg.OCR.Language)),
		extract.WithLogger(logger),
	)
	c.Service = service.New(c.Store, pipeline, extractor, generator,
		service.WithLogger(logger),
		service.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	)
	logger.Info("components initialized",
		zap.String("storage", cfg.Storage.Type),
		zap.String("embedding", embedder.Model()),
		zap.String("answer", cfg.Answer.Backend),
		zap.String("lock", cfg.Lock.Backend))
	return c, nil
}
