// Package config provides configuration loading and structs for the docqa server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Answer    AnswerConfig    `yaml:"answer"`
	Lock      LockConfig      `yaml:"lock"`
	OCR       OCRConfig       `yaml:"ocr"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Storage backends.
const (
	StorageDisk   = "disk"
	StorageSQLite = "sqlite"
)

// StorageConfig selects the session store and where it keeps its data.
type StorageConfig struct {
	Type         string `yaml:"type"`
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	// CacheSize is the number of loaded sessions kept in memory; 0 disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// Embedding backends.
const (
	EmbeddingONNX   = "onnx"
	EmbeddingOpenAI = "openai"
	EmbeddingHash   = "hash"
)

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	Backend           string       `yaml:"backend"`
	ModelPath         string       `yaml:"model_path"`
	VocabPath         string       `yaml:"vocab_path"`
	SharedLibraryPath string       `yaml:"shared_library_path"`
	Dimensions        int          `yaml:"dimensions"`
	MaxTokens         int          `yaml:"max_tokens"`
	CacheSize         int          `yaml:"cache_size"`
	OpenAI            OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	BatchSize         int     `yaml:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ChunkingConfig is the chunk policy, in runes.
type ChunkingConfig struct {
	Size                int   `yaml:"size"`
	Overlap             *int  `yaml:"overlap"`
	NormalizeWhitespace *bool `yaml:"normalize_whitespace"`
}

// OverlapOrDefault returns the configured overlap; defaults to 200 when unset.
func (c *ChunkingConfig) OverlapOrDefault() int {
	if c.Overlap != nil {
		return *c.Overlap
	}
	return 200
}

// NormalizeOrDefault returns whether whitespace is collapsed before chunking; defaults to true.
func (c *ChunkingConfig) NormalizeOrDefault() bool {
	if c.NormalizeWhitespace != nil {
		return *c.NormalizeWhitespace
	}
	return true
}

// RetrievalConfig holds query-time settings.
type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

// Answer backends.
const (
	AnswerOpenAI     = "openai"
	AnswerExtractive = "extractive"
)

// AnswerConfig configures the answer generator.
type AnswerConfig struct {
	Backend     string  `yaml:"backend"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float32 `yaml:"temperature"`
}

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// LockConfig selects how sessions are serialised.
type LockConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// OCRConfig locates the external OCR tools. Empty paths are resolved on $PATH.
type OCRConfig struct {
	TesseractPath string `yaml:"tesseract_path"`
	PdftoppmPath  string `yaml:"pdftoppm_path"`
	Language      string `yaml:"language"`
}

// WatchConfig holds inbox directory settings.
type WatchConfig struct {
	Directory       string `yaml:"directory"`
	RemoveProcessed bool   `yaml:"remove_processed"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Embedding.VocabPath != "" {
		cfg.Embedding.VocabPath = expandPath(cfg.Embedding.VocabPath, configDir)
	}
	if cfg.Watch.Directory != "" {
		cfg.Watch.Directory = expandPath(cfg.Watch.Directory, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that ApplyDefaults cannot repair.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageDisk, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Embedding.Backend {
	case EmbeddingONNX, EmbeddingOpenAI, EmbeddingHash:
	default:
		return fmt.Errorf("unknown embedding backend %q", c.Embedding.Backend)
	}
	switch c.Answer.Backend {
	case AnswerOpenAI, AnswerExtractive:
	default:
		return fmt.Errorf("unknown answer backend %q", c.Answer.Backend)
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if overlap := c.Chunking.OverlapOrDefault(); c.Chunking.Size <= 0 || overlap < 0 || overlap >= c.Chunking.Size {
		return fmt.Errorf("invalid chunking policy: size=%d overlap=%d", c.Chunking.Size, overlap)
	}
	return nil
}

// LoadEnv loads KEY=value pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
