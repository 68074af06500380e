// Package session persists each session's raw upload, chunk list and vector index.
//
// A session's chunks and index are only ever published together: readers see either
// the previous pair, the new pair, or nothing.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/config"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/vector"
)

// Store is durable per-session persistence.
type Store interface {
	// Save publishes chunks and their index as one unit. len(chunks) must equal idx.Size().
	Save(ctx context.Context, sid string, chunks []string, idx *vector.Index) error
	// Load returns the published pair, or ErrSessionNotFound if none exists.
	Load(ctx context.Context, sid string) ([]string, *vector.Index, error)
	// Exists reports whether a processed index is present.
	Exists(ctx context.Context, sid string) (bool, error)
	// Delete removes everything stored for sid. Deleting an unknown session is not an error.
	Delete(ctx context.Context, sid string) error
	StoreRaw(ctx context.Context, sid, filename string, data []byte) error
	// ReadRaw returns the original upload, or ErrNotFound.
	ReadRaw(ctx context.Context, sid string) (*models.RawDocument, error)
	// Info returns session metadata, or ErrNotFound if nothing is stored for sid.
	Info(ctx context.Context, sid string) (*models.Session, error)
	// Usage returns the bytes held for sid.
	Usage(ctx context.Context, sid string) (int64, error)
	// List returns the ids of all stored sessions in lexical order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger for store diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewStore opens the backend selected by cfg.Type, wrapped in a CachedStore when
// cfg.CacheSize is positive.
func NewStore(cfg *config.StorageConfig, opts ...Option) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case "", config.StorageDisk:
		store, err = NewDiskStore(cfg.DataDir, opts...)
	case config.StorageSQLite:
		store, err = NewSQLiteStore(cfg.DatabasePath, opts...)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCachedStore(store, cfg.CacheSize), nil
	}
	return store, nil
}

func checkPair(chunks []string, idx *vector.Index) error {
	if idx == nil {
		return fmt.Errorf("%w: nil index", models.ErrPersistence)
	}
	if len(chunks) != idx.Size() {
		return fmt.Errorf("%w: %d chunks for %d index rows", models.ErrPersistence, len(chunks), idx.Size())
	}
	return nil
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrPersistence, op, err)
}
