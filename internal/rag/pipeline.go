// Package rag orchestrates ingestion (chunk, embed, index, persist) and retrieval
// (load, embed question, search) for one session at a time.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/chunker"
	"github.com/hyperjump/docqa/internal/embedding"
	"github.com/hyperjump/docqa/internal/lock"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/session"
	"github.com/hyperjump/docqa/internal/vector"
)

// Pipeline stages reported in StageError.
const (
	StageChunk   = "chunk"
	StageEmbed   = "embed"
	StageIndex   = "index"
	StagePersist = "persist"
	StageLoad    = "load"
	StageSearch  = "search"
	StageLock    = "lock"
)

// StageError tags the first failure of an ingest or retrieve with the stage that produced it.
type StageError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Stage, e.SessionID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IngestResult summarises a completed ingest.
type IngestResult struct {
	SessionID  string
	Chunks     int
	Dimensions int
	Duration   time.Duration
}

// Pipeline wires the chunker, embedder, store and per-session locker together.
type Pipeline struct {
	chunker   *chunker.Chunker
	embedder  embedding.Embedder
	store     session.Store
	locker    lock.Locker
	normalize bool
	topK      int
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for pipeline events.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

// WithTopK sets the number of chunks retrieved when the caller passes k <= 0 (default 4).
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithWhitespaceNormalization controls whether text is collapsed with chunker.Preprocess
// before chunking (default true).
func WithWhitespaceNormalization(enabled bool) Option {
	return func(p *Pipeline) {
		p.normalize = enabled
	}
}

// New creates a pipeline.
func New(c *chunker.Chunker, e embedding.Embedder, s session.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		chunker:   c,
		embedder:  e,
		store:     s,
		locker:    lock.NewLocal(),
		normalize: true,
		topK:      4,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest chunks text, embeds every chunk, builds the index and publishes it. Text that
// yields no chunks is not an error: an empty index is published and Chunks is 0.
// Nothing is published unless every stage succeeds.
func (p *Pipeline) Ingest(ctx context.Context, sid, text string) (*IngestResult, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	start := time.Now()
	unlock, err := p.locker.Lock(ctx, sid)
	if err != nil {
		return nil, &StageError{Stage: StageLock, SessionID: sid, Err: err}
	}
	defer unlock()

	if p.normalize {
		text = chunker.Preprocess(text)
	}
	chunks := p.chunker.Chunk(text)

	vectors, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, &StageError{Stage: StageEmbed, SessionID: sid, Err: err}
	}
	if len(vectors) != len(chunks) {
		return nil, &StageError{Stage: StageEmbed, SessionID: sid,
			Err: fmt.Errorf("%w: got %d vectors for %d chunks", models.ErrEmbedding, len(vectors), len(chunks))}
	}

	idx, err := vector.Build(p.embedder.Dimensions(), vectors)
	if err != nil {
		return nil, &StageError{Stage: StageIndex, SessionID: sid, Err: err}
	}
	if err := p.store.Save(ctx, sid, chunks, idx); err != nil {
		return nil, &StageError{Stage: StagePersist, SessionID: sid, Err: err}
	}

	res := &IngestResult{SessionID: sid, Chunks: len(chunks), Dimensions: idx.Dimensions(), Duration: time.Since(start)}
	if res.Chunks == 0 {
		p.logger.Info("nothing to index", zap.String("session_id", sid))
	} else {
		p.logger.Info("session indexed",
			zap.String("session_id", sid),
			zap.Int("chunks", res.Chunks),
			zap.Int("dimensions", res.Dimensions),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

// Retrieve returns the chunks nearest to question, best first. k <= 0 uses the
// configured default. A session that was never ingested yields ErrSessionNotFound.
func (p *Pipeline) Retrieve(ctx context.Context, sid, question string, k int) ([]models.RetrievedChunk, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", models.ErrInvalidInput)
	}
	if k <= 0 {
		k = p.topK
	}
	unlock, err := p.locker.Lock(ctx, sid)
	if err != nil {
		return nil, &StageError{Stage: StageLock, SessionID: sid, Err: err}
	}
	defer unlock()

	chunks, idx, err := p.store.Load(ctx, sid)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, SessionID: sid, Err: err}
	}
	if idx.Size() == 0 {
		return []models.RetrievedChunk{}, nil
	}
	query, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return nil, &StageError{Stage: StageEmbed, SessionID: sid, Err: err}
	}
	hits, err := idx.Search(ctx, query, k)
	if err != nil {
		return nil, &StageError{Stage: StageSearch, SessionID: sid, Err: err}
	}

	out := make([]models.RetrievedChunk, 0, len(hits))
	for rank, h := range hits {
		if h.ChunkIndex < 0 || h.ChunkIndex >= len(chunks) {
			return nil, &StageError{Stage: StageSearch, SessionID: sid,
				Err: fmt.Errorf("%w: index row %d has no chunk", models.ErrPersistence, h.ChunkIndex)}
		}
		out = append(out, models.RetrievedChunk{
			Rank:     rank + 1,
			Index:    h.ChunkIndex,
			Text:     chunks[h.ChunkIndex],
			Distance: h.Distance,
		})
	}
	p.logger.Debug("retrieved chunks", zap.String("session_id", sid), zap.Int("k", k), zap.Int("hits", len(out)))
	return out, nil
}

// Delete removes the session under its lock, so a cleanup never interleaves with an
// ingest or retrieve of the same session. Deleting an unknown session is not an error.
func (p *Pipeline) Delete(ctx context.Context, sid string) error {
	if err := models.ValidateSessionID(sid); err != nil {
		return err
	}
	unlock, err := p.locker.Lock(ctx, sid)
	if err != nil {
		return &StageError{Stage: StageLock, SessionID: sid, Err: err}
	}
	defer unlock()
	if err := p.store.Delete(ctx, sid); err != nil {
		return &StageError{Stage: StagePersist, SessionID: sid, Err: err}
	}
	p.logger.Info("session deleted", zap.String("session_id", sid))
	return nil
}

// Stage returns the pipeline stage recorded in err, or "" if err carries none.
func Stage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Texts returns the chunk texts of hits in rank order.
func Texts(hits []models.RetrievedChunk) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out
}
