// Package service exposes the session lifecycle: upload, process, status, query and
// cleanup. The HTTP server, the CLI and the inbox watcher all go through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/answer"
	"github.com/hyperjump/docqa/internal/extract"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/rag"
	"github.com/hyperjump/docqa/internal/session"
)

// ProcessResult is returned once a session's upload has been extracted and indexed.
type ProcessResult struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"-"`
}

// Service ties storage, extraction, retrieval and answer generation together.
type Service struct {
	store     session.Store
	pipeline  *rag.Pipeline
	extractor *extract.Extractor
	generator answer.Generator
	maxUpload int64
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxUploadBytes limits the size of uploads accepted by Create (default 32 MiB).
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New creates a service. A nil generator falls back to the extractive answerer.
func New(store session.Store, pipeline *rag.Pipeline, extractor *extract.Extractor, generator answer.Generator, opts ...Option) *Service {
	if generator == nil {
		generator = answer.Extractive{}
	}
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	s := &Service{
		store:     store,
		pipeline:  pipeline,
		extractor: extractor,
		generator: generator,
		maxUpload: 32 << 20,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxUploadBytes returns the upload size limit.
func (s *Service) MaxUploadBytes() int64 { return s.maxUpload }

// Create stores an upload under a new session id and returns the id.
func (s *Service) Create(ctx context.Context, filename string, data []byte) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("%w: filename is required", models.ErrInvalidInput)
	}
	if int64(len(data)) > s.maxUpload {
		return "", fmt.Errorf("%w: upload of %d bytes exceeds the %d byte limit", models.ErrInvalidInput, len(data), s.maxUpload)
	}
	sid := uuid.NewString()
	if err := s.store.StoreRaw(ctx, sid, filename, data); err != nil {
		return "", err
	}
	s.logger.Info("session created", zap.String("session_id", sid), zap.String("filename", filename), zap.Int("bytes", len(data)))
	return sid, nil
}

// Process extracts the text of the session's upload and indexes it. An unknown
// session yields ErrNotFound.
func (s *Service) Process(ctx context.Context, sid string) (*ProcessResult, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	doc, err := s.store.ReadRaw(ctx, sid)
	if err != nil {
		return nil, err
	}
	text, err := s.extractor.ExtractBytes(ctx, doc.Data, filepath.Ext(doc.Filename))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.Filename, err)
	}
	res, err := s.pipeline.Ingest(ctx, sid, text)
	if err != nil {
		return nil, err
	}
	return &ProcessResult{SessionID: sid, Status: "done", Chunks: res.Chunks, Duration: res.Duration}, nil
}

// IngestFile creates a session from a file on disk and processes it.
func (s *Service) IngestFile(ctx context.Context, path string) (*ProcessResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sid, err := s.Create(ctx, filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	res, err := s.Process(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sid, err)
	}
	return res, nil
}

// Status reports whether the session has been processed. An unknown session yields ErrNotFound.
func (s *Service) Status(ctx context.Context, sid string) (*models.SessionStatus, error) {
	info, err := s.store.Info(ctx, sid)
	if err != nil {
		return nil, err
	}
	st := &models.SessionStatus{
		SessionID:  sid,
		Processed:  info.Processed(),
		Filename:   info.Filename,
		Chunks:     info.Chunks,
		Dimensions: info.Dimensions,
	}
	if n, err := s.store.Usage(ctx, sid); err == nil {
		st.DiskBytes = n
	} else {
		s.logger.Warn("failed to measure session", zap.String("session_id", sid), zap.Error(err))
	}
	return st, nil
}

// List returns the status of every stored session.
func (s *Service) List(ctx context.Context) ([]*models.SessionStatus, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SessionStatus, 0, len(ids))
	for _, id := range ids {
		st, err := s.Status(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Query retrieves the chunks relevant to the question and asks the generator for an
// answer. Querying a session that was never processed yields ErrSessionNotFound.
func (s *Service) Query(ctx context.Context, sid string, req models.QueryRequest) (*models.QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	hits, err := s.pipeline.Retrieve(ctx, sid, req.Question, req.K)
	if err != nil {
		return nil, err
	}
	text, err := s.generator.Answer(ctx, req.Question, rag.Texts(hits))
	if err != nil {
		return nil, err
	}
	resp := &models.QueryResponse{
		SessionID: sid,
		Question:  req.Question,
		Answer:    text,
		Chunks:    hits,
		QueryTime: time.Since(start).Milliseconds(),
	}
	s.logger.Debug("query answered", zap.String("session_id", sid), zap.Int("chunks", len(hits)), zap.Int64("query_time_ms", resp.QueryTime))
	return resp, nil
}

// Cleanup deletes everything stored for the session. Unknown sessions are a no-op.
func (s *Service) Cleanup(ctx context.Context, sid string) error {
	return s.pipeline.Delete(ctx, sid)
}
