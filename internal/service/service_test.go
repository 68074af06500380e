package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/docqa/internal/answer"
	"github.com/hyperjump/docqa/internal/chunker"
	"github.com/hyperjump/docqa/internal/embedding"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/rag"
	"github.com/hyperjump/docqa/internal/session"
)

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	c, err := chunker.New(40, 10)
	require.NoError(t, err)
	p := rag.New(c, embedding.NewHashEmbedder(64), store)
	return New(store, p, nil, nil, opts...)
}

const report = "Patient presents with a mild fever. Blood pressure is normal. " +
	"Prescribed ibuprofen 200mg twice daily for five days. Follow up in two weeks."

func TestLifecycle(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	sid, err := s.Create(ctx, "report.txt", []byte(report))
	require.NoError(t, err)
	require.NoError(t, models.ValidateSessionID(sid))

	st, err := s.Status(ctx, sid)
	require.NoError(t, err)
	assert.False(t, st.Processed)
	assert.Equal(t, "report.txt", st.Filename)

	_, err = s.Query(ctx, sid, models.QueryRequest{Question: "dose?"})
	assert.ErrorIs(t, err, models.ErrSessionNotFound, "a session must be processed before it can be queried")

	res, err := s.Process(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Status)
	assert.Greater(t, res.Chunks, 1)

	st, err = s.Status(ctx, sid)
	require.NoError(t, err)
	assert.True(t, st.Processed)
	assert.Equal(t, res.Chunks, st.Chunks)
	assert.Positive(t, st.DiskBytes)

	resp, err := s.Query(ctx, sid, models.QueryRequest{Question: "Prescribed ibuprofen 200mg twice daily", K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Chunks, 2)
	assert.Contains(t, resp.Chunks[0].Text, "ibuprofen")
	assert.True(t, strings.HasPrefix(resp.Answer, "- "))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sid, list[0].SessionID)

	require.NoError(t, s.Cleanup(ctx, sid))
	require.NoError(t, s.Cleanup(ctx, sid))
	_, err = s.Status(ctx, sid)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcess_UnknownSession(t *testing.T) {
	s := newService(t)
	_, err := s.Process(context.Background(), "7f0c0f4e-unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.Process(context.Background(), "../../etc")
	assert.ErrorIs(t, err, models.ErrInvalidSessionID)
}

func TestCreate_Limits(t *testing.T) {
	s := newService(t, WithMaxUploadBytes(8))
	ctx := context.Background()
	_, err := s.Create(ctx, "big.txt", make([]byte, 9))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = s.Create(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Equal(t, int64(8), s.MaxUploadBytes())
}

func TestQuery_Validation(t *testing.T) {
	s := newService(t)
	_, err := s.Query(context.Background(), "s1", models.QueryRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = s.Query(context.Background(), "s1", models.QueryRequest{Question: "q", K: -1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestProcess_EmptyDocument(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	sid, err := s.Create(ctx, "blank.txt", []byte(" \n "))
	require.NoError(t, err)
	res, err := s.Process(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Chunks)

	resp, err := s.Query(ctx, sid, models.QueryRequest{Question: "anything?"})
	require.NoError(t, err)
	assert.Equal(t, answer.Unknown, resp.Answer)
	assert.Empty(t, resp.Chunks)
}

type failingGenerator struct{}

func (failingGenerator) Answer(context.Context, string, []string) (string, error) {
	return "", models.ErrGeneration
}

func TestQuery_GeneratorFailure(t *testing.T) {
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	c, err := chunker.New(40, 10)
	require.NoError(t, err)
	s := New(store, rag.New(c, embedding.NewHashEmbedder(16), store), nil, failingGenerator{})
	ctx := context.Background()

	sid, err := s.Create(ctx, "r.txt", []byte(report))
	require.NoError(t, err)
	_, err = s.Process(ctx, sid)
	require.NoError(t, err)
	_, err = s.Query(ctx, sid, models.QueryRequest{Question: "fever"})
	assert.True(t, errors.Is(err, models.ErrGeneration))
}

func TestIngestFile(t *testing.T) {
	s := newService(t)
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte(report), 0600))
	res, err := s.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Greater(t, res.Chunks, 0)

	st, err := s.Status(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", st.Filename)

	_, err = s.IngestFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
