package rag

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/docqa/internal/chunker"
	"github.com/hyperjump/docqa/internal/embedding"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/session"
	"github.com/hyperjump/docqa/internal/vector"
)

func newPipeline(t *testing.T, size, overlap int, e embedding.Embedder) (*Pipeline, session.Store) {
	t.Helper()
	c, err := chunker.New(size, overlap)
	require.NoError(t, err)
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	if e == nil {
		e = embedding.NewHashEmbedder(64)
	}
	return New(c, e, store), store
}

func TestIngestRetrieve_CatDogBird(t *testing.T) {
	e := embedding.NewHashEmbedder(64)
	p, store := newPipeline(t, 12, 4, e)
	ctx := context.Background()

	res, err := p.Ingest(ctx, "s1", "A cat sat. A dog ran. A bird flew.")
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Chunks, 3)
	assert.Equal(t, 64, res.Dimensions)

	chunks, idx, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A cat sat. A", "t. A dog ran", " ran. A bird", "bird flew."}, chunks)
	assert.Equal(t, len(chunks), idx.Size())

	// Query with the stored vector of the "cat" chunk: it must come back first at distance 0.
	hits, err := idx.Search(ctx, idx.Vector(0), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.Zero(t, hits[0].Distance)

	// Re-embedding the chunk text as a question reproduces the same vector.
	got, err := p.Retrieve(ctx, "s1", "A cat sat. A", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, "A cat sat. A", got[0].Text)
	assert.Equal(t, 1, got[0].Rank)
	assert.InDelta(t, 0, got[0].Distance, 1e-9)
}

func TestRetrieve_NeverIngested(t *testing.T) {
	p, _ := newPipeline(t, 100, 10, nil)
	_, err := p.Retrieve(context.Background(), "ghost", "anything?", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	assert.Equal(t, StageLoad, Stage(err))
}

func TestRetrieve_KLargerThanIndex(t *testing.T) {
	p, _ := newPipeline(t, 10, 0, nil)
	ctx := context.Background()
	res, err := p.Ingest(ctx, "s1", "first bit second bit")
	require.NoError(t, err)
	require.Equal(t, 2, res.Chunks)

	hits, err := p.Retrieve(ctx, "s1", "second", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.NotEqual(t, hits[0].Index, hits[1].Index)
	assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)
}

func TestRetrieve_DefaultK(t *testing.T) {
	c, err := chunker.New(5, 0)
	require.NoError(t, err)
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	p := New(c, embedding.NewHashEmbedder(32), store, WithTopK(2))
	ctx := context.Background()
	_, err = p.Ingest(ctx, "s1", "aaaaabbbbbcccccddddd")
	require.NoError(t, err)

	hits, err := p.Retrieve(ctx, "s1", "bbbbb", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIngest_EmptyText(t *testing.T) {
	p, store := newPipeline(t, 100, 10, nil)
	ctx := context.Background()
	res, err := p.Ingest(ctx, "empty", "   \n\t ")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Chunks)

	ok, err := store.Exists(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok, "an empty document is still processed")

	hits, err := p.Retrieve(ctx, "empty", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIngest_WhitespaceNormalization(t *testing.T) {
	c, err := chunker.New(100, 0)
	require.NoError(t, err)
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	p := New(c, embedding.NewHashEmbedder(8), store)
	_, err = p.Ingest(ctx, "norm", "  one\n\ntwo  ")
	require.NoError(t, err)
	chunks, _, err := store.Load(ctx, "norm")
	require.NoError(t, err)
	assert.Equal(t, []string{"one two"}, chunks)

	raw := New(c, embedding.NewHashEmbedder(8), store, WithWhitespaceNormalization(false))
	_, err = raw.Ingest(ctx, "raw", "  one\n\ntwo  ")
	require.NoError(t, err)
	chunks, _, err = store.Load(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, []string{"  one\n\ntwo  "}, chunks)
}

func TestRetrieve_InvalidInput(t *testing.T) {
	p, _ := newPipeline(t, 100, 10, nil)
	ctx := context.Background()
	_, err := p.Retrieve(ctx, "s1", "  ", 3)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = p.Retrieve(ctx, "../etc", "q", 3)
	assert.ErrorIs(t, err, models.ErrInvalidSessionID)
	_, err = p.Ingest(ctx, "a b", "text")
	assert.ErrorIs(t, err, models.ErrInvalidSessionID)
}

type failingEmbedder struct {
	*embedding.HashEmbedder
	failBatch bool
	failOne   bool
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failBatch {
		return nil, errors.New("model unavailable")
	}
	return f.HashEmbedder.EmbedBatch(ctx, texts)
}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failOne {
		return nil, errors.New("model unavailable")
	}
	return f.HashEmbedder.Embed(ctx, text)
}

type nanEmbedder struct {
	*embedding.HashEmbedder
}

func (n nanEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := n.HashEmbedder.EmbedBatch(ctx, texts)
	if err == nil && len(out) > 0 {
		out[len(out)-1][0] = float32(math.NaN())
	}
	return out, err
}

func TestIngest_NonFiniteEmbeddingRejected(t *testing.T) {
	p, store := newPipeline(t, 10, 2, nanEmbedder{embedding.NewHashEmbedder(8)})
	ctx := context.Background()
	_, err := p.Ingest(ctx, "s1", "some text to index here")
	assert.ErrorIs(t, err, models.ErrEmbedding)
	assert.Equal(t, StageIndex, Stage(err))
	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngest_EmbedFailureLeavesNothing(t *testing.T) {
	e := &failingEmbedder{HashEmbedder: embedding.NewHashEmbedder(8), failBatch: true}
	p, store := newPipeline(t, 10, 2, e)
	ctx := context.Background()

	_, err := p.Ingest(ctx, "s1", "some text to index here")
	require.Error(t, err)
	assert.Equal(t, StageEmbed, Stage(err))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "s1", se.SessionID)

	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrieve_EmbedFailure(t *testing.T) {
	e := &failingEmbedder{HashEmbedder: embedding.NewHashEmbedder(8)}
	p, _ := newPipeline(t, 10, 2, e)
	ctx := context.Background()
	_, err := p.Ingest(ctx, "s1", "some text to index here")
	require.NoError(t, err)

	e.failOne = true
	_, err = p.Retrieve(ctx, "s1", "text", 2)
	assert.Equal(t, StageEmbed, Stage(err))
}

func TestRetrieve_DimensionMismatch(t *testing.T) {
	c, err := chunker.New(10, 2)
	require.NoError(t, err)
	store, err := session.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = New(c, embedding.NewHashEmbedder(8), store).Ingest(ctx, "s1", "some text to index")
	require.NoError(t, err)

	_, err = New(c, embedding.NewHashEmbedder(16), store).Retrieve(ctx, "s1", "text", 2)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.Equal(t, StageSearch, Stage(err))
}

type brokenStore struct {
	session.Store
}

func (brokenStore) Save(context.Context, string, []string, *vector.Index) error {
	return models.ErrPersistence
}

func TestIngest_PersistFailure(t *testing.T) {
	c, err := chunker.New(10, 2)
	require.NoError(t, err)
	p := New(c, embedding.NewHashEmbedder(8), brokenStore{})
	_, err = p.Ingest(context.Background(), "s1", "text")
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.Equal(t, StagePersist, Stage(err))
}

func TestIngest_ConcurrentSessions(t *testing.T) {
	p, _ := newPipeline(t, 20, 5, nil)
	ctx := context.Background()
	texts := map[string]string{
		"alpha": "the alpha document talks about apples and orchards",
		"beta":  "the beta document talks about boats and harbours",
		"gamma": "the gamma document talks about goats and mountains",
	}
	var wg sync.WaitGroup
	for sid, text := range texts {
		wg.Add(1)
		go func(sid, text string) {
			defer wg.Done()
			if _, err := p.Ingest(ctx, sid, text); err != nil {
				t.Error(err)
				return
			}
			hits, err := p.Retrieve(ctx, sid, text[:20], 1)
			if err != nil || len(hits) != 1 {
				t.Errorf("%s: %v %v", sid, hits, err)
			}
		}(sid, text)
	}
	wg.Wait()
}

func TestTexts(t *testing.T) {
	hits := []models.RetrievedChunk{{Text: "a"}, {Text: "b"}}
	assert.Equal(t, []string{"a", "b"}, Texts(hits))
}

func TestDelete(t *testing.T) {
	p, store := newPipeline(t, 10, 2, nil)
	ctx := context.Background()
	_, err := p.Ingest(ctx, "s1", "text to be removed")
	require.NoError(t, err)
	require.NoError(t, p.Delete(ctx, "s1"))
	require.NoError(t, p.Delete(ctx, "s1"))
	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = p.Retrieve(ctx, "s1", "text", 1)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}
