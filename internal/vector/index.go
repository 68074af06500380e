// Package vector provides the exact nearest-neighbour index built per session.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/hyperjump/docqa/internal/models"
)

// Index is an immutable matrix of N row vectors of one dimensionality. Row i
// belongs to chunk i of the session the index was built for.
type Index struct {
	dimensions int
	vectors    [][]float32
}

// Result is a single search hit.
type Result struct {
	ChunkIndex int     `json:"chunk_index"`
	Distance   float64 `json:"distance"` // squared Euclidean distance
}

// Build copies vectors into a new index. When dimensions <= 0 it is taken from the
// first vector; an index over zero vectors is valid and keeps the given dimensions.
func Build(dimensions int, vectors [][]float32) (*Index, error) {
	if dimensions <= 0 && len(vectors) > 0 {
		dimensions = len(vectors[0])
	}
	if dimensions < 0 {
		dimensions = 0
	}
	rows := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != dimensions {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d",
				models.ErrDimensionMismatch, i, len(v), dimensions)
		}
		if !Finite(v) {
			return nil, fmt.Errorf("%w: vector %d has a NaN or infinite component", models.ErrEmbedding, i)
		}
		row := make([]float32, dimensions)
		copy(row, v)
		rows[i] = row
	}
	return &Index{dimensions: dimensions, vectors: rows}, nil
}

// Dimensions returns the dimensionality of the index (0 if unknown).
func (x *Index) Dimensions() int { return x.dimensions }

// Size returns the number of vectors in the index.
func (x *Index) Size() int { return len(x.vectors) }

// Vector returns row i. The returned slice must not be modified.
func (x *Index) Vector(i int) []float32 { return x.vectors[i] }

// Search returns at most k rows ordered by ascending squared Euclidean distance to
// query, ties broken by ascending chunk index. An empty index returns no results.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(x.vectors) == 0 && x.dimensions == 0 {
		return nil, nil
	}
	if len(query) != x.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			models.ErrDimensionMismatch, len(query), x.dimensions)
	}
	if k <= 0 || len(x.vectors) == 0 {
		return nil, nil
	}
	results := make([]Result, len(x.vectors))
	for i, row := range x.vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		results[i] = Result{ChunkIndex: i, Distance: SquaredL2(query, row)}
	}
	// NaN distances rank last so the comparator stays a strict weak ordering.
	for i := range results {
		if math.IsNaN(results[i].Distance) {
			results[i].Distance = math.Inf(1)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}
