// Package chunker splits extracted text into overlapping fixed-size windows.
//
// Sizes and overlaps are counted in Unicode code points (runes), so a window never
// splits a multi-byte character.
package chunker

import (
	"fmt"
	"strings"

	"github.com/hyperjump/docqa/internal/models"
)

// ErrInvalidChunkPolicy is returned for a non-positive size or an overlap outside [0, size).
var ErrInvalidChunkPolicy = fmt.Errorf("%w: invalid chunk policy", models.ErrInvalidInput)

// Chunker holds a size/overlap policy.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker with the given size and overlap (in runes).
func New(size, overlap int) (*Chunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of runes shared by consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text with the chunker's policy.
func (c *Chunker) Chunk(text string) []string {
	chunks, _ := Chunk(text, c.size, c.overlap)
	return chunks
}

// Chunk splits text into consecutive windows of up to size runes. Each window
// starts size-overlap runes after the previous one, so neighbours share overlap
// runes. Splitting stops at the first window that reaches the end of the text.
// Empty text yields nil.
func Chunk(text string, size, overlap int) ([]string, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	step := size - overlap
	chunks := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// Reassemble rebuilds the original text from chunks produced with the given overlap.
func Reassemble(chunks []string, overlap int) string {
	var out []rune
	for i, ch := range chunks {
		r := []rune(ch)
		if i > 0 {
			r = r[overlap:]
		}
		out = append(out, r...)
	}
	return string(out)
}

func validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidChunkPolicy, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidChunkPolicy, size, overlap)
	}
	return nil
}

// Preprocess trims text and collapses every whitespace run into a single space.
func Preprocess(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
