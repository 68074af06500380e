// Package extract turns uploaded documents into plain text: text layers of PDFs,
// spreadsheet cells, plain text, and OCR of scanned images and image-only PDFs.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
	".bmp": true, ".gif": true, ".webp": true,
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".rst": true, ".csv": true, ".json": true, ".log": true,
}

// Extractor extracts plain text from document files.
type Extractor struct {
	ocr    *OCR
	logger *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithOCR enables OCR for images and PDFs without a text layer.
func WithOCR(ocr *OCR) Option {
	return func(e *Extractor) {
		e.ocr = ocr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(ctx, content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf"). Unknown extensions are read as
// plain text.
func (e *Extractor) ExtractBytes(ctx context.Context, content []byte, ext string) (string, error) {
	ext = strings.ToLower(ext)
	switch {
	case ext == ".pdf":
		return e.extractPDF(ctx, content)
	case ext == ".xlsx":
		return extractExcel(ctx, content)
	case imageExtensions[ext]:
		if e.ocr == nil {
			return "", fmt.Errorf("%w: no OCR configured for %s", ErrOCRUnavailable, ext)
		}
		return e.ocr.Image(ctx, content)
	default:
		return extractPlain(content)
	}
}

// Supported reports whether ext is a format with a dedicated extractor. Plain text
// fallbacks for unknown extensions are not counted.
func Supported(ext string) bool {
	ext = strings.ToLower(ext)
	return ext == ".pdf" || ext == ".xlsx" || imageExtensions[ext] || textExtensions[ext]
}
