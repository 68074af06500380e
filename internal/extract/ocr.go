package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrOCRUnavailable is returned when the tesseract or pdftoppm binary cannot be found.
var ErrOCRUnavailable = errors.New("OCR unavailable")

// OCR shells out to tesseract for images and to pdftoppm to rasterise PDFs.
type OCR struct {
	tesseract string
	pdftoppm  string
	language  string
	dpi       int
}

// NewOCR configures OCR. Empty binary paths are looked up on $PATH when first used.
func NewOCR(tesseractPath, pdftoppmPath, language string) *OCR {
	if tesseractPath == "" {
		tesseractPath = "tesseract"
	}
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	if language == "" {
		language = "eng"
	}
	return &OCR{tesseract: tesseractPath, pdftoppm: pdftoppmPath, language: language, dpi: 300}
}

func lookup(bin string) (string, error) {
	p, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrOCRUnavailable, bin, err)
	}
	return p, nil
}

// Image runs tesseract on an encoded image and returns the recognised text.
func (o *OCR) Image(ctx context.Context, image []byte) (string, error) {
	bin, err := lookup(o.tesseract)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout", "-l", o.language)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// PDF rasterises every page with pdftoppm and OCRs them in page order. Page texts
// are joined with newlines.
func (o *OCR) PDF(ctx context.Context, content []byte) (string, error) {
	bin, err := lookup(o.pdftoppm)
	if err != nil {
		return "", err
	}
	if _, err := lookup(o.tesseract); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "docqa-ocr-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, content, 0600); err != nil {
		return "", fmt.Errorf("write temp PDF: %w", err)
	}
	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, bin, "-r", strconv.Itoa(o.dpi), "-png", in, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	pages, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return "", err
	}
	sort.Slice(pages, func(i, j int) bool { return pageNumber(pages[i]) < pageNumber(pages[j]) })

	texts := make([]string, 0, len(pages))
	for i, p := range pages {
		img, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read page %d: %w", i+1, err)
		}
		text, err := o.Image(ctx, img)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i+1, err)
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, "\n"), nil
}

// pageNumber parses N from ".../page-N.png"; pdftoppm zero-pads N for longer documents.
func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	n, err := strconv.Atoi(base[strings.LastIndex(base, "-")+1:])
	if err != nil {
		return 0
	}
	return n
}
