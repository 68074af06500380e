package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// extractPDF returns the text layer, falling back to OCR of rasterised pages when
// every page is blank.
func (e *Extractor) extractPDF(ctx context.Context, content []byte) (string, error) {
	text, err := pdfText(content)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if e.ocr == nil {
		return text, nil
	}
	ocrText, err := e.ocr.PDF(ctx, content)
	if errors.Is(err, ErrOCRUnavailable) {
		e.logger.Warn("PDF has no text layer and OCR is unavailable", zap.Error(err))
		return text, nil
	}
	return ocrText, err
}

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 0; i < numPages; i++ {
		page := r.Page(i + 1)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i+1, err)
		}
		buf.WriteString(text)
		if i < numPages-1 {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}
