package extract

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/docqa/internal/models"
)

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes(context.Background(), []byte("Hello world\nLine 2"), ".txt")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes(context.Background(), []byte("hello\x80world"), ".md")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "hello�world" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Patient")
	f.SetCellValue("Sheet1", "A2", "Glucose")
	f.SetCellValue("Sheet1", "B2", "5.4 mmol/L")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractBytes(context.Background(), buf.Bytes(), ".XLSX")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "Patient\nGlucose\t5.4 mmol/L" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_excelSheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Drug")
	f.SetCellValue("Sheet1", "B1", "Dose")
	f.SetCellValue("Sheet1", "A3", "Ibuprofen")
	f.SetCellValue("Sheet1", "B3", "200mg")
	if _, err := f.NewSheet("Labs"); err != nil {
		t.Fatalf("NewSheet: %v", err)
	}
	f.SetCellValue("Labs", "A1", "HbA1c")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractBytes(context.Background(), buf.Bytes(), ".xlsx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	want := "Sheet: Sheet1\nDrug\tDose\nIbuprofen\t200mg\nSheet: Labs\nHbA1c"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractBytes_corruptExcel(t *testing.T) {
	_, err := NewExtractor().ExtractBytes(context.Background(), []byte("not a zip"), ".xlsx")
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExtractBytes_plainBOMAndCRLF(t *testing.T) {
	got, err := NewExtractor().ExtractBytes(context.Background(), []byte("\xEF\xBB\xBFline one\r\nline two"), ".txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "line one\nline two" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_excelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.xlsx")
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "Searchable text")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()

	got, err := NewExtractor().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "Searchable text" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_nonexistent(t *testing.T) {
	if _, err := NewExtractor().Extract(context.Background(), "/nonexistent/path/file.txt"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestExtractBytes_unknownExtension(t *testing.T) {
	got, err := NewExtractor().ExtractBytes(context.Background(), []byte("raw content"), ".xyz")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	// Unknown extension falls back to plain
	if got != "raw content" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_invalidPDF(t *testing.T) {
	if _, err := NewExtractor().ExtractBytes(context.Background(), []byte("not a pdf"), ".pdf"); err == nil {
		t.Error("expected error for corrupt PDF")
	}
}

func TestExtractBytes_imageWithoutOCR(t *testing.T) {
	_, err := NewExtractor().ExtractBytes(context.Background(), []byte{0x89, 'P', 'N', 'G'}, ".png")
	if !errors.Is(err, ErrOCRUnavailable) {
		t.Errorf("expected ErrOCRUnavailable, got %v", err)
	}
}

func TestOCR_missingBinary(t *testing.T) {
	ocr := NewOCR(filepath.Join(t.TempDir(), "no-tesseract"), "", "")
	_, err := ocr.Image(context.Background(), []byte("img"))
	if !errors.Is(err, ErrOCRUnavailable) {
		t.Errorf("expected ErrOCRUnavailable, got %v", err)
	}
}

// fakeTool writes an executable shell script standing in for an OCR binary.
func fakeTool(t *testing.T, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOCR_image(t *testing.T) {
	tesseract := fakeTool(t, "tesseract", `
[ "$1" = "stdin" ] && [ "$2" = "stdout" ] && [ "$4" = "deu" ] || exit 2
input=$(cat)
echo "  recognised: $input  "
`)
	e := NewExtractor(WithOCR(NewOCR(tesseract, "", "deu")))
	got, err := e.ExtractBytes(context.Background(), []byte("pixels"), ".JPG")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "recognised: pixels" {
		t.Errorf("got %q", got)
	}
}

func TestOCR_imageFailure(t *testing.T) {
	tesseract := fakeTool(t, "tesseract", "echo 'bad image' >&2\nexit 1\n")
	_, err := NewOCR(tesseract, "", "").Image(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOCR_PDFPagesInOrder(t *testing.T) {
	// pdftoppm: last argument is the output prefix; emit pages out of lexical order.
	pdftoppm := fakeTool(t, "pdftoppm", `
for a; do prefix=$a; done
printf 'page two' > "$prefix-2.png"
printf 'page ten' > "$prefix-10.png"
printf 'page one' > "$prefix-1.png"
`)
	tesseract := fakeTool(t, "tesseract", "cat\n")
	got, err := NewOCR(tesseract, pdftoppm, "").PDF(context.Background(), []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("PDF: %v", err)
	}
	if want := "page one\npage two\npage ten"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSupported(t *testing.T) {
	for _, ext := range []string{".pdf", ".PNG", ".tiff", ".xlsx", ".txt", ".md"} {
		if !Supported(ext) {
			t.Errorf("%s should be supported", ext)
		}
	}
	for _, ext := range []string{".exe", ".docx", ""} {
		if Supported(ext) {
			t.Errorf("%s should not be supported", ext)
		}
	}
}

func TestPageNumber(t *testing.T) {
	if n := pageNumber("/tmp/x/page-007.png"); n != 7 {
		t.Errorf("got %d", n)
	}
	if n := pageNumber("/tmp/x/odd.png"); n != 0 {
		t.Errorf("got %d", n)
	}
}
