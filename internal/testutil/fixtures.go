package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// BuildPDF returns a minimal, well-formed PDF with the given number of
// blank letter-size pages. Each page draws a diagonal line whose length
// depends on the page number, so single-page extracts differ by page.
func BuildPDF(pages int) []byte {
	if pages < 1 {
		pages = 1
	}

	// Objects: 1 catalog, 2 page tree, then a page and a content stream
	// per page.
	var buf bytes.Buffer
	offsets := []int{0}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}

	buf.WriteString("%PDF-1.4\n")

	kids := make([]string, pages)
	for i := 0; i < pages; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		content := fmt.Sprintf("72 72 m %d %d l S", 100+10*i, 100+10*i)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

// WritePDF writes BuildPDF(pages) to path.
func WritePDF(t *testing.T, path string, pages int) {
	t.Helper()
	if err := os.WriteFile(path, BuildPDF(pages), 0o644); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
}

// ocrWord and ocrPage mirror the OCR sidecar layout read by pagesource.
type ocrWord struct {
	Text   string `json:"text"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Right  int    `json:"right"`
	Bottom int    `json:"bottom"`
}

type ocrPage struct {
	Page  int       `json:"page"`
	Text  string    `json:"text"`
	Words []ocrWord `json:"words"`
}

// WriteOCR writes an OCR sidecar for the document at path, one entry per
// page text. Words are laid out left to right on a single line with
// synthetic bounds.
func WriteOCR(t *testing.T, path string, pageTexts ...string) {
	t.Helper()

	doc := struct {
		Pages []ocrPage `json:"pages"`
	}{Pages: make([]ocrPage, len(pageTexts))}

	for i, text := range pageTexts {
		p := ocrPage{Page: i + 1, Text: text, Words: []ocrWord{}}
		x := 100
		for _, w := range strings.Fields(text) {
			width := 20 * len([]rune(w))
			p.Words = append(p.Words, ocrWord{Text: w, Left: x, Top: 200, Right: x + width, Bottom: 240})
			x += width + 15
		}
		doc.Pages[i] = p
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal ocr: %v", err)
	}
	if err := os.WriteFile(path+".ocr.json", data, 0o644); err != nil {
		t.Fatalf("write ocr: %v", err)
	}
}

// WriteDocument writes a PDF document with one page per text plus its OCR
// sidecar into dir and returns the document path.
func WriteDocument(t *testing.T, dir, name string, pageTexts ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	WritePDF(t, path, len(pageTexts))
	WriteOCR(t, path, pageTexts...)
	return path
}
