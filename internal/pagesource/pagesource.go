// Package pagesource reads page data from a document's source of truth:
// its rendered form on disk and the OCR output the engine stored next to
// it.
//
// For a document at path P:
//
//	P.pdf       pre-rendered whole-document PDF (preferred when present)
//	P           the source document; used directly when it is a PDF
//	P.ocr.json  OCR sidecar: per-page text and word bounds
//
// Page images are single-page PDFs extracted with pdfcpu.
package pagesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/fault"
)

// Word is one OCR'd word and its bounds.
type Word struct {
	Text string `json:"text"`
	attr.Zone
}

// PageText is the OCR text of one page.
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

type ocrDocument struct {
	Pages []struct {
		Page  int    `json:"page"`
		Text  string `json:"text"`
		Words []struct {
			Text   string `json:"text"`
			Left   int    `json:"left"`
			Top    int    `json:"top"`
			Right  int    `json:"right"`
			Bottom int    `json:"bottom"`
		} `json:"words"`
	} `json:"pages"`
}

// RenderedPath is the pre-rendered whole-document form of path.
func RenderedPath(path string) string { return path + ".pdf" }

// OCRPath is the OCR sidecar of path.
func OCRPath(path string) string { return path + ".ocr.json" }

// Source reads pages from disk.
//
// Thread-safety: safe for concurrent use; every call reads the files anew.
type Source struct {
	conf   *model.Configuration
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// New creates a Source with relaxed PDF validation, matching what scanners
// and OCR engines actually produce.
func New(opts ...Option) *Source {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	s := &Source{conf: conf, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadPDF returns the bytes of the best available PDF form of path.
func (s *Source) loadPDF(path string) ([]byte, error) {
	rendered := RenderedPath(path)
	data, err := os.ReadFile(rendered)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "read rendered document")
	}

	data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.CodeNotFound, "document %s does not exist", path)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "read document")
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fault.New(fault.CodeNotFound, "document %s has no renderable form", path)
	}
	s.logger.Debug("no pre-rendered form, converting source", "path", path)
	return data, nil
}

// PageCount returns the number of pages of the document at path.
func (s *Source) PageCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := s.loadPDF(path)
	if err != nil {
		return 0, err
	}
	n, err := api.PageCount(bytes.NewReader(data), s.conf)
	if err != nil {
		return 0, fault.Wrap(fault.CodeBackendFailure, err, "count pages of %s", path)
	}
	return n, nil
}

// RenderPage returns page as a single-page PDF.
func (s *Source) RenderPage(ctx context.Context, path string, page int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.loadPDF(path)
	if err != nil {
		return nil, err
	}

	n, err := api.PageCount(bytes.NewReader(data), s.conf)
	if err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "count pages of %s", path).WithPage(page)
	}
	if page < 1 || page > n {
		return nil, fault.New(fault.CodeNotFound, "page %d out of range 1..%d", page, n).WithPage(page)
	}

	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &out, []string{strconv.Itoa(page)}, s.conf); err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "extract page").WithPage(page)
	}
	return out.Bytes(), nil
}

func (s *Source) loadOCR(path string) (*ocrDocument, error) {
	data, err := os.ReadFile(OCRPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.CodeNotFound, "document %s has no OCR output", path)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "read OCR output")
	}
	var doc ocrDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "decode OCR output of %s", path)
	}
	return &doc, nil
}

// PageText returns the OCR text of page. A page the OCR output does not
// mention has no text.
func (s *Source) PageText(ctx context.Context, path string, page int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, err := s.loadOCR(path)
	if err != nil {
		return "", err
	}
	for _, p := range doc.Pages {
		if p.Page == page {
			return p.Text, nil
		}
	}
	return "", nil
}

// WordZones returns the OCR'd words of page in reading order.
func (s *Source) WordZones(ctx context.Context, path string, page int) ([]Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.loadOCR(path)
	if err != nil {
		return nil, err
	}
	words := []Word{}
	for _, p := range doc.Pages {
		if p.Page != page {
			continue
		}
		for _, w := range p.Words {
			words = append(words, Word{
				Text: w.Text,
				Zone: attr.Zone{Page: page, Left: w.Left, Top: w.Top, Right: w.Right, Bottom: w.Bottom},
			})
		}
	}
	return words, nil
}

// DocumentText returns the OCR text of every page in page order.
func (s *Source) DocumentText(ctx context.Context, path string) ([]PageText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.loadOCR(path)
	if err != nil {
		return nil, err
	}
	pages := make([]PageText, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		pages = append(pages, PageText{Page: p.Page, Text: p.Text})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })
	return pages, nil
}

