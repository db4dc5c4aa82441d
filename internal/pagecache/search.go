package pagecache

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/webverify/internal/fault"
)

// SearchHit is a page whose OCR text contains the query.
type SearchHit struct {
	Page  int `json:"page"`
	Count int `json:"count"`
}

// GetSearchResults finds query in the document's OCR text. Matching is
// case-insensitive and ignores differences in Unicode composition. It reads
// the source directly; search results are not cached.
func (c *Cache) GetSearchResults(ctx context.Context, doc Doc, query string) ([]SearchHit, error) {
	hits := []SearchHit{}
	fold := cases.Fold()
	needle := fold.String(norm.NFC.String(strings.TrimSpace(query)))
	if needle == "" {
		return hits, nil
	}

	pages, err := c.source.DocumentText(ctx, doc.Path)
	if err != nil {
		return nil, fault.Normalize(err, "read document text")
	}
	for _, p := range pages {
		n := strings.Count(fold.String(norm.NFC.String(p.Text)), needle)
		if n > 0 {
			hits = append(hits, SearchHit{Page: p.Page, Count: n})
		}
	}
	return hits, nil
}
