// Package pagecache serves per-page document data through the engine's page
// cache table and stages, merges and commits per-page attribute edits.
//
// Rows are keyed by (task session, page) and hold four kinds of data:
// rendered image, OCR text, word zones and the session's draft attributes.
// Reads never populate the cache; only the background prefetcher and the
// edit path write to it. A cache read error is never a request failure:
// the value is read from the source instead.
package pagecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/clock"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/metrics"
	"github.com/roach88/webverify/internal/pagesource"
)

// Doc is the open document a call works on.
type Doc struct {
	// SessionID is the engine task session the rows belong to.
	SessionID int64
	FileID    int64
	ActionID  int64

	// User is recorded on edits.
	User string

	Path  string
	Pages int
}

// Source is the source of truth for page data.
type Source interface {
	RenderPage(ctx context.Context, path string, page int) ([]byte, error)
	PageText(ctx context.Context, path string, page int) (string, error)
	WordZones(ctx context.Context, path string, page int) ([]pagesource.Word, error)
	DocumentText(ctx context.Context, path string) ([]pagesource.PageText, error)
}

// Options tunes the cache.
type Options struct {
	// AttributeSet is the stored set drafts are committed to.
	AttributeSet string

	// Prefetch enables background read-ahead.
	Prefetch bool

	// PrefetchTimeout bounds one page's background caching.
	PrefetchTimeout time.Duration

	// SeedConcurrency bounds parallel draft seeding writes.
	SeedConcurrency int

	// FailureBuffer is the size of the prefetch failure channel.
	FailureBuffer int

	// MaxAge is how long non-crucial rows are kept by Prune.
	MaxAge time.Duration
}

// Cache is the page data cache.
//
// Thread-safety: safe for concurrent use. It only touches the shared
// PageStore, never a handle's engine connection; operations that need the
// engine take it as an argument from the caller holding the handle.
type Cache struct {
	store    backend.PageStore
	source   Source
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onFail   func(Failure)
	prefetch *Prefetcher
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock stamping edits.
func WithClock(c clock.Clock) Option {
	return func(ca *Cache) { ca.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ca *Cache) { ca.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ca *Cache) { ca.metrics = m }
}

// WithFailureHook is called by the prefetch supervisor, after logging, for
// every background failure.
func WithFailureHook(fn func(Failure)) Option {
	return func(ca *Cache) { ca.onFail = fn }
}

// New creates a cache over store and source.
func New(store backend.PageStore, source Source, opts Options, options ...Option) *Cache {
	if opts.SeedConcurrency < 1 {
		opts.SeedConcurrency = 4
	}
	c := &Cache{
		store:  store,
		source: source,
		opts:   opts,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.prefetch = newPrefetcher(c.cachePage, opts.PrefetchTimeout, opts.FailureBuffer, c.onFail, c.logger, c.metrics)
	return c
}

// Wait blocks until scheduled prefetch runs are done.
func (c *Cache) Wait() { c.prefetch.Wait() }

// Close stops the prefetcher.
func (c *Cache) Close() { c.prefetch.Close() }

func checkPage(doc Doc, page int) error {
	if page < 1 || page > doc.Pages {
		return fault.New(fault.CodeNotFound, "page %d out of range 1..%d", page, doc.Pages).
			WithFile(doc.FileID).WithPage(page)
	}
	return nil
}

// lookup reads one kind from the cache. Read errors and error stand-ins
// are reported as misses; the caller falls back to the source.
func (c *Cache) lookup(ctx context.Context, doc Doc, page int, kind backend.CacheKind) []byte {
	entry, err := c.store.GetCachedPageData(ctx, doc.SessionID, page, kind)
	switch {
	case err != nil:
		c.logger.Warn("cache read failed, reading source",
			"task_session", doc.SessionID, "page", page, "kind", kind.String(), "error", err)
		c.metrics.CacheLookup(kind.String(), metrics.ResultFallback)
		return nil
	case entry == nil:
		c.metrics.CacheLookup(kind.String(), metrics.ResultMiss)
		return nil
	case entry.Error != "":
		c.metrics.CacheLookup(kind.String(), metrics.ResultError)
		return nil
	default:
		c.metrics.CacheLookup(kind.String(), metrics.ResultHit)
		return entry.Payload
	}
}

// prefetchAfter is the read-ahead order for a request of page: the next
// page, and on page 1 the page itself after page 2.
func prefetchAfter(doc Doc, page int) []int {
	var pages []int
	if page+1 <= doc.Pages {
		pages = append(pages, page+1)
	}
	if page == 1 {
		pages = append(pages, 1)
	}
	return pages
}

// GetPageImage returns page as a single-page PDF. A miss is rendered from
// the source and returned without caching it. With triggerPrefetch the
// following page is cached in the background.
func (c *Cache) GetPageImage(ctx context.Context, doc Doc, page int, triggerPrefetch bool) ([]byte, error) {
	if err := checkPage(doc, page); err != nil {
		return nil, err
	}
	if triggerPrefetch && c.opts.Prefetch {
		defer c.prefetch.Schedule(doc, prefetchAfter(doc, page)...)
	}

	if img := c.lookup(ctx, doc, page, backend.KindImage); img != nil {
		return img, nil
	}
	img, err := c.source.RenderPage(ctx, doc.Path, page)
	if err != nil {
		return nil, fault.Normalize(err, "render page %d", page)
	}
	return img, nil
}

// GetPageText returns the OCR text of page.
func (c *Cache) GetPageText(ctx context.Context, doc Doc, page int) (string, error) {
	if err := checkPage(doc, page); err != nil {
		return "", err
	}
	if text := c.lookup(ctx, doc, page, backend.KindText); text != nil {
		return string(text), nil
	}
	return c.source.PageText(ctx, doc.Path, page)
}

// GetWordZoneData returns the OCR'd words of page with their bounds.
func (c *Cache) GetWordZoneData(ctx context.Context, doc Doc, page int) ([]pagesource.Word, error) {
	if err := checkPage(doc, page); err != nil {
		return nil, err
	}
	if data := c.lookup(ctx, doc, page, backend.KindWordZone); data != nil {
		var words []pagesource.Word
		err := json.Unmarshal(data, &words)
		if err == nil {
			return words, nil
		}
		c.logger.Warn("cached word zones unreadable, reading source",
			"task_session", doc.SessionID, "page", page, "error", err)
	}
	return c.source.WordZones(ctx, doc.Path, page)
}

// cachePage writes one page's image, text and word zones to the cache.
// A page that already has a row for its image, or an error stand-in, is
// left alone. A page that cannot be rendered is cached as an error
// stand-in so it is not retried.
func (c *Cache) cachePage(ctx context.Context, doc Doc, page int) error {
	entry, err := c.store.GetCachedPageData(ctx, doc.SessionID, page, backend.KindImage)
	if err == nil && entry != nil {
		return nil
	}

	w := backend.CacheWrite{FileID: doc.FileID, ActionID: doc.ActionID}
	img, err := c.source.RenderPage(ctx, doc.Path, page)
	if err != nil {
		w.Error = fault.Serialize(err)
		if putErr := c.store.PutCachedPageData(ctx, doc.SessionID, page, w); putErr != nil {
			c.logger.Warn("cache error stand-in", "task_session", doc.SessionID, "page", page, "error", putErr)
		}
		return err
	}
	w.Image = img

	var ocrErr error
	if text, err := c.source.PageText(ctx, doc.Path, page); err == nil {
		w.Text = []byte(text)
	} else {
		ocrErr = err
	}
	if words, err := c.source.WordZones(ctx, doc.Path, page); err == nil {
		if data, err := json.Marshal(words); err == nil {
			w.WordZone = data
		} else {
			ocrErr = fmt.Errorf("encode word zones: %w", err)
		}
	} else {
		ocrErr = err
	}

	if err := c.store.PutCachedPageData(ctx, doc.SessionID, page, w); err != nil {
		return err
	}
	return ocrErr
}
