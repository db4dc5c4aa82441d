package pagecache

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/metrics"
)

// Uncommitted is the merged view of other sessions' unsaved edits.
type Uncommitted struct {
	// Pages holds the newest draft of every page someone else edited.
	Pages map[int][]attr.Attribute `json:"pages"`

	// User, Modified and Page identify the most recent of those edits.
	User     string    `json:"user,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
	Page     int       `json:"page,omitempty"`
}

// Empty reports whether no other session has unsaved edits.
func (u Uncommitted) Empty() bool { return len(u.Pages) == 0 }

// GetDocumentData returns the file's stored attribute set.
//
// With cacheData, one draft row per page is seeded from it, including an
// empty one for pages without attributes: commit treats a page with a draft
// row as replaced by that draft, so the row must exist even when empty.
// Seeding failures are logged, not returned.
func (c *Cache) GetDocumentData(ctx context.Context, eng backend.Engine, doc Doc, cacheData bool) ([]attr.Attribute, error) {
	attrs, err := c.loadStored(ctx, eng, doc)
	if err != nil {
		return nil, err
	}
	if !cacheData {
		return attrs, nil
	}

	byPage := attr.ByPage(attrs, doc.Pages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.SeedConcurrency)
	for page, pageAttrs := range byPage {
		data, err := attr.Marshal(pageAttrs)
		if err != nil {
			return nil, fault.Wrap(fault.CodeBackendFailure, err, "encode page attributes").
				WithFile(doc.FileID).WithPage(page)
		}
		g.Go(func() error {
			return c.store.PutCachedPageData(gctx, doc.SessionID, page, backend.CacheWrite{
				FileID:    doc.FileID,
				ActionID:  doc.ActionID,
				EditDraft: data,
				User:      doc.User,
			})
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("seed page drafts", "task_session", doc.SessionID, "file_id", doc.FileID, "error", err)
	}
	return attrs, nil
}

func (c *Cache) loadStored(ctx context.Context, eng backend.Engine, doc Doc) ([]attr.Attribute, error) {
	data, _, err := eng.LoadAttributeSet(ctx, doc.FileID, c.opts.AttributeSet)
	if err != nil {
		return nil, fault.Normalize(err, "load attribute set %q", c.opts.AttributeSet)
	}
	attrs, err := attr.Unmarshal(data)
	if err != nil {
		return nil, fault.Wrap(fault.CodeBackendFailure, err, "stored attribute set is unreadable").WithFile(doc.FileID)
	}
	return attrs, nil
}

// EditPageData stages attrs as the session's draft of page. The row is
// crucial: later background writes to it keep the draft.
func (c *Cache) EditPageData(ctx context.Context, doc Doc, page int, attrs []attr.Attribute) error {
	if err := checkPage(doc, page); err != nil {
		return err
	}
	data, err := attr.Marshal(attrs)
	if err != nil {
		return fault.Wrap(fault.CodeConflict, err, "attributes cannot be encoded").WithFile(doc.FileID).WithPage(page)
	}
	err = c.store.PutCachedPageData(ctx, doc.SessionID, page, backend.CacheWrite{
		FileID:     doc.FileID,
		ActionID:   doc.ActionID,
		EditDraft:  data,
		Crucial:    true,
		Modified:   true,
		User:       doc.User,
		ModifiedAt: c.clock.Now(),
	})
	if err != nil {
		return fault.Wrap(fault.CodeBackendFailure, err, "stage page edit").WithFile(doc.FileID).WithPage(page)
	}
	c.logger.Debug("page edit staged", "task_session", doc.SessionID, "file_id", doc.FileID, "page", page)
	return nil
}

// CommitCachedDocumentData stores the session's drafts as a new version of
// the attribute set. Pages without a draft keep their stored attributes.
// Returns the number of pages taken from drafts; zero means nothing was
// staged and nothing was stored.
func (c *Cache) CommitCachedDocumentData(ctx context.Context, eng backend.Engine, doc Doc) (int, error) {
	drafts, err := c.store.SessionDrafts(ctx, doc.SessionID)
	if err != nil {
		return 0, fault.Wrap(fault.CodeBackendFailure, err, "read staged edits").WithFile(doc.FileID)
	}
	if len(drafts) == 0 {
		return 0, nil
	}

	stored, err := c.loadStored(ctx, eng, doc)
	if err != nil {
		return 0, err
	}
	pages := attr.ByPage(stored, doc.Pages)
	for _, d := range drafts {
		attrs, err := attr.Unmarshal(d.Data)
		if err != nil {
			return 0, fault.Wrap(fault.CodeBackendFailure, err, "staged edit is unreadable").
				WithFile(doc.FileID).WithPage(d.Page)
		}
		pages[d.Page] = attrs
	}

	data, err := attr.Marshal(attr.Flatten(pages))
	if err != nil {
		return 0, fault.Wrap(fault.CodeBackendFailure, err, "encode attribute set").WithFile(doc.FileID)
	}
	if err := eng.StoreAttributeSet(ctx, doc.SessionID, c.opts.AttributeSet, data); err != nil {
		return 0, fault.Normalize(err, "store attribute set %q", c.opts.AttributeSet)
	}

	if err := c.store.MarkCacheCommitted(ctx, doc.SessionID); err != nil {
		c.logger.Warn("mark drafts committed", "task_session", doc.SessionID, "error", err)
	}
	c.logger.Info("document data committed",
		"task_session", doc.SessionID, "file_id", doc.FileID, "pages", len(drafts))
	return len(drafts), nil
}

// GetUncommittedDocumentData merges the unsaved drafts of every other open
// session on the file that are newer than the stored attribute set. For
// each page the most recent draft wins. The cache is the only record of
// these edits, so a read failure is logged and reported as none.
func (c *Cache) GetUncommittedDocumentData(ctx context.Context, doc Doc) (Uncommitted, error) {
	out := Uncommitted{Pages: map[int][]attr.Attribute{}}

	edits, err := c.store.GetUncommittedEdits(ctx, doc.FileID, doc.ActionID, c.opts.AttributeSet)
	if err != nil {
		c.logger.Warn("read uncommitted edits", "file_id", doc.FileID, "error", err)
		c.metrics.CacheLookup(backend.KindEditDraft.String(), metrics.ResultFallback)
		return out, nil
	}

	// Newest first within a page.
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].Page != edits[j].Page {
			return edits[i].Page < edits[j].Page
		}
		return edits[i].Modified.After(edits[j].Modified)
	})

	for _, e := range edits {
		if e.SessionID == doc.SessionID {
			continue
		}
		if _, seen := out.Pages[e.Page]; seen {
			continue
		}
		attrs, err := attr.Unmarshal(e.Data)
		if err != nil {
			c.logger.Warn("skip unreadable draft",
				"file_id", doc.FileID, "page", e.Page, "task_session", e.SessionID, "error", err)
			continue
		}
		out.Pages[e.Page] = attrs
		if e.Modified.After(out.Modified) {
			out.User = e.User
			out.Modified = e.Modified
			out.Page = e.Page
		}
	}
	return out, nil
}

// DiscardOldCacheData deletes every cache row of the file not owned by the
// session. Returns the number of rows removed.
func (c *Cache) DiscardOldCacheData(ctx context.Context, doc Doc) (int64, error) {
	n, err := c.store.DiscardCacheExcept(ctx, doc.FileID, doc.ActionID, doc.SessionID)
	if err != nil {
		return 0, fault.Wrap(fault.CodeBackendFailure, err, "discard old cache data").WithFile(doc.FileID)
	}
	if n > 0 {
		c.logger.Debug("discarded old cache rows", "file_id", doc.FileID, "task_session", doc.SessionID, "rows", n)
	}
	return n, nil
}

// Prune deletes non-crucial rows older than MaxAge. A zero MaxAge keeps
// everything.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	if c.opts.MaxAge <= 0 {
		return 0, nil
	}
	n, err := c.store.PruneCache(ctx, c.clock.Now().Add(-c.opts.MaxAge))
	if err != nil {
		return 0, err
	}
	c.metrics.CachePruned(n)
	return n, nil
}
