package verify

import (
	"context"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/pagecache"
	"github.com/roach88/webverify/internal/pagesource"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/session"
)

// Workspace is a borrowed handle together with the operations a logical
// session runs on it. It is valid only inside the Do callback that
// created it.
type Workspace struct {
	svc   *Service
	lease *pool.Lease
	ctl   *session.Controller
}

// Context returns the logical session the handle is bound to.
func (w *Workspace) Context() pool.LogicalContext { return w.lease.Context() }

// Current returns the handle's document state.
func (w *Workspace) Current() pool.DocumentState { return w.ctl.Current() }

// OpenDocument opens a document session.
func (w *Workspace) OpenDocument(ctx context.Context, req session.OpenRequest) (pool.DocOpen, error) {
	return w.ctl.OpenDocument(ctx, req)
}

// CloseDocument ends the open document session.
func (w *Workspace) CloseDocument(ctx context.Context, req session.CloseRequest) (pool.DocOpen, error) {
	return w.ctl.CloseDocument(ctx, req)
}

// DeleteDocument removes a file from the workflow.
func (w *Workspace) DeleteDocument(ctx context.Context, fileID int64) error {
	return w.ctl.DeleteDocument(ctx, fileID)
}

// doc describes the open document to the cache.
func (w *Workspace) doc() (pagecache.Doc, error) {
	open, ok := w.lease.Handle().OpenDocument()
	if !ok {
		return pagecache.Doc{}, fault.New(fault.CodeConflict, "no document is open").
			WithSession(w.lease.Context().SessionID)
	}
	return pagecache.Doc{
		SessionID: open.ID,
		FileID:    open.FileID,
		ActionID:  open.ActionID,
		User:      w.lease.Context().User,
		Path:      open.Path,
		Pages:     open.Pages,
	}, nil
}

func (w *Workspace) engine() (backend.Engine, error) {
	conn := w.lease.Handle().Conn()
	if conn == nil {
		return nil, fault.New(fault.CodeUnauthorized, "handle has no engine connection").
			WithSession(w.lease.Context().SessionID)
	}
	return conn, nil
}

// GetPageImage returns a page of the open document as a single-page PDF.
func (w *Workspace) GetPageImage(ctx context.Context, page int, triggerPrefetch bool) ([]byte, error) {
	doc, err := w.doc()
	if err != nil {
		return nil, err
	}
	return w.svc.cache.GetPageImage(ctx, doc, page, triggerPrefetch)
}

// GetPageText returns the OCR text of a page of the open document.
func (w *Workspace) GetPageText(ctx context.Context, page int) (string, error) {
	doc, err := w.doc()
	if err != nil {
		return "", err
	}
	return w.svc.cache.GetPageText(ctx, doc, page)
}

// GetWordZoneData returns the OCR'd words of a page of the open document.
func (w *Workspace) GetWordZoneData(ctx context.Context, page int) ([]pagesource.Word, error) {
	doc, err := w.doc()
	if err != nil {
		return nil, err
	}
	return w.svc.cache.GetWordZoneData(ctx, doc, page)
}

// GetDocumentData returns the open document's stored attributes, seeding
// per-page drafts with them when cacheData is set.
func (w *Workspace) GetDocumentData(ctx context.Context, cacheData bool) ([]attr.Attribute, error) {
	doc, err := w.doc()
	if err != nil {
		return nil, err
	}
	eng, err := w.engine()
	if err != nil {
		return nil, err
	}
	return w.svc.cache.GetDocumentData(ctx, eng, doc, cacheData)
}

// GetSearchResults finds query in the open document's OCR text.
func (w *Workspace) GetSearchResults(ctx context.Context, query string) ([]pagecache.SearchHit, error) {
	doc, err := w.doc()
	if err != nil {
		return nil, err
	}
	return w.svc.cache.GetSearchResults(ctx, doc, query)
}

// EditPageData stages attrs as this session's draft of page.
func (w *Workspace) EditPageData(ctx context.Context, page int, attrs []attr.Attribute) error {
	doc, err := w.doc()
	if err != nil {
		return err
	}
	return w.svc.cache.EditPageData(ctx, doc, page, attrs)
}

// CommitCachedDocumentData stores this session's drafts.
func (w *Workspace) CommitCachedDocumentData(ctx context.Context) (int, error) {
	doc, err := w.doc()
	if err != nil {
		return 0, err
	}
	eng, err := w.engine()
	if err != nil {
		return 0, err
	}
	return w.svc.cache.CommitCachedDocumentData(ctx, eng, doc)
}

// GetUncommittedDocumentData merges other sessions' unsaved edits of the
// open document.
func (w *Workspace) GetUncommittedDocumentData(ctx context.Context) (pagecache.Uncommitted, error) {
	doc, err := w.doc()
	if err != nil {
		return pagecache.Uncommitted{}, err
	}
	return w.svc.cache.GetUncommittedDocumentData(ctx, doc)
}

// DiscardOldCacheData deletes other sessions' cache rows of the open
// document.
func (w *Workspace) DiscardOldCacheData(ctx context.Context) (int64, error) {
	doc, err := w.doc()
	if err != nil {
		return 0, err
	}
	return w.svc.cache.DiscardOldCacheData(ctx, doc)
}
