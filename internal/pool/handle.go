package pool

import (
	"time"

	"github.com/roach88/webverify/internal/backend"
)

// LogicalContext identifies the caller's logical session and the
// configuration it runs under.
type LogicalContext struct {
	// SessionID is the caller's web session token.
	SessionID string

	// User is the name recorded on skips and edits.
	User string

	Server    string
	Database  string
	WebConfig string
	Workflow  string

	// ExpiresAt ends the binding even if the session stays active.
	// Zero means no expiry.
	ExpiresAt time.Time
}

// Identity returns the engine database the context targets.
func (c LogicalContext) Identity() backend.Identity {
	return backend.Identity{Server: c.Server, Database: c.Database}
}

// Equivalent reports whether two contexts may share a handle binding:
// same server, database, web configuration and workflow.
func (c LogicalContext) Equivalent(o LogicalContext) bool {
	return c.Server == o.Server &&
		c.Database == o.Database &&
		c.WebConfig == o.WebConfig &&
		c.Workflow == o.Workflow
}

// DocumentState is the document session riding on a handle: DocClosed or
// DocOpen.
type DocumentState interface {
	isDocumentState()
}

// DocClosed means no document is open on the handle.
type DocClosed struct{}

// DocOpen is an open document session.
type DocOpen struct {
	// ID is the engine's task session id.
	ID       int64
	FileID   int64
	ActionID int64
	Path     string
	Pages    int

	// DataOnly marks a session opened for a late data correction; the
	// file's status is not changed by opening it.
	DataOnly bool

	StartTime time.Time
}

func (DocClosed) isDocumentState() {}
func (DocOpen) isDocumentState()   {}

// Handle is one pooled engine connection and the binding riding on it.
//
// The fields guarded by the pool's mutex (inUse, bound, ctx, lastUsed,
// abandoned) are never read or written without it. The connection and the
// document state belong to whoever holds the handle (inUse), and are only
// touched by that holder.
type Handle struct {
	slot     int
	instance string

	conn backend.Conn
	doc  DocumentState

	inUse     bool
	bound     bool
	ctx       LogicalContext
	lastUsed  time.Time
	abandoned string
}

// Slot returns the handle's index in the pool.
func (h *Handle) Slot() int { return h.slot }

// Instance returns a unique id for this handle, for logs.
func (h *Handle) Instance() string { return h.instance }

// Conn returns the engine connection. Only the holder may use it.
func (h *Handle) Conn() backend.Conn { return h.conn }

// EngineSessionID returns the engine's own session id on the connection,
// 0 if none.
func (h *Handle) EngineSessionID() int64 {
	if h.conn == nil {
		return 0
	}
	return h.conn.SessionID()
}

// Document returns the document session state.
func (h *Handle) Document() DocumentState {
	if h.doc == nil {
		return DocClosed{}
	}
	return h.doc
}

// SetDocument replaces the document session state.
func (h *Handle) SetDocument(s DocumentState) {
	if s == nil {
		s = DocClosed{}
	}
	h.doc = s
}

// OpenDocument returns the open document session, if any.
func (h *Handle) OpenDocument() (DocOpen, bool) {
	d, ok := h.Document().(DocOpen)
	return d, ok
}
