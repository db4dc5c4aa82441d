// Package backend declares the narrow interfaces through which the
// verification layer reaches the document processing engine.
//
// The engine is an opaque synchronous service. Two surfaces are separated:
//
//   - Engine: operations that ride on one pooled connection (the engine's
//     own session, task sessions, queue, status changes, attribute sets).
//     A Conn is never used by two goroutines at once; the pool enforces it.
//   - PageStore: the page cache table. It is safe for concurrent use and is
//     shared by request goroutines and background prefetch alike.
//
// internal/store provides the SQLite implementation used by tests and the CLI.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Identity names one engine database. Handles connected to different
// identities are never interchangeable.
type Identity struct {
	Server   string
	Database string
}

func (id Identity) String() string {
	if id.Server == "" {
		return id.Database
	}
	return id.Server + "/" + id.Database
}

// Status is a file's status within one action.
type Status int

const (
	StatusUnattempted Status = iota
	StatusPending
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusSkipped
)

var statusNames = map[Status]string{
	StatusUnattempted: "unattempted",
	StatusPending:     "pending",
	StatusProcessing:  "processing",
	StatusCompleted:   "completed",
	StatusFailed:      "failed",
	StatusSkipped:     "skipped",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// QueueMode selects which queue NextFile draws from.
type QueueMode int

const (
	QueuePending QueueMode = iota
	QueueSkipped
)

func (m QueueMode) String() string {
	if m == QueueSkipped {
		return "skipped"
	}
	return "pending"
}

// CacheKind is one of the four kinds of per-page data the cache holds.
type CacheKind int

const (
	KindImage CacheKind = iota + 1
	KindText
	KindWordZone
	KindEditDraft
)

func (k CacheKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindText:
		return "text"
	case KindWordZone:
		return "word_zone"
	case KindEditDraft:
		return "edit_draft"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FileRecord is a file handed out by the engine.
type FileRecord struct {
	ID     int64
	Path   string
	Pages  int
	Status Status
}

// CacheEntry is one kind of data read back from a cache row.
//
// A row that exists but has no payload for the requested kind is reported
// as absent. A row carrying an error stand-in is reported with Error set.
type CacheEntry struct {
	Payload    []byte
	Error      string
	Crucial    bool
	Modified   bool
	User       string
	ModifiedAt time.Time
}

// CacheWrite is one upsert into the (task session, page) cache row.
// Nil payloads leave the existing column untouched.
type CacheWrite struct {
	FileID     int64
	ActionID   int64
	Image      []byte
	Text       []byte
	WordZone   []byte
	EditDraft  []byte
	Error      string
	Crucial    bool
	Modified   bool
	User       string
	ModifiedAt time.Time
}

// UncommittedEdit is an EditDraft row newer than the last stored
// attribute set.
type UncommittedEdit struct {
	SessionID int64
	User      string
	Modified  time.Time
	Page      int
	Data      []byte
}

// Draft is one of a session's own EditDraft rows.
type Draft struct {
	Page int
	Data []byte
}

// Engine is the per-connection surface of the processing engine.
type Engine interface {
	// ActionID resolves an action name.
	ActionID(ctx context.Context, action string) (int64, error)

	// OpenTaskSession starts a task session for fileID and returns its id.
	OpenTaskSession(ctx context.Context, taskTag string, fileID, actionID int64) (int64, error)

	// CloseTaskSession ends a task session with its accumulated times.
	CloseTaskSession(ctx context.Context, sessionID int64, overhead, activity time.Duration, dueToInactivity bool) error

	// TaskSessionExists reports whether sessionID is still open.
	TaskSessionExists(ctx context.Context, sessionID int64) (bool, error)

	// NextFile hands out the next file of the queue and marks it
	// processing. It returns nil when the queue is empty. A non-empty
	// user restricts the queue to files assigned to that user.
	NextFile(ctx context.Context, action string, mode QueueMode, user string) (*FileRecord, error)

	// ClaimFile hands out a specific file if its status is in allowed,
	// marking it processing. Returns a NotFound or Locked fault otherwise.
	ClaimFile(ctx context.Context, fileID int64, action string, allowed []Status) (*FileRecord, error)

	// InspectFile returns a file without changing its status, failing
	// unless its status is in allowed.
	InspectFile(ctx context.Context, fileID int64, action string, allowed []Status) (*FileRecord, error)

	// QueueDepth counts files waiting in the queue.
	QueueDepth(ctx context.Context, action string, mode QueueMode, user string) (int, error)

	MarkCompleted(ctx context.Context, fileID int64, action string) error
	MarkSkipped(ctx context.Context, fileID int64, action, user string) error
	MarkFailed(ctx context.Context, fileID int64, action, serializedErr string) error
	SetStatus(ctx context.Context, fileID int64, action string, status Status) error

	// MarkDeleted logically deletes a file from a workflow.
	MarkDeleted(ctx context.Context, fileID int64, workflow string) error

	// StoreAttributeSet stores data as a new version of the named set for
	// the task session's file.
	StoreAttributeSet(ctx context.Context, sessionID int64, attributeSet string, data []byte) error

	// LoadAttributeSet returns the newest version of the named set.
	LoadAttributeSet(ctx context.Context, fileID int64, attributeSet string) ([]byte, bool, error)
}

// PageStore is the shared page cache table.
type PageStore interface {
	GetCachedPageData(ctx context.Context, sessionID int64, page int, kind CacheKind) (*CacheEntry, error)
	PutCachedPageData(ctx context.Context, sessionID int64, page int, w CacheWrite) error

	// DiscardCacheExcept deletes every row for fileID/actionID not owned
	// by keepSessionID and returns the number removed.
	DiscardCacheExcept(ctx context.Context, fileID, actionID, keepSessionID int64) (int64, error)

	// DeleteSessionCache deletes every row owned by sessionID.
	DeleteSessionCache(ctx context.Context, sessionID int64) (int64, error)

	// GetUncommittedEdits returns modified EditDraft rows from open task
	// sessions that are newer than the newest stored attribute set.
	GetUncommittedEdits(ctx context.Context, fileID, actionID int64, attributeSet string) ([]UncommittedEdit, error)

	// MarkCacheCommitted clears the modified flag on sessionID's rows.
	MarkCacheCommitted(ctx context.Context, sessionID int64) error

	// SessionDrafts returns sessionID's EditDraft rows ordered by page.
	SessionDrafts(ctx context.Context, sessionID int64) ([]Draft, error)

	// PruneCache deletes non-crucial rows last written before cutoff.
	PruneCache(ctx context.Context, cutoff time.Time) (int64, error)
}

// Conn is one connection to the engine, owned by one pooled handle.
type Conn interface {
	Engine

	// Identity returns the database this connection is bound to.
	Identity() Identity

	// SessionID returns the engine's own session id for this connection,
	// 0 if none is registered.
	SessionID() int64

	// Reset closes any engine-side session left on this connection and
	// registers a fresh one.
	Reset(ctx context.Context) error

	// Close unregisters the engine session and releases the connection.
	Close() error
}

// Connector opens connections to an engine database.
type Connector interface {
	Connect(ctx context.Context, id Identity) (Conn, error)
}
