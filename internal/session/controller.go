// Package session runs the document lifecycle on a borrowed engine handle:
//
//	Closed -> Open -> {Committed, Skipped, Failed, Suspended} -> Closed
//
// The state itself rides on the handle (pool.DocumentState), so it survives
// between requests of the same logical session. A Controller is cheap and is
// built per borrow around the lease.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/clock"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/pool"
)

// Config names the engine objects the controller works against.
type Config struct {
	// Action is the verification action files are queued in.
	Action string

	// Workflow owns the files; DeleteDocument removes them from it.
	Workflow string

	// TaskTag labels the task sessions this layer opens.
	TaskTag string

	// PostCompleteAction, if set, is queued after a successful commit.
	PostCompleteAction string

	// PostDeleteAction, if set, is queued after a delete.
	PostDeleteAction string

	// QueueRetries bounds how often an empty NextFile is retried while
	// the queue still reports waiting files.
	QueueRetries int

	// QueueRetryDelay is slept between those retries.
	QueueRetryDelay time.Duration
}

// DefaultQueueRetries is used when Config.QueueRetries is zero.
const DefaultQueueRetries = 10

// Outcome is how a document session ends.
type Outcome int

const (
	// Committed marks the file completed.
	Committed Outcome = iota
	// Skipped returns the file to the skipped queue for this user.
	Skipped
	// Failed marks the file failed with the serialized error.
	Failed
	// Suspended sets an intermediate status, Pending unless specified.
	Suspended
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OpenRequest selects the document to open.
type OpenRequest struct {
	// FileID opens a specific file. Zero draws the next file of the queue.
	FileID int64

	// Skipped draws from (or accepts files in) the skipped queue.
	Skipped bool

	// OwnOnly restricts the queue to files assigned to the caller.
	OwnOnly bool

	// DataUpdateOnly opens the file for a data correction without taking
	// it out of its status. Completed and failed files are accepted.
	DataUpdateOnly bool
}

// CloseRequest describes how to end the open document session.
type CloseRequest struct {
	Outcome Outcome

	// Status is the intermediate status set by Suspended. Unattempted is
	// treated as Pending.
	Status backend.Status

	// Err is recorded with a Failed file.
	Err error

	Activity time.Duration
	Overhead time.Duration

	// DueToInactivity records that the session was closed by a sweep, not
	// by its user.
	DueToInactivity bool
}

// Controller drives one handle's document session.
type Controller struct {
	h       *pool.Handle
	lc      pool.LogicalContext
	cfg     Config
	pages   backend.PageStore
	catalog *backend.Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithCatalog memoizes action ids in c.
func WithCatalog(c *backend.Catalog) Option {
	return func(ctl *Controller) { ctl.catalog = c }
}

// WithClock sets the clock used for session start times.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a controller over the lease's handle. pages is used to drop
// the session's cache rows when it closes; nil skips that.
func New(lease *pool.Lease, pages backend.PageStore, cfg Config, opts ...Option) *Controller {
	return ForHandle(lease.Handle(), lease.Context(), pages, cfg, opts...)
}

// ForHandle creates a controller over a handle the caller has reserved
// without a lease, as abandon hooks have. lc is the binding the handle
// served.
func ForHandle(h *pool.Handle, lc pool.LogicalContext, pages backend.PageStore, cfg Config, opts ...Option) *Controller {
	if cfg.QueueRetries == 0 {
		cfg.QueueRetries = DefaultQueueRetries
	}
	c := &Controller{
		h:      h,
		lc:     lc,
		cfg:    cfg,
		pages:  pages,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) conn() (backend.Conn, error) {
	conn := c.h.Conn()
	if conn == nil {
		return nil, fault.New(fault.CodeUnauthorized, "handle has no engine connection").
			WithSession(c.lc.SessionID)
	}
	return conn, nil
}

// Current returns the handle's document state.
func (c *Controller) Current() pool.DocumentState {
	return c.h.Document()
}

func (c *Controller) actionID(ctx context.Context, conn backend.Conn) (int64, error) {
	if c.catalog == nil {
		return conn.ActionID(ctx, c.cfg.Action)
	}
	return c.catalog.ActionID(ctx, conn.Identity(), conn, c.cfg.Action)
}

// OpenDocument opens a document session on the handle.
//
// Re-opening the document that is already open returns the existing
// session without opening another one, once the engine confirms it still
// has it. Opening a different one while a session is open is a Conflict.
func (c *Controller) OpenDocument(ctx context.Context, req OpenRequest) (pool.DocOpen, error) {
	lc := c.lc
	conn, err := c.conn()
	if err != nil {
		return pool.DocOpen{}, err
	}

	if doc, ok := c.h.OpenDocument(); ok {
		if req.FileID == 0 || doc.FileID != req.FileID || doc.DataOnly != req.DataUpdateOnly {
			return pool.DocOpen{}, fault.New(fault.CodeConflict,
				"document %d is already open in task session %d", doc.FileID, doc.ID).
				WithFile(req.FileID).WithSession(lc.SessionID)
		}
		if err := c.alive(ctx, conn, doc); err != nil {
			return pool.DocOpen{}, err
		}
		return doc, nil
	}

	var rec *backend.FileRecord
	if req.FileID != 0 {
		rec, err = c.claim(ctx, conn, req)
	} else {
		rec, err = c.next(ctx, conn, req)
	}
	if err != nil {
		return pool.DocOpen{}, fault.Normalize(err, "resolve file to open")
	}

	actionID, err := c.actionID(ctx, conn)
	if err != nil {
		c.unclaim(ctx, conn, rec, req)
		return pool.DocOpen{}, fault.Normalize(err, "resolve action %q", c.cfg.Action)
	}
	taskID, err := conn.OpenTaskSession(ctx, c.cfg.TaskTag, rec.ID, actionID)
	if err != nil {
		c.unclaim(ctx, conn, rec, req)
		return pool.DocOpen{}, fault.Normalize(err, "open task session for file %d", rec.ID)
	}

	doc := pool.DocOpen{
		ID:        taskID,
		FileID:    rec.ID,
		ActionID:  actionID,
		Path:      rec.Path,
		Pages:     rec.Pages,
		DataOnly:  req.DataUpdateOnly,
		StartTime: c.clock.Now(),
	}
	c.h.SetDocument(doc)
	c.logger.Info("document opened",
		"handle", c.h.Slot(),
		"session", lc.SessionID,
		"file_id", doc.FileID,
		"task_session", doc.ID,
		"data_only", doc.DataOnly)
	return doc, nil
}

func (c *Controller) claim(ctx context.Context, conn backend.Conn, req OpenRequest) (*backend.FileRecord, error) {
	allowed := []backend.Status{backend.StatusPending, backend.StatusSkipped}
	if req.DataUpdateOnly {
		allowed = append(allowed, backend.StatusCompleted, backend.StatusFailed)
		return conn.InspectFile(ctx, req.FileID, c.cfg.Action, allowed)
	}
	return conn.ClaimFile(ctx, req.FileID, c.cfg.Action, allowed)
}

// next draws from the queue. An empty draw while the queue still reports
// waiting files means another session won the race for the last one; it
// is retried a bounded number of times.
func (c *Controller) next(ctx context.Context, conn backend.Conn, req OpenRequest) (*backend.FileRecord, error) {
	mode := backend.QueuePending
	if req.Skipped {
		mode = backend.QueueSkipped
	}
	user := ""
	if req.OwnOnly {
		user = c.lc.User
	}

	for attempt := 0; attempt <= c.cfg.QueueRetries; attempt++ {
		rec, err := conn.NextFile(ctx, c.cfg.Action, mode, user)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}

		depth, err := conn.QueueDepth(ctx, c.cfg.Action, mode, user)
		if err != nil {
			return nil, err
		}
		if depth == 0 {
			break
		}
		c.logger.Debug("queue draw lost a race, retrying",
			"attempt", attempt+1, "queue", mode.String(), "depth", depth)
		if c.cfg.QueueRetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.QueueRetryDelay):
			}
		}
	}
	return nil, fault.New(fault.CodeNotFound, "no file waiting in the %s queue", mode).
		WithSession(c.lc.SessionID)
}

// unclaim puts a claimed file back after the task session failed to open.
func (c *Controller) unclaim(ctx context.Context, conn backend.Conn, rec *backend.FileRecord, req OpenRequest) {
	if req.DataUpdateOnly {
		return
	}
	status := backend.StatusPending
	if req.Skipped {
		status = backend.StatusSkipped
	}
	if err := conn.SetStatus(ctx, rec.ID, c.cfg.Action, status); err != nil {
		c.logger.Warn("return claimed file to queue", "file_id", rec.ID, "error", err)
	}
}

// CloseDocument ends the open document session and applies req.Outcome to
// the file. Data-only sessions leave the file status alone.
//
// The handle's state is cleared on every path, so a failure here never
// leaves the handle believing a document is open. Queueing the file into
// the post-complete action is bookkeeping: its failure is logged and the
// commit still succeeds. A task session the engine already ended fails
// with Unauthorized and the file goes back to the pending queue.
func (c *Controller) CloseDocument(ctx context.Context, req CloseRequest) (pool.DocOpen, error) {
	lc := c.lc
	doc, ok := c.h.OpenDocument()
	if !ok {
		return pool.DocOpen{}, fault.New(fault.CodeConflict, "no document is open").WithSession(lc.SessionID)
	}
	defer c.h.SetDocument(pool.DocClosed{})

	conn, err := c.conn()
	if err != nil {
		return doc, err
	}
	if err := c.alive(ctx, conn, doc); err != nil {
		return doc, err
	}

	if err := conn.CloseTaskSession(ctx, doc.ID, req.Overhead, req.Activity, req.DueToInactivity); err != nil {
		if fault.IsNotFound(err) {
			return doc, c.lost(ctx, conn, doc)
		}
		return doc, fault.Normalize(err, "close task session %d", doc.ID)
	}
	c.dropCache(ctx, doc)

	if !doc.DataOnly {
		if err := c.applyOutcome(ctx, conn, doc, req); err != nil {
			return doc, fault.Normalize(err, "mark file %d %s", doc.FileID, req.Outcome)
		}
	}

	c.logger.Info("document closed",
		"handle", c.h.Slot(),
		"session", lc.SessionID,
		"file_id", doc.FileID,
		"task_session", doc.ID,
		"outcome", req.Outcome.String(),
		"due_to_inactivity", req.DueToInactivity)
	return doc, nil
}

func (c *Controller) applyOutcome(ctx context.Context, conn backend.Conn, doc pool.DocOpen, req CloseRequest) error {
	action := c.cfg.Action
	switch req.Outcome {
	case Committed:
		if err := conn.MarkCompleted(ctx, doc.FileID, action); err != nil {
			return err
		}
		if c.cfg.PostCompleteAction != "" {
			if err := conn.SetStatus(ctx, doc.FileID, c.cfg.PostCompleteAction, backend.StatusPending); err != nil {
				c.logger.Warn("queue file for post-complete action",
					"file_id", doc.FileID, "action", c.cfg.PostCompleteAction, "error", err)
			}
		}
		return nil
	case Skipped:
		return conn.MarkSkipped(ctx, doc.FileID, action, c.lc.User)
	case Failed:
		return conn.MarkFailed(ctx, doc.FileID, action, fault.Serialize(req.Err))
	case Suspended:
		status := req.Status
		if status == backend.StatusUnattempted {
			status = backend.StatusPending
		}
		return conn.SetStatus(ctx, doc.FileID, action, status)
	default:
		return fault.New(fault.CodeConflict, "unknown outcome %s", req.Outcome).WithFile(doc.FileID)
	}
}

// alive checks that the engine still has doc's task session.
func (c *Controller) alive(ctx context.Context, conn backend.Conn, doc pool.DocOpen) error {
	ok, err := conn.TaskSessionExists(ctx, doc.ID)
	if err != nil {
		return fault.Normalize(err, "check task session %d", doc.ID)
	}
	if !ok {
		return c.lost(ctx, conn, doc)
	}
	return nil
}

// lost handles a task session the engine ended without us: the handle
// forgets it, its cache rows are dropped and a claimed file goes back to
// the pending queue. The Unauthorized error tells the caller the binding
// can no longer be trusted.
func (c *Controller) lost(ctx context.Context, conn backend.Conn, doc pool.DocOpen) error {
	c.h.SetDocument(pool.DocClosed{})
	c.dropCache(ctx, doc)
	if !doc.DataOnly {
		if err := conn.SetStatus(ctx, doc.FileID, c.cfg.Action, backend.StatusPending); err != nil {
			c.logger.Warn("return file of lost task session to queue", "file_id", doc.FileID, "error", err)
		}
	}
	c.logger.Warn("task session lost",
		"handle", c.h.Slot(),
		"session", c.lc.SessionID,
		"file_id", doc.FileID,
		"task_session", doc.ID)
	return fault.New(fault.CodeUnauthorized, "task session %d no longer exists", doc.ID).
		WithFile(doc.FileID).WithSession(c.lc.SessionID)
}

// dropCache deletes the closing session's cache rows. Best effort.
func (c *Controller) dropCache(ctx context.Context, doc pool.DocOpen) {
	if c.pages == nil {
		return
	}
	n, err := c.pages.DeleteSessionCache(ctx, doc.ID)
	if err != nil {
		c.logger.Warn("drop session cache", "task_session", doc.ID, "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("dropped session cache", "task_session", doc.ID, "rows", n)
	}
}

// DeleteDocument removes a file from the workflow and, if configured,
// queues it for the post-delete action. Unlike commit bookkeeping, a
// failure to queue the file is returned. No open session is required.
func (c *Controller) DeleteDocument(ctx context.Context, fileID int64) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}
	if err := conn.MarkDeleted(ctx, fileID, c.cfg.Workflow); err != nil {
		return fault.Normalize(err, "delete file %d", fileID)
	}
	if c.cfg.PostDeleteAction != "" {
		if err := conn.SetStatus(ctx, fileID, c.cfg.PostDeleteAction, backend.StatusPending); err != nil {
			return fault.Normalize(err, "queue deleted file %d for %q", fileID, c.cfg.PostDeleteAction)
		}
	}
	c.logger.Info("document deleted", "session", c.lc.SessionID, "file_id", fileID)
	return nil
}
