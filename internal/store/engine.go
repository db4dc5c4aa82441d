package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
)

// Connector hands out connections to the stores it knows by identity.
//
// Thread-safety: safe for concurrent use.
type Connector struct {
	mu     sync.RWMutex
	stores map[backend.Identity]*Store
}

// NewConnector creates a connector with no registered databases.
func NewConnector() *Connector {
	return &Connector{stores: make(map[backend.Identity]*Store)}
}

// Register makes s reachable under id.
func (c *Connector) Register(id backend.Identity, s *Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[id] = s
}

// Connect opens a connection and registers an engine session on it.
func (c *Connector) Connect(ctx context.Context, id backend.Identity) (backend.Conn, error) {
	c.mu.RLock()
	s, ok := c.stores[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "unknown database %s", id)
	}

	conn := &Conn{store: s, id: id}
	if err := conn.register(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn is one engine connection. It is not safe for concurrent use; the
// handle pool guarantees a single user at a time.
type Conn struct {
	store     *Store
	id        backend.Identity
	sessionID int64
	closed    bool
}

var _ backend.Conn = (*Conn)(nil)

// Identity returns the database this connection is bound to.
func (c *Conn) Identity() backend.Identity { return c.id }

// SessionID returns the engine session registered on this connection.
func (c *Conn) SessionID() int64 { return c.sessionID }

func (c *Conn) register(ctx context.Context) error {
	res, err := c.store.db.ExecContext(ctx,
		`INSERT INTO engine_sessions (started_at) VALUES (?)`, c.store.now())
	if err != nil {
		return fmt.Errorf("register engine session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("register engine session: %w", err)
	}
	c.sessionID = id
	return nil
}

// unregister ends the engine session and any task session left open on it.
func (c *Conn) unregister(ctx context.Context) error {
	if c.sessionID == 0 {
		return nil
	}
	now := c.store.now()
	err := c.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET ended_at = ?, due_to_inactivity = 1
			WHERE engine_session_id = ? AND ended_at IS NULL
		`, now, c.sessionID); err != nil {
			return fmt.Errorf("close stray task sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE engine_sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
		`, now, c.sessionID); err != nil {
			return fmt.Errorf("end engine session: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister engine session %d: %w", c.sessionID, err)
	}
	c.sessionID = 0
	return nil
}

// Reset closes any engine session (and its task sessions) left on this
// connection and registers a fresh one.
func (c *Conn) Reset(ctx context.Context) error {
	if c.closed {
		return errors.New("reset: connection closed")
	}
	if err := c.unregister(ctx); err != nil {
		return err
	}
	return c.register(ctx)
}

// Close unregisters the engine session.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.unregister(context.Background())
}

// ActionID resolves an action name. Unknown actions are a Conflict: the
// verification layer cannot run without its configured action.
func (c *Conn) ActionID(ctx context.Context, action string) (int64, error) {
	var id int64
	err := c.store.db.QueryRowContext(ctx, `SELECT id FROM actions WHERE name = ?`, action).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fault.New(fault.CodeConflict, "action %q is not configured", action)
	}
	if err != nil {
		return 0, fmt.Errorf("action id: %w", err)
	}
	return id, nil
}

// OpenTaskSession starts a task session on this connection's engine session.
func (c *Conn) OpenTaskSession(ctx context.Context, taskTag string, fileID, actionID int64) (int64, error) {
	if c.sessionID == 0 {
		return 0, fault.New(fault.CodeUnauthorized, "no engine session registered")
	}
	res, err := c.store.db.ExecContext(ctx, `
		INSERT INTO task_sessions (engine_session_id, task_tag, file_id, action_id, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.sessionID, taskTag, fileID, actionID, c.store.now())
	if err != nil {
		return 0, fmt.Errorf("open task session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("open task session: %w", err)
	}
	return id, nil
}

// CloseTaskSession ends an open task session.
func (c *Conn) CloseTaskSession(ctx context.Context, sessionID int64, overhead, activity time.Duration, dueToInactivity bool) error {
	res, err := c.store.db.ExecContext(ctx, `
		UPDATE task_sessions
		SET ended_at = ?, overhead_ms = ?, activity_ms = ?, due_to_inactivity = ?
		WHERE id = ? AND ended_at IS NULL
	`, c.store.now(), overhead.Milliseconds(), activity.Milliseconds(), boolInt(dueToInactivity), sessionID)
	if err != nil {
		return fmt.Errorf("close task session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close task session: %w", err)
	}
	if n == 0 {
		return fault.New(fault.CodeNotFound, "task session %d is not open", sessionID)
	}
	return nil
}

// TaskSessionExists reports whether a task session is still open.
func (c *Conn) TaskSessionExists(ctx context.Context, sessionID int64) (bool, error) {
	var n int
	err := c.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_sessions WHERE id = ? AND ended_at IS NULL
	`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("task session exists: %w", err)
	}
	return n > 0, nil
}

func queueStatus(mode backend.QueueMode) backend.Status {
	if mode == backend.QueueSkipped {
		return backend.StatusSkipped
	}
	return backend.StatusPending
}

// NextFile hands out the highest-priority, oldest file of the queue.
func (c *Conn) NextFile(ctx context.Context, action string, mode backend.QueueMode, user string) (*backend.FileRecord, error) {
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return nil, err
	}
	want := queueStatus(mode)

	var rec *backend.FileRecord
	err = c.store.inTx(ctx, func(tx *sql.Tx) error {
		var r backend.FileRecord
		err := tx.QueryRowContext(ctx, `
			SELECT f.id, f.path, f.pages
			FROM files f
			JOIN file_action_status fas ON fas.file_id = f.id
			WHERE fas.action_id = ? AND fas.status = ? AND f.deleted = 0
			  AND (? = '' OR fas.user_name = ?)
			ORDER BY fas.priority DESC, f.id ASC
			LIMIT 1
		`, actionID, int(want), user, user).Scan(&r.ID, &r.Path, &r.Pages)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next file: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE file_action_status SET status = ?, updated_at = ?
			WHERE file_id = ? AND action_id = ? AND status = ?
		`, int(backend.StatusProcessing), c.store.now(), r.ID, actionID, int(want))
		if err != nil {
			return fmt.Errorf("claim next file: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		r.Status = backend.StatusProcessing
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("next file: %w", err)
	}
	return rec, nil
}

// checkFile loads a file and verifies its status is one of allowed.
func (c *Conn) checkFile(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, fileID, actionID int64, allowed []backend.Status) (*backend.FileRecord, error) {
	var r backend.FileRecord
	var deleted int
	var status sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT f.id, f.path, f.pages, f.deleted, fas.status
		FROM files f
		LEFT JOIN file_action_status fas ON fas.file_id = f.id AND fas.action_id = ?
		WHERE f.id = ?
	`, actionID, fileID).Scan(&r.ID, &r.Path, &r.Pages, &deleted, &status)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted == 1) {
		return nil, fault.New(fault.CodeNotFound, "file does not exist").WithFile(fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if status.Valid {
		r.Status = backend.Status(status.Int64)
	}

	for _, a := range allowed {
		if r.Status == a {
			return &r, nil
		}
	}
	if r.Status == backend.StatusProcessing {
		return nil, fault.New(fault.CodeLocked, "file is being processed by another session").WithFile(fileID)
	}
	return nil, fault.New(fault.CodeNotFound, "file is %s, expected one of %s", r.Status, statusNames(allowed)).
		WithFile(fileID)
}

func statusNames(statuses []backend.Status) string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}
	return strings.Join(names, "|")
}

// ClaimFile hands out a specific file and marks it processing.
func (c *Conn) ClaimFile(ctx context.Context, fileID int64, action string, allowed []backend.Status) (*backend.FileRecord, error) {
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return nil, err
	}
	var rec *backend.FileRecord
	err = c.store.inTx(ctx, func(tx *sql.Tx) error {
		r, err := c.checkFile(ctx, tx, fileID, actionID, allowed)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_action_status (file_id, action_id, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(file_id, action_id) DO UPDATE SET
				status = excluded.status, updated_at = excluded.updated_at
		`, fileID, actionID, int(backend.StatusProcessing), c.store.now()); err != nil {
			return fmt.Errorf("claim file: %w", err)
		}
		r.Status = backend.StatusProcessing
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InspectFile returns a file without changing its status.
func (c *Conn) InspectFile(ctx context.Context, fileID int64, action string, allowed []backend.Status) (*backend.FileRecord, error) {
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return nil, err
	}
	return c.checkFile(ctx, c.store.db, fileID, actionID, allowed)
}

// QueueDepth counts files waiting in the queue.
func (c *Conn) QueueDepth(ctx context.Context, action string, mode backend.QueueMode, user string) (int, error) {
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM file_action_status fas
		JOIN files f ON f.id = fas.file_id
		WHERE fas.action_id = ? AND fas.status = ? AND f.deleted = 0
		  AND (? = '' OR fas.user_name = ?)
	`, actionID, int(queueStatus(mode)), user, user).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// setStatus upserts a file's status, optionally recording the user.
// The action id must be resolved before the transaction starts: the store
// runs on a single connection, which tx already holds.
func (c *Conn) setStatus(ctx context.Context, tx *sql.Tx, fileID, actionID int64, status backend.Status, user string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_action_status (file_id, action_id, status, user_name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id, action_id) DO UPDATE SET
			status = excluded.status,
			user_name = CASE WHEN excluded.user_name = '' THEN file_action_status.user_name ELSE excluded.user_name END,
			updated_at = excluded.updated_at
	`, fileID, actionID, int(status), user, c.store.now())
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

func (c *Conn) requireFile(ctx context.Context, fileID int64) error {
	var n int
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE id = ?`, fileID,
	).Scan(&n); err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	if n == 0 {
		return fault.New(fault.CodeNotFound, "file does not exist").WithFile(fileID)
	}
	return nil
}

func (c *Conn) changeStatus(ctx context.Context, fileID int64, action string, status backend.Status, user string) error {
	if err := c.requireFile(ctx, fileID); err != nil {
		return err
	}
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return err
	}
	return c.store.inTx(ctx, func(tx *sql.Tx) error {
		return c.setStatus(ctx, tx, fileID, actionID, status, user)
	})
}

// MarkCompleted marks a file completed for an action.
func (c *Conn) MarkCompleted(ctx context.Context, fileID int64, action string) error {
	return c.changeStatus(ctx, fileID, action, backend.StatusCompleted, "")
}

// MarkSkipped marks a file skipped by user.
func (c *Conn) MarkSkipped(ctx context.Context, fileID int64, action, user string) error {
	return c.changeStatus(ctx, fileID, action, backend.StatusSkipped, user)
}

// SetStatus sets an arbitrary status.
func (c *Conn) SetStatus(ctx context.Context, fileID int64, action string, status backend.Status) error {
	return c.changeStatus(ctx, fileID, action, status, "")
}

// MarkFailed marks a file failed and records the serialized error.
func (c *Conn) MarkFailed(ctx context.Context, fileID int64, action, serializedErr string) error {
	if err := c.requireFile(ctx, fileID); err != nil {
		return err
	}
	actionID, err := c.ActionID(ctx, action)
	if err != nil {
		return err
	}
	return c.store.inTx(ctx, func(tx *sql.Tx) error {
		if err := c.setStatus(ctx, tx, fileID, actionID, backend.StatusFailed, ""); err != nil {
			return err
		}
		if serializedErr == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_errors (file_id, action_id, detail, created_at) VALUES (?, ?, ?, ?)
		`, fileID, actionID, serializedErr, c.store.now()); err != nil {
			return fmt.Errorf("record file error: %w", err)
		}
		return nil
	})
}

// MarkDeleted logically deletes a file from a workflow.
func (c *Conn) MarkDeleted(ctx context.Context, fileID int64, workflow string) error {
	res, err := c.store.db.ExecContext(ctx, `
		UPDATE files SET deleted = 1
		WHERE id = ? AND workflow_id = (SELECT id FROM workflows WHERE name = ?)
	`, fileID, workflow)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if n == 0 {
		return fault.New(fault.CodeNotFound, "file is not in workflow %q", workflow).WithFile(fileID)
	}
	return nil
}

// StoreAttributeSet stores a new version of a file's attribute set.
// The task session must be open.
func (c *Conn) StoreAttributeSet(ctx context.Context, sessionID int64, attributeSet string, data []byte) error {
	var fileID int64
	err := c.store.db.QueryRowContext(ctx, `
		SELECT file_id FROM task_sessions WHERE id = ? AND ended_at IS NULL
	`, sessionID).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.CodeConflict, "task session %d is not open", sessionID)
	}
	if err != nil {
		return fmt.Errorf("store attribute set: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = c.store.db.ExecContext(ctx, `
		INSERT INTO attribute_sets (file_id, set_name, task_session_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, fileID, attributeSet, sessionID, data, c.store.now())
	if err != nil {
		return fmt.Errorf("store attribute set: %w", err)
	}
	return nil
}

// LoadAttributeSet returns the newest version of a file's attribute set.
func (c *Conn) LoadAttributeSet(ctx context.Context, fileID int64, attributeSet string) ([]byte, bool, error) {
	var data []byte
	err := c.store.db.QueryRowContext(ctx, `
		SELECT data FROM attribute_sets
		WHERE file_id = ? AND set_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, fileID, attributeSet).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load attribute set: %w", err)
	}
	return data, true, nil
}
