package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
)

// EnsureAction returns the id of the named action, creating it if needed.
func (s *Store) EnsureAction(ctx context.Context, name string) (int64, error) {
	return s.ensureNamed(ctx, "actions", name)
}

// EnsureWorkflow returns the id of the named workflow, creating it if needed.
func (s *Store) EnsureWorkflow(ctx context.Context, name string) (int64, error) {
	return s.ensureNamed(ctx, "workflows", name)
}

func (s *Store) ensureNamed(ctx context.Context, table, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("ensure %s: empty name", table)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, table),
		name,
	); err != nil {
		return 0, fmt.Errorf("ensure %s: %w", table, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, table), name,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure %s: %w", table, err)
	}
	return id, nil
}

// NewFile describes a document added to the engine.
type NewFile struct {
	Path     string
	Pages    int
	Workflow string
	Action   string
	Status   backend.Status
	User     string
	Priority int
}

// AddFile registers a file in a workflow and sets its status for an action.
func (s *Store) AddFile(ctx context.Context, f NewFile) (int64, error) {
	if f.Path == "" {
		return 0, errors.New("add file: empty path")
	}
	var workflowID any
	if f.Workflow != "" {
		id, err := s.EnsureWorkflow(ctx, f.Workflow)
		if err != nil {
			return 0, fmt.Errorf("add file: %w", err)
		}
		workflowID = id
	}
	actionID, err := s.EnsureAction(ctx, f.Action)
	if err != nil {
		return 0, fmt.Errorf("add file: %w", err)
	}

	now := s.now()
	var fileID int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO files (path, pages, workflow_id, added_at)
			VALUES (?, ?, ?, ?)
		`, f.Path, f.Pages, workflowID, now)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		fileID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO file_action_status (file_id, action_id, status, user_name, priority, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, fileID, actionID, int(f.Status), f.User, f.Priority, now)
		if err != nil {
			return fmt.Errorf("insert status: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add file: %w", err)
	}
	return fileID, nil
}

// FileStatus returns the status of a file within an action.
func (s *Store) FileStatus(ctx context.Context, fileID int64, action string) (backend.Status, error) {
	var status int
	err := s.db.QueryRowContext(ctx, `
		SELECT fas.status
		FROM file_action_status fas
		JOIN actions a ON a.id = fas.action_id
		WHERE fas.file_id = ? AND a.name = ?
	`, fileID, action).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.StatusUnattempted, nil
	}
	if err != nil {
		return 0, fmt.Errorf("file status: %w", err)
	}
	return backend.Status(status), nil
}

// IsDeleted reports whether a file has been logically deleted.
func (s *Store) IsDeleted(ctx context.Context, fileID int64) (bool, error) {
	var deleted int
	err := s.db.QueryRowContext(ctx, `SELECT deleted FROM files WHERE id = ?`, fileID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fault.New(fault.CodeNotFound, "file does not exist").WithFile(fileID)
	}
	if err != nil {
		return false, fmt.Errorf("is deleted: %w", err)
	}
	return deleted == 1, nil
}

// FileErrors returns the serialized errors recorded for a file, oldest first.
func (s *Store) FileErrors(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT detail FROM file_errors WHERE file_id = ? ORDER BY id ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query file errors: %w", err)
	}
	defer rows.Close()

	details := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan file error: %w", err)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file errors: %w", err)
	}
	return details, nil
}

// AttributeSetVersions counts stored versions of a file's attribute set.
func (s *Store) AttributeSetVersions(ctx context.Context, fileID int64, setName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attribute_sets WHERE file_id = ? AND set_name = ?
	`, fileID, setName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attribute sets: %w", err)
	}
	return n, nil
}

// Stats summarizes the engine database.
type Stats struct {
	// Statuses counts files per action and status name.
	Statuses map[string]map[string]int `json:"statuses"`

	OpenTaskSessions   int       `json:"open_task_sessions"`
	OpenEngineSessions int       `json:"open_engine_sessions"`
	CacheRows          int       `json:"cache_rows"`
	CrucialRows        int       `json:"crucial_rows"`
	CacheBytes         int64     `json:"cache_bytes"`
	OldestCacheWrite   time.Time `json:"oldest_cache_write"`
}

// Stats gathers queue and cache counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Statuses: make(map[string]map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.name, fas.status, COUNT(*)
		FROM file_action_status fas
		JOIN actions a ON a.id = fas.action_id
		JOIN files f ON f.id = fas.file_id
		WHERE f.deleted = 0
		GROUP BY a.name, fas.status
		ORDER BY a.name ASC, fas.status ASC
	`)
	if err != nil {
		return st, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var status, count int
		if err := rows.Scan(&action, &status, &count); err != nil {
			return st, fmt.Errorf("scan status: %w", err)
		}
		if st.Statuses[action] == nil {
			st.Statuses[action] = make(map[string]int)
		}
		st.Statuses[action][backend.Status(status).String()] = count
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate statuses: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_sessions WHERE ended_at IS NULL`,
	).Scan(&st.OpenTaskSessions); err != nil {
		return st, fmt.Errorf("count task sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM engine_sessions WHERE ended_at IS NULL`,
	).Scan(&st.OpenEngineSessions); err != nil {
		return st, fmt.Errorf("count engine sessions: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(crucial), 0),
		       COALESCE(SUM(COALESCE(LENGTH(image), 0) + COALESCE(LENGTH(text), 0)
		           + COALESCE(LENGTH(word_zone), 0) + COALESCE(LENGTH(edit_draft), 0)), 0),
		       MIN(written_at)
		FROM page_cache
	`).Scan(&st.CacheRows, &st.CrucialRows, &st.CacheBytes, &oldest); err != nil {
		return st, fmt.Errorf("cache stats: %w", err)
	}
	if oldest.Valid {
		st.OldestCacheWrite = micros(oldest.Int64)
	}

	return st, nil
}
