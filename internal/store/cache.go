package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/webverify/internal/backend"
)

var _ backend.PageStore = (*Store)(nil)

// kindColumn maps a cache kind onto its page_cache column.
func kindColumn(kind backend.CacheKind) (string, error) {
	switch kind {
	case backend.KindImage:
		return "image", nil
	case backend.KindText:
		return "text", nil
	case backend.KindWordZone:
		return "word_zone", nil
	case backend.KindEditDraft:
		return "edit_draft", nil
	default:
		return "", fmt.Errorf("unknown cache kind %d", int(kind))
	}
}

// GetCachedPageData reads one kind from a (task session, page) row.
//
// Returns (nil, nil) when there is no row, or when the row carries neither
// a payload for kind nor an error stand-in. Error stand-ins only apply to
// the prefetched kinds; an EditDraft read never reports one.
func (s *Store) GetCachedPageData(ctx context.Context, sessionID int64, page int, kind backend.CacheKind) (*backend.CacheEntry, error) {
	col, err := kindColumn(kind)
	if err != nil {
		return nil, err
	}

	var (
		payload    []byte
		errText    sql.NullString
		crucial    int
		modified   int
		user       string
		modifiedAt int64
	)
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s, error, crucial, modified, user_name, modified_at
		FROM page_cache
		WHERE task_session_id = ? AND page = ?
	`, col), sessionID, page).Scan(&payload, &errText, &crucial, &modified, &user, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached %s: %w", kind, err)
	}

	entry := &backend.CacheEntry{
		Payload:    payload,
		Crucial:    crucial == 1,
		Modified:   modified == 1,
		User:       user,
		ModifiedAt: micros(modifiedAt),
	}
	if payload == nil {
		if kind == backend.KindEditDraft || !errText.Valid {
			return nil, nil
		}
		entry.Error = errText.String
	}
	return entry, nil
}

// PutCachedPageData upserts a (task session, page) row.
//
// Only non-nil payloads are written. When the stored row is crucial and
// the incoming write is not, the stored edit_draft and its
// modified/user/modified_at stamp are kept. A successful image write clears
// a previously cached error stand-in.
func (s *Store) PutCachedPageData(ctx context.Context, sessionID int64, page int, w backend.CacheWrite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_cache (
			task_session_id, file_id, action_id, page,
			image, text, word_zone, edit_draft, error,
			crucial, modified, user_name, modified_at, written_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_session_id, page) DO UPDATE SET
			image = COALESCE(excluded.image, page_cache.image),
			text = COALESCE(excluded.text, page_cache.text),
			word_zone = COALESCE(excluded.word_zone, page_cache.word_zone),
			edit_draft = CASE
				WHEN page_cache.crucial = 1 AND excluded.crucial = 0 THEN page_cache.edit_draft
				ELSE COALESCE(excluded.edit_draft, page_cache.edit_draft)
			END,
			error = CASE
				WHEN excluded.error IS NOT NULL THEN excluded.error
				WHEN excluded.image IS NOT NULL THEN NULL
				ELSE page_cache.error
			END,
			modified = CASE
				WHEN excluded.edit_draft IS NULL THEN page_cache.modified
				WHEN page_cache.crucial = 1 AND excluded.crucial = 0 THEN page_cache.modified
				ELSE excluded.modified
			END,
			user_name = CASE
				WHEN excluded.edit_draft IS NULL THEN page_cache.user_name
				WHEN page_cache.crucial = 1 AND excluded.crucial = 0 THEN page_cache.user_name
				ELSE excluded.user_name
			END,
			modified_at = CASE
				WHEN excluded.edit_draft IS NULL THEN page_cache.modified_at
				WHEN page_cache.crucial = 1 AND excluded.crucial = 0 THEN page_cache.modified_at
				ELSE excluded.modified_at
			END,
			crucial = MAX(page_cache.crucial, excluded.crucial),
			written_at = excluded.written_at
	`,
		sessionID, w.FileID, w.ActionID, page,
		nullBytes(w.Image), nullBytes(w.Text), nullBytes(w.WordZone), nullBytes(w.EditDraft),
		nullString(w.Error),
		boolInt(w.Crucial), boolInt(w.Modified), w.User, modifiedAtMicros(w.ModifiedAt), s.now(),
	)
	if err != nil {
		return fmt.Errorf("put cached page %d: %w", page, err)
	}
	return nil
}

func modifiedAtMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// DiscardCacheExcept deletes every row of a file/action not owned by
// keepSessionID.
func (s *Store) DiscardCacheExcept(ctx context.Context, fileID, actionID, keepSessionID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM page_cache
		WHERE file_id = ? AND action_id = ? AND task_session_id <> ?
	`, fileID, actionID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("discard cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("discard cache: %w", err)
	}
	return n, nil
}

// DeleteSessionCache deletes every row owned by sessionID.
func (s *Store) DeleteSessionCache(ctx context.Context, sessionID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM page_cache WHERE task_session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session cache: %w", err)
	}
	return n, nil
}

// GetUncommittedEdits returns modified EditDraft rows from open task
// sessions that are newer than the newest stored version of attributeSet.
// Results are ordered by page, newest first within a page.
func (s *Store) GetUncommittedEdits(ctx context.Context, fileID, actionID int64, attributeSet string) ([]backend.UncommittedEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.task_session_id, pc.user_name, pc.modified_at, pc.page, pc.edit_draft
		FROM page_cache pc
		JOIN task_sessions ts ON ts.id = pc.task_session_id
		WHERE pc.file_id = ? AND pc.action_id = ?
		  AND pc.modified = 1 AND pc.edit_draft IS NOT NULL
		  AND ts.ended_at IS NULL
		  AND pc.modified_at > COALESCE(
		      (SELECT MAX(created_at) FROM attribute_sets WHERE file_id = ? AND set_name = ?), 0)
		ORDER BY pc.page ASC, pc.modified_at DESC, pc.task_session_id ASC
	`, fileID, actionID, fileID, attributeSet)
	if err != nil {
		return nil, fmt.Errorf("query uncommitted edits: %w", err)
	}
	defer rows.Close()

	edits := []backend.UncommittedEdit{}
	for rows.Next() {
		var e backend.UncommittedEdit
		var modifiedAt int64
		if err := rows.Scan(&e.SessionID, &e.User, &modifiedAt, &e.Page, &e.Data); err != nil {
			return nil, fmt.Errorf("scan uncommitted edit: %w", err)
		}
		e.Modified = micros(modifiedAt)
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uncommitted edits: %w", err)
	}
	return edits, nil
}

// MarkCacheCommitted clears the modified flag on sessionID's rows.
func (s *Store) MarkCacheCommitted(ctx context.Context, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE page_cache SET modified = 0 WHERE task_session_id = ?
	`, sessionID); err != nil {
		return fmt.Errorf("mark cache committed: %w", err)
	}
	return nil
}

// SessionDrafts returns sessionID's EditDraft rows ordered by page.
func (s *Store) SessionDrafts(ctx context.Context, sessionID int64) ([]backend.Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page, edit_draft FROM page_cache
		WHERE task_session_id = ? AND edit_draft IS NOT NULL
		ORDER BY page ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session drafts: %w", err)
	}
	defer rows.Close()

	drafts := []backend.Draft{}
	for rows.Next() {
		var d backend.Draft
		if err := rows.Scan(&d.Page, &d.Data); err != nil {
			return nil, fmt.Errorf("scan session draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session drafts: %w", err)
	}
	return drafts, nil
}

// PruneCache deletes non-crucial rows last written before cutoff.
func (s *Store) PruneCache(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM page_cache WHERE crucial = 0 AND written_at < ?
	`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return n, nil
}
