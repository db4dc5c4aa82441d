package verify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/metrics"
	"github.com/roach88/webverify/internal/pagecache"
	"github.com/roach88/webverify/internal/pagesource"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/session"
	"github.com/roach88/webverify/internal/store"
	"github.com/roach88/webverify/internal/testutil"
)

const (
	testAction   = "Verify"
	testWorkflow = "Invoices"
	testSet      = "DataFoundByRules"
)

var testIdentity = backend.Identity{Server: "local", Database: "test"}

type testEnv struct {
	svc   *Service
	store *store.Store
	clock *testutil.ManualClock
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := testutil.NewManualClock()
	env := buildTestEnv(t, []store.Option{store.WithClock(clk)}, WithClock(clk))
	env.clock = clk
	return env
}

func buildTestEnv(t *testing.T, storeOpts []store.Option, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "engine.db"), storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	connector := store.NewConnector()
	connector.Register(testIdentity, s)

	opts = append(opts, WithMetrics(metrics.New(prometheus.NewRegistry())))
	svc, err := New(context.Background(), connector, s, pagesource.New(), Config{
		Pool: pool.Options{
			Identity:       testIdentity,
			Size:           1,
			MaxSize:        4,
			AcquireTimeout: time.Second,
			IdleTimeout:    time.Hour,
		},
		Session: session.Config{
			Action:   testAction,
			Workflow: testWorkflow,
			TaskTag:  "verify",
		},
		Cache: pagecache.Options{
			AttributeSet: testSet,
			Prefetch:     true,
		},
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &testEnv{svc: svc, store: s, dir: dir}
}

// addDocument writes a document with one page per text and queues it.
func (e *testEnv) addDocument(t *testing.T, name string, pageTexts ...string) int64 {
	t.Helper()
	path := testutil.WriteDocument(t, e.dir, name, pageTexts...)
	id, err := e.store.AddFile(context.Background(), store.NewFile{
		Path:     path,
		Pages:    len(pageTexts),
		Workflow: testWorkflow,
		Action:   testAction,
		Status:   backend.StatusPending,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) status(t *testing.T, fileID int64) backend.Status {
	t.Helper()
	st, err := e.store.FileStatus(context.Background(), fileID, testAction)
	require.NoError(t, err)
	return st
}

func logical(user string) pool.LogicalContext {
	return pool.LogicalContext{
		SessionID: NewSessionID(),
		User:      user,
		Server:    testIdentity.Server,
		Database:  testIdentity.Database,
		WebConfig: "Default",
		Workflow:  testWorkflow,
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEqual(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

// TestTwoEditorsScenario walks one document through two concurrent
// editors: read-ahead, staging, reconciliation, commit and cleanup.
func TestTwoEditorsScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice-42.tif", "Invoice INV-42 Total 42.00", "Remit to ACME")
	alice, bob := logical("alice"), logical("bob")
	view := session.OpenRequest{FileID: fileID, DataUpdateOnly: true}
	edit := []attr.Attribute{{
		Name:  "InvoiceNumber",
		Value: "INV-42",
		Zones: []attr.Zone{{Page: 1, Left: 100, Top: 200, Right: 240, Bottom: 240}},
	}}

	var aliceTask int64
	err := env.svc.Do(ctx, alice, func(w *Workspace) error {
		doc, err := w.OpenDocument(ctx, view)
		require.NoError(t, err)
		aliceTask = doc.ID

		img, err := w.GetPageImage(ctx, 1, true)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(img), "%PDF-"))

		env.svc.cache.Wait()
		cached, err := env.store.GetCachedPageData(ctx, aliceTask, 2, backend.KindImage)
		require.NoError(t, err)
		require.NotNil(t, cached, "page 2 was read ahead")

		img, err = w.GetPageImage(ctx, 2, false)
		require.NoError(t, err)
		assert.Equal(t, cached.Payload, img)

		return w.EditPageData(ctx, 1, edit)
	})
	require.NoError(t, err)

	draft, err := env.store.GetCachedPageData(ctx, aliceTask, 1, backend.KindEditDraft)
	require.NoError(t, err)
	require.NotNil(t, draft)

	err = env.svc.Do(ctx, bob, func(w *Workspace) error {
		_, err := w.OpenDocument(ctx, view)
		require.NoError(t, err)

		u, err := w.GetUncommittedDocumentData(ctx)
		require.NoError(t, err)
		assert.Equal(t, edit, u.Pages[1])
		assert.Equal(t, "alice", u.User)
		assert.Equal(t, 1, u.Page)
		assert.True(t, u.Modified.Equal(draft.ModifiedAt))
		return nil
	})
	require.NoError(t, err)

	err = env.svc.Do(ctx, alice, func(w *Workspace) error {
		n, err := w.CommitCachedDocumentData(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)

	err = env.svc.Do(ctx, bob, func(w *Workspace) error {
		u, err := w.GetUncommittedDocumentData(ctx)
		require.NoError(t, err)
		assert.True(t, u.Empty(), "committed edits are no longer pending")

		n, err := w.DiscardOldCacheData(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "alice's two page rows are removed")

		got, err := w.GetDocumentData(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, edit, got)
		return nil
	})
	require.NoError(t, err)

	entry, err := env.store.GetCachedPageData(ctx, aliceTask, 1, backend.KindEditDraft)
	require.NoError(t, err)
	assert.Nil(t, entry)

	err = env.svc.Do(ctx, alice, func(w *Workspace) error {
		_, err := w.CloseDocument(ctx, session.CloseRequest{Outcome: session.Committed})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, env.status(t, fileID), "a data update leaves the status alone")
}

func TestDoReleasesHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lc := logical("alice")
	boom := errors.New("boom")

	err := env.svc.Do(ctx, lc, func(w *Workspace) error {
		assert.Equal(t, 1, env.svc.Stats().InUse)
		assert.Equal(t, lc.SessionID, w.Context().SessionID)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, env.svc.Stats().InUse)

	assert.Panics(t, func() {
		_ = env.svc.Do(ctx, lc, func(*Workspace) error { panic("handler bug") })
	})
	assert.Zero(t, env.svc.Stats().InUse)
	assert.Equal(t, 1, env.svc.Stats().Bound, "the binding outlives the borrow")
}

func TestWorkspaceRequiresOpenDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.Do(ctx, logical("alice"), func(w *Workspace) error {
		assert.Equal(t, pool.DocClosed{}, w.Current())
		_, err := w.GetPageImage(ctx, 1, false)
		assert.True(t, fault.IsConflict(err))
		err = w.EditPageData(ctx, 1, nil)
		assert.True(t, fault.IsConflict(err))
		_, err = w.CommitCachedDocumentData(ctx)
		assert.True(t, fault.IsConflict(err))
		return nil
	})
	require.NoError(t, err)
}

func TestWorkspaceSearchAndText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "Invoice total", "Total 42.00 total")

	err := env.svc.Do(ctx, logical("alice"), func(w *Workspace) error {
		_, err := w.OpenDocument(ctx, session.OpenRequest{FileID: fileID})
		require.NoError(t, err)

		text, err := w.GetPageText(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "Total 42.00 total", text)

		words, err := w.GetWordZoneData(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, words, 2)

		hits, err := w.GetSearchResults(ctx, "TOTAL")
		require.NoError(t, err)
		assert.Equal(t, []pagecache.SearchHit{{Page: 1, Count: 1}, {Page: 2, Count: 2}}, hits)
		return nil
	})
	require.NoError(t, err)
}

func TestLogoutSuspendsOpenDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	lc := logical("alice")

	err := env.svc.Do(ctx, lc, func(w *Workspace) error {
		_, err := w.OpenDocument(ctx, session.OpenRequest{FileID: fileID})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusProcessing, env.status(t, fileID))

	ok, err := env.svc.Logout(ctx, lc.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, backend.StatusPending, env.status(t, fileID))
	assert.Zero(t, env.svc.Stats().Bound)

	var dueToInactivity int
	require.NoError(t, env.store.DB().QueryRow(
		`SELECT due_to_inactivity FROM task_sessions WHERE file_id = ?`, fileID).Scan(&dueToInactivity))
	assert.Zero(t, dueToInactivity)

	ok, err = env.svc.Logout(ctx, lc.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepSuspendsExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	lc := logical("alice")
	lc.ExpiresAt = env.clock.Current().Add(time.Minute)

	err := env.svc.Do(ctx, lc, func(w *Workspace) error {
		_, err := w.OpenDocument(ctx, session.OpenRequest{FileID: fileID})
		return err
	})
	require.NoError(t, err)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Ended)

	env.clock.Advance(2 * time.Minute)
	res, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ended)
	assert.Equal(t, backend.StatusPending, env.status(t, fileID))

	var dueToInactivity int
	require.NoError(t, env.store.DB().QueryRow(
		`SELECT due_to_inactivity FROM task_sessions WHERE file_id = ?`, fileID).Scan(&dueToInactivity))
	assert.Equal(t, 1, dueToInactivity)
}

func TestRunSweeperStops(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.Pool.SweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.svc.RunSweeper(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}

// endTaskSession ends a task session directly in the engine database, the
// way an engine-side timeout or an operator would.
func (e *testEnv) endTaskSession(t *testing.T, taskID int64) {
	t.Helper()
	_, err := e.store.DB().Exec(`UPDATE task_sessions SET ended_at = 1 WHERE id = ?`, taskID)
	require.NoError(t, err)
}

func (e *testEnv) open(t *testing.T, lc pool.LogicalContext, req session.OpenRequest) pool.DocOpen {
	t.Helper()
	var doc pool.DocOpen
	err := e.svc.Do(context.Background(), lc, func(w *Workspace) error {
		var err error
		doc, err = w.OpenDocument(context.Background(), req)
		return err
	})
	require.NoError(t, err)
	return doc
}

func TestDoAbortsBindingWhenReopenFindsTaskSessionGone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one", "page two")
	lc := logical("alice")

	first := env.open(t, lc, session.OpenRequest{FileID: fileID})
	env.endTaskSession(t, first.ID)

	err := env.svc.Do(ctx, lc, func(w *Workspace) error {
		_, err := w.OpenDocument(ctx, session.OpenRequest{FileID: fileID})
		return err
	})
	require.Error(t, err)
	assert.True(t, fault.IsUnauthorized(err))
	assert.False(t, env.svc.pool.Bound(lc.SessionID), "the binding is aborted")
	assert.Zero(t, env.svc.Stats().InUse)
	assert.Equal(t, backend.StatusPending, env.status(t, fileID), "the file is not left locked")

	second := env.open(t, lc, session.OpenRequest{FileID: fileID})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, backend.StatusProcessing, env.status(t, fileID))
}

func TestDoAbortsBindingWhenCloseFindsTaskSessionGone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	lc := logical("alice")

	doc := env.open(t, lc, session.OpenRequest{FileID: fileID})
	env.endTaskSession(t, doc.ID)

	err := env.svc.Do(ctx, lc, func(w *Workspace) error {
		_, err := w.CloseDocument(ctx, session.CloseRequest{Outcome: session.Committed})
		return err
	})
	assert.True(t, fault.IsUnauthorized(err))
	assert.False(t, env.svc.pool.Bound(lc.SessionID))
	assert.Equal(t, backend.StatusPending, env.status(t, fileID))

	other := env.open(t, logical("bob"), session.OpenRequest{FileID: fileID})
	assert.Equal(t, fileID, other.FileID, "another session can take the file")
}

func TestLogoutEscalatesLostTaskSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	lc := logical("alice")

	doc := env.open(t, lc, session.OpenRequest{FileID: fileID})
	env.endTaskSession(t, doc.ID)

	ok, err := env.svc.Logout(ctx, lc.SessionID)
	assert.True(t, ok)
	require.Error(t, err)
	assert.True(t, fault.IsUnauthorized(err))
	assert.False(t, env.svc.pool.Bound(lc.SessionID))
	assert.Zero(t, env.svc.Stats().InUse)
	assert.Equal(t, backend.StatusPending, env.status(t, fileID))
}

func TestSweepRecoversLostTaskSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	lc := logical("alice")
	lc.ExpiresAt = env.clock.Current().Add(time.Minute)

	doc := env.open(t, lc, session.OpenRequest{FileID: fileID})
	env.endTaskSession(t, doc.ID)
	env.clock.Advance(2 * time.Minute)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ended)
	assert.False(t, env.svc.pool.Bound(lc.SessionID))
	assert.Equal(t, backend.StatusPending, env.status(t, fileID))
}

func TestNewUsesPageStoreClock(t *testing.T) {
	env := buildTestEnv(t, nil)
	assert.Same(t, env.store.Clock(), env.svc.clock)
}

func TestLastEditWinsWithStoreClock(t *testing.T) {
	env := buildTestEnv(t, nil)
	ctx := context.Background()
	fileID := env.addDocument(t, "invoice.tif", "page one")
	view := session.OpenRequest{FileID: fileID, DataUpdateOnly: true}
	alice, bob, carol := logical("alice"), logical("bob"), logical("carol")
	value := func(v string) []attr.Attribute {
		return []attr.Attribute{{
			Name:  "InvoiceNumber",
			Value: v,
			Zones: []attr.Zone{{Page: 1, Left: 10, Top: 20, Right: 30, Bottom: 40}},
		}}
	}
	edit := func(lc pool.LogicalContext, v string) {
		err := env.svc.Do(ctx, lc, func(w *Workspace) error {
			return w.EditPageData(ctx, 1, value(v))
		})
		require.NoError(t, err)
	}
	pending := func() pagecache.Uncommitted {
		var u pagecache.Uncommitted
		err := env.svc.Do(ctx, carol, func(w *Workspace) error {
			var err error
			u, err = w.GetUncommittedDocumentData(ctx)
			return err
		})
		require.NoError(t, err)
		return u
	}

	env.open(t, alice, view)
	env.open(t, bob, view)
	env.open(t, carol, view)

	// Back-to-back edits of one page are ordered by the clock, not by
	// task session id.
	edit(bob, "INV-1")
	edit(alice, "INV-2")
	u := pending()
	assert.Equal(t, value("INV-2"), u.Pages[1])
	assert.Equal(t, "alice", u.User)

	err := env.svc.Do(ctx, alice, func(w *Workspace) error {
		_, err := w.CommitCachedDocumentData(ctx)
		return err
	})
	require.NoError(t, err)
	assert.True(t, pending().Empty())

	// An edit made after the commit is newer than the stored set.
	edit(bob, "INV-3")
	u = pending()
	assert.Equal(t, value("INV-3"), u.Pages[1])
	assert.Equal(t, "bob", u.User)
}
