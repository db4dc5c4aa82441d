package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/store"
	"github.com/roach88/webverify/internal/testutil"
)

const (
	testAction   = "Verify"
	testWorkflow = "Invoices"
	testPost     = "Export"
	testDeleted  = "Purge"
)

var testIdentity = backend.Identity{Server: "local", Database: "test"}

type testEnv struct {
	store     *store.Store
	pool      *pool.Pool
	clock     *testutil.ManualClock
	connector *racyConnector
	cfg       Config
}

// racyConnector wraps the store connector so tests can make NextFile lose
// races against other sessions.
type racyConnector struct {
	inner *store.Connector

	mu        sync.Mutex
	lose      int
	nextCalls int
}

func (c *racyConnector) Connect(ctx context.Context, id backend.Identity) (backend.Conn, error) {
	conn, err := c.inner.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return &racyConn{Conn: conn, owner: c}, nil
}

func (c *racyConnector) LoseNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lose = n
}

func (c *racyConnector) NextCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextCalls
}

type racyConn struct {
	backend.Conn
	owner *racyConnector
}

func (c *racyConn) NextFile(ctx context.Context, action string, mode backend.QueueMode, user string) (*backend.FileRecord, error) {
	c.owner.mu.Lock()
	c.owner.nextCalls++
	lose := c.owner.lose > 0
	if lose {
		c.owner.lose--
	}
	c.owner.mu.Unlock()
	if lose {
		return nil, nil
	}
	return c.Conn.NextFile(ctx, action, mode, user)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := testutil.NewManualClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.EnsureAction(ctx, testAction)
	require.NoError(t, err)
	_, err = s.EnsureAction(ctx, testPost)
	require.NoError(t, err)
	_, err = s.EnsureWorkflow(ctx, testWorkflow)
	require.NoError(t, err)

	inner := store.NewConnector()
	inner.Register(testIdentity, s)
	connector := &racyConnector{inner: inner}

	p, err := pool.New(ctx, connector, pool.Options{
		Identity:       testIdentity,
		Size:           2,
		MaxSize:        8,
		AcquireTimeout: time.Second,
	}, pool.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return &testEnv{
		store:     s,
		pool:      p,
		clock:     clk,
		connector: connector,
		cfg: Config{
			Action:             testAction,
			Workflow:           testWorkflow,
			TaskTag:            "verify",
			PostCompleteAction: testPost,
		},
	}
}

func logical(sessionID, user string) pool.LogicalContext {
	return pool.LogicalContext{
		SessionID: sessionID,
		User:      user,
		Server:    testIdentity.Server,
		Database:  testIdentity.Database,
		WebConfig: "Default",
		Workflow:  testWorkflow,
	}
}

// controller borrows a handle for sessionID and wraps it in a controller.
// The lease is released at test cleanup.
func (e *testEnv) controller(t *testing.T, sessionID, user string) *Controller {
	t.Helper()
	lease, err := e.pool.Acquire(context.Background(), logical(sessionID, user))
	require.NoError(t, err)
	t.Cleanup(lease.Release)
	return New(lease, e.store, e.cfg, WithClock(e.clock))
}

func (e *testEnv) addFile(t *testing.T, path string, status backend.Status, user string, priority int) int64 {
	t.Helper()
	id, err := e.store.AddFile(context.Background(), store.NewFile{
		Path:     path,
		Pages:    3,
		Workflow: testWorkflow,
		Action:   testAction,
		Status:   status,
		User:     user,
		Priority: priority,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) status(t *testing.T, fileID int64, action string) backend.Status {
	t.Helper()
	st, err := e.store.FileStatus(context.Background(), fileID, action)
	require.NoError(t, err)
	return st
}

func (e *testEnv) taskSessions(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRow(`SELECT COUNT(*) FROM task_sessions`).Scan(&n))
	return n
}
