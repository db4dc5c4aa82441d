package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/testutil"
)

const (
	testAction   = "Verify"
	testWorkflow = "Invoices"
	testSet      = "DataFoundByRules"
)

var testIdentity = backend.Identity{Server: "local", Database: "test"}

// createTestStore creates a new store in a temp dir, stamped by a manual clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := createTestStoreWithClock(t)
	return s
}

func createTestStoreWithClock(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// addTestFile registers a pending file in the test workflow.
func addTestFile(t *testing.T, s *Store, path string, pages int) int64 {
	t.Helper()
	id, err := s.AddFile(context.Background(), NewFile{
		Path:     path,
		Pages:    pages,
		Workflow: testWorkflow,
		Action:   testAction,
		Status:   backend.StatusPending,
	})
	require.NoError(t, err)
	return id
}

// connectTest opens an engine connection to s.
func connectTest(t *testing.T, s *Store) *Conn {
	t.Helper()
	c := NewConnector()
	c.Register(testIdentity, s)
	conn, err := c.Connect(context.Background(), testIdentity)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*Conn)
}

// openTestSession claims fileID and opens a task session on conn.
func openTestSession(t *testing.T, conn *Conn, fileID int64) (sessionID, actionID int64) {
	t.Helper()
	ctx := context.Background()
	actionID, err := conn.ActionID(ctx, testAction)
	require.NoError(t, err)
	sessionID, err = conn.OpenTaskSession(ctx, "verify", fileID, actionID)
	require.NoError(t, err)
	return sessionID, actionID
}
