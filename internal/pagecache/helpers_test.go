package pagecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/pagesource"
	"github.com/roach88/webverify/internal/store"
	"github.com/roach88/webverify/internal/testutil"
)

const (
	testAction = "Verify"
	testSet    = "DataFoundByRules"
)

var testIdentity = backend.Identity{Server: "local", Database: "test"}

type fixture struct {
	store    *store.Store
	conn     backend.Conn
	clock    *testutil.ManualClock
	fileID   int64
	actionID int64
	path     string
	pages    int
}

func newFixture(t *testing.T, pages int) *fixture {
	t.Helper()
	clk := testutil.NewManualClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	fileID, err := s.AddFile(ctx, store.NewFile{
		Path:     "/docs/invoice.tif",
		Pages:    pages,
		Workflow: "Invoices",
		Action:   testAction,
		Status:   backend.StatusPending,
	})
	require.NoError(t, err)

	connector := store.NewConnector()
	connector.Register(testIdentity, s)
	conn, err := connector.Connect(ctx, testIdentity)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	actionID, err := conn.ActionID(ctx, testAction)
	require.NoError(t, err)

	return &fixture{
		store:    s,
		conn:     conn,
		clock:    clk,
		fileID:   fileID,
		actionID: actionID,
		path:     "/docs/invoice.tif",
		pages:    pages,
	}
}

// openDoc opens a task session on the fixture file for user.
func (f *fixture) openDoc(t *testing.T, user string) Doc {
	t.Helper()
	id, err := f.conn.OpenTaskSession(context.Background(), "verify", f.fileID, f.actionID)
	require.NoError(t, err)
	return Doc{
		SessionID: id,
		FileID:    f.fileID,
		ActionID:  f.actionID,
		User:      user,
		Path:      f.path,
		Pages:     f.pages,
	}
}

func (f *fixture) cache(t *testing.T, src Source, options ...Option) *Cache {
	t.Helper()
	options = append([]Option{WithClock(f.clock)}, options...)
	c := New(f.store, src, Options{
		AttributeSet:    testSet,
		Prefetch:        true,
		SeedConcurrency: 2,
		FailureBuffer:   8,
	}, options...)
	t.Cleanup(c.Close)
	return c
}

// fakeSource serves synthetic pages and counts source reads.
type fakeSource struct {
	mu       sync.Mutex
	renders  map[int]int
	order    []int
	fail     map[int]error
	texts    map[int]string
	block    chan struct{}
	zoneErr  error
	ocrReads int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		renders: make(map[int]int),
		fail:    make(map[int]error),
		texts:   make(map[int]string),
	}
}

func (s *fakeSource) RenderPage(ctx context.Context, path string, page int) ([]byte, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders[page]++
	s.order = append(s.order, page)
	if err := s.fail[page]; err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%%PDF-page-%d", page)), nil
}

func (s *fakeSource) PageText(ctx context.Context, path string, page int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ocrReads++
	return s.texts[page], nil
}

func (s *fakeSource) WordZones(ctx context.Context, path string, page int) ([]pagesource.Word, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ocrReads++
	if s.zoneErr != nil {
		return nil, s.zoneErr
	}
	return []pagesource.Word{{
		Text: fmt.Sprintf("w%d", page),
		Zone: attr.Zone{Page: page, Left: 10, Top: 20, Right: 30, Bottom: 40},
	}}, nil
}

func (s *fakeSource) DocumentText(ctx context.Context, path string) ([]pagesource.PageText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pagesource.PageText
	for p := 1; p <= len(s.texts); p++ {
		out = append(out, pagesource.PageText{Page: p, Text: s.texts[p]})
	}
	return out, nil
}

func (s *fakeSource) Renders(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders[page]
}

func (s *fakeSource) Order() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.order...)
}

func (s *fakeSource) OCRReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ocrReads
}

// brokenStore fails every cache read.
type brokenStore struct {
	backend.PageStore
}

func (brokenStore) GetCachedPageData(ctx context.Context, sessionID int64, page int, kind backend.CacheKind) (*backend.CacheEntry, error) {
	return nil, errors.New("database disk image is malformed")
}

func (brokenStore) GetUncommittedEdits(ctx context.Context, fileID, actionID int64, attributeSet string) ([]backend.UncommittedEdit, error) {
	return nil, errors.New("database disk image is malformed")
}

var errUnreadable = fault.New(fault.CodeBackendFailure, "page cannot be rendered")

func field(name, value string, page int) attr.Attribute {
	return attr.Attribute{
		Name:  name,
		Value: value,
		Zones: []attr.Zone{{Page: page, Left: 1, Top: 2, Right: 3, Bottom: 4}},
	}
}
