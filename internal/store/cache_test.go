package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/webverify/internal/backend"
)

func TestCache_MissReturnsNil(t *testing.T) {
	s := createTestStore(t)

	entry, err := s.GetCachedPageData(context.Background(), 1, 1, backend.KindImage)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCache_UnknownKind(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetCachedPageData(context.Background(), 1, 1, backend.CacheKind(99))
	assert.Error(t, err)
}

func TestCache_PutMergesKinds(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutCachedPageData(ctx, 7, 2, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("img"),
	}))
	require.NoError(t, s.PutCachedPageData(ctx, 7, 2, backend.CacheWrite{
		FileID: 1, ActionID: 1, Text: []byte("txt"), WordZone: []byte("wz"),
	}))

	for kind, want := range map[backend.CacheKind]string{
		backend.KindImage:    "img",
		backend.KindText:     "txt",
		backend.KindWordZone: "wz",
	} {
		entry, err := s.GetCachedPageData(ctx, 7, 2, kind)
		require.NoError(t, err)
		require.NotNil(t, entry, kind.String())
		assert.Equal(t, want, string(entry.Payload), kind.String())
	}

	entry, err := s.GetCachedPageData(ctx, 7, 2, backend.KindEditDraft)
	require.NoError(t, err)
	assert.Nil(t, entry, "row without a draft reports the draft absent")
}

func TestCache_ErrorStandIn(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutCachedPageData(ctx, 7, 3, backend.CacheWrite{
		FileID: 1, ActionID: 1, Error: "page 3: corrupt",
	}))

	entry, err := s.GetCachedPageData(ctx, 7, 3, backend.KindImage)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Payload)
	assert.Equal(t, "page 3: corrupt", entry.Error)

	entry, err = s.GetCachedPageData(ctx, 7, 3, backend.KindEditDraft)
	require.NoError(t, err)
	assert.Nil(t, entry, "error stand-ins never surface as drafts")

	// A later successful render clears the stand-in.
	require.NoError(t, s.PutCachedPageData(ctx, 7, 3, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("img"),
	}))
	entry, err = s.GetCachedPageData(ctx, 7, 3, backend.KindText)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCache_CrucialDraftSurvivesNonCrucialWrites(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	edited := time.UnixMicro(1_700_000_000_000_000)

	require.NoError(t, s.PutCachedPageData(ctx, 7, 1, backend.CacheWrite{
		FileID: 1, ActionID: 1,
		EditDraft: []byte(`{"total":"12.00"}`),
		Crucial:   true, Modified: true, User: "alice", ModifiedAt: edited,
	}))

	// Prefetch of another kind on the same key.
	require.NoError(t, s.PutCachedPageData(ctx, 7, 1, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("img"),
	}))
	// Seeding write carrying a stale draft.
	require.NoError(t, s.PutCachedPageData(ctx, 7, 1, backend.CacheWrite{
		FileID: 1, ActionID: 1, EditDraft: []byte(`{}`), User: "seed",
	}))

	entry, err := s.GetCachedPageData(ctx, 7, 1, backend.KindEditDraft)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"total":"12.00"}`, string(entry.Payload))
	assert.True(t, entry.Crucial)
	assert.True(t, entry.Modified)
	assert.Equal(t, "alice", entry.User)
	assert.True(t, entry.ModifiedAt.Equal(edited))

	image, err := s.GetCachedPageData(ctx, 7, 1, backend.KindImage)
	require.NoError(t, err)
	require.NotNil(t, image)
	assert.Equal(t, "img", string(image.Payload))
}

func TestCache_CrucialDraftReplacedByCrucialDraft(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for i, payload := range []string{`{"v":1}`, `{"v":2}`} {
		require.NoError(t, s.PutCachedPageData(ctx, 7, 1, backend.CacheWrite{
			FileID: 1, ActionID: 1, EditDraft: []byte(payload),
			Crucial: true, Modified: true, User: "alice",
			ModifiedAt: time.UnixMicro(int64(1000 + i)),
		}))
	}

	entry, err := s.GetCachedPageData(ctx, 7, 1, backend.KindEditDraft)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(entry.Payload))
	assert.Equal(t, int64(1001), entry.ModifiedAt.UnixMicro())
}

func TestCache_DiscardExceptKeepsOwnAndOtherFiles(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	put := func(session, file int64) {
		require.NoError(t, s.PutCachedPageData(ctx, session, 1, backend.CacheWrite{
			FileID: file, ActionID: 1, Image: []byte("x"),
		}))
	}
	put(1, 42)
	put(2, 42)
	put(3, 42)
	put(4, 43)

	n, err := s.DiscardCacheExcept(ctx, 42, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for session, want := range map[int64]bool{1: false, 2: false, 3: true, 4: true} {
		entry, err := s.GetCachedPageData(ctx, session, 1, backend.KindImage)
		require.NoError(t, err)
		assert.Equal(t, want, entry != nil, "session %d", session)
	}
}

func TestCache_DeleteSessionCache(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for page := 1; page <= 3; page++ {
		require.NoError(t, s.PutCachedPageData(ctx, 5, page, backend.CacheWrite{
			FileID: 1, ActionID: 1, Text: []byte("t"),
		}))
	}
	n, err := s.DeleteSessionCache(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCache_UncommittedEdits(t *testing.T) {
	ctx := context.Background()
	s, clk := createTestStoreWithClock(t)
	fileID := addTestFile(t, s, "a.pdf", 3)

	alice := connectTest(t, s)
	bob := connectTest(t, s)
	aliceTask, actionID := openTestSession(t, alice, fileID)
	bobTask, _ := openTestSession(t, bob, fileID)

	// Committed before any draft below.
	require.NoError(t, alice.StoreAttributeSet(ctx, aliceTask, testSet, []byte(`[]`)))

	draft := func(task int64, page int, user, data string) {
		require.NoError(t, s.PutCachedPageData(ctx, task, page, backend.CacheWrite{
			FileID: fileID, ActionID: actionID, EditDraft: []byte(data),
			Crucial: true, Modified: true, User: user, ModifiedAt: clk.Now(),
		}))
	}
	draft(aliceTask, 1, "alice", `{"p":1,"by":"alice"}`)
	draft(bobTask, 1, "bob", `{"p":1,"by":"bob"}`)
	draft(aliceTask, 2, "alice", `{"p":2,"by":"alice"}`)

	// Seeded rows are not modified and never reported.
	require.NoError(t, s.PutCachedPageData(ctx, bobTask, 3, backend.CacheWrite{
		FileID: fileID, ActionID: actionID, EditDraft: []byte(`{}`),
	}))

	edits, err := s.GetUncommittedEdits(ctx, fileID, actionID, testSet)
	require.NoError(t, err)
	require.Len(t, edits, 3)

	assert.Equal(t, 1, edits[0].Page)
	assert.Equal(t, "bob", edits[0].User, "newest first within a page")
	assert.Equal(t, 1, edits[1].Page)
	assert.Equal(t, "alice", edits[1].User)
	assert.Equal(t, 2, edits[2].Page)
	assert.True(t, edits[0].Modified.After(edits[1].Modified))
}

func TestCache_UncommittedEditsExcludesClosedAndSuperseded(t *testing.T) {
	ctx := context.Background()
	s, clk := createTestStoreWithClock(t)
	fileID := addTestFile(t, s, "a.pdf", 2)

	alice := connectTest(t, s)
	bob := connectTest(t, s)
	aliceTask, actionID := openTestSession(t, alice, fileID)
	bobTask, _ := openTestSession(t, bob, fileID)

	require.NoError(t, s.PutCachedPageData(ctx, aliceTask, 1, backend.CacheWrite{
		FileID: fileID, ActionID: actionID, EditDraft: []byte(`{"a":1}`),
		Crucial: true, Modified: true, User: "alice", ModifiedAt: clk.Now(),
	}))
	require.NoError(t, s.PutCachedPageData(ctx, bobTask, 2, backend.CacheWrite{
		FileID: fileID, ActionID: actionID, EditDraft: []byte(`{"b":1}`),
		Crucial: true, Modified: true, User: "bob", ModifiedAt: clk.Now(),
	}))

	// Closing alice's task session hides her draft.
	require.NoError(t, alice.CloseTaskSession(ctx, aliceTask, 0, 0, false))
	edits, err := s.GetUncommittedEdits(ctx, fileID, actionID, testSet)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "bob", edits[0].User)

	// A newer stored attribute set supersedes bob's draft.
	require.NoError(t, bob.StoreAttributeSet(ctx, bobTask, testSet, []byte(`[]`)))
	edits, err = s.GetUncommittedEdits(ctx, fileID, actionID, testSet)
	require.NoError(t, err)
	assert.Empty(t, edits)
}

func TestCache_SessionDraftsAndCommit(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutCachedPageData(ctx, 9, 2, backend.CacheWrite{
		FileID: 1, ActionID: 1, EditDraft: []byte(`"two"`), Crucial: true, Modified: true,
	}))
	require.NoError(t, s.PutCachedPageData(ctx, 9, 1, backend.CacheWrite{
		FileID: 1, ActionID: 1, EditDraft: []byte(`"one"`),
	}))
	require.NoError(t, s.PutCachedPageData(ctx, 9, 3, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("img"),
	}))

	drafts, err := s.SessionDrafts(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []backend.Draft{
		{Page: 1, Data: []byte(`"one"`)},
		{Page: 2, Data: []byte(`"two"`)},
	}, drafts)

	require.NoError(t, s.MarkCacheCommitted(ctx, 9))
	entry, err := s.GetCachedPageData(ctx, 9, 2, backend.KindEditDraft)
	require.NoError(t, err)
	assert.False(t, entry.Modified)
	assert.True(t, entry.Crucial)
}

func TestCache_PruneKeepsCrucialAndRecent(t *testing.T) {
	ctx := context.Background()
	s, clk := createTestStoreWithClock(t)

	require.NoError(t, s.PutCachedPageData(ctx, 1, 1, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("old"),
	}))
	require.NoError(t, s.PutCachedPageData(ctx, 1, 2, backend.CacheWrite{
		FileID: 1, ActionID: 1, EditDraft: []byte(`{}`), Crucial: true, Modified: true,
	}))
	clk.Advance(time.Hour)
	cutoff := clk.Current()
	require.NoError(t, s.PutCachedPageData(ctx, 1, 3, backend.CacheWrite{
		FileID: 1, ActionID: 1, Image: []byte("new"),
	}))

	n, err := s.PruneCache(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CacheRows)
	assert.Equal(t, 1, st.CrucialRows)
}
