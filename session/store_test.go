package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/crew"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownSession)

	now := time.Now().UTC().Truncate(time.Second)
	session := &SessionContext{
		ID:        "s1",
		ThreadID:  "thread-1",
		Logs:      []string{"Thinking... (researcher)"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Save(ctx, session))

	session.Logs[0] = "mutated"
	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "thread-1", loaded.ThreadID)
	require.Equal(t, []string{"Thinking... (researcher)"}, loaded.Logs)
	require.True(t, now.Equal(loaded.CreatedAt))

	loaded.ThreadID = "thread-2"
	require.NoError(t, store.Save(ctx, loaded))
	reloaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "thread-2", reloaded.ThreadID)

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Load(ctx, "s1")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)

	err = store.Save(context.Background(), &SessionContext{ID: "../escape"})
	require.ErrorIs(t, err, crew.ErrInvalidID)
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileStore(filepath.Join(root, "sessions"))
	require.NoError(t, err)

	outside := filepath.Join(root, "escape.json")
	require.NoError(t, os.WriteFile(outside, []byte(`{"id":"escape"}`), 0o644))

	for _, id := range []string{"../escape", "a/b", `a\b`, ".hidden", "..", ""} {
		_, err := store.Load(ctx, id)
		require.ErrorIs(t, err, crew.ErrInvalidID, id)
		require.ErrorIs(t, store.Delete(ctx, id), crew.ErrInvalidID, id)
		require.ErrorIs(t, store.Save(ctx, &SessionContext{ID: id}), crew.ErrInvalidID, id)
	}

	_, err = os.Stat(outside)
	require.NoError(t, err)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, &SessionContext{ID: "default", ThreadID: "thread-9"}))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	loaded, err := second.Load(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, "thread-9", loaded.ThreadID)
}
