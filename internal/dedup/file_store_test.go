package dedup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "dedup_cache.json"))
	require.NoError(t, err)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, state.Identifiers)
	require.NotNil(t, state.EntityCounts)
}

func TestFileStoreRoundTripKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dedup_cache.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, State{
		Identifiers:  []string{"aa", "bb"},
		EntityCounts: map[string]int{"alice": 2},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "urls")
	require.Contains(t, doc, "username_post_counts")

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, state.Identifiers)
	require.Equal(t, 2, state.EntityCounts["alice"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dedup_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.Error(t, err)

	l := New(context.Background(), Config{}, store, nil)
	require.Zero(t, l.ProcessedCount())
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("")
	require.Error(t, err)
}

func TestLedgerWithFileStoreSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "dedup_cache.json"))
	require.NoError(t, err)

	l := New(ctx, Config{MaxPerEntity: 2}, store, nil)
	require.NoError(t, l.MarkProcessed(ctx, "https://example.com/p/abc/"))
	ok, err := l.TryAccept(ctx, "Eve")
	require.NoError(t, err)
	require.True(t, ok)

	reloaded := New(ctx, Config{MaxPerEntity: 2}, store, nil)
	require.True(t, reloaded.IsProcessed("https://example.com/p/abc/"))
	require.Equal(t, 1, reloaded.AcceptedCount("eve"))
}
