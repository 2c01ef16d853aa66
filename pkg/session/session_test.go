package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	h := NewInMemory("s1")
	require.NoError(t, h.Append(ctx, "user", "hello"))
	require.NoError(t, h.Append(ctx, "assistant", "hi there"))

	hist, err := h.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "hello", hist[0].Content)
	require.Equal(t, "hi there", hist[1].Content)
}

func TestInMemoryCloseRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	h := NewInMemory("s1")
	require.NoError(t, h.Close())
	require.ErrorIs(t, h.Append(ctx, "user", "x"), ErrClosed)
	require.NoError(t, h.Close()) // idempotent
}

func TestFileBackedPersistsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "chitchat.db")

	h1, err := NewFileBacked(ctx, dbPath, "sess-1")
	require.NoError(t, err)
	require.NoError(t, h1.Append(ctx, "user", "remember this"))
	require.NoError(t, h1.Close())

	h2, err := NewFileBacked(ctx, dbPath, "sess-1")
	require.NoError(t, err)
	defer h2.Close()

	hist, err := h2.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "remember this", hist[0].Content)
}

func TestFileBackedIsolatesSessionIDsWithinSameStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewFileBacked(ctx, dbPath, "sess-a")
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Append(ctx, "user", "from a"))

	b, err := NewFileBacked(ctx, dbPath, "sess-b")
	require.NoError(t, err)
	defer b.Close()

	histB, err := b.History(ctx)
	require.NoError(t, err)
	require.Empty(t, histB)
}
