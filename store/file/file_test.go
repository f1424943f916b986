package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func cp(id, thread string, at time.Time) *store.Checkpoint {
	return &store.Checkpoint{
		ID:             id,
		ThreadID:       thread,
		Graph:          []byte("g-" + id),
		TaskStates:     []byte("ts"),
		DataflowStates: []byte("ds"),
		Metadata:       store.CheckpointMeta{CreatedAt: at},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Save(ctx, cp("c1", "thread-a", now)))

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, []byte("g-c1"), got.Graph)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_HistoryAndLatest(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Save out of order; history must sort by CreatedAt.
	require.NoError(t, s.Save(ctx, cp("c2", "t", base.Add(2*time.Second))))
	require.NoError(t, s.Save(ctx, cp("c1", "t", base.Add(time.Second))))

	history, err := s.History(ctx, "t")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].ID)

	latest, err := s.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ID)
}

func TestStore_DeleteThread(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, cp("c1", "t", time.Now())))
	require.NoError(t, s.DeleteThread(ctx, "t"))

	history, err := s.History(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = s.Latest(ctx, "t")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SanitizesIDs(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, cp("../../evil", "th/read", time.Now())))

	got, err := s.Load(ctx, "../../evil")
	require.NoError(t, err)
	assert.Equal(t, "../../evil", got.ID)
}
