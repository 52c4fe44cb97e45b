package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gurisko/cellar/internal/launch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, &launch.Result{
		EntryID: "a", DisplayName: "Balatro", State: launch.StateSpawned,
		Runtime: "/opt/wine/bin/wine", Managed: true, Argv: []string{"/opt/wine/bin/wine", "/g/Balatro.exe", "-x"},
		PID: 99, Started: base,
	}))
	s.RecordLaunch(ctx, &launch.Result{
		EntryID: "a", DisplayName: "Balatro", State: launch.StateFailed, FailedAt: launch.StateValidating,
		Error: "runtime unavailable", Started: base.Add(time.Minute),
	})
	require.NoError(t, s.Append(ctx, &launch.Result{EntryID: "b", DisplayName: "Other", State: launch.StateSpawned, Started: base.Add(2 * time.Minute)}))

	recs, err := s.Recent(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "failed", recs[0].State)
	assert.Equal(t, "validating", recs[0].FailedAt)
	assert.Equal(t, "runtime unavailable", recs[0].Error)
	assert.Nil(t, recs[0].Argv)

	assert.Equal(t, "spawned", recs[1].State)
	assert.True(t, recs[1].Managed)
	assert.Equal(t, 99, recs[1].PID)
	assert.Equal(t, []string{"/opt/wine/bin/wine", "/g/Balatro.exe", "-x"}, recs[1].Argv)
	assert.True(t, base.Equal(recs[1].CreatedAt))

	all, err := s.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].EntryID)
}

func TestForget(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, &launch.Result{EntryID: "a", State: launch.StateSpawned}))
	require.NoError(t, s.Append(ctx, &launch.Result{EntryID: "a", State: launch.StateSpawned}))

	n, err := s.Forget(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	recs, err := s.Recent(ctx, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), &launch.Result{EntryID: "a", State: launch.StateSpawned}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Recent(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAppend_Nil(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Append(context.Background(), nil))
}
