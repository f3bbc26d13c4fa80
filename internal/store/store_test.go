package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// setNow pins the store clock and returns a function that advances it.
func setNow(s *Store, start time.Time) func(time.Duration) {
	now := start
	s.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestNew_CreatesDB(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"dead_letters", "meta"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, store.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	_, err = store.SaveDeadLetter(context.Background(), KindHistory, "thread-1", "boom")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	n, err := store.CountUnresolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeadLetter_CRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	setNow(store, time.UnixMilli(1_700_000_000_000))

	dl, err := store.SaveDeadLetter(ctx, KindArtifact, "proj/thread", "upload failed")
	require.NoError(t, err)
	assert.NotEmpty(t, dl.ID)
	assert.Equal(t, 1, dl.Attempts)

	got, err := store.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, KindArtifact, got.Kind)
	assert.Equal(t, "proj/thread", got.Subject)
	assert.Equal(t, "upload failed", got.Error)
	assert.Equal(t, int64(1_700_000_000_000), got.CreatedAt)
	assert.Zero(t, got.ResolvedAt)

	require.NoError(t, store.ResolveDeadLetter(ctx, dl.ID))

	got, err = store.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.NotZero(t, got.ResolvedAt)

	err = store.ResolveDeadLetter(ctx, dl.ID)
	assert.True(t, errors.Is(err, perrors.ErrNotFound), "resolving twice is not found")

	_, err = store.GetDeadLetter(ctx, "missing")
	assert.True(t, errors.Is(err, perrors.ErrNotFound))
}

func TestDeadLetter_RepeatedFailureCollapses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	advance := setNow(store, time.UnixMilli(1_700_000_000_000))

	first, err := store.SaveDeadLetter(ctx, KindTriggerStatus, "exec-1", "503")
	require.NoError(t, err)
	advance(time.Minute)
	second, err := store.SaveDeadLetter(ctx, KindTriggerStatus, "exec-1", "504")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	got, err := store.GetDeadLetter(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "504", got.Error)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Greater(t, got.UpdatedAt, got.CreatedAt)

	// Once resolved, the next failure opens a new entry.
	require.NoError(t, store.ResolveDeadLetter(ctx, first.ID))
	third, err := store.SaveDeadLetter(ctx, KindTriggerStatus, "exec-1", "timeout")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 1, third.Attempts)
}

func TestDeadLetter_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	advance := setNow(store, time.UnixMilli(1_700_000_000_000))

	a, err := store.SaveDeadLetter(ctx, KindHistory, "t-1", "a")
	require.NoError(t, err)
	advance(time.Second)
	_, err = store.SaveDeadLetter(ctx, KindHistory, "t-2", "b")
	require.NoError(t, err)
	advance(time.Second)
	_, err = store.SaveDeadLetter(ctx, KindLogs, "p-1", "c")
	require.NoError(t, err)

	require.NoError(t, store.ResolveDeadLetter(ctx, a.ID))

	open, err := store.ListDeadLetters(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "p-1", open[0].Subject, "newest first")
	assert.Equal(t, "t-2", open[1].Subject)

	all, err := store.ListDeadLetters(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.ListDeadLetters(ctx, true, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := store.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeadLetter_ListEmpty(t *testing.T) {
	store := newTestStore(t)

	dls, err := store.ListDeadLetters(context.Background(), false, 10)
	require.NoError(t, err)
	assert.NotNil(t, dls)
	assert.Empty(t, dls)
}

func TestRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	advance := setNow(store, time.UnixMilli(1_700_000_000_000))

	old, err := store.SaveDeadLetter(ctx, KindHistory, "old", "x")
	require.NoError(t, err)
	require.NoError(t, store.ResolveDeadLetter(ctx, old.ID))

	open, err := store.SaveDeadLetter(ctx, KindHistory, "open", "x")
	require.NoError(t, err)

	advance(25 * time.Hour)

	recent, err := store.SaveDeadLetter(ctx, KindHistory, "recent", "x")
	require.NoError(t, err)
	require.NoError(t, store.ResolveDeadLetter(ctx, recent.ID))

	n, err := store.RunRetention(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetDeadLetter(ctx, old.ID)
	assert.True(t, errors.Is(err, perrors.ErrNotFound))
	_, err = store.GetDeadLetter(ctx, open.ID)
	assert.NoError(t, err, "unresolved entries are never pruned")
	_, err = store.GetDeadLetter(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestDBSize(t *testing.T) {
	store := newTestStore(t)

	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestHealth(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, health.StatusOK, store.Health(context.Background()))

	require.NoError(t, store.Close())
	assert.Equal(t, health.StatusDown, store.Health(context.Background()))
}

func TestRecorder_Record(t *testing.T) {
	store := newTestStore(t)
	m := metrics.New()
	rec := NewRecorder(store, m, zerolog.Nop())
	ctx := context.Background()

	rec.Record(ctx, KindHistory, "thread-1", errors.New("backend down"))
	rec.Record(ctx, KindHistory, "thread-1", errors.New("backend still down"))
	rec.Record(ctx, KindHistory, "thread-2", nil)

	dls, err := store.ListDeadLetters(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Equal(t, "backend still down", dls[0].Error)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SideEffectFailuresTotal.WithLabelValues(KindHistory)))
}

func TestRecorder_CancelledContextStillPersists(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, KindStop, "proj-1", errors.New("no ack"))

	n, err := store.CountUnresolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecorder_NilStore(t *testing.T) {
	rec := NewRecorder(nil, nil, zerolog.Nop())
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), KindStop, "p", errors.New("x"))
	})
}
