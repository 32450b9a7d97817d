package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate"
	auditsqlite "github.com/ineyio/imagegate/audit/sqlite"
)

func openSink(t *testing.T, opts ...auditsqlite.Option) *auditsqlite.Sink {
	t.Helper()
	s, err := auditsqlite.Open(filepath.Join(t.TempDir(), "audit.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(ctx context.Context, kind imagegate.EventKind, at time.Time, fields map[string]any) imagegate.AuditEvent {
	e := imagegate.NewAuditEvent(ctx, kind, fields)
	e.Time = at
	return e
}

func TestSink_RecordAndQuery(t *testing.T) {
	s := openSink(t)
	ctx := imagegate.ContextWithRequest(context.Background(), imagegate.GenerationRequest{
		ID: "req-7", UserID: "u-1", DepartmentID: "marketing",
	})
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	s.Record(ctx, event(ctx, imagegate.EventPIIDetected, base, map[string]any{
		"pii_types":       []string{"email"},
		"detection_count": 1,
	}))
	selected := event(ctx, imagegate.EventProviderSelected, base.Add(time.Second), map[string]any{"estimated_cost": "0.0200"})
	selected.Provider = "replicate_sdxl"
	s.Record(ctx, selected)

	events, err := s.Query(ctx, auditsqlite.QueryOpts{RequestID: "req-7"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, imagegate.EventProviderSelected, events[0].Kind, "newest first")
	assert.Equal(t, "replicate_sdxl", events[0].Provider)
	assert.Equal(t, "0.0200", events[0].Fields["estimated_cost"])

	pii := events[1]
	assert.Equal(t, "u-1", pii.UserID)
	assert.Equal(t, "marketing", pii.DepartmentID)
	assert.Equal(t, base, pii.Time)
	assert.Equal(t, []any{"email"}, pii.Fields["pii_types"])
	assert.Equal(t, float64(1), pii.Fields["detection_count"])
}

func TestSink_QueryFilters(t *testing.T) {
	s := openSink(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := event(ctx, imagegate.EventGenerationSucceeded, base.Add(time.Duration(i)*time.Hour), nil)
		e.UserID = "u-1"
		require.NoError(t, s.Insert(ctx, e))
	}
	failed := event(ctx, imagegate.EventGenerationFailed, base, nil)
	failed.UserID = "u-2"
	require.NoError(t, s.Insert(ctx, failed))

	got, err := s.Query(ctx, auditsqlite.QueryOpts{UserID: "u-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(ctx, auditsqlite.QueryOpts{Kind: imagegate.EventGenerationFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u-2", got[0].UserID)

	got, err = s.Query(ctx, auditsqlite.QueryOpts{Since: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	stats, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []auditsqlite.KindCount{
		{Kind: imagegate.EventGenerationFailed, Count: 1},
		{Kind: imagegate.EventGenerationSucceeded, Count: 5},
	}, stats)
}

func TestSink_Cleanup(t *testing.T) {
	now := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := openSink(t,
		auditsqlite.WithRetention(30*24*time.Hour),
		auditsqlite.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, event(ctx, imagegate.EventBudgetExceeded, now.AddDate(0, 0, -45), nil)))
	require.NoError(t, s.Insert(ctx, event(ctx, imagegate.EventBudgetExceeded, now.AddDate(0, 0, -5), nil)))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Query(ctx, auditsqlite.QueryOpts{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSink_ZeroRetentionKeepsEverything(t *testing.T) {
	s := openSink(t, auditsqlite.WithRetention(0))
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, event(ctx, imagegate.EventPIIDetected, time.Unix(0, 0), nil)))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSink_CloseTwice(t *testing.T) {
	s, err := auditsqlite.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
