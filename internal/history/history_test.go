package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/db"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// forEachRecorder runs fn against every recorder implementation
func forEachRecorder(t *testing.T, fn func(t *testing.T, r Recorder)) {
	t.Helper()
	factories := []struct {
		name string
		open func(t *testing.T) Recorder
	}{
		{name: "memory", open: func(*testing.T) Recorder { return NewMemoryRecorder(0) }},
		{name: "sql", open: func(t *testing.T) Recorder {
			t.Helper()
			return NewSQLRecorder(openSQLite(t), WithPageSize(2))
		}},
	}
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			fn(t, f.open(t))
		})
	}
}

func record(target string, offset time.Duration, sources ...string) *datasource.HistoryRecord {
	statuses := make(map[string]datasource.SourceStatus, len(sources))
	for _, s := range sources {
		statuses[s] = datasource.SourceStatus{Status: datasource.StatusSuccess, RowCount: 1}
	}
	return &datasource.HistoryRecord{
		Query:      datasource.FederatedQuery{Target: target, Fields: []string{"amount"}},
		ExecutedAt: baseTime.Add(offset),
		Summary:    datasource.ResultSummary{RowCount: len(sources), SourceStatus: statuses},
	}
}

func targets(recs []*datasource.HistoryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Query.Target
	}
	return out
}

func appendAll(t *testing.T, r Recorder, recs ...*datasource.HistoryRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, r.Append(context.Background(), rec))
	}
}

func TestRecorder_NewestFirst(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		first := record("q1", 0, "payments")
		appendAll(t, r, first, record("q2", time.Minute, "network"), record("q3", 2*time.Minute, "payments"))

		assert.NotEmpty(t, first.ID)
		assert.Equal(t, int64(1), first.Seq)

		got, err := Collect(r.Query(context.Background(), Filter{}))
		require.NoError(t, err)
		assert.Equal(t, []string{"q3", "q2", "q1"}, targets(got))
		assert.Greater(t, got[0].Seq, got[1].Seq)
		assert.True(t, got[2].ExecutedAt.Equal(baseTime))
		assert.Equal(t, first.ID, got[2].ID)
		assert.Equal(t, datasource.StatusSuccess, got[2].Summary.SourceStatus["payments"].Status)
	})
}

func TestRecorder_Filter(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		appendAll(t, r,
			record("core", 0, "payments", "network"),
			record("payments", time.Minute, "payments"),
			record("network", 2*time.Minute, "network"),
			record("core", 3*time.Minute, "payments", "network"),
			record("mobile", 4*time.Minute, "mobile"),
		)

		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{name: "all", filter: Filter{}, want: []string{"mobile", "core", "network", "payments", "core"}},
			{name: "participating source", filter: Filter{Source: "payments"}, want: []string{"core", "payments", "core"}},
			{name: "target", filter: Filter{Source: "core"}, want: []string{"core", "core"}},
			{name: "unknown source", filter: Filter{Source: "billing"}, want: nil},
			{
				name:   "since inclusive until exclusive",
				filter: Filter{Since: baseTime.Add(time.Minute), Until: baseTime.Add(3 * time.Minute)},
				want:   []string{"network", "payments"},
			},
			{name: "limit", filter: Filter{Limit: 3}, want: []string{"mobile", "core", "network"}},
			{name: "limit with source", filter: Filter{Source: "network", Limit: 1}, want: []string{"core"}},
		}
		for _, tt := range tests {
			got, err := Collect(r.Query(context.Background(), tt.filter))
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.want, targets(got), tt.name)
		}
	})
}

func TestRecorder_Restartable(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		for i := range 5 {
			appendAll(t, r, record(fmt.Sprintf("q%d", i), time.Duration(i)*time.Second))
		}
		seq := r.Query(context.Background(), Filter{})

		var partial []string
		for rec, err := range seq {
			require.NoError(t, err)
			partial = append(partial, rec.Query.Target)
			if len(partial) == 2 {
				break
			}
		}
		assert.Equal(t, []string{"q4", "q3"}, partial)

		full, err := Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, []string{"q4", "q3", "q2", "q1", "q0"}, targets(full))
	})
}

func TestRecorder_AppendDuringIteration(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		for i := range 4 {
			appendAll(t, r, record(fmt.Sprintf("q%d", i), time.Duration(i)*time.Second))
		}

		var seen []string
		for rec, err := range r.Query(context.Background(), Filter{}) {
			require.NoError(t, err)
			seen = append(seen, rec.Query.Target)
			appendAll(t, r, record("late", time.Hour))
		}
		assert.Equal(t, []string{"q3", "q2", "q1", "q0"}, seen)
	})
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		const writers, perWriter = 8, 10

		var wg sync.WaitGroup
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					rec := record(fmt.Sprintf("w%d-%d", w, i), time.Duration(i)*time.Second, "payments")
					assert.NoError(t, r.Append(context.Background(), rec))
				}
			}()
		}

		// readers run alongside the writers and must always see a
		// strictly decreasing sequence
		for range 5 {
			got, err := Collect(r.Query(context.Background(), Filter{}))
			require.NoError(t, err)
			for i := 1; i < len(got); i++ {
				assert.Greater(t, got[i-1].Seq, got[i].Seq)
			}
		}
		wg.Wait()

		got, err := Collect(r.Query(context.Background(), Filter{Source: "payments"}))
		require.NoError(t, err)
		require.Len(t, got, writers*perWriter)

		ids := make(map[string]struct{}, len(got))
		for i, rec := range got {
			ids[rec.ID] = struct{}{}
			if i > 0 {
				assert.Greater(t, got[i-1].Seq, rec.Seq)
			}
		}
		assert.Len(t, ids, writers*perWriter)
	})
}

func TestRecorder_CancelledContext(t *testing.T) {
	t.Parallel()
	forEachRecorder(t, func(t *testing.T, r Recorder) {
		appendAll(t, r, record("q1", 0))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Collect(r.Query(ctx, Filter{}))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryRecorder_ReturnsCopies(t *testing.T) {
	t.Parallel()

	r := NewMemoryRecorder(0)
	rec := record("core", 0, "payments")
	appendAll(t, r, rec)
	rec.Query.Fields[0] = "changed"

	got, err := Collect(r.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "amount", got[0].Query.Fields[0])

	got[0].Summary.SourceStatus["payments"] = datasource.SourceStatus{Status: datasource.StatusFailed}
	again, err := Collect(r.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	assert.Equal(t, datasource.StatusSuccess, again[0].Summary.SourceStatus["payments"].Status)
}

func TestMemoryRecorder_MaxRecords(t *testing.T) {
	t.Parallel()

	r := NewMemoryRecorder(3)
	for i := range 10 {
		appendAll(t, r, record(fmt.Sprintf("q%d", i), time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, r.Len())

	got, err := Collect(r.Query(context.Background(), Filter{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"q9", "q8", "q7"}, targets(got))
	assert.Equal(t, int64(10), got[0].Seq)
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	r, err := NewFromConfig(&config.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryRecorder{}, r)

	sqlCfg := &config.Config{Storage: &config.StorageConfig{Type: config.StorageTypeSQLite}}
	_, err = NewFromConfig(sqlCfg, nil)
	require.Error(t, err)

	r, err = NewFromConfig(sqlCfg, openSQLite(t))
	require.NoError(t, err)
	assert.IsType(t, &SQLRecorder{}, r)
}
