package history

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

// MemoryRecorder keeps history in an append-only slice. Readers take a
// snapshot of the slice header and iterate without holding the lock, so
// writers never wait for an iteration to finish.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records []*datasource.HistoryRecord
	nextSeq int64

	// maxRecords bounds the log; zero means unbounded
	maxRecords int
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates an in-memory recorder keeping at most maxRecords
// records. Zero or a negative value keeps everything.
func NewMemoryRecorder(maxRecords int) *MemoryRecorder {
	if maxRecords < 0 {
		maxRecords = 0
	}
	return &MemoryRecorder{maxRecords: maxRecords}
}

// Append implements Recorder
func (m *MemoryRecorder) Append(ctx context.Context, rec *datasource.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	rec.Seq = m.nextSeq
	// slots below len are never written again, so snapshots stay valid
	m.records = append(m.records, rec.Clone())
	if m.maxRecords > 0 && len(m.records) > m.maxRecords {
		m.records = m.records[len(m.records)-m.maxRecords:]
	}
	return nil
}

// Query implements Recorder
func (m *MemoryRecorder) Query(ctx context.Context, f Filter) iter.Seq2[*datasource.HistoryRecord, error] {
	return func(yield func(*datasource.HistoryRecord, error) bool) {
		m.mu.RLock()
		snapshot := m.records[:len(m.records):len(m.records)]
		m.mu.RUnlock()

		yielded := 0
		for i := len(snapshot) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec := snapshot[i]
			if !f.matches(rec) {
				continue
			}
			if !yield(rec.Clone(), nil) {
				return
			}
			yielded++
			if f.Limit > 0 && yielded >= f.Limit {
				return
			}
		}
	}
}

// Len returns the number of retained records
func (m *MemoryRecorder) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
