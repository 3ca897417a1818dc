// Package history records executed federated queries and reads them back
// newest first.
package history

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks -source=history.go Recorder

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/db"
)

// Filter selects history records
type Filter struct {
	// Source matches records whose target or participating sources include it
	Source string

	// Since is inclusive; zero means unbounded
	Since time.Time

	// Until is exclusive; zero means unbounded
	Until time.Time

	// Limit stops the sequence after that many records; zero means no limit
	Limit int
}

func (f Filter) matches(rec *datasource.HistoryRecord) bool {
	if f.Source != "" && !rec.InvolvesSource(f.Source) {
		return false
	}
	if !f.Since.IsZero() && rec.ExecutedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.ExecutedAt.Before(f.Until) {
		return false
	}
	return true
}

// Recorder is an append-only log of executed queries
type Recorder interface {
	// Append stores the record, assigning its ID when empty and its Seq.
	Append(ctx context.Context, rec *datasource.HistoryRecord) error

	// Query returns matching records newest first. The sequence is lazy and
	// every range over it starts again from the newest record.
	Query(ctx context.Context, f Filter) iter.Seq2[*datasource.HistoryRecord, error]
}

// NewFromConfig creates the recorder selected by the history configuration.
// The database is only required for the database recorder.
func NewFromConfig(cfg *config.Config, database *db.DB) (Recorder, error) {
	switch cfg.GetHistoryType() {
	case config.HistoryTypeMemory:
		return NewMemoryRecorder(cfg.GetHistoryMaxRecords()), nil
	case config.HistoryTypeDatabase:
		if database == nil {
			return nil, fmt.Errorf("history type %q requires a database", config.HistoryTypeDatabase)
		}
		return NewSQLRecorder(database), nil
	default:
		return nil, fmt.Errorf("unknown history type %q", cfg.GetHistoryType())
	}
}

// Collect drains a history sequence into a slice
func Collect(seq iter.Seq2[*datasource.HistoryRecord, error]) ([]*datasource.HistoryRecord, error) {
	var out []*datasource.HistoryRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
