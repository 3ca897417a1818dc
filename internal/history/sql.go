package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/db"
)

const defaultPageSize = 100

// SQLRecorder stores history in the query_history tables. Queries walk the
// log newest first in keyset pages on the append sequence.
type SQLRecorder struct {
	db       *db.DB
	pageSize int
}

var _ Recorder = (*SQLRecorder)(nil)

// SQLOption configures a SQL recorder
type SQLOption func(*SQLRecorder)

// WithPageSize sets the number of records fetched per round trip
func WithPageSize(n int) SQLOption {
	return func(r *SQLRecorder) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// NewSQLRecorder creates a recorder on an open database
func NewSQLRecorder(database *db.DB, opts ...SQLOption) *SQLRecorder {
	r := &SQLRecorder{db: database, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append implements Recorder
func (r *SQLRecorder) Append(ctx context.Context, rec *datasource.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	stored := rec.Clone()
	stored.Seq = 0
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}

	sources := append(rec.Sources(), rec.Query.Target)
	slices.Sort(sources)
	sources = slices.Compact(sources)

	var seq int64
	err = r.db.RunTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, r.db.Rebind(
			`INSERT INTO query_history (id, target, executed_at, record) VALUES (?, ?, ?, ?) RETURNING seq`),
			rec.ID, rec.Query.Target, rec.ExecutedAt.UnixNano(), string(data))
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("failed to insert history record: %w", err)
		}
		for _, source := range sources {
			if _, err := tx.ExecContext(ctx, r.db.Rebind(
				`INSERT INTO query_history_sources (seq, source) VALUES (?, ?)`), seq, source); err != nil {
				return fmt.Errorf("failed to index history record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.Seq = seq
	return nil
}

// Query implements Recorder
func (r *SQLRecorder) Query(ctx context.Context, f Filter) iter.Seq2[*datasource.HistoryRecord, error] {
	return func(yield func(*datasource.HistoryRecord, error) bool) {
		var cursor int64
		remaining := f.Limit
		for {
			size := r.pageSize
			if f.Limit > 0 && remaining < size {
				size = remaining
			}

			page, err := r.fetchPage(ctx, f, cursor, size)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}

			if len(page) < size {
				return
			}
			if f.Limit > 0 {
				remaining -= len(page)
				if remaining <= 0 {
					return
				}
			}
			cursor = page[len(page)-1].Seq
		}
	}
}

// fetchPage reads one page fully before returning so no rows stay open
// while the caller consumes records.
func (r *SQLRecorder) fetchPage(
	ctx context.Context, f Filter, before int64, size int,
) ([]*datasource.HistoryRecord, error) {
	var (
		conds []string
		args  []any
	)
	if before > 0 {
		conds = append(conds, "h.seq < ?")
		args = append(args, before)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "h.executed_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "h.executed_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Source != "" {
		conds = append(conds,
			"EXISTS (SELECT 1 FROM query_history_sources s WHERE s.seq = h.seq AND s.source = ?)")
		args = append(args, f.Source)
	}

	query := "SELECT h.seq, h.record FROM query_history h"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY h.seq DESC LIMIT ?"
	args = append(args, size)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	page := make([]*datasource.HistoryRecord, 0, size)
	for rows.Next() {
		var (
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		var rec datasource.HistoryRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode history record %d: %w", seq, err)
		}
		rec.Seq = seq
		page = append(page, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return page, nil
}
