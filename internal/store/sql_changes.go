package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/datasource-federation-server/internal/db"
)

const (
	// DefaultChangePollInterval is how often a SQL store looks for writes
	// made by other processes sharing its database
	DefaultChangePollInterval = time.Second

	changeRetention     = 24 * time.Hour
	changePruneInterval = time.Hour
)

// WithChangePollInterval sets how often the store reads the change log for
// writes made through other handles. Zero or less disables polling.
func WithChangePollInterval(d time.Duration) SQLOption {
	return func(s *sqlStore) {
		s.pollInterval = d
	}
}

// logChange appends a write to the change log inside its transaction. On
// PostgreSQL the table lock keeps sequence order equal to commit order, so
// a reader that has seen seq N never later finds a committed row below N.
func (s *sqlStore) logChange(ctx context.Context, tx *sql.Tx, ev ChangeEvent) error {
	if s.db.Dialect == db.DialectPostgres {
		if _, err := tx.ExecContext(ctx, "LOCK TABLE config_changes IN EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("failed to lock change log: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO config_changes (name, kind, op, origin, changed_at) VALUES (?, ?, ?, ?, ?)"),
		ev.Name, string(ev.Kind), string(ev.Op), s.origin, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to log change to %q: %w", ev.Name, err)
	}
	return nil
}

func (s *sqlStore) latestChange(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM config_changes").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read change log position: %w", err)
	}
	return seq, nil
}

// followChanges polls the change log until Close, notifying watchers of
// every write another handle committed after seq
func (s *sqlStore) followChanges(seq int64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopFeed = sync.OnceFunc(func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		lastPrune := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := s.pollChanges(ctx, seq)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("Failed to read configuration change log", "error", err)
				}
				continue
			}
			seq = next

			if time.Since(lastPrune) >= changePruneInterval {
				lastPrune = time.Now()
				s.pruneChanges(ctx)
			}
		}
	}()
}

// pollChanges notifies watchers of external changes after seq and returns
// the new position
func (s *sqlStore) pollChanges(ctx context.Context, after int64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT seq, name, kind, op, origin FROM config_changes WHERE seq > ? ORDER BY seq"), after)
	if err != nil {
		return after, err
	}

	var events []ChangeEvent
	last := after
	for rows.Next() {
		var (
			ev     ChangeEvent
			origin string
		)
		if err := rows.Scan(&last, &ev.Name, &ev.Kind, &ev.Op, &origin); err != nil {
			_ = rows.Close()
			return after, err
		}
		if origin != s.origin {
			events = append(events, ev)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return after, err
	}
	_ = rows.Close()

	for _, ev := range events {
		s.watchers.notify(ev)
	}
	return last, nil
}

func (s *sqlStore) pruneChanges(ctx context.Context) {
	cutoff := time.Now().Add(-changeRetention).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM config_changes WHERE changed_at < ?"), cutoff)
	if err != nil {
		slog.Warn("Failed to prune configuration change log", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("Pruned configuration change log", "rows", n)
	}
}
