package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/db"
	"github.com/stacklok/datasource-federation-server/internal/otel"
)

// sqlStore keeps records in the configs table. The record body is stored as
// JSON; version and timestamps live in their own columns and win on read.
// Every write is also appended to config_changes under the store's origin so
// that other handles on the same database can follow it.
type sqlStore struct {
	db       *db.DB
	tracer   trace.Tracer
	watchers watchers
	origin   string

	pollInterval time.Duration
	stopFeed     func()

	// serializes writers in this process; the schema's foreign keys protect
	// composition members against writers in other processes
	writeMu sync.Mutex
}

var _ Store = (*sqlStore)(nil)

// SQLOption configures a SQL store
type SQLOption func(*sqlStore)

// WithTracer sets the OpenTelemetry tracer for store operations
func WithTracer(tracer trace.Tracer) SQLOption {
	return func(s *sqlStore) {
		s.tracer = tracer
	}
}

// NewSQLStore creates a store on an open database and starts following the
// change log from its current end. The store does not own the database;
// Close only stops the change log reader.
func NewSQLStore(ctx context.Context, database *db.DB, opts ...SQLOption) (Store, error) {
	s := &sqlStore{
		db:           database,
		origin:       uuid.NewString(),
		pollInterval: DefaultChangePollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	seq, err := s.latestChange(ctx)
	if err != nil {
		return nil, err
	}
	if s.pollInterval > 0 {
		s.followChanges(seq)
	}
	return s, nil
}

type configRow struct {
	kind      datasource.Kind
	version   int64
	data      []byte
	createdAt int64
	updatedAt int64
}

func (r *configRow) decode(name string) (datasource.Config, error) {
	created := time.Unix(0, r.createdAt).UTC()
	updated := time.Unix(0, r.updatedAt).UTC()

	switch r.kind {
	case datasource.KindSource:
		var src datasource.SingleSourceConfig
		if err := json.Unmarshal(r.data, &src); err != nil {
			return nil, fmt.Errorf("failed to decode source %q: %w", name, err)
		}
		src.Name, src.Version, src.CreatedAt, src.UpdatedAt = name, r.version, created, updated
		return &src, nil
	case datasource.KindComposition:
		var comp datasource.MultiSourceConfig
		if err := json.Unmarshal(r.data, &comp); err != nil {
			return nil, fmt.Errorf("failed to decode composition %q: %w", name, err)
		}
		comp.Name, comp.Version, comp.CreatedAt, comp.UpdatedAt = name, r.version, created, updated
		return &comp, nil
	default:
		return nil, fmt.Errorf("unknown kind %q for %q", r.kind, name)
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqlStore) getRow(ctx context.Context, q queryer, name string) (*configRow, error) {
	var r configRow
	err := q.QueryRowContext(ctx, s.db.Rebind(
		"SELECT kind, version, data, created_at, updated_at FROM configs WHERE name = ?"), name,
	).Scan(&r.kind, &r.version, &r.data, &r.createdAt, &r.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", name, err)
	}
	return &r, nil
}

func (s *sqlStore) referencedBy(ctx context.Context, q queryer, source string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(
		"SELECT composition FROM composition_members WHERE member = ? ORDER BY composition"), source)
	if err != nil {
		return nil, fmt.Errorf("failed to read references to %q: %w", source, err)
	}
	defer func() { _ = rows.Close() }()

	var refs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		refs = append(refs, name)
	}
	return refs, rows.Err()
}

// upsert writes a record body, incrementing the version of an existing record
func (s *sqlStore) upsert(ctx context.Context, tx *sql.Tx, name string, kind datasource.Kind, body any) (int64, time.Time, time.Time, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("failed to encode %q: %w", name, err)
	}
	now := time.Now().UTC().UnixNano()

	var version, createdAt, updatedAt int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO configs (name, kind, version, data, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			version = configs.version + 1,
			data = excluded.data,
			updated_at = excluded.updated_at
		RETURNING version, created_at, updated_at`),
		name, string(kind), string(data), now, now,
	).Scan(&version, &createdAt, &updatedAt)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("failed to write %q: %w", name, err)
	}
	return version, time.Unix(0, createdAt).UTC(), time.Unix(0, updatedAt).UTC(), nil
}

// PutSource implements Store
func (s *sqlStore) PutSource(ctx context.Context, src *datasource.SingleSourceConfig) (*datasource.SingleSourceConfig, error) {
	c, err := prepareSource(src)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "store.PutSource",
		trace.WithAttributes(
			otel.AttrConfigName.String(c.Name),
			otel.AttrConfigKind.String(string(datasource.KindSource)),
			otel.AttrStoreType.String(string(s.db.Dialect)),
		))
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.RunTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getRow(ctx, tx, c.Name)
		if err != nil {
			return err
		}
		if existing != nil && existing.kind != datasource.KindSource {
			return kindMismatchError(c.Name, existing.kind)
		}
		if !c.IsActive() {
			refs, err := s.referencedBy(ctx, tx, c.Name)
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				return inUseError(c.Name, refs)
			}
		}

		c.Version, c.CreatedAt, c.UpdatedAt, err = s.upsert(ctx, tx, c.Name, datasource.KindSource, c)
		if err != nil {
			return err
		}
		return s.logChange(ctx, tx, ChangeEvent{Name: c.Name, Kind: datasource.KindSource, Op: OpPut})
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	s.watchers.notify(ChangeEvent{Name: c.Name, Kind: datasource.KindSource, Op: OpPut})
	return c, nil
}

// PutComposition implements Store
func (s *sqlStore) PutComposition(ctx context.Context, comp *datasource.MultiSourceConfig) (*datasource.MultiSourceConfig, error) {
	c, err := prepareComposition(comp)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "store.PutComposition",
		trace.WithAttributes(
			otel.AttrConfigName.String(c.Name),
			otel.AttrConfigKind.String(string(datasource.KindComposition)),
			otel.AttrStoreType.String(string(s.db.Dialect)),
		))
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.RunTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getRow(ctx, tx, c.Name)
		if err != nil {
			return err
		}
		if existing != nil && existing.kind != datasource.KindComposition {
			return kindMismatchError(c.Name, existing.kind)
		}

		members := make(map[string]datasource.Config, len(c.Members))
		for _, member := range c.Members {
			row, err := s.getRow(ctx, tx, member)
			if err != nil {
				return err
			}
			if row == nil {
				continue
			}
			cfg, err := row.decode(member)
			if err != nil {
				return err
			}
			members[member] = cfg
		}
		err = pinMembers(c, func(name string) (datasource.Config, bool) {
			cfg, ok := members[name]
			return cfg, ok
		})
		if err != nil {
			return err
		}

		c.Version, c.CreatedAt, c.UpdatedAt, err = s.upsert(ctx, tx, c.Name, datasource.KindComposition, c)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			"DELETE FROM composition_members WHERE composition = ?"), c.Name); err != nil {
			return fmt.Errorf("failed to reset members of %q: %w", c.Name, err)
		}
		for i, member := range c.Members {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(
				"INSERT INTO composition_members (composition, member, position) VALUES (?, ?, ?)"),
				c.Name, member, i); err != nil {
				return fmt.Errorf("failed to write member %q of %q: %w", member, c.Name, err)
			}
		}
		return s.logChange(ctx, tx, ChangeEvent{Name: c.Name, Kind: datasource.KindComposition, Op: OpPut})
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	s.watchers.notify(ChangeEvent{Name: c.Name, Kind: datasource.KindComposition, Op: OpPut})
	return c, nil
}

// Get implements Store
func (s *sqlStore) Get(ctx context.Context, name string) (datasource.Config, error) {
	row, err := s.getRow(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, notFoundError(name)
	}
	return row.decode(name)
}

// GetSource implements Store
func (s *sqlStore) GetSource(ctx context.Context, name string) (*datasource.SingleSourceConfig, error) {
	cfg, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	src, ok := cfg.(*datasource.SingleSourceConfig)
	if !ok {
		return nil, kindMismatchError(name, cfg.GetKind())
	}
	return src, nil
}

// GetComposition implements Store
func (s *sqlStore) GetComposition(ctx context.Context, name string) (*datasource.MultiSourceConfig, error) {
	cfg, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	comp, ok := cfg.(*datasource.MultiSourceConfig)
	if !ok {
		return nil, kindMismatchError(name, cfg.GetKind())
	}
	return comp, nil
}

// List implements Store
func (s *sqlStore) List(ctx context.Context, kind datasource.Kind) ([]datasource.Config, error) {
	query := "SELECT name, kind, version, data, created_at, updated_at FROM configs"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []datasource.Config
	for rows.Next() {
		var (
			name string
			r    configRow
		)
		if err := rows.Scan(&name, &r.kind, &r.version, &r.data, &r.createdAt, &r.updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		cfg, err := r.decode(name)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	return out, nil
}

// Delete implements Store
func (s *sqlStore) Delete(ctx context.Context, name string, want datasource.Kind) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "store.Delete",
		trace.WithAttributes(
			otel.AttrConfigName.String(name),
			otel.AttrStoreType.String(string(s.db.Dialect)),
		))
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var kind datasource.Kind
	err := s.db.RunTx(ctx, func(tx *sql.Tx) error {
		row, err := s.getRow(ctx, tx, name)
		if err != nil {
			return err
		}
		if row == nil {
			return notFoundError(name)
		}
		kind = row.kind
		if want != "" && want != kind {
			return kindMismatchError(name, kind)
		}

		if kind == datasource.KindSource {
			refs, err := s.referencedBy(ctx, tx, name)
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				return inUseError(name, refs)
			}
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind("DELETE FROM configs WHERE name = ?"), name); err != nil {
			return fmt.Errorf("failed to delete %q: %w", name, err)
		}
		return s.logChange(ctx, tx, ChangeEvent{Name: name, Kind: kind, Op: OpDelete})
	})
	if kind != "" {
		span.SetAttributes(otel.AttrConfigKind.String(string(kind)))
	}
	if err != nil {
		otel.RecordError(span, err)
		return err
	}

	s.watchers.notify(ChangeEvent{Name: name, Kind: kind, Op: OpDelete})
	return nil
}

// Watch implements Store
func (s *sqlStore) Watch(fn func(ChangeEvent)) {
	s.watchers.add(fn)
}

// Close implements Store
func (s *sqlStore) Close() error {
	if s.stopFeed != nil {
		s.stopFeed()
	}
	return nil
}
