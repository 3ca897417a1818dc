// Package federation executes queries against a source or a composition of
// sources: it fans the query out to every member's backend, merges the rows
// into one ranked result and records the execution in the query history.
package federation

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=engine.go Resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stacklok/datasource-federation-server/internal/backend"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/otel"
	"github.com/stacklok/datasource-federation-server/internal/registry"
	"github.com/stacklok/datasource-federation-server/internal/telemetry"
)

const (
	// TracerName is the name of the federation engine tracer
	TracerName = "github.com/stacklok/datasource-federation-server/federation"

	defaultMaxResults     = 500
	defaultSourceTimeout  = 10 * time.Second
	defaultMaxConcurrency = 8
	defaultHistoryTimeout = 5 * time.Second
)

// Resolver resolves a query target into its member sources
type Resolver interface {
	ResolveTarget(ctx context.Context, name string) (*registry.Target, error)
}

type options struct {
	maxResults     int
	sourceLimit    int
	sourceTimeout  time.Duration
	maxConcurrency int
	historyTimeout time.Duration
	tracer         trace.Tracer
	metrics        *telemetry.FederationMetrics
	historyMetrics *telemetry.HistoryMetrics
}

// Option configures the engine
type Option func(*options) error

// WithMaxResults sets the cap of the merged result
func WithMaxResults(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("maxResults must be greater than zero, got %d", n)
		}
		o.maxResults = n
		return nil
	}
}

// WithSourceLimit sets the maximum number of rows requested from one source.
// Defaults to the result cap.
func WithSourceLimit(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("sourceLimit must be greater than zero, got %d", n)
		}
		o.sourceLimit = n
		return nil
	}
}

// WithSourceTimeout sets the timeout applied to every source independently
func WithSourceTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("sourceTimeout must be greater than zero, got %s", d)
		}
		o.sourceTimeout = d
		return nil
	}
}

// WithMaxConcurrency bounds the backend requests in flight across all queries
func WithMaxConcurrency(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("maxConcurrency must be greater than zero, got %d", n)
		}
		o.maxConcurrency = n
		return nil
	}
}

// WithHistoryTimeout bounds the asynchronous history append
func WithHistoryTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("historyTimeout must be greater than zero, got %s", d)
		}
		o.historyTimeout = d
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer. If not set, tracing is disabled.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		o.tracer = tracer
		return nil
	}
}

// WithMetrics sets the federation and history metrics; either may be nil
func WithMetrics(fm *telemetry.FederationMetrics, hm *telemetry.HistoryMetrics) Option {
	return func(o *options) error {
		o.metrics = fm
		o.historyMetrics = hm
		return nil
	}
}

// Engine executes federated queries
type Engine struct {
	resolver Resolver
	recorder history.Recorder
	opts     options

	// sem bounds backend requests across concurrent queries
	sem *semaphore.Weighted

	// historyMu orders pending.Go against Close so no append starts once
	// draining began
	historyMu     sync.Mutex
	historyClosed bool
	pending       sync.WaitGroup
}

// New creates an engine. A nil recorder disables the query history.
func New(resolver Resolver, recorder history.Recorder, opts ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	o := options{
		maxResults:     defaultMaxResults,
		sourceTimeout:  defaultSourceTimeout,
		maxConcurrency: defaultMaxConcurrency,
		historyTimeout: defaultHistoryTimeout,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.sourceLimit == 0 {
		o.sourceLimit = o.maxResults
	}

	return &Engine{
		resolver: resolver,
		recorder: recorder,
		opts:     o,
		sem:      semaphore.NewWeighted(int64(o.maxConcurrency)),
	}, nil
}

// sourceOutcome is the result of one member
type sourceOutcome struct {
	fields []string
	rows   []datasource.Row
	status datasource.SourceStatus
	capped bool
}

// Execute runs the query. Resolution and validation errors are returned before
// any backend is called; backend failures are reported per source in the
// result. When ctx ends before every source answered, Execute returns the
// context error and records no history.
func (e *Engine) Execute(ctx context.Context, q datasource.FederatedQuery) (*datasource.FederatedResult, error) {
	queryID := uuid.NewString()
	ctx, span := otel.StartSpan(ctx, e.opts.tracer, "federation.Execute",
		trace.WithAttributes(
			otel.AttrQueryID.String(queryID),
			otel.AttrTarget.String(q.Target),
			otel.AttrLimit.Int(q.Limit),
		))
	defer span.End()

	start := time.Now()

	if err := validateQuery(q); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	target, err := e.resolver.ResolveTarget(ctx, q.Target)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrSourceCount.Int(len(target.Sources)))

	plans, err := planSources(target, q.Fields, q.IdentityField)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	limit := e.opts.maxResults
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}

	outcomes, err := e.dispatch(ctx, plans, q.Criteria, min(limit, e.opts.sourceLimit))
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	rows, truncated := merge(outcomes, q.IdentityField, limit)
	statuses := make(map[string]datasource.SourceStatus, len(plans))
	for i, p := range plans {
		statuses[p.source.Name()] = outcomes[i].status
		if outcomes[i].capped {
			truncated = true
		}
	}

	result := &datasource.FederatedResult{
		QueryID:      queryID,
		ExecutedAt:   start.UTC(),
		Duration:     time.Since(start),
		Rows:         rows,
		SourceStatus: statuses,
		Truncated:    truncated,
	}

	span.SetAttributes(
		otel.AttrResultCount.Int(len(rows)),
		otel.AttrTruncated.Bool(truncated),
	)
	e.opts.metrics.RecordQuery(ctx, q.Target, result.Duration, len(rows), truncated)
	slog.DebugContext(ctx, "Federated query executed",
		"query_id", queryID,
		"target", q.Target,
		"sources", len(plans),
		"rows", len(rows),
		"truncated", truncated,
		"duration", result.Duration,
	)

	e.recordHistory(ctx, q, result)
	return result, nil
}

// Wait blocks until every pending history append finished
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Close stops recording history for new executions and waits for the
// pending appends. Queries still running afterwards are answered but not
// recorded.
func (e *Engine) Close() {
	e.historyMu.Lock()
	e.historyClosed = true
	e.historyMu.Unlock()

	e.pending.Wait()
}

func validateQuery(q datasource.FederatedQuery) error {
	if q.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
	}
	if err := q.Criteria.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return nil
}

// dispatch queries every planned source concurrently. Source failures never
// cancel their siblings; only the caller's context does.
func (e *Engine) dispatch(
	ctx context.Context, plans []sourcePlan, criteria datasource.Criteria, limit int,
) ([]sourceOutcome, error) {
	outcomes := make([]sourceOutcome, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plans {
		if len(p.fields) == 0 {
			outcomes[i] = sourceOutcome{status: datasource.SourceStatus{Status: datasource.StatusSuccess, Skipped: true}}
			continue
		}
		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)
			outcomes[i] = e.searchSource(gctx, p, criteria, limit)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Engine) searchSource(
	ctx context.Context, p sourcePlan, criteria datasource.Criteria, limit int,
) sourceOutcome {
	name := p.source.Name()
	ctx, span := otel.StartSpan(ctx, e.opts.tracer, "federation.searchSource",
		trace.WithAttributes(
			otel.AttrSourceName.String(name),
			otel.AttrIndex.String(p.source.Config.Index),
		))
	defer span.End()

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, e.opts.sourceTimeout)
	defer cancel()

	resp, err := p.source.Backend.Search(sctx, &backend.SearchRequest{
		Index:    p.source.Config.Index,
		Criteria: criteria,
		Fields:   p.fetch,
		Limit:    limit,
		Timeout:  e.opts.sourceTimeout,
	})
	out := sourceOutcome{fields: p.fields}
	out.status.Duration = time.Since(start)

	switch {
	case err != nil:
		otel.RecordError(span, err)
		out.status.Status = datasource.StatusFailed
		out.status.Error = e.failureCause(ctx, sctx, err)
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "Source query failed", "source", name, "index", p.source.Config.Index, "error", err)
		}
	default:
		out.rows = toRows(name, resp.Hits, p.fetch)
		out.capped = resp.Capped
		out.status.Status = datasource.StatusSuccess
		if resp.Partial {
			out.status.Status = datasource.StatusPartial
			out.status.Error = resp.PartialReason
		}
	}
	out.status.RowCount = len(out.rows)

	span.SetAttributes(
		otel.AttrSourceStatus.String(string(out.status.Status)),
		otel.AttrResultCount.Int(out.status.RowCount),
	)
	e.opts.metrics.RecordSource(ctx, name, string(out.status.Status), out.status.Duration)
	return out
}

// failureCause turns a search error into a readable message. A timeout of
// the source context is reported as such even when the backend returned a
// bare context error.
func (e *Engine) failureCause(parent, sctx context.Context, err error) string {
	if parent.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && !backend.IsTimeout(err) {
		return fmt.Sprintf("timed out after %s", e.opts.sourceTimeout)
	}
	return err.Error()
}

// toRows converts backend hits into rows restricted to the projection
func toRows(source string, hits []backend.Hit, fields []string) []datasource.Row {
	rows := make([]datasource.Row, len(hits))
	for i, h := range hits {
		projected := make(map[string]any, len(fields))
		for k, v := range h.Fields {
			if slices.Contains(fields, k) {
				projected[k] = v
			}
		}
		rows[i] = datasource.Row{Source: source, ID: h.ID, Score: h.Score, Fields: projected}
	}
	return rows
}

// recordHistory appends the execution to the history without blocking the
// caller. The append outlives the request context but keeps its values.
func (e *Engine) recordHistory(ctx context.Context, q datasource.FederatedQuery, result *datasource.FederatedResult) {
	if e.recorder == nil {
		return
	}

	q.Fields = slices.Clone(q.Fields)
	q.Criteria.Filters = slices.Clone(q.Criteria.Filters)
	rec := &datasource.HistoryRecord{
		ID:         result.QueryID,
		Query:      q,
		ExecutedAt: result.ExecutedAt,
		Summary:    result.Summarize(),
	}

	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	if e.historyClosed {
		slog.WarnContext(ctx, "Query history closed, execution not recorded", "query_id", rec.ID)
		return
	}

	detached := context.WithoutCancel(ctx)
	e.pending.Go(func() {
		hctx, cancel := context.WithTimeout(detached, e.opts.historyTimeout)
		defer cancel()

		err := e.recorder.Append(hctx, rec)
		e.opts.historyMetrics.RecordAppend(hctx, err == nil)
		if err != nil {
			slog.ErrorContext(hctx, "Failed to append query history", "query_id", rec.ID, "error", err)
		}
	})
}
