package specwatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/fetch"
	"github.com/PentesterFlow/SpecWatch/internal/generalize"
	"github.com/PentesterFlow/SpecWatch/internal/ingest"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/merge"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/reconcile"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
	"github.com/PentesterFlow/SpecWatch/internal/resolver"
	"github.com/PentesterFlow/SpecWatch/internal/spec"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// Engine is the drift engine: it owns the store, the trace bus and the ingestion workers and
// exposes spec lifecycle, path resolution, diffing and query operations.
type Engine struct {
	config     *Config
	store      *store.Store
	ownsStore  bool
	bus        queue.Bus
	ownsBus    bool
	parser     *spec.Parser
	fetcher    *fetch.Client
	reconciler *reconcile.Engine
	redactions *redact.Registry
	ingestor   *ingest.Ingestor
	logger     *logger.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New creates an engine with the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		ownsStore: true,
		ownsBus:   true,
		now:       time.Now,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Validate config
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if e.logger == nil {
		level := logger.InfoLevel
		if e.config.Log.Level != "" {
			level, _ = logger.ParseLevel(e.config.Log.Level)
		}
		e.logger = logger.New(logger.Config{
			Level:     level,
			Pretty:    e.config.Log.Pretty,
			Component: "engine",
		})
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	var err error
	e.redactions, err = redact.NewRegistry(e.config.Redactions...)
	if err != nil {
		return nil, fmt.Errorf("invalid redaction rules: %w", err)
	}

	if err := e.initialize(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// initialize opens the store and bus unless they were supplied, then wires the workers.
func (e *Engine) initialize() error {
	if e.store == nil {
		e.ownsStore = true
		s, err := store.Open(e.config.Store.Path, store.Options{
			Timeout: e.config.Store.Timeout,
			NoSync:  e.config.Store.NoSync,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		e.store = s
	}

	if e.bus == nil {
		e.ownsBus = true
		bus, err := openBus(e.config.Queue)
		if err != nil {
			return fmt.Errorf("failed to open trace bus: %w", err)
		}
		e.bus = bus
	}

	e.parser = spec.NewParser()
	e.fetcher = fetch.NewClient(e.config.Fetch)
	e.reconciler = reconcile.NewEngine(e.config.Reconcile.CacheSize, e.redactions)
	e.reconciler.SetClock(e.now)

	in, err := ingest.New(e.config.Ingest, ingest.Deps{
		Bus:        e.bus,
		Store:      e.store,
		Reconciler: e.reconciler,
		Redactions: e.redactions,
		Metrics:    e.metrics,
		Logger:     e.logger,
		Clock:      e.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}
	e.ingestor = in
	return nil
}

func openBus(cfg QueueConfig) (queue.Bus, error) {
	switch cfg.Driver {
	case queue.DriverBolt:
		return queue.NewBoltBus(cfg.BoltPath)
	case queue.DriverRedis:
		return queue.NewRedisBus(context.Background(), cfg.Redis)
	default:
		return queue.NewMemoryBus(cfg.Capacity), nil
	}
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() *Config {
	return e.config.Clone()
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logger.Logger {
	return e.logger
}

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// MetricsHandler serves the engine metrics in the Prometheus exposition format.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// Close releases the bus and the store if the engine opened them.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.fetcher != nil {
			e.fetcher.Close()
		}
		if e.ownsBus && e.bus != nil {
			if err := e.bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bus: %w", err))
			}
		}
		if e.ownsStore && e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// =============================================================================
// Resolution
// =============================================================================

// mergeRecord is one applied merge plan entry.
type mergeRecord struct {
	survivor   *model.Endpoint
	superseded int
	traces     int
}

// applyPlan executes plan entry by entry inside tx so each survivor's share is known.
func (e *Engine) applyPlan(tx *store.Tx, plan *model.MergePlan, stats *MergeStats) ([]mergeRecord, error) {
	records := make([]mergeRecord, 0, plan.Len())
	for _, entry := range plan.Entries() {
		single := model.NewMergePlan()
		single.Set(entry)
		sum, err := merge.Apply(tx, single)
		if err != nil {
			return nil, err
		}
		stats.add(sum)
		records = append(records, mergeRecord{
			survivor:   entry.Survivor,
			superseded: sum.Superseded,
			traces:     sum.TracesRepointed,
		})
	}
	return records, nil
}

// committed records the effects of a committed resolution.
func (e *Engine) committed(results []*resolver.Result, records []mergeRecord, stats *MergeStats) {
	for _, res := range results {
		ep := res.Endpoint()
		e.logger.ResolveEvent(ep.Host, ep.Method, ep.Path, ep.UUID, res.Created != nil)
		if res.Created != nil {
			e.metrics.RecordEndpointCreated()
		}
	}
	for _, rec := range records {
		e.metrics.RecordMerge(rec.superseded)
		if rec.superseded > 0 {
			e.logger.MergeEvent(rec.survivor.UUID, rec.survivor.Path, rec.superseded, rec.traces)
		}
	}
	e.ingestor.Remember(stats.fingerprints)
}

// ResolveAndMerge declares one (path, method, host) in the context of specName ("" for none)
// and applies the resulting merge plan in one transaction.
func (e *Engine) ResolveAndMerge(ctx context.Context, path, method, host, specName string) (*ResolveResult, error) {
	var (
		res     *resolver.Result
		records []mergeRecord
		stats   MergeStats
	)
	cand := resolver.Candidate{Path: path, Method: method, Host: normalizeHost(host)}

	err := e.store.Update(ctx, func(tx *store.Tx) error {
		stats = MergeStats{}
		owners, err := tx.SpecOwners()
		if err != nil {
			return err
		}
		if _, ok := owners[specName]; specName != "" && !ok {
			return drifterrors.NewNotFoundError("resolve_and_merge", specName)
		}

		rc := resolver.New(tx, specName, owners, e.now().UTC())
		res, err = rc.Resolve(cand)
		if err != nil {
			return err
		}
		records, err = e.applyPlan(tx, rc.Plan(), &stats)
		return err
	})
	if err != nil {
		e.logger.WithOperation(cand.Host, cand.Method, cand.Path).ErrorEvent(err, specName, "resolve_and_merge")
		return nil, err
	}

	e.committed([]*resolver.Result{res}, records, &stats)
	return newResolveResult(res), nil
}

// UpdateEndpointPaths declares additional path templates for an existing endpoint, in that
// endpoint's own spec context, and merges whatever they cover.
func (e *Engine) UpdateEndpointPaths(ctx context.Context, endpointID string, paths []string) (*EditResult, error) {
	if len(paths) == 0 {
		return nil, drifterrors.NewInvalidPathError("", "at least one path is required")
	}

	var (
		results []*resolver.Result
		records []mergeRecord
		out     *EditResult
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		out = &EditResult{EndpointID: endpointID}
		owners, err := tx.SpecOwners()
		if err != nil {
			return err
		}
		rc, ep, err := resolver.NewForEndpoint(tx, endpointID, owners, e.now().UTC())
		if err != nil {
			return err
		}

		candidates := lo.Map(paths, func(p string, _ int) resolver.Candidate {
			return resolver.Candidate{Path: p, Method: ep.Method, Host: ep.Host}
		})
		results, err = rc.ResolveBatch(candidates)
		if err != nil {
			return err
		}
		records, err = e.applyPlan(tx, rc.Plan(), &out.Merge)
		return err
	})
	if err != nil {
		e.logger.WithEndpoint(endpointID).ErrorEvent(err, endpointID, "update_endpoint_paths")
		return nil, err
	}

	e.committed(results, records, &out.Merge)
	out.Results = lo.Map(results, func(r *resolver.Result, _ int) *ResolveResult { return newResolveResult(r) })
	return out, nil
}

// =============================================================================
// Diffing and suggestions
// =============================================================================

// DiffTraceAgainstSpec validates trace against the contract declared for the endpoint. It
// persists nothing. A diff that cannot run is logged and yields no alerts.
func (e *Engine) DiffTraceAgainstSpec(ctx context.Context, trace *model.Trace, endpointID string) ([]*model.Alert, error) {
	if trace == nil {
		return nil, drifterrors.NewInvalidPathError("", "trace is required")
	}
	normalized := *trace
	ingest.Normalize(&normalized)
	trace = &normalized

	var (
		ep  *model.Endpoint
		doc *model.SpecDocument
	)
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		ep, err = tx.GetEndpoint(endpointID)
		if err != nil {
			return err
		}
		if ep.SpecName == "" {
			return nil
		}
		doc, err = tx.GetSpec(ep.SpecName)
		if drifterrors.IsNotFound(err) {
			doc, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := e.reconciler.Diff(ctx, trace, ep, doc)
	if res.Skipped {
		return nil, nil
	}
	e.metrics.RecordDiff(time.Since(start), res.Err != nil)
	e.logger.DiffEvent(ep.UUID, trace.UUID, len(res.Alerts), res.Err)
	if res.Err != nil {
		return nil, nil
	}
	return res.Alerts, nil
}

// SuggestPaths proposes path templates for an endpoint from its most recent traces, ranked
// by confidence. It never changes stored identities.
func (e *Engine) SuggestPaths(ctx context.Context, endpointID string) ([]Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return nil, drifterrors.Categorize(err, "suggest_path_templates")
	}

	var paths []string
	err := e.store.View(func(tx *store.Tx) error {
		if _, err := tx.GetEndpoint(endpointID); err != nil {
			return err
		}
		traces, err := tx.RecentTraces(endpointID, e.config.Generalizer.SampleSize)
		if err != nil {
			return err
		}
		paths = lo.Map(traces, func(t *model.Trace, _ int) string { return t.Path })
		return nil
	})
	if err != nil {
		return nil, err
	}

	found := generalize.Suggest(paths, e.config.Generalizer)
	return lo.Map(found, func(s generalize.Suggestion, _ int) Suggestion {
		return Suggestion{Template: s.Template, Confidence: s.Confidence}
	}), nil
}

// SuggestPathTemplates returns the suggested templates in ranked order.
func (e *Engine) SuggestPathTemplates(ctx context.Context, endpointID string) ([]string, error) {
	suggestions, err := e.SuggestPaths(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return lo.Map(suggestions, func(s Suggestion, _ int) string { return s.Template }), nil
}

// BlockFields marks field paths of an endpoint as redacted.
func (e *Engine) BlockFields(endpointID string, fieldPaths ...string) error {
	err := e.store.View(func(tx *store.Tx) error {
		_, err := tx.GetEndpoint(endpointID)
		return err
	})
	if err != nil {
		return err
	}
	e.redactions.Block(endpointID, fieldPaths...)
	return nil
}

// =============================================================================
// Ingestion
// =============================================================================

// LogTrace enqueues a trace for attribution. accepted is false when backpressure dropped it.
func (e *Engine) LogTrace(ctx context.Context, trace *model.Trace) (accepted bool, err error) {
	return e.ingestor.LogTrace(ctx, trace, nil)
}

// LogTraces enqueues traces in order and returns how many were accepted. It stops at the
// first error.
func (e *Engine) LogTraces(ctx context.Context, traces []*model.Trace) (int, error) {
	accepted := 0
	for _, t := range traces {
		ok, err := e.ingestor.LogTrace(ctx, t, nil)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// ProcessTrace attributes and diffs one trace synchronously, bypassing the bus.
func (e *Engine) ProcessTrace(ctx context.Context, trace *model.Trace) (*ingest.Outcome, error) {
	if trace == nil {
		return nil, drifterrors.NewInvalidPathError("", "trace is required")
	}
	return e.ingestor.Process(ctx, trace)
}

// Run runs the ingestion workers until ctx is done or the bus is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Infof("Starting %d ingestion workers", e.config.Ingest.Workers)
	return e.ingestor.Run(ctx)
}

// Drain processes every pending trace and returns how many were handled.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	return e.ingestor.Drain(ctx)
}

// =============================================================================
// Queries
// =============================================================================

// GetEndpoint returns an endpoint with its data fields and hourly aggregates.
func (e *Engine) GetEndpoint(endpointID string) (*EndpointDetail, error) {
	detail := &EndpointDetail{}
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		if detail.Endpoint, err = tx.GetEndpoint(endpointID); err != nil {
			return err
		}
		if detail.DataFields, err = tx.DataFieldsFor(endpointID); err != nil {
			return err
		}
		if detail.Aggregates, err = tx.AggregatesFor(endpointID); err != nil {
			return err
		}
		list, err := tx.AlertsFor(endpointID)
		detail.Alerts = len(list)
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListEndpoints returns the live endpoints of host, or of every host when host is empty.
func (e *Engine) ListEndpoints(host string) ([]*model.Endpoint, error) {
	var out []*model.Endpoint
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.ListEndpoints(normalizeHost(host))
		return err
	})
	return out, err
}

// ListAlerts returns the alerts of an endpoint, or every alert when endpointID is empty.
func (e *Engine) ListAlerts(endpointID string) ([]*model.Alert, error) {
	var out []*model.Alert
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		if endpointID == "" {
			out, err = tx.ListAlerts()
			return err
		}
		if _, err = tx.GetEndpoint(endpointID); err != nil {
			return err
		}
		out, err = tx.AlertsFor(endpointID)
		return err
	})
	return out, err
}

// ListTraces returns up to limit of the most recent traces of an endpoint.
func (e *Engine) ListTraces(endpointID string, limit int) ([]*model.Trace, error) {
	var out []*model.Trace
	err := e.store.View(func(tx *store.Tx) error {
		if _, err := tx.GetEndpoint(endpointID); err != nil {
			return err
		}
		var err error
		out, err = tx.RecentTraces(endpointID, limit)
		return err
	})
	return out, err
}

// Stats returns store, ingestion and metric statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st, err := e.store.Stats()
	if err != nil {
		return nil, err
	}
	in, err := e.ingestor.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Store: st, Ingest: in, Metrics: e.metrics.Snapshot()}, nil
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
