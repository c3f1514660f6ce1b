// Package ingest accepts observed traces onto the bus and runs the workers that attribute
// them to endpoint identities, record what they carry and diff them against their spec.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PentesterFlow/SpecWatch/internal/alerts"
	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/ratelimit"
	"github.com/PentesterFlow/SpecWatch/internal/reconcile"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// DefaultBacklogThreshold is the bus length above which new traces are dropped.
const DefaultBacklogThreshold = 1000

// Config configures ingestion.
type Config struct {
	Workers          int           `yaml:"workers" json:"workers"`
	BacklogThreshold int           `yaml:"backlog_threshold" json:"backlog_threshold"`
	PopWait          time.Duration `yaml:"pop_wait" json:"pop_wait"`
	HostRate         float64       `yaml:"host_rate" json:"host_rate"`
	HostBurst        int           `yaml:"host_burst" json:"host_burst"`
	MinHostRate      float64       `yaml:"min_host_rate" json:"min_host_rate"`
}

// DefaultConfig returns the default ingestion configuration. A zero HostRate leaves
// processing unthrottled.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		BacklogThreshold: DefaultBacklogThreshold,
		PopWait:          time.Second,
		HostBurst:        50,
	}
}

// Deps are the collaborators an Ingestor works with.
type Deps struct {
	Bus        queue.Bus
	Store      *store.Store
	Reconciler *reconcile.Engine
	Redactions *redact.Registry
	Metrics    *metrics.Collector
	Logger     *logger.Logger
	Clock      func() time.Time
}

// Outcome describes what processing one trace did.
type Outcome struct {
	EndpointID string
	Created    bool
	Raised     []*model.Alert
	Folded     int
	DiffErr    error
}

// Ingestor accepts traces and processes them.
type Ingestor struct {
	cfg        Config
	bus        queue.Bus
	store      *store.Store
	reconciler *reconcile.Engine
	redactions *redact.Registry
	dedup      *alerts.Deduplicator
	limiter    *ratelimit.AdaptiveRateLimiter
	retrier    *drifterrors.Retrier
	metrics    *metrics.Collector
	log        *logger.Logger
	now        func() time.Time
}

// New creates an Ingestor and seeds its fingerprint deduplicator from the store.
func New(cfg Config, deps Deps) (*Ingestor, error) {
	if deps.Bus == nil || deps.Store == nil {
		return nil, errors.New("ingest: bus and store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = DefaultBacklogThreshold
	}
	if cfg.MinHostRate <= 0 || cfg.MinHostRate > cfg.HostRate {
		cfg.MinHostRate = cfg.HostRate / 10
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.NewEngine(reconcile.DefaultCacheSize, deps.Redactions)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	in := &Ingestor{
		cfg:        cfg,
		bus:        deps.Bus,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		redactions: deps.Redactions,
		limiter:    ratelimit.NewAdaptiveRateLimiter(cfg.MinHostRate, cfg.HostRate, cfg.HostBurst),
		retrier:    drifterrors.NewDefaultRetrier(),
		metrics:    deps.Metrics,
		log:        deps.Logger.WithComponent("ingest"),
		now:        deps.Clock,
	}

	var existing []*model.Alert
	if err := in.store.View(func(tx *store.Tx) error {
		var err error
		existing, err = tx.ListAlerts()
		return err
	}); err != nil {
		return nil, err
	}
	in.dedup = alerts.NewDeduplicator(len(existing) + 10000)
	in.dedup.AddBatch(alerts.Fingerprints(existing))

	return in, nil
}

// Remember records fingerprints written outside the ingestor, e.g. by a merge.
func (in *Ingestor) Remember(fingerprints []string) {
	in.dedup.AddBatch(fingerprints)
}

// LogTrace enqueues a trace unless the bus backlog exceeds the threshold, in which case
// the trace is dropped and accepted is false. A drop is not an error.
func (in *Ingestor) LogTrace(ctx context.Context, trace *model.Trace, meta map[string]string) (accepted bool, err error) {
	if trace == nil {
		return false, drifterrors.NewInvalidPathError("", "trace is required")
	}
	in.normalize(trace)

	backlog, err := in.bus.Len(ctx)
	if err != nil {
		return false, drifterrors.NewUnavailableError("log_trace", trace.Host, err)
	}
	in.metrics.SetBacklog(int64(backlog))
	if backlog > in.cfg.BacklogThreshold {
		in.metrics.RecordTraceDropped()
		in.log.DropEvent(trace.Host, trace.Path, backlog)
		return false, nil
	}

	item := &queue.Item{Context: meta, Trace: trace}
	res := in.retrier.Do(ctx, "log_trace", trace.Host, func(ctx context.Context) error {
		if err := in.bus.Push(ctx, item); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return drifterrors.NewInternalError("log_trace", trace.Host, err)
			}
			return drifterrors.NewUnavailableError("log_trace", trace.Host, err)
		}
		return nil
	})
	if err := res.Err(); err != nil {
		return false, err
	}

	in.metrics.RecordTraceAccepted()
	return true, nil
}

func (in *Ingestor) normalize(trace *model.Trace) {
	if trace.UUID == "" {
		trace.UUID = model.NewID()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = in.now().UTC()
	}
	Normalize(trace)
	trace.EndpointID = ""
}

// Normalize canonicalizes the method, host and path of trace in place: upper-case method,
// lower-case host and no query string.
func Normalize(trace *model.Trace) {
	trace.Method = model.NormalizeMethod(trace.Method)
	trace.Host = strings.ToLower(strings.TrimSpace(trace.Host))
	if i := strings.IndexByte(trace.Path, '?'); i >= 0 {
		trace.Path = trace.Path[:i]
	}
}

// Run starts the configured number of workers and blocks until ctx is done or the bus is
// closed.
func (in *Ingestor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	in.metrics.SetActiveWorkers(int64(in.cfg.Workers))
	defer in.metrics.SetActiveWorkers(0)

	for i := 0; i < in.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			in.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (in *Ingestor) worker(ctx context.Context, id int) {
	log := in.log.WithWorker(id)
	log.Debug("Worker started")
	defer log.Debug("Worker stopped")

	for {
		item, err := in.bus.Pop(ctx, in.cfg.PopWait)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueEmpty):
			continue
		case errors.Is(err, queue.ErrQueueClosed), ctx.Err() != nil:
			return
		default:
			log.WithError(err).Warn("Failed to pop trace")
			select {
			case <-ctx.Done():
				return
			case <-time.After(in.cfg.PopWait):
			}
			continue
		}

		if _, err := in.handle(ctx, item); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// Drain processes pending traces until the bus is empty and returns how many were handled.
func (in *Ingestor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		item, err := in.bus.Pop(ctx, 0)
		if errors.Is(err, queue.ErrQueueEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := in.handle(ctx, item); err != nil && ctx.Err() != nil {
			return n, ctx.Err()
		}
		n++
	}
}

// handle rate limits, processes and records one item. Processing errors are logged and
// counted; only cancellation is returned.
func (in *Ingestor) handle(ctx context.Context, item *queue.Item) (*Outcome, error) {
	if item == nil || item.Trace == nil {
		in.metrics.RecordTraceFailed()
		return nil, nil
	}
	if err := in.limiter.WaitHost(ctx, item.Trace.Host); err != nil {
		return nil, err
	}

	out, err := in.Process(ctx, item.Trace)
	if err != nil {
		in.metrics.RecordTraceFailed()
		if drifterrors.IsRetryable(err) || drifterrors.GetErrorType(err) == drifterrors.Internal {
			in.limiter.RecordError()
		}
		in.log.WithTrace(item.Trace.UUID).ErrorEvent(err, item.Trace.Host+item.Trace.Path, "process_trace")
		return nil, err
	}
	in.limiter.RecordSuccess()
	in.metrics.RecordTraceProcessed()
	return out, nil
}

// Process attributes one trace, records its activity and data fields, diffs it against the
// endpoint's spec and persists the resulting alerts.
func (in *Ingestor) Process(ctx context.Context, trace *model.Trace) (*Outcome, error) {
	in.normalize(trace)

	var (
		ep  *model.Endpoint
		doc *model.SpecDocument
		out = &Outcome{}
	)

	err := in.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		var created bool
		ep, created, err = attribute(tx, trace, in.now())
		if err != nil {
			return err
		}
		out.EndpointID = ep.UUID
		out.Created = created

		var found []*model.Alert
		if created {
			found = append(found, alerts.NewEndpoint(ep, trace.UUID, in.now()))
		}
		sensitive, err := in.record(tx, ep, trace)
		if err != nil {
			return err
		}
		found = append(found, sensitive...)

		trace.EndpointID = ep.UUID
		if err := tx.PutTrace(trace); err != nil {
			return err
		}
		if err := tx.PutEndpoint(ep); err != nil {
			return err
		}

		raised, folded, err := in.persistAlerts(tx, found)
		if err != nil {
			return err
		}
		out.Raised = append(out.Raised, raised...)
		out.Folded += folded

		if ep.SpecName != "" {
			doc, err = tx.GetSpec(ep.SpecName)
			if drifterrors.IsNotFound(err) {
				doc, err = nil, nil
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Created {
		in.metrics.RecordEndpointCreated()
	}

	if doc != nil && !doc.IsAutoGenerated {
		in.diff(ctx, trace, ep, doc, out)
	}

	for _, a := range out.Raised {
		in.metrics.RecordAlert(string(a.Category))
	}
	for i := 0; i < out.Folded; i++ {
		in.metrics.RecordAlertDeduplicated()
	}
	return out, nil
}

func (in *Ingestor) diff(ctx context.Context, trace *model.Trace, ep *model.Endpoint, doc *model.SpecDocument, out *Outcome) {
	start := time.Now()
	res := in.reconciler.Diff(ctx, trace, ep, doc)
	in.metrics.RecordDiff(time.Since(start), res.Err != nil)
	in.log.DiffEvent(ep.UUID, trace.UUID, len(res.Alerts), res.Err)
	if res.Err != nil {
		out.DiffErr = res.Err
		return
	}
	if len(res.Alerts) == 0 {
		return
	}

	err := in.store.Update(ctx, func(tx *store.Tx) error {
		// A merge may have superseded the endpoint since attribution.
		if _, err := tx.GetEndpoint(ep.UUID); err != nil {
			if drifterrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		raised, folded, err := in.persistAlerts(tx, res.Alerts)
		if err != nil {
			return err
		}
		out.Raised = append(out.Raised, raised...)
		out.Folded += folded
		return nil
	})
	if err != nil {
		out.DiffErr = err
		in.log.DiffEvent(ep.UUID, trace.UUID, 0, err)
	}
}

// record updates the hourly aggregate and data fields for trace and returns alerts for
// newly seen sensitive fields. It raises the endpoint's risk score but never lowers it.
func (in *Ingestor) record(tx *store.Tx, ep *model.Endpoint, trace *model.Trace) ([]*model.Alert, error) {
	now := in.now()
	ep.Touch(trace.CreatedAt)
	ep.RiskScore = model.MaxRisk(ep.RiskScore, model.RiskLow)
	ep.UpdatedAt = now

	hour := store.HourBucket(trace.CreatedAt)
	agg, err := tx.GetAggregate(ep.UUID, hour)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		agg = &model.Aggregate{EndpointID: ep.UUID, Hour: hour}
	}
	agg.Add(&model.Aggregate{Count: 1, StatusCounts: map[int]int64{trace.Response.Status: 1}})
	if err := tx.PutAggregate(agg); err != nil {
		return nil, err
	}

	var found []*model.Alert
	for _, obs := range observe(trace) {
		field, err := tx.GetDataField(ep.UUID, obs.section, obs.path)
		if err != nil {
			return nil, err
		}
		fresh := field == nil
		if fresh {
			field = &model.DataField{
				EndpointID:  ep.UUID,
				FieldPath:   obs.path,
				Section:     obs.section,
				IsSensitive: IsSensitive(obs.path),
				CreatedAt:   now,
			}
		}
		field.DataType = obs.dataType
		field.Count++
		field.UpdatedAt = now
		if err := tx.PutDataField(field); err != nil {
			return nil, err
		}

		if fresh && field.IsSensitive && !in.redactions.IsRedacted(ep, field.FieldPath) {
			ep.RiskScore = model.MaxRisk(ep.RiskScore, model.RiskHigh)
			found = append(found, alerts.SensitiveData(ep, field, trace.UUID, now))
		}
	}
	return found, nil
}

// persistAlerts writes alerts, folding any whose fingerprint is already stored into the
// stored alert.
func (in *Ingestor) persistAlerts(tx *store.Tx, list []*model.Alert) ([]*model.Alert, int, error) {
	var raised []*model.Alert
	folded := 0
	for _, a := range alerts.Dedupe(list) {
		if in.dedup.HasSeen(a.Fingerprint) {
			existing, err := tx.AlertByFingerprint(a.Fingerprint)
			if err != nil {
				return nil, 0, err
			}
			if existing != nil {
				existing.Occurrences += max(a.Occurrences, 1)
				existing.RiskScore = model.MaxRisk(existing.RiskScore, a.RiskScore)
				existing.TraceID = a.TraceID
				existing.UpdatedAt = a.UpdatedAt
				if err := tx.PutAlert(existing); err != nil {
					return nil, 0, err
				}
				folded++
				continue
			}
		}
		if err := tx.PutAlert(a); err != nil {
			return nil, 0, err
		}
		in.dedup.Add(a.Fingerprint)
		raised = append(raised, a)
	}
	return raised, folded, nil
}

// Stats returns ingestion statistics.
func (in *Ingestor) Stats(ctx context.Context) (Stats, error) {
	backlog, err := in.bus.Len(ctx)
	if err != nil {
		return Stats{}, drifterrors.NewUnavailableError("ingest_stats", "bus", err)
	}
	return Stats{
		Backlog:           backlog,
		BacklogThreshold:  in.cfg.BacklogThreshold,
		Workers:           in.cfg.Workers,
		KnownFingerprints: in.dedup.Count(),
		CurrentRate:       in.limiter.CurrentRate(),
	}, nil
}

// Stats contains ingestion statistics.
type Stats struct {
	Backlog           int     `json:"backlog"`
	BacklogThreshold  int     `json:"backlog_threshold"`
	Workers           int     `json:"workers"`
	KnownFingerprints int     `json:"known_fingerprints"`
	CurrentRate       float64 `json:"current_rate"`
}

func (s Stats) String() string {
	return fmt.Sprintf("backlog=%d/%d workers=%d fingerprints=%d", s.Backlog, s.BacklogThreshold, s.Workers, s.KnownFingerprints)
}
