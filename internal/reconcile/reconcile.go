// Package reconcile diffs observed traces against the operation their endpoint declares.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PentesterFlow/SpecWatch/internal/alerts"
	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
	"github.com/PentesterFlow/SpecWatch/internal/spec"
)

// DefaultCacheSize is the number of loaded spec documents kept in memory.
const DefaultCacheSize = 64

// Result is the outcome of diffing one trace. Err is set when the diff could not run;
// callers log it and treat the trace as producing no alerts.
type Result struct {
	Alerts  []*model.Alert
	Skipped bool
	Err     error
}

// Fingerprints returns the alert fingerprints in order.
func (r Result) Fingerprints() []string {
	return alerts.Fingerprints(r.Alerts)
}

// Engine validates traces against declared contracts.
type Engine struct {
	cache      *lru.Cache[string, *openapi3.T]
	redactions *redact.Registry
	now        func() time.Time
}

// NewEngine creates a reconciliation engine. A nil registry redacts nothing.
func NewEngine(cacheSize int, redactions *redact.Registry) *Engine {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, *openapi3.T](cacheSize)

	return &Engine{
		cache:      cache,
		redactions: redactions,
		now:        time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Diff validates trace against the operation doc declares for ep. It never panics; any
// failure is returned in Result.Err with no alerts.
func (e *Engine) Diff(ctx context.Context, trace *model.Trace, ep *model.Endpoint, doc *model.SpecDocument) (res Result) {
	if doc == nil || doc.IsAutoGenerated || ep.SpecName == "" {
		return Result{Skipped: true}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: drifterrors.NewInternalError("diff_trace", ep.UUID, fmt.Errorf("panic: %v", r))}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{Err: drifterrors.NewCancelledError("diff_trace", ep.UUID)}
	}

	api, err := e.load(doc)
	if err != nil {
		return Result{Err: drifterrors.NewInternalError("diff_trace", doc.Name, err)}
	}

	now := e.now()
	match, ok := spec.FindOperation(api, ep.Method, ep.Path)
	if !ok {
		m := &model.Mismatch{
			Kind:    model.MismatchUndeclaredOp,
			Message: fmt.Sprintf("%s %s is not declared by %s", ep.Method, ep.Path, doc.Name),
		}
		a := alerts.SpecDiff(ep, model.AlertUndeclaredOp, trace.UUID, m, now)
		a.Description = m.Message
		return Result{Alerts: []*model.Alert{a}}
	}

	req, err := newRequest(trace, ep, match)
	if err != nil {
		return Result{Err: drifterrors.NewInternalError("diff_trace", ep.UUID, err)}
	}

	var found []*model.Alert
	add := func(category model.AlertCategory, mismatches []*model.Mismatch) {
		for _, m := range mismatches {
			if e.redactions.IsRedacted(ep, m.FieldPath) {
				continue
			}
			found = append(found, alerts.SpecDiff(ep, category, trace.UUID, m, now))
		}
	}

	add(model.AlertSpecDiffRequest, validateRequest(req, match))
	add(model.AlertSpecDiffResponse, validateResponse(trace, match))

	return Result{Alerts: alerts.Dedupe(found)}
}

// Forget drops any cached copy of the named document.
func (e *Engine) Forget(name string) {
	for _, key := range e.cache.Keys() {
		if len(key) > len(name) && key[:len(name)] == name && key[len(name)] == '@' {
			e.cache.Remove(key)
		}
	}
}

func (e *Engine) load(doc *model.SpecDocument) (*openapi3.T, error) {
	key := doc.Name + "@" + strconv.FormatInt(doc.UpdatedAt.UnixNano(), 10)
	if api, ok := e.cache.Get(key); ok {
		return api, nil
	}

	api, err := spec.Load(doc.Document)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, api)
	return api, nil
}
