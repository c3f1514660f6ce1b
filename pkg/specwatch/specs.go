package specwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/samber/lo"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
	"github.com/PentesterFlow/SpecWatch/internal/resolver"
	"github.com/PentesterFlow/SpecWatch/internal/spec"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// AutoSpecPrefix prefixes the names of generated spec documents.
const AutoSpecPrefix = "auto-"

// UploadSpec parses, validates and stores a spec document, resolving every operation it
// declares in one batch and applying the merge plan in the same transaction. Endpoints the
// document no longer declares are detached. Any failure leaves the store unchanged.
func (e *Engine) UploadSpec(ctx context.Context, name string, raw []byte) (*UploadResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, drifterrors.NewUnprocessableError(name, "spec name is required", nil)
	}

	parsed, err := e.parser.Parse(ctx, name, raw)
	if err != nil {
		e.logger.WithSpec(name).ErrorEvent(err, name, "upload_spec")
		return nil, err
	}
	ops, err := spec.Operations(parsed.Doc)
	if err != nil {
		return nil, drifterrors.NewUnprocessableError(name, "failed to list operations", err)
	}
	candidates := lo.Map(ops, func(op spec.Operation, _ int) resolver.Candidate {
		return resolver.Candidate{Path: op.Path, Method: op.Method, Host: op.Host}
	})

	var (
		out     *UploadResult
		results []*resolver.Result
		records []mergeRecord
	)
	now := e.now().UTC()

	err = e.store.Update(ctx, func(tx *store.Tx) error {
		out = &UploadResult{Operations: len(ops)}
		owners, err := tx.SpecOwners()
		if err != nil {
			return err
		}
		existing, err := tx.GetSpec(name)
		if err != nil && !drifterrors.IsNotFound(err) {
			return err
		}
		owners[name] = false

		rc := resolver.New(tx, name, owners, now)
		results, err = rc.ResolveBatch(candidates)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Created != nil {
				out.Created = append(out.Created, res.Created)
			} else {
				out.Updated = append(out.Updated, res.Updated)
			}
		}

		records, err = e.applyPlan(tx, rc.Plan(), &out.Merge)
		if err != nil {
			return err
		}

		out.Detached, err = detach(tx, name, rc.Declared(), now)
		if err != nil {
			return err
		}

		doc := &model.SpecDocument{
			Name:      name,
			Raw:       string(raw),
			Extension: string(parsed.Format),
			Document:  parsed.Normalized,
			Hosts:     parsed.Hosts,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing != nil {
			doc.CreatedAt = existing.CreatedAt
		}
		out.Spec = doc
		return tx.PutSpec(doc)
	})
	if err != nil {
		e.logger.WithSpec(name).ErrorEvent(err, name, "upload_spec")
		return nil, err
	}

	e.reconciler.Forget(name)
	e.committed(results, records, &out.Merge)
	e.metrics.RecordSpecUploaded()
	e.logger.WithSpec(name).Event(logger.InfoLevel).
		Int("operations", out.Operations).
		Int("created", len(out.Created)).
		Int("updated", len(out.Updated)).
		Int("superseded", out.Merge.Superseded).
		Int("detached", len(out.Detached)).
		Msg("Spec uploaded")
	return out, nil
}

// UploadSpecFromURL downloads a spec document and uploads it as name. Transient download
// failures are retried.
func (e *Engine) UploadSpecFromURL(ctx context.Context, name, specURL string) (*UploadResult, error) {
	doc, err := e.fetcher.GetWithRetry(ctx, specURL)
	if err != nil {
		e.logger.WithSpec(name).ErrorEvent(err, specURL, "fetch_spec")
		return nil, err
	}
	e.logger.WithSpec(name).Event(logger.DebugLevel).
		Str("url", doc.FinalURL).
		Int("bytes", len(doc.Body)).
		Dur("duration", doc.Duration).
		Msg("Spec downloaded")
	return e.UploadSpec(ctx, name, doc.Body)
}

// detach clears the spec link of every endpoint linked to name that keep does not contain.
func detach(tx *store.Tx, name string, keep map[string]struct{}, now time.Time) ([]string, error) {
	linked, err := tx.EndpointsForSpec(name)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ep := range linked {
		if _, ok := keep[ep.UUID]; ok {
			continue
		}
		ep.SpecName = ""
		ep.UpdatedAt = now
		if err := tx.PutEndpoint(ep); err != nil {
			return nil, err
		}
		ids = append(ids, ep.UUID)
	}
	return ids, nil
}

// DeleteSpec removes a user spec document and detaches its endpoints, which are kept.
// Generated documents cannot be deleted.
func (e *Engine) DeleteSpec(ctx context.Context, name string) ([]string, error) {
	var detached []string
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		doc, err := tx.GetSpec(name)
		if err != nil {
			return err
		}
		if doc.IsAutoGenerated {
			return drifterrors.NewConflictError("delete_spec", name, "generated spec documents cannot be deleted")
		}
		detached, err = detach(tx, name, nil, e.now().UTC())
		if err != nil {
			return err
		}
		return tx.DeleteSpec(name)
	})
	if err != nil {
		return nil, err
	}

	e.reconciler.Forget(name)
	e.logger.WithSpec(name).Infof("Spec deleted, %d endpoints detached", len(detached))
	return detached, nil
}

// GetSpec returns a spec document by name.
func (e *Engine) GetSpec(name string) (*model.SpecDocument, error) {
	var doc *model.SpecDocument
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		doc, err = tx.GetSpec(name)
		return err
	})
	return doc, err
}

// ListSpecs returns every spec document ordered by name.
func (e *Engine) ListSpecs() ([]*model.SpecDocument, error) {
	var out []*model.SpecDocument
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.ListSpecs()
		return err
	})
	return out, err
}

// GenerateSpec synthesizes an OpenAPI document for host from its observed endpoints and
// links every endpoint without a user spec to it. The document is marked auto-generated:
// it is never diffed against and a user upload silently takes its endpoints over.
func (e *Engine) GenerateSpec(ctx context.Context, host string) (*model.SpecDocument, error) {
	host = normalizeHost(host)
	name := AutoSpecPrefix + host
	now := e.now().UTC()

	var doc *model.SpecDocument
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetSpec(name)
		switch {
		case err == nil && !existing.IsAutoGenerated:
			return drifterrors.NewConflictError("generate_spec", name, "a user spec document already uses this name")
		case err != nil && !drifterrors.IsNotFound(err):
			return err
		}

		owners, err := tx.SpecOwners()
		if err != nil {
			return err
		}
		all, err := tx.ListEndpoints(host)
		if err != nil {
			return err
		}
		eps := lo.Filter(all, func(ep *model.Endpoint, _ int) bool {
			return ep.SpecName == "" || owners[ep.SpecName]
		})
		if len(eps) == 0 {
			return drifterrors.NewNotFoundError("generate_spec", host)
		}

		api, err := synthesize(tx, host, eps)
		if err != nil {
			return drifterrors.NewInternalError("generate_spec", host, err)
		}
		if err := api.Validate(ctx); err != nil {
			return drifterrors.NewInternalError("generate_spec", host, err)
		}
		data, err := json.Marshal(api)
		if err != nil {
			return drifterrors.NewInternalError("generate_spec", host, err)
		}

		doc = &model.SpecDocument{
			Name:            name,
			Raw:             string(data),
			Extension:       string(spec.FormatJSON),
			Document:        data,
			IsAutoGenerated: true,
			Hosts:           []string{host},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if existing != nil {
			doc.CreatedAt = existing.CreatedAt
		}
		if err := tx.PutSpec(doc); err != nil {
			return err
		}

		for _, ep := range eps {
			if ep.SpecName == name {
				continue
			}
			ep.SpecName = name
			ep.UpdatedAt = now
			if err := tx.PutEndpoint(ep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.reconciler.Forget(name)
	return doc, nil
}

// synthesize builds an OpenAPI document with one operation per endpoint and one response
// per observed status code.
func synthesize(tx *store.Tx, host string, eps []*model.Endpoint) (*openapi3.T, error) {
	api := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   fmt.Sprintf("Observed API of %s", host),
			Version: "observed",
		},
		Servers: openapi3.Servers{{URL: "https://" + host}},
		Paths:   openapi3.NewPaths(),
	}

	for _, ep := range eps {
		p, err := pathmatch.Compile(ep.Path)
		if err != nil {
			return nil, err
		}

		op := openapi3.NewOperation()
		op.Summary = fmt.Sprintf("%s %s", ep.Method, ep.Path)
		for _, tok := range p.Tokens {
			if pathmatch.IsParameterToken(tok) {
				op.AddParameter(openapi3.NewPathParameter(pathmatch.ParameterName(tok)).
					WithSchema(openapi3.NewStringSchema()))
			}
		}

		statuses, err := observedStatuses(tx, ep.UUID)
		if err != nil {
			return nil, err
		}
		for _, status := range statuses {
			op.AddResponse(status, openapi3.NewResponse().WithDescription("Observed response"))
		}

		item := api.Paths.Value(ep.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			api.Paths.Set(ep.Path, item)
		}
		item.SetOperation(ep.Method, op)
	}
	return api, nil
}

func observedStatuses(tx *store.Tx, endpointID string) ([]int, error) {
	aggs, err := tx.AggregatesFor(endpointID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{})
	for _, a := range aggs {
		for status := range a.StatusCounts {
			if status >= 100 && status <= 599 {
				seen[status] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return []int{200}, nil
	}
	out := lo.Keys(seen)
	sort.Ints(out)
	return out, nil
}
