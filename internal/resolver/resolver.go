// Package resolver decides whether a declared path is a new endpoint identity, an existing
// one, or a conflict, and builds the merge plan that keeps live identities of a
// (host, method) pairwise non-overlapping.
//
// A Context is scoped to one batch (one spec upload or one path edit). Later candidates in
// the batch see the supersessions made by earlier ones. Candidates resolved through
// ResolveBatch are ordered by parameter count then path, so an identity claimed earlier in
// the batch always has no more parameter segments than a later competitor. Identities that
// existed before the batch and are not declared by it always yield to declared ones.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
)

// Source loads the live identities the resolver works against.
type Source interface {
	EndpointsFor(host, method string) ([]*model.Endpoint, error)
	GetEndpoint(id string) (*model.Endpoint, error)
}

// Candidate is one declared (path, method, host).
type Candidate struct {
	Path   string
	Method string
	Host   string
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s%s", model.NormalizeMethod(c.Method), c.Host, c.Path)
}

// Result is the outcome of resolving one candidate. Exactly one of Created or Updated is set.
type Result struct {
	Candidate  Candidate
	Created    *model.Endpoint
	Updated    *model.Endpoint
	Supersedes []*model.Endpoint
}

// Endpoint returns whichever identity now represents the candidate.
func (r *Result) Endpoint() *model.Endpoint {
	if r.Created != nil {
		return r.Created
	}
	return r.Updated
}

type entry struct {
	endpoint *model.Endpoint
	pattern  *pathmatch.Pattern
	created  bool
	claimed  bool
	// supersedes holds the pre-existing identities this entry replaces.
	supersedes []*model.Endpoint
}

type groupKey struct {
	host   string
	method string
}

type group struct {
	live       []*entry
	claimed    []*entry
	superseded map[string]*entry // superseded uuid -> surviving entry
	retired    []*entry
}

// Context is a batch-scoped resolution context.
type Context struct {
	src    Source
	spec   string
	owners map[string]bool
	now    time.Time
	groups map[groupKey]*group
}

// New creates a resolution context. spec is the declaring spec document name, or "" when
// there is none. owners maps every known spec name to whether it is auto-generated.
func New(src Source, spec string, owners map[string]bool, now time.Time) *Context {
	if owners == nil {
		owners = map[string]bool{}
	}
	return &Context{
		src:    src,
		spec:   spec,
		owners: owners,
		now:    now,
		groups: make(map[groupKey]*group),
	}
}

// NewForEndpoint creates a context that declares additional paths on behalf of an existing
// endpoint, in that endpoint's own spec context.
func NewForEndpoint(src Source, endpointID string, owners map[string]bool, now time.Time) (*Context, *model.Endpoint, error) {
	ep, err := src.GetEndpoint(endpointID)
	if err != nil {
		if drifterrors.IsNotFound(err) {
			return nil, nil, drifterrors.NewNotFoundError("update_endpoint_paths", endpointID)
		}
		return nil, nil, err
	}
	return New(src, ep.SpecName, owners, now), ep, nil
}

// ResolveBatch resolves candidates in deterministic order and returns one result per
// candidate in that order.
func (c *Context) ResolveBatch(candidates []Candidate) ([]*Result, error) {
	ordered, err := orderCandidates(candidates)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(ordered))
	for _, cand := range ordered {
		res, err := c.Resolve(cand)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Resolve resolves a single candidate against the batch state.
func (c *Context) Resolve(cand Candidate) (*Result, error) {
	cand.Method = model.NormalizeMethod(cand.Method)
	pattern, err := pathmatch.Compile(cand.Path)
	if err != nil {
		return nil, err
	}
	cand.Path = pattern.Path

	g, err := c.group(cand.Host, cand.Method)
	if err != nil {
		return nil, err
	}

	if exact := g.findLive(pattern.Path); exact != nil {
		return c.resolveExact(g, cand, exact)
	}
	if retired := g.findRetired(pattern.Path); retired != nil {
		if err := c.checkOwner(cand, retired.endpoint); err != nil {
			return nil, err
		}
		return &Result{Candidate: cand, Updated: g.superseded[retired.endpoint.UUID].endpoint}, nil
	}

	if winner := g.claimedOverlap(pattern, nil); winner != nil {
		return &Result{Candidate: cand, Updated: winner.endpoint}, nil
	}

	losers := g.liveOverlaps(pattern, nil)
	if err := c.checkOwners(cand, losers); err != nil {
		return nil, err
	}

	ep := model.NewEndpoint(cand.Host, cand.Method, pattern, c.now)
	ep.SpecName = c.spec
	e := &entry{endpoint: ep, pattern: pattern, created: true}
	g.live = append(g.live, e)
	g.claim(e)

	superseded := g.supersede(e, losers)
	return &Result{Candidate: cand, Created: ep, Supersedes: superseded}, nil
}

func (c *Context) resolveExact(g *group, cand Candidate, exact *entry) (*Result, error) {
	if err := c.checkOwner(cand, exact.endpoint); err != nil {
		return nil, err
	}
	if exact.claimed {
		return &Result{Candidate: cand, Updated: exact.endpoint}, nil
	}

	if winner := g.claimedOverlap(exact.pattern, exact); winner != nil {
		g.supersede(winner, []*entry{exact})
		return &Result{Candidate: cand, Updated: winner.endpoint}, nil
	}

	losers := g.liveOverlaps(exact.pattern, exact)
	if err := c.checkOwners(cand, losers); err != nil {
		return nil, err
	}

	if c.spec != "" {
		exact.endpoint.SpecName = c.spec
	}
	exact.endpoint.UpdatedAt = c.now
	g.claim(exact)

	superseded := g.supersede(exact, losers)
	return &Result{Candidate: cand, Updated: exact.endpoint, Supersedes: superseded}, nil
}

// Plan returns the merge plan: one entry per identity claimed in this batch.
func (c *Context) Plan() *model.MergePlan {
	plan := model.NewMergePlan()
	for _, g := range c.groups {
		for _, e := range g.claimed {
			plan.Set(&model.MergeEntry{
				Survivor:   e.endpoint,
				Supersedes: append([]*model.Endpoint(nil), e.supersedes...),
			})
		}
	}
	return plan
}

// Live returns the identities live for (host, method) after the batch so far.
func (c *Context) Live(host, method string) ([]*model.Endpoint, error) {
	g, err := c.group(host, model.NormalizeMethod(method))
	if err != nil {
		return nil, err
	}
	return lo.Map(g.live, func(e *entry, _ int) *model.Endpoint { return e.endpoint }), nil
}

// Declared returns the uuids of every identity claimed in this batch.
func (c *Context) Declared() map[string]struct{} {
	out := make(map[string]struct{})
	for _, g := range c.groups {
		for _, e := range g.claimed {
			out[e.endpoint.UUID] = struct{}{}
		}
	}
	return out
}

// checkOwner rejects a candidate that would take an identity from another user spec.
func (c *Context) checkOwner(cand Candidate, ep *model.Endpoint) error {
	if ep.SpecName == "" || ep.SpecName == c.spec {
		return nil
	}
	auto, known := c.owners[ep.SpecName]
	if !known || auto {
		return nil
	}
	return drifterrors.NewConflictError("resolve", cand.String(),
		fmt.Sprintf("%s %s is declared by spec %q", ep.Method, ep.Path, ep.SpecName))
}

func (c *Context) checkOwners(cand Candidate, entries []*entry) error {
	for _, e := range entries {
		if err := c.checkOwner(cand, e.endpoint); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) group(host, method string) (*group, error) {
	key := groupKey{host: host, method: method}
	if g, ok := c.groups[key]; ok {
		return g, nil
	}

	existing, err := c.src.EndpointsFor(host, method)
	if err != nil {
		return nil, drifterrors.Categorize(err, "resolve")
	}

	g := &group{superseded: make(map[string]*entry)}
	for _, ep := range existing {
		p, err := ep.Pattern()
		if err != nil {
			return nil, drifterrors.NewInternalError("resolve", ep.UUID, err)
		}
		g.live = append(g.live, &entry{endpoint: ep.Clone(), pattern: p})
	}
	c.groups[key] = g
	return g, nil
}

func (g *group) findLive(path string) *entry {
	e, _ := lo.Find(g.live, func(e *entry) bool { return e.endpoint.Path == path })
	return e
}

func (g *group) findRetired(path string) *entry {
	e, _ := lo.Find(g.retired, func(e *entry) bool { return e.endpoint.Path == path })
	return e
}

// claimedOverlap returns the earliest claimed identity overlapping p, other than self.
func (g *group) claimedOverlap(p *pathmatch.Pattern, self *entry) *entry {
	e, _ := lo.Find(g.claimed, func(e *entry) bool {
		return e != self && pathmatch.Overlaps(e.pattern, p)
	})
	return e
}

// liveOverlaps returns the live identities overlapping p, other than self.
func (g *group) liveOverlaps(p *pathmatch.Pattern, self *entry) []*entry {
	return lo.Filter(g.live, func(e *entry, _ int) bool {
		return e != self && pathmatch.Overlaps(e.pattern, p)
	})
}

func (g *group) claim(e *entry) {
	e.claimed = true
	g.claimed = append(g.claimed, e)
}

// supersede retires losers in favour of survivor and returns the newly superseded identities.
func (g *group) supersede(survivor *entry, losers []*entry) []*model.Endpoint {
	var out []*model.Endpoint
	for _, l := range losers {
		survivor.endpoint.Absorb(l.endpoint)
		g.superseded[l.endpoint.UUID] = survivor
		g.retired = append(g.retired, l)
		g.live = lo.Without(g.live, l)
		if !l.created {
			survivor.supersedes = append(survivor.supersedes, l.endpoint)
			out = append(out, l.endpoint)
		}
	}
	return out
}

func orderCandidates(candidates []Candidate) ([]Candidate, error) {
	type keyed struct {
		cand   Candidate
		params int
	}
	ks := make([]keyed, 0, len(candidates))
	for _, cand := range candidates {
		p, err := pathmatch.Compile(cand.Path)
		if err != nil {
			return nil, err
		}
		cand.Path = p.Path
		cand.Method = model.NormalizeMethod(cand.Method)
		ks = append(ks, keyed{cand: cand, params: p.NumParams})
	}
	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.params != b.params {
			return a.params < b.params
		}
		if a.cand.Path != b.cand.Path {
			return a.cand.Path < b.cand.Path
		}
		if a.cand.Host != b.cand.Host {
			return a.cand.Host < b.cand.Host
		}
		return a.cand.Method < b.cand.Method
	})
	return lo.Map(ks, func(k keyed, _ int) Candidate { return k.cand }), nil
}
