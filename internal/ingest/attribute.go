package ingest

import (
	"time"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// attribute returns the live endpoint whose template matches the trace, creating an
// auto-discovered endpoint with the literal path when none does. Live templates of one
// (host, method) do not overlap, so at most one declared template matches; when several
// match anyway the one with the fewest parameters wins, then the lexicographically first.
func attribute(tx *store.Tx, trace *model.Trace, now time.Time) (*model.Endpoint, bool, error) {
	literal, err := pathmatch.Compile(trace.Path)
	if err != nil {
		return nil, false, err
	}
	if literal.NumParams > 0 {
		return nil, false, drifterrors.NewInvalidPathError(trace.Path, "observed paths must be literal")
	}

	candidates, err := tx.EndpointsFor(trace.Host, trace.Method)
	if err != nil {
		return nil, false, err
	}

	var best *model.Endpoint
	for _, ep := range candidates {
		p, err := ep.Pattern()
		if err != nil {
			continue
		}
		if !p.MatchTokens(literal.Tokens) {
			continue
		}
		if best == nil || ep.NumParams < best.NumParams || (ep.NumParams == best.NumParams && ep.Path < best.Path) {
			best = ep
		}
	}
	if best != nil {
		return best, false, nil
	}

	ep := model.NewEndpoint(trace.Host, trace.Method, literal, now)
	ep.FirstDetected = trace.CreatedAt
	ep.LastActive = trace.CreatedAt
	return ep, true, nil
}
