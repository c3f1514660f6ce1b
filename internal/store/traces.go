package store

import (
	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// GetTrace loads a trace by uuid.
func (t *Tx) GetTrace(id string) (*model.Trace, error) {
	var tr model.Trace
	found, err := t.getJSON(bucketTraces, []byte(id), &tr)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_trace", id, err)
	}
	if !found {
		return nil, drifterrors.NewNotFoundError("get_trace", id)
	}
	return &tr, nil
}

// PutTrace inserts or replaces a trace and keeps the per-endpoint recency index current.
func (t *Tx) PutTrace(tr *model.Trace) error {
	idx := t.tx.Bucket(bucketTraceIndex)

	var old model.Trace
	found, err := t.getJSON(bucketTraces, []byte(tr.UUID), &old)
	if err != nil {
		return drifterrors.NewInternalError("put_trace", tr.UUID, err)
	}
	if found && old.EndpointID != "" {
		if err := idx.Delete(traceIndexKey(&old)); err != nil {
			return drifterrors.NewInternalError("put_trace", tr.UUID, err)
		}
	}

	if err := t.putJSON(bucketTraces, []byte(tr.UUID), tr); err != nil {
		return drifterrors.NewInternalError("put_trace", tr.UUID, err)
	}
	if tr.EndpointID == "" {
		return nil
	}
	if err := idx.Put(traceIndexKey(tr), nil); err != nil {
		return drifterrors.NewInternalError("put_trace", tr.UUID, err)
	}
	return nil
}

// RecentTraces returns up to limit traces for an endpoint, newest first. A limit of zero
// or less returns all of them.
func (t *Tx) RecentTraces(endpointID string, limit int) ([]*model.Trace, error) {
	var ids []string
	t.prefixEachReverse(bucketTraceIndex, prefixKey(endpointID), func(k, _ []byte) bool {
		ids = append(ids, lastPart(k))
		return limit <= 0 || len(ids) < limit
	})

	out := make([]*model.Trace, 0, len(ids))
	for _, id := range ids {
		tr, err := t.GetTrace(id)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// RepointTraces moves every trace of the from endpoints onto to and returns the count.
func (t *Tx) RepointTraces(from []string, to string) (int, error) {
	moved := 0
	for _, id := range from {
		for _, k := range t.prefixKeys(bucketTraceIndex, prefixKey(id)) {
			tr, err := t.GetTrace(lastPart(k))
			if err != nil {
				return moved, err
			}
			tr.EndpointID = to
			if err := t.PutTrace(tr); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

func traceIndexKey(tr *model.Trace) []byte {
	return timeKey(prefixKey(tr.EndpointID), tr.CreatedAt, tr.UUID)
}
