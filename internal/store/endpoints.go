package store

import (
	"sort"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// GetEndpoint loads an endpoint by uuid. It returns a NotFound error when absent.
func (t *Tx) GetEndpoint(id string) (*model.Endpoint, error) {
	var e model.Endpoint
	found, err := t.getJSON(bucketEndpoints, []byte(id), &e)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_endpoint", id, err)
	}
	if !found {
		return nil, drifterrors.NewNotFoundError("get_endpoint", id)
	}
	return &e, nil
}

// PutEndpoint inserts or replaces an endpoint and its (host, method) index entry.
func (t *Tx) PutEndpoint(e *model.Endpoint) error {
	var old model.Endpoint
	found, err := t.getJSON(bucketEndpoints, []byte(e.UUID), &old)
	if err != nil {
		return drifterrors.NewInternalError("put_endpoint", e.UUID, err)
	}
	if found && (old.Host != e.Host || old.Method != e.Method) {
		if err := t.tx.Bucket(bucketEndpointIndex).Delete(compositeKey(old.Host, old.Method, old.UUID)); err != nil {
			return drifterrors.NewInternalError("put_endpoint", e.UUID, err)
		}
	}

	if err := t.putJSON(bucketEndpoints, []byte(e.UUID), e); err != nil {
		return drifterrors.NewInternalError("put_endpoint", e.UUID, err)
	}
	if err := t.tx.Bucket(bucketEndpointIndex).Put(compositeKey(e.Host, e.Method, e.UUID), nil); err != nil {
		return drifterrors.NewInternalError("put_endpoint", e.UUID, err)
	}
	return nil
}

// DeleteEndpoint removes an endpoint and its index entry.
func (t *Tx) DeleteEndpoint(id string) error {
	e, err := t.GetEndpoint(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEndpointIndex).Delete(compositeKey(e.Host, e.Method, e.UUID)); err != nil {
		return drifterrors.NewInternalError("delete_endpoint", id, err)
	}
	if err := t.tx.Bucket(bucketEndpoints).Delete([]byte(id)); err != nil {
		return drifterrors.NewInternalError("delete_endpoint", id, err)
	}
	return nil
}

// EndpointsFor returns the live endpoints for (host, method), ordered by path.
func (t *Tx) EndpointsFor(host, method string) ([]*model.Endpoint, error) {
	keys := t.prefixKeys(bucketEndpointIndex, prefixKey(host, method))
	out := make([]*model.Endpoint, 0, len(keys))
	for _, k := range keys {
		e, err := t.GetEndpoint(lastPart(k))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEndpoints(out)
	return out, nil
}

// FindEndpoint returns the endpoint with exactly (host, method, path), or nil.
func (t *Tx) FindEndpoint(host, method, path string) (*model.Endpoint, error) {
	candidates, err := t.EndpointsFor(host, method)
	if err != nil {
		return nil, err
	}
	for _, e := range candidates {
		if e.Path == path {
			return e, nil
		}
	}
	return nil, nil
}

// ListEndpoints returns every endpoint, or those of one host when host is non-empty.
func (t *Tx) ListEndpoints(host string) ([]*model.Endpoint, error) {
	var out []*model.Endpoint
	err := t.tx.Bucket(bucketEndpoints).ForEach(func(k, _ []byte) error {
		e, err := t.GetEndpoint(string(k))
		if err != nil {
			return err
		}
		if host == "" || e.Host == host {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEndpoints(out)
	return out, nil
}

// EndpointsForSpec returns the endpoints linked to a spec document.
func (t *Tx) EndpointsForSpec(name string) ([]*model.Endpoint, error) {
	all, err := t.ListEndpoints("")
	if err != nil {
		return nil, err
	}
	var out []*model.Endpoint
	for _, e := range all {
		if e.SpecName == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func sortEndpoints(eps []*model.Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		a, b := eps[i], eps[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.UUID < b.UUID
	})
}
