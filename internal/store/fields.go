package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// GetDataField loads a data field, or nil when it has not been seen.
func (t *Tx) GetDataField(endpointID string, section model.DataSection, fieldPath string) (*model.DataField, error) {
	var f model.DataField
	found, err := t.getJSON(bucketDataFields, compositeKey(endpointID, string(section), fieldPath), &f)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_data_field", endpointID, err)
	}
	if !found {
		return nil, nil
	}
	return &f, nil
}

// PutDataField inserts or replaces a data field.
func (t *Tx) PutDataField(f *model.DataField) error {
	key := compositeKey(f.EndpointID, string(f.Section), f.FieldPath)
	if err := t.putJSON(bucketDataFields, key, f); err != nil {
		return drifterrors.NewInternalError("put_data_field", f.EndpointID, err)
	}
	return nil
}

// DataFieldsFor returns an endpoint's data fields ordered by section and path.
func (t *Tx) DataFieldsFor(endpointID string) ([]*model.DataField, error) {
	b := t.tx.Bucket(bucketDataFields)
	keys := t.prefixKeys(bucketDataFields, prefixKey(endpointID))
	out := make([]*model.DataField, 0, len(keys))
	for _, k := range keys {
		var f model.DataField
		if err := json.Unmarshal(b.Get(k), &f); err != nil {
			return nil, drifterrors.NewInternalError("list_data_fields", endpointID, err)
		}
		out = append(out, &f)
	}
	return out, nil
}

// DeleteDataFields removes every data field of the given endpoints and returns the count.
func (t *Tx) DeleteDataFields(endpointIDs []string) (int, error) {
	b := t.tx.Bucket(bucketDataFields)
	deleted := 0
	for _, id := range endpointIDs {
		for _, k := range t.prefixKeys(bucketDataFields, prefixKey(id)) {
			if err := b.Delete(k); err != nil {
				return deleted, drifterrors.NewInternalError("delete_data_fields", id, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// HourBucket truncates t to its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// GetAggregate loads the aggregate for an endpoint and hour, or nil.
func (t *Tx) GetAggregate(endpointID string, hour time.Time) (*model.Aggregate, error) {
	var a model.Aggregate
	found, err := t.getJSON(bucketAggregates, aggregateKey(endpointID, hour), &a)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_aggregate", endpointID, err)
	}
	if !found {
		return nil, nil
	}
	return &a, nil
}

// PutAggregate inserts or replaces an hourly aggregate.
func (t *Tx) PutAggregate(a *model.Aggregate) error {
	if err := t.putJSON(bucketAggregates, aggregateKey(a.EndpointID, a.Hour), a); err != nil {
		return drifterrors.NewInternalError("put_aggregate", a.EndpointID, err)
	}
	return nil
}

// AggregatesFor returns an endpoint's aggregates in hour order.
func (t *Tx) AggregatesFor(endpointID string) ([]*model.Aggregate, error) {
	b := t.tx.Bucket(bucketAggregates)
	keys := t.prefixKeys(bucketAggregates, prefixKey(endpointID))
	out := make([]*model.Aggregate, 0, len(keys))
	for _, k := range keys {
		var a model.Aggregate
		if err := json.Unmarshal(b.Get(k), &a); err != nil {
			return nil, drifterrors.NewInternalError("list_aggregates", endpointID, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// DeleteAggregate removes one hourly aggregate.
func (t *Tx) DeleteAggregate(endpointID string, hour time.Time) error {
	if err := t.tx.Bucket(bucketAggregates).Delete(aggregateKey(endpointID, hour)); err != nil {
		return drifterrors.NewInternalError("delete_aggregate", endpointID, err)
	}
	return nil
}

func aggregateKey(endpointID string, hour time.Time) []byte {
	key := prefixKey(endpointID)
	return binary.BigEndian.AppendUint64(key, uint64(HourBucket(hour).Unix()))
}
