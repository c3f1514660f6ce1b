package store

import (
	"sort"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// GetAlert loads an alert by uuid.
func (t *Tx) GetAlert(id string) (*model.Alert, error) {
	var a model.Alert
	found, err := t.getJSON(bucketAlerts, []byte(id), &a)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_alert", id, err)
	}
	if !found {
		return nil, drifterrors.NewNotFoundError("get_alert", id)
	}
	return &a, nil
}

// AlertByFingerprint returns the alert stored under a fingerprint, or nil.
func (t *Tx) AlertByFingerprint(fingerprint string) (*model.Alert, error) {
	id := t.tx.Bucket(bucketFingerprints).Get([]byte(fingerprint))
	if id == nil {
		return nil, nil
	}
	return t.GetAlert(string(id))
}

// PutAlert inserts or replaces an alert with its endpoint and fingerprint index entries.
func (t *Tx) PutAlert(a *model.Alert) error {
	var old model.Alert
	found, err := t.getJSON(bucketAlerts, []byte(a.UUID), &old)
	if err != nil {
		return drifterrors.NewInternalError("put_alert", a.UUID, err)
	}
	if found {
		if err := t.unindexAlert(&old); err != nil {
			return err
		}
	}

	if err := t.putJSON(bucketAlerts, []byte(a.UUID), a); err != nil {
		return drifterrors.NewInternalError("put_alert", a.UUID, err)
	}
	if err := t.tx.Bucket(bucketAlertIndex).Put(compositeKey(a.EndpointID, a.UUID), nil); err != nil {
		return drifterrors.NewInternalError("put_alert", a.UUID, err)
	}
	if a.Fingerprint != "" {
		if err := t.tx.Bucket(bucketFingerprints).Put([]byte(a.Fingerprint), []byte(a.UUID)); err != nil {
			return drifterrors.NewInternalError("put_alert", a.UUID, err)
		}
	}
	return nil
}

// DeleteAlert removes an alert and its index entries.
func (t *Tx) DeleteAlert(id string) error {
	a, err := t.GetAlert(id)
	if err != nil {
		return err
	}
	if err := t.unindexAlert(a); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketAlerts).Delete([]byte(id)); err != nil {
		return drifterrors.NewInternalError("delete_alert", id, err)
	}
	return nil
}

// AlertsFor returns an endpoint's alerts ordered by creation time.
func (t *Tx) AlertsFor(endpointID string) ([]*model.Alert, error) {
	keys := t.prefixKeys(bucketAlertIndex, prefixKey(endpointID))
	out := make([]*model.Alert, 0, len(keys))
	for _, k := range keys {
		a, err := t.GetAlert(lastPart(k))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

// ListAlerts returns every alert ordered by creation time.
func (t *Tx) ListAlerts() ([]*model.Alert, error) {
	var out []*model.Alert
	err := t.tx.Bucket(bucketAlerts).ForEach(func(k, _ []byte) error {
		a, err := t.GetAlert(string(k))
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlerts(out)
	return out, nil
}

func (t *Tx) unindexAlert(a *model.Alert) error {
	if err := t.tx.Bucket(bucketAlertIndex).Delete(compositeKey(a.EndpointID, a.UUID)); err != nil {
		return drifterrors.NewInternalError("unindex_alert", a.UUID, err)
	}
	if a.Fingerprint == "" {
		return nil
	}
	fps := t.tx.Bucket(bucketFingerprints)
	if string(fps.Get([]byte(a.Fingerprint))) == a.UUID {
		if err := fps.Delete([]byte(a.Fingerprint)); err != nil {
			return drifterrors.NewInternalError("unindex_alert", a.UUID, err)
		}
	}
	return nil
}

func sortAlerts(alerts []*model.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].UUID < alerts[j].UUID
	})
}
