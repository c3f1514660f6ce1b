// Package merge applies resolver merge plans to the store.
package merge

import (
	"time"

	"github.com/samber/lo"

	"github.com/PentesterFlow/SpecWatch/internal/alerts"
	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Tx is the transactional store surface a merge needs. *store.Tx satisfies it.
type Tx interface {
	PutEndpoint(e *model.Endpoint) error
	DeleteEndpoint(id string) error
	RepointTraces(from []string, to string) (int, error)
	AlertsFor(endpointID string) ([]*model.Alert, error)
	AlertByFingerprint(fingerprint string) (*model.Alert, error)
	PutAlert(a *model.Alert) error
	DeleteAlert(id string) error
	DeleteDataFields(endpointIDs []string) (int, error)
	AggregatesFor(endpointID string) ([]*model.Aggregate, error)
	GetAggregate(endpointID string, hour time.Time) (*model.Aggregate, error)
	PutAggregate(a *model.Aggregate) error
	DeleteAggregate(endpointID string, hour time.Time) error
}

// Summary counts what a merge touched.
type Summary struct {
	Survivors         int
	Superseded        int
	TracesRepointed   int
	AlertsRepointed   int
	AlertsFolded      int
	AlertsDeleted     int
	DataFieldsDeleted int
	AggregatesMerged  int
	// Fingerprints lists the fingerprints written for repointed alerts.
	Fingerprints []string
}

// Apply executes plan inside tx. Any error leaves tx to be rolled back by the caller.
func Apply(tx Tx, plan *model.MergePlan) (*Summary, error) {
	sum := &Summary{}
	if plan == nil {
		return sum, nil
	}

	for _, entry := range plan.Entries() {
		survivor := entry.Survivor
		if err := tx.PutEndpoint(survivor); err != nil {
			return sum, err
		}
		sum.Survivors++

		ids := lo.Without(lo.Uniq(entry.SupersededIDs()), survivor.UUID)
		if len(ids) == 0 {
			continue
		}

		n, err := tx.RepointTraces(ids, survivor.UUID)
		if err != nil {
			return sum, err
		}
		sum.TracesRepointed += n

		for _, id := range ids {
			if err := moveAlerts(tx, id, survivor.UUID, sum); err != nil {
				return sum, err
			}
			if err := moveAggregates(tx, id, survivor.UUID, sum); err != nil {
				return sum, err
			}
		}

		n, err = tx.DeleteDataFields(ids)
		if err != nil {
			return sum, err
		}
		sum.DataFieldsDeleted += n

		for _, id := range ids {
			if err := tx.DeleteEndpoint(id); err != nil && !drifterrors.IsNotFound(err) {
				return sum, err
			}
			sum.Superseded++
		}
	}
	return sum, nil
}

// moveAlerts deletes the structural alerts of from and repoints the rest onto to. A
// repointed alert whose new fingerprint is already taken is folded into the holder.
func moveAlerts(tx Tx, from, to string, sum *Summary) error {
	list, err := tx.AlertsFor(from)
	if err != nil {
		return err
	}

	for _, a := range list {
		if a.Category.Structural() {
			if err := tx.DeleteAlert(a.UUID); err != nil {
				return err
			}
			sum.AlertsDeleted++
			continue
		}

		fp := alerts.Fingerprint(to, a.Category, a.FieldPath())
		holder, err := tx.AlertByFingerprint(fp)
		if err != nil {
			return err
		}
		if holder != nil && holder.UUID != a.UUID {
			holder.Occurrences += a.Occurrences
			holder.RiskScore = model.MaxRisk(holder.RiskScore, a.RiskScore)
			if a.UpdatedAt.After(holder.UpdatedAt) {
				holder.UpdatedAt = a.UpdatedAt
			}
			if err := tx.PutAlert(holder); err != nil {
				return err
			}
			if err := tx.DeleteAlert(a.UUID); err != nil {
				return err
			}
			sum.AlertsFolded++
			continue
		}

		a.EndpointID = to
		a.Fingerprint = fp
		if err := tx.PutAlert(a); err != nil {
			return err
		}
		sum.AlertsRepointed++
		sum.Fingerprints = append(sum.Fingerprints, fp)
	}
	return nil
}

// moveAggregates adds each hourly aggregate of from into the matching hour of to.
func moveAggregates(tx Tx, from, to string, sum *Summary) error {
	list, err := tx.AggregatesFor(from)
	if err != nil {
		return err
	}

	for _, agg := range list {
		target, err := tx.GetAggregate(to, agg.Hour)
		if err != nil {
			return err
		}
		if target == nil {
			target = &model.Aggregate{EndpointID: to, Hour: agg.Hour}
		}
		target.Add(agg)
		if err := tx.PutAggregate(target); err != nil {
			return err
		}
		if err := tx.DeleteAggregate(from, agg.Hour); err != nil {
			return err
		}
		sum.AggregatesMerged++
	}
	return nil
}
