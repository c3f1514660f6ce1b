package store

import (
	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// GetSpec loads a spec document by name. It returns a NotFound error when absent.
func (t *Tx) GetSpec(name string) (*model.SpecDocument, error) {
	var doc model.SpecDocument
	found, err := t.getJSON(bucketSpecs, []byte(name), &doc)
	if err != nil {
		return nil, drifterrors.NewInternalError("get_spec", name, err)
	}
	if !found {
		return nil, drifterrors.NewNotFoundError("get_spec", name)
	}
	return &doc, nil
}

// PutSpec inserts or replaces a spec document.
func (t *Tx) PutSpec(doc *model.SpecDocument) error {
	if err := t.putJSON(bucketSpecs, []byte(doc.Name), doc); err != nil {
		return drifterrors.NewInternalError("put_spec", doc.Name, err)
	}
	return nil
}

// DeleteSpec removes a spec document.
func (t *Tx) DeleteSpec(name string) error {
	if err := t.tx.Bucket(bucketSpecs).Delete([]byte(name)); err != nil {
		return drifterrors.NewInternalError("delete_spec", name, err)
	}
	return nil
}

// ListSpecs returns every spec document ordered by name.
func (t *Tx) ListSpecs() ([]*model.SpecDocument, error) {
	var out []*model.SpecDocument
	err := t.tx.Bucket(bucketSpecs).ForEach(func(k, _ []byte) error {
		doc, err := t.GetSpec(string(k))
		if err != nil {
			return err
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

// SpecOwners maps every spec name to whether it is auto-generated.
func (t *Tx) SpecOwners() (map[string]bool, error) {
	specs, err := t.ListSpecs()
	if err != nil {
		return nil, err
	}
	owners := make(map[string]bool, len(specs))
	for _, s := range specs {
		owners[s.Name] = s.IsAutoGenerated
	}
	return owners, nil
}
