package model

import "sort"

// MergeEntry pairs a surviving endpoint with the endpoints it subsumes.
type MergeEntry struct {
	Survivor   *Endpoint
	Supersedes []*Endpoint
}

// SupersededIDs returns the uuids of the subsumed endpoints.
func (m *MergeEntry) SupersededIDs() []string {
	ids := make([]string, 0, len(m.Supersedes))
	for _, e := range m.Supersedes {
		ids = append(ids, e.UUID)
	}
	return ids
}

// MergePlan maps surviving endpoint uuids to their merge entries. It is built for one
// batch and applied in the same transaction.
type MergePlan struct {
	entries map[string]*MergeEntry
}

// NewMergePlan creates an empty plan.
func NewMergePlan() *MergePlan {
	return &MergePlan{entries: make(map[string]*MergeEntry)}
}

// Set replaces the entry for a survivor.
func (p *MergePlan) Set(entry *MergeEntry) {
	p.entries[entry.Survivor.UUID] = entry
}

// Get returns the entry for a survivor uuid.
func (p *MergePlan) Get(survivorID string) (*MergeEntry, bool) {
	e, ok := p.entries[survivorID]
	return e, ok
}

// Delete removes a survivor's entry.
func (p *MergePlan) Delete(survivorID string) {
	delete(p.entries, survivorID)
}

// Len returns the number of survivors in the plan.
func (p *MergePlan) Len() int {
	return len(p.entries)
}

// Entries returns the entries ordered by survivor path then uuid.
func (p *MergePlan) Entries() []*MergeEntry {
	out := make([]*MergeEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Survivor, out[j].Survivor
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.UUID < b.UUID
	})
	return out
}
