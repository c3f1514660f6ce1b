// Package specwatch tracks the API endpoints a service actually exposes, reconciles observed
// traffic against declared OpenAPI contracts and raises alerts on drift.
package specwatch

import (
	"github.com/PentesterFlow/SpecWatch/internal/ingest"
	"github.com/PentesterFlow/SpecWatch/internal/merge"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/resolver"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// ResolveResult is the outcome of declaring one path. Exactly one of Created or Updated is
// set; a conflict is returned as an error instead.
type ResolveResult struct {
	Created    *model.Endpoint   `json:"created,omitempty"`
	Updated    *model.Endpoint   `json:"updated,omitempty"`
	Supersedes []*model.Endpoint `json:"supersedes,omitempty"`
}

// Endpoint returns whichever identity now represents the declared path.
func (r *ResolveResult) Endpoint() *model.Endpoint {
	if r.Created != nil {
		return r.Created
	}
	return r.Updated
}

func newResolveResult(res *resolver.Result) *ResolveResult {
	return &ResolveResult{
		Created:    res.Created,
		Updated:    res.Updated,
		Supersedes: res.Supersedes,
	}
}

// MergeStats counts what the merges of one operation touched.
type MergeStats struct {
	Survivors         int `json:"survivors"`
	Superseded        int `json:"superseded"`
	TracesRepointed   int `json:"traces_repointed"`
	AlertsRepointed   int `json:"alerts_repointed"`
	AlertsFolded      int `json:"alerts_folded"`
	AlertsDeleted     int `json:"alerts_deleted"`
	DataFieldsDeleted int `json:"data_fields_deleted"`
	AggregatesMerged  int `json:"aggregates_merged"`

	fingerprints []string
}

func (m *MergeStats) add(sum *merge.Summary) {
	m.Survivors += sum.Survivors
	m.Superseded += sum.Superseded
	m.TracesRepointed += sum.TracesRepointed
	m.AlertsRepointed += sum.AlertsRepointed
	m.AlertsFolded += sum.AlertsFolded
	m.AlertsDeleted += sum.AlertsDeleted
	m.DataFieldsDeleted += sum.DataFieldsDeleted
	m.AggregatesMerged += sum.AggregatesMerged
	m.fingerprints = append(m.fingerprints, sum.Fingerprints...)
}

// UploadResult describes what uploading a spec document changed.
type UploadResult struct {
	Spec       *model.SpecDocument `json:"spec"`
	Operations int                 `json:"operations"`
	Created    []*model.Endpoint   `json:"created,omitempty"`
	Updated    []*model.Endpoint   `json:"updated,omitempty"`
	Detached   []string            `json:"detached,omitempty"`
	Merge      MergeStats          `json:"merge"`
}

// EditResult describes what declaring additional paths for an endpoint changed.
type EditResult struct {
	EndpointID string           `json:"endpoint_id"`
	Results    []*ResolveResult `json:"results"`
	Merge      MergeStats       `json:"merge"`
}

// Suggestion is a proposed path template for an endpoint.
type Suggestion struct {
	Template   string  `json:"template"`
	Confidence float64 `json:"confidence"`
}

// EndpointDetail is an endpoint with what has been observed on it.
type EndpointDetail struct {
	Endpoint   *model.Endpoint    `json:"endpoint"`
	DataFields []*model.DataField `json:"data_fields,omitempty"`
	Aggregates []*model.Aggregate `json:"aggregates,omitempty"`
	Alerts     int                `json:"alerts"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Store   store.Stats       `json:"store"`
	Ingest  ingest.Stats      `json:"ingest"`
	Metrics *metrics.Snapshot `json:"metrics"`
}
