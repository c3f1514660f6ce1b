// Package model defines the records shared by the resolver, the reconciler and the store.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
)

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// Endpoint is the canonical record of one (host, method, path template) operation.
type Endpoint struct {
	UUID          string    `json:"uuid"`
	Host          string    `json:"host"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	PathRegex     string    `json:"path_regex"`
	NumParams     int       `json:"number_params"`
	RiskScore     RiskScore `json:"risk_score"`
	FirstDetected time.Time `json:"first_detected"`
	LastActive    time.Time `json:"last_active"`
	SpecName      string    `json:"spec_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewEndpoint builds an endpoint from a compiled pattern.
func NewEndpoint(host, method string, p *pathmatch.Pattern, now time.Time) *Endpoint {
	return &Endpoint{
		UUID:          NewID(),
		Host:          host,
		Method:        NormalizeMethod(method),
		Path:          p.Path,
		PathRegex:     p.Regexp(),
		NumParams:     p.NumParams,
		RiskScore:     RiskNone,
		FirstDetected: now,
		LastActive:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Pattern compiles the endpoint's path template.
func (e *Endpoint) Pattern() (*pathmatch.Pattern, error) {
	return pathmatch.Compile(e.Path)
}

// Clone returns a shallow copy.
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	return &c
}

// Absorb widens the activity window and raises the risk score to cover other.
func (e *Endpoint) Absorb(other *Endpoint) {
	e.RiskScore = MaxRisk(e.RiskScore, other.RiskScore)
	if !other.FirstDetected.IsZero() && (e.FirstDetected.IsZero() || other.FirstDetected.Before(e.FirstDetected)) {
		e.FirstDetected = other.FirstDetected
	}
	if other.LastActive.After(e.LastActive) {
		e.LastActive = other.LastActive
	}
}

// Touch records activity at t.
func (e *Endpoint) Touch(t time.Time) {
	if e.FirstDetected.IsZero() || t.Before(e.FirstDetected) {
		e.FirstDetected = t
	}
	if t.After(e.LastActive) {
		e.LastActive = t
	}
}

// NormalizeMethod upper-cases an HTTP verb.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

// SpecDocument is a declared OpenAPI contract, normalized to version 3.
type SpecDocument struct {
	Name            string          `json:"name"`
	Raw             string          `json:"raw"`
	Extension       string          `json:"extension"`
	Document        json.RawMessage `json:"document"`
	IsAutoGenerated bool            `json:"is_auto_generated"`
	Hosts           []string        `json:"hosts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// KeyValue is an ordered header or query parameter.
type KeyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the request half of a trace.
type Request struct {
	Headers    []KeyValue `json:"headers,omitempty"`
	Parameters []KeyValue `json:"parameters,omitempty"`
	Body       string     `json:"body,omitempty"`
}

// Response is the response half of a trace.
type Response struct {
	Status  int        `json:"status"`
	Headers []KeyValue `json:"headers,omitempty"`
	Body    string     `json:"body,omitempty"`
}

// Trace is one observed request/response exchange.
type Trace struct {
	UUID       string    `json:"uuid"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Request    Request   `json:"request"`
	Response   Response  `json:"response"`
	EndpointID string    `json:"endpoint_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DataSection names the part of a trace a field was found in.
type DataSection string

const (
	SectionRequestHeader  DataSection = "request.headers"
	SectionRequestQuery   DataSection = "request.query"
	SectionRequestPath    DataSection = "request.path"
	SectionRequestBody    DataSection = "request.body"
	SectionResponseHeader DataSection = "response.headers"
	SectionResponseBody   DataSection = "response.body"
)

// DataField is a field discovered in traffic for one endpoint.
type DataField struct {
	EndpointID  string      `json:"endpoint_id"`
	FieldPath   string      `json:"field_path"`
	Section     DataSection `json:"section"`
	DataType    string      `json:"data_type"`
	IsSensitive bool        `json:"is_sensitive"`
	Count       int64       `json:"count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AlertCategory is the kind of drift an alert reports.
type AlertCategory string

const (
	AlertNewEndpoint      AlertCategory = "NEW_ENDPOINT"
	AlertSpecDiffRequest  AlertCategory = "SPEC_DIFF_REQUEST"
	AlertSpecDiffResponse AlertCategory = "SPEC_DIFF_RESPONSE"
	AlertSensitiveData    AlertCategory = "SENSITIVE_DATA"
	AlertUndeclaredOp     AlertCategory = "UNDECLARED_OPERATION"
)

// Structural reports whether alerts of this category describe an identity's own discovery
// history and are deleted, rather than repointed, when the identity is superseded.
func (c AlertCategory) Structural() bool {
	switch c {
	case AlertNewEndpoint, AlertSpecDiffRequest, AlertSpecDiffResponse, AlertUndeclaredOp:
		return true
	default:
		return false
	}
}

// MismatchKind classifies one structural violation.
type MismatchKind string

const (
	MismatchMissingRequired    MismatchKind = "missing_required"
	MismatchTypeMismatch       MismatchKind = "type_mismatch"
	MismatchAdditionalProperty MismatchKind = "additional_property"
	MismatchEnum               MismatchKind = "enum_mismatch"
	MismatchFormat             MismatchKind = "format_mismatch"
	MismatchConstraint         MismatchKind = "constraint_violation"
	MismatchUndeclaredStatus   MismatchKind = "undeclared_status"
	MismatchUndeclaredOp       MismatchKind = "undeclared_operation"
)

// Mismatch is the structured description of a spec diff.
type Mismatch struct {
	Kind      MismatchKind `json:"kind"`
	FieldPath string       `json:"field_path"`
	Expected  string       `json:"expected,omitempty"`
	Message   string       `json:"message"`
}

// Alert is one detected drift instance.
type Alert struct {
	UUID        string        `json:"uuid"`
	Category    AlertCategory `json:"category"`
	EndpointID  string        `json:"endpoint_id"`
	TraceID     string        `json:"trace_id,omitempty"`
	Mismatch    *Mismatch     `json:"mismatch,omitempty"`
	Description string        `json:"description"`
	RiskScore   RiskScore     `json:"risk_score"`
	Fingerprint string        `json:"fingerprint"`
	Occurrences int64         `json:"occurrences"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FieldPath returns the mismatch field path, or "" for non-diff alerts.
func (a *Alert) FieldPath() string {
	if a.Mismatch == nil {
		return ""
	}
	return a.Mismatch.FieldPath
}

// Aggregate counts traces for one endpoint in one hour bucket.
type Aggregate struct {
	EndpointID   string        `json:"endpoint_id"`
	Hour         time.Time     `json:"hour"`
	Count        int64         `json:"count"`
	StatusCounts map[int]int64 `json:"status_counts,omitempty"`
}

// Add folds other into a.
func (a *Aggregate) Add(other *Aggregate) {
	a.Count += other.Count
	if len(other.StatusCounts) == 0 {
		return
	}
	if a.StatusCounts == nil {
		a.StatusCounts = make(map[int]int64, len(other.StatusCounts))
	}
	for code, n := range other.StatusCounts {
		a.StatusCounts[code] += n
	}
}
