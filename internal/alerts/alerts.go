// Package alerts builds alert records, fingerprints them and removes duplicates.
package alerts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/twmb/murmur3"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Fingerprint hashes (endpoint, category, field path) into a stable identifier.
func Fingerprint(endpointID string, category model.AlertCategory, fieldPath string) string {
	h1, h2 := murmur3.Sum128([]byte(endpointID + "\x00" + string(category) + "\x00" + fieldPath))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Stamp sets the alert's fingerprint from its current endpoint, category and field path.
func Stamp(a *model.Alert) *model.Alert {
	a.Fingerprint = Fingerprint(a.EndpointID, a.Category, a.FieldPath())
	return a
}

// Sort orders alerts by category, field path, mismatch kind and description.
func Sort(list []*model.Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.FieldPath() != b.FieldPath() {
			return a.FieldPath() < b.FieldPath()
		}
		if kind(a) != kind(b) {
			return kind(a) < kind(b)
		}
		return a.Description < b.Description
	})
}

// Dedupe sorts alerts and keeps the first of each fingerprint.
func Dedupe(list []*model.Alert) []*model.Alert {
	Sort(list)
	seen := make(map[string]struct{}, len(list))
	out := make([]*model.Alert, 0, len(list))
	for _, a := range list {
		if a.Fingerprint == "" {
			Stamp(a)
		}
		if _, dup := seen[a.Fingerprint]; dup {
			continue
		}
		seen[a.Fingerprint] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Fingerprints returns the fingerprints of alerts in order.
func Fingerprints(list []*model.Alert) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Fingerprint
	}
	return out
}

// NewEndpoint builds the alert raised when traffic reveals an undeclared endpoint.
func NewEndpoint(ep *model.Endpoint, traceID string, now time.Time) *model.Alert {
	return Stamp(&model.Alert{
		UUID:        model.NewID(),
		Category:    model.AlertNewEndpoint,
		EndpointID:  ep.UUID,
		TraceID:     traceID,
		Description: fmt.Sprintf("New endpoint detected: %s %s%s", ep.Method, ep.Host, ep.Path),
		RiskScore:   model.RiskLow,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// SensitiveData builds the alert raised when a field classified as sensitive appears.
func SensitiveData(ep *model.Endpoint, field *model.DataField, traceID string, now time.Time) *model.Alert {
	return Stamp(&model.Alert{
		UUID:        model.NewID(),
		Category:    model.AlertSensitiveData,
		EndpointID:  ep.UUID,
		TraceID:     traceID,
		Mismatch:    &model.Mismatch{FieldPath: field.FieldPath, Message: "sensitive field observed"},
		Description: fmt.Sprintf("Sensitive field %s observed on %s %s", field.FieldPath, ep.Method, ep.Path),
		RiskScore:   model.RiskHigh,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// SpecDiff builds a spec-diff alert for one mismatch.
func SpecDiff(ep *model.Endpoint, category model.AlertCategory, traceID string, m *model.Mismatch, now time.Time) *model.Alert {
	side := "Response"
	if category == model.AlertSpecDiffRequest {
		side = "Request"
	}
	return Stamp(&model.Alert{
		UUID:        model.NewID(),
		Category:    category,
		EndpointID:  ep.UUID,
		TraceID:     traceID,
		Mismatch:    m,
		Description: fmt.Sprintf("%s does not match spec at %s: %s", side, m.FieldPath, strings.TrimSpace(m.Message)),
		RiskScore:   model.RiskMedium,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func kind(a *model.Alert) model.MismatchKind {
	if a.Mismatch == nil {
		return ""
	}
	return a.Mismatch.Kind
}
