package output

import (
	"sort"
	"time"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Stream event types.
const (
	EventEndpoint = "endpoint"
	EventAlert    = "alert"
	EventError    = "error"
)

// StreamEvent represents a streaming output event.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ErrorRecord is the printable form of a failed operation.
type ErrorRecord struct {
	Subject   string    `json:"subject,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Type      string    `json:"type"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorRecord classifies err for output.
func NewErrorRecord(err error, subject, operation string) *ErrorRecord {
	return &ErrorRecord{
		Subject:   subject,
		Operation: operation,
		Type:      drifterrors.GetErrorType(err).String(),
		Status:    drifterrors.HTTPStatus(err),
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// EndpointSummary contains a summary of endpoint identities.
type EndpointSummary struct {
	Total          int            `json:"total"`
	AutoDiscovered int            `json:"auto_discovered"`
	ByHost         map[string]int `json:"by_host"`
	ByMethod       map[string]int `json:"by_method"`
	ByRisk         map[string]int `json:"by_risk"`
	TopPaths       []PathCount    `json:"top_paths,omitempty"`
}

// PathCount represents a path template and how many identities share it across hosts and
// methods.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// SummarizeEndpoints builds an EndpointSummary. Endpoints without a spec link count as auto
// discovered. topN limits TopPaths; a negative topN keeps all of them.
func SummarizeEndpoints(endpoints []*model.Endpoint, topN int) EndpointSummary {
	s := EndpointSummary{
		Total:    len(endpoints),
		ByHost:   make(map[string]int),
		ByMethod: make(map[string]int),
		ByRisk:   make(map[string]int),
	}

	paths := make(map[string]int)
	for _, ep := range endpoints {
		s.ByHost[ep.Host]++
		s.ByMethod[ep.Method]++
		s.ByRisk[ep.RiskScore.String()]++
		if ep.SpecName == "" {
			s.AutoDiscovered++
		}
		paths[ep.Path]++
	}

	for p, c := range paths {
		s.TopPaths = append(s.TopPaths, PathCount{Path: p, Count: c})
	}
	sort.Slice(s.TopPaths, func(i, j int) bool {
		if s.TopPaths[i].Count != s.TopPaths[j].Count {
			return s.TopPaths[i].Count > s.TopPaths[j].Count
		}
		return s.TopPaths[i].Path < s.TopPaths[j].Path
	})
	if topN >= 0 && len(s.TopPaths) > topN {
		s.TopPaths = s.TopPaths[:topN]
	}

	return s
}

// AlertSummary contains a summary of alerts.
type AlertSummary struct {
	Total       int            `json:"total"`
	Occurrences int64          `json:"occurrences"`
	ByCategory  map[string]int `json:"by_category"`
	ByRisk      map[string]int `json:"by_risk"`
	ByEndpoint  map[string]int `json:"by_endpoint"`
}

// SummarizeAlerts builds an AlertSummary.
func SummarizeAlerts(alerts []*model.Alert) AlertSummary {
	s := AlertSummary{
		Total:      len(alerts),
		ByCategory: make(map[string]int),
		ByRisk:     make(map[string]int),
		ByEndpoint: make(map[string]int),
	}
	for _, a := range alerts {
		s.Occurrences += a.Occurrences
		s.ByCategory[string(a.Category)]++
		s.ByRisk[a.RiskScore.String()]++
		s.ByEndpoint[a.EndpointID]++
	}
	return s
}
