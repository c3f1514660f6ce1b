package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
	"github.com/PentesterFlow/SpecWatch/internal/spec"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

const usersSpec = `
openapi: 3.0.3
info:
  title: Users
  version: "1.0"
servers:
  - url: https://api.example.com/v1
paths:
  /users/{id}:
    get:
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: integer
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: object
                required: [id, name]
                properties:
                  id:
                    type: integer
                  name:
                    type: string
`

var testNow = time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	bus     *queue.MemoryBus
	metrics *metrics.Collector
	in      *Ingestor
}

func newFixture(t *testing.T, cfg Config, reg *redact.Registry) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "specwatch.db"), store.DefaultOptions())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newFixtureOn(t, st, cfg, reg)
}

func newFixtureOn(t *testing.T, st *store.Store, cfg Config, reg *redact.Registry) *fixture {
	t.Helper()
	f := &fixture{store: st, bus: queue.NewMemoryBus(0), metrics: metrics.New()}
	in, err := New(cfg, Deps{
		Bus:        f.bus,
		Store:      st,
		Redactions: reg,
		Metrics:    f.metrics,
		Clock:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.in = in
	return f
}

// declare stores the users spec and its declared endpoint.
func (f *fixture) declare(t *testing.T, raw string) *model.Endpoint {
	t.Helper()
	parsed, err := spec.NewParser().Parse(context.Background(), "users", []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	doc := &model.SpecDocument{
		Name:      "users",
		Raw:       raw,
		Extension: string(parsed.Format),
		Document:  parsed.Normalized,
		Hosts:     parsed.Hosts,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	ep := model.NewEndpoint("api.example.com", "GET", pathmatch.MustCompile("/v1/users/{id}"), testNow)
	ep.SpecName = "users"

	err = f.store.Update(context.Background(), func(tx *store.Tx) error {
		if err := tx.PutSpec(doc); err != nil {
			return err
		}
		return tx.PutEndpoint(ep)
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return ep
}

func (f *fixture) alerts(t *testing.T, endpointID string) []*model.Alert {
	t.Helper()
	var out []*model.Alert
	err := f.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.AlertsFor(endpointID)
		return err
	})
	if err != nil {
		t.Fatalf("AlertsFor() error = %v", err)
	}
	return out
}

func (f *fixture) endpoint(t *testing.T, id string) *model.Endpoint {
	t.Helper()
	var ep *model.Endpoint
	err := f.store.View(func(tx *store.Tx) error {
		var err error
		ep, err = tx.GetEndpoint(id)
		return err
	})
	if err != nil {
		t.Fatalf("GetEndpoint() error = %v", err)
	}
	return ep
}

func userTrace(path, body string) *model.Trace {
	return &model.Trace{
		Host:      "API.example.com",
		Method:    "get",
		Path:      path,
		Response:  model.Response{Status: 200, Body: body},
		CreatedAt: testNow,
	}
}

func categories(list []*model.Alert) []model.AlertCategory {
	out := make([]model.AlertCategory, len(list))
	for i, a := range list {
		out[i] = a.Category
	}
	return out
}

// =============================================================================
// Field Discovery Tests
// =============================================================================

func TestIsSensitive(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"request.body.password", true},
		{"request.body.user.newPassword", true},
		{"response.body.access_token", true},
		{"request.headers.x-api-secret", true},
		{"request.body.ssn", true},
		{"request.body.cards[]", true},
		{"response.body.name", false},
		{"response.body.password_hint.length", false},
		{"request.query.limit", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsSensitive(tt.path); got != tt.want {
				t.Errorf("IsSensitive(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestObserve(t *testing.T) {
	trace := &model.Trace{
		Request: model.Request{
			Headers:    []model.KeyValue{{Name: "X-Request-Id", Value: "abc"}, {Name: "x-request-id", Value: "dup"}},
			Parameters: []model.KeyValue{{Name: "limit", Value: "10"}, {Name: "q", Value: "shoes"}},
			Body:       `{"user": {"email": "a@b.c"}, "tags": ["x"], "items": [{"id": 1.5}]}`,
		},
		Response: model.Response{Body: `not json`},
	}

	type field struct {
		Section model.DataSection
		Path    string
		Type    string
	}
	var got []field
	for _, o := range observe(trace) {
		got = append(got, field{o.section, o.path, o.dataType})
	}

	want := []field{
		{model.SectionRequestBody, "request.body.items", "array"},
		{model.SectionRequestBody, "request.body.items[].id", "number"},
		{model.SectionRequestBody, "request.body.tags", "array"},
		{model.SectionRequestBody, "request.body.tags[]", "string"},
		{model.SectionRequestBody, "request.body.user", "object"},
		{model.SectionRequestBody, "request.body.user.email", "string"},
		{model.SectionRequestHeader, "request.headers.x-request-id", "string"},
		{model.SectionRequestQuery, "request.query.limit", "integer"},
		{model.SectionRequestQuery, "request.query.q", "string"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("observe() mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Backpressure Tests
// =============================================================================

func TestLogTrace_Backpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BacklogThreshold = 3
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	// A backlog equal to the threshold still accepts; only exceeding it drops.
	for i := 0; i < 4; i++ {
		accepted, err := f.in.LogTrace(ctx, userTrace("/health", ""), nil)
		if err != nil || !accepted {
			t.Fatalf("LogTrace(%d) = %v, %v, want accepted", i, accepted, err)
		}
	}

	accepted, err := f.in.LogTrace(ctx, userTrace("/health", ""), map[string]string{"sensor": "edge"})
	if err != nil {
		t.Fatalf("LogTrace() over threshold error = %v, want silent drop", err)
	}
	if accepted {
		t.Error("LogTrace() over threshold should drop the trace")
	}

	if n, _ := f.bus.Len(ctx); n != 4 {
		t.Errorf("bus length = %d, want 4", n)
	}
	snap := f.metrics.Snapshot()
	if snap.TracesAccepted != 4 || snap.TracesDropped != 1 || snap.Backlog != 4 {
		t.Errorf("metrics = accepted %d dropped %d backlog %d", snap.TracesAccepted, snap.TracesDropped, snap.Backlog)
	}
}

func TestLogTrace_DefaultThreshold(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if f.in.cfg.BacklogThreshold != 1000 {
		t.Errorf("BacklogThreshold = %d, want 1000", f.in.cfg.BacklogThreshold)
	}
}

func TestLogTrace_Normalizes(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	tr := &model.Trace{Host: " API.Example.com ", Method: "post", Path: "/items?limit=5", EndpointID: "stale"}
	if _, err := f.in.LogTrace(ctx, tr, nil); err != nil {
		t.Fatalf("LogTrace() error = %v", err)
	}

	item, err := f.bus.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	got := item.Trace
	if got.UUID == "" || got.CreatedAt.IsZero() {
		t.Error("LogTrace() should assign an id and timestamp")
	}
	if got.Host != "api.example.com" || got.Method != "POST" || got.Path != "/items" || got.EndpointID != "" {
		t.Errorf("normalized trace = %+v", got)
	}
}

func TestLogTrace_Errors(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := f.in.LogTrace(ctx, nil, nil); !drifterrors.IsInvalidPath(err) {
		t.Errorf("LogTrace(nil) error = %v, want InvalidPath", err)
	}

	f.bus.Close()
	if _, err := f.in.LogTrace(ctx, userTrace("/health", ""), nil); err == nil {
		t.Error("LogTrace() on a closed bus should fail")
	}
}

// =============================================================================
// Attribution Tests
// =============================================================================

func TestProcess_AutoDiscoversEndpoint(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	out, err := f.in.Process(ctx, userTrace("/health", ""))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !out.Created {
		t.Fatal("first trace for an unknown path should create an endpoint")
	}
	if diff := cmp.Diff([]model.AlertCategory{model.AlertNewEndpoint}, categories(out.Raised)); diff != "" {
		t.Errorf("raised mismatch (-want +got):\n%s", diff)
	}

	ep := f.endpoint(t, out.EndpointID)
	if ep.Path != "/health" || ep.Host != "api.example.com" || ep.Method != "GET" || ep.SpecName != "" {
		t.Errorf("endpoint = %+v", ep)
	}
	if ep.RiskScore != model.RiskLow {
		t.Errorf("RiskScore = %s, want low", ep.RiskScore)
	}

	again, err := f.in.Process(ctx, userTrace("/health", ""))
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if again.Created || again.EndpointID != out.EndpointID || len(again.Raised) != 0 {
		t.Errorf("second trace outcome = %+v", again)
	}

	var agg *model.Aggregate
	f.store.View(func(tx *store.Tx) error {
		agg, err = tx.GetAggregate(out.EndpointID, store.HourBucket(testNow))
		return err
	})
	if agg == nil || agg.Count != 2 || agg.StatusCounts[200] != 2 {
		t.Errorf("aggregate = %+v, want count 2", agg)
	}
	if snap := f.metrics.Snapshot(); snap.EndpointsCreated != 1 || snap.AlertsRaised != 1 {
		t.Errorf("metrics = created %d alerts %d", snap.EndpointsCreated, snap.AlertsRaised)
	}
}

func TestProcess_MatchesDeclaredTemplate(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ep := f.declare(t, usersSpec)

	out, err := f.in.Process(context.Background(), userTrace("/v1/users/42", `{"id": 42, "name": "ada"}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Created || out.EndpointID != ep.UUID {
		t.Errorf("outcome = %+v, want attribution to %s", out, ep.UUID)
	}
	if len(out.Raised) != 0 || out.DiffErr != nil {
		t.Errorf("conforming trace raised %v, diff error %v", categories(out.Raised), out.DiffErr)
	}

	var traces []*model.Trace
	f.store.View(func(tx *store.Tx) error {
		traces, err = tx.RecentTraces(ep.UUID, 0)
		return err
	})
	if len(traces) != 1 || traces[0].EndpointID != ep.UUID {
		t.Errorf("traces for endpoint = %v", traces)
	}
}

func TestProcess_InvalidPath(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	for _, path := range []string{"users", "/users/{id}"} {
		if _, err := f.in.Process(ctx, userTrace(path, "")); !drifterrors.IsInvalidPath(err) {
			t.Errorf("Process(%s) error = %v, want InvalidPath", path, err)
		}
	}
	if st, _ := f.store.Stats(); st.Endpoints != 0 || st.Traces != 0 {
		t.Errorf("failed traces should leave no records: %+v", st)
	}
}

// =============================================================================
// Alert Tests
// =============================================================================

func TestProcess_SpecDiffAlertsFold(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ep := f.declare(t, usersSpec)
	ctx := context.Background()

	first, err := f.in.Process(ctx, userTrace("/v1/users/1", `{"id": 1}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(first.Raised) != 1 || first.Raised[0].FieldPath() != "response.body.name" {
		t.Fatalf("raised = %v", first.Raised)
	}

	second, err := f.in.Process(ctx, userTrace("/v1/users/2", `{"id": 2}`))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(second.Raised) != 0 || second.Folded != 1 {
		t.Errorf("second outcome raised %d folded %d, want 0 and 1", len(second.Raised), second.Folded)
	}

	stored := f.alerts(t, ep.UUID)
	if len(stored) != 1 {
		t.Fatalf("stored alerts = %d, want 1", len(stored))
	}
	if stored[0].Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", stored[0].Occurrences)
	}
	if snap := f.metrics.Snapshot(); snap.AlertsDeduplicated != 1 {
		t.Errorf("AlertsDeduplicated = %d, want 1", snap.AlertsDeduplicated)
	}
}

func TestProcess_SensitiveData(t *testing.T) {
	tests := []struct {
		name      string
		redacted  bool
		wantAlert bool
		wantRisk  model.RiskScore
	}{
		{"raises alert and risk", false, true, model.RiskHigh},
		{"redacted field", true, false, model.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := redact.NewRegistry()
			f := newFixture(t, DefaultConfig(), reg)
			if tt.redacted {
				reg.AddRule(redact.Rule{Host: "api.example.com", Fields: []string{"response.body.token"}})
			}

			out, err := f.in.Process(context.Background(), userTrace("/login", `{"token": "abc", "user": "ada"}`))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}

			var sensitive int
			for _, a := range out.Raised {
				if a.Category == model.AlertSensitiveData {
					sensitive++
				}
			}
			if (sensitive == 1) != tt.wantAlert {
				t.Errorf("sensitive alerts = %d, want alert %v", sensitive, tt.wantAlert)
			}
			if ep := f.endpoint(t, out.EndpointID); ep.RiskScore != tt.wantRisk {
				t.Errorf("RiskScore = %s, want %s", ep.RiskScore, tt.wantRisk)
			}

			var fields []*model.DataField
			f.store.View(func(tx *store.Tx) error {
				fields, err = tx.DataFieldsFor(out.EndpointID)
				return err
			})
			var sawToken bool
			for _, df := range fields {
				if df.FieldPath == "response.body.token" {
					sawToken = df.IsSensitive
				}
			}
			if !sawToken {
				t.Error("token field should be recorded as sensitive")
			}
		})
	}
}

func TestProcess_DiffFailureIsLoggedNotReturned(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ep := f.declare(t, usersSpec)

	err := f.store.Update(context.Background(), func(tx *store.Tx) error {
		doc, err := tx.GetSpec("users")
		if err != nil {
			return err
		}
		doc.Document = []byte(`"not a document"`)
		doc.UpdatedAt = testNow.Add(time.Minute)
		return tx.PutSpec(doc)
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	out, err := f.in.Process(context.Background(), userTrace("/v1/users/1", `{"id": 1}`))
	if err != nil {
		t.Fatalf("Process() error = %v, want diff failures swallowed", err)
	}
	if out.DiffErr == nil {
		t.Error("DiffErr should be set")
	}
	if out.EndpointID != ep.UUID || len(out.Raised) != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if snap := f.metrics.Snapshot(); snap.DiffFailures != 1 {
		t.Errorf("DiffFailures = %d, want 1", snap.DiffFailures)
	}
}

func TestNew_SeedsFingerprints(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := f.in.Process(ctx, userTrace("/health", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	reopened := newFixtureOn(t, f.store, DefaultConfig(), nil)
	stats, err := reopened.in.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.KnownFingerprints != 1 {
		t.Errorf("KnownFingerprints = %d, want 1", stats.KnownFingerprints)
	}
}

// =============================================================================
// Worker Tests
// =============================================================================

func TestDrain(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/a"} {
		f.in.LogTrace(ctx, userTrace(p, ""), nil)
	}
	f.bus.Push(ctx, &queue.Item{})

	n, err := f.in.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Drain() = %d, want 4", n)
	}

	st, _ := f.store.Stats()
	if st.Endpoints != 2 || st.Traces != 3 {
		t.Errorf("Stats() = %+v, want 2 endpoints and 3 traces", st)
	}
	if snap := f.metrics.Snapshot(); snap.TracesProcessed != 3 || snap.TracesFailed != 1 {
		t.Errorf("processed %d failed %d, want 3 and 1", snap.TracesProcessed, snap.TracesFailed)
	}
}

func TestRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PopWait = 10 * time.Millisecond
	f := newFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.in.Run(ctx) }()

	for i := 0; i < 5; i++ {
		f.in.LogTrace(ctx, userTrace("/health", ""), nil)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := f.store.Stats(); st.Traces == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	if st, _ := f.store.Stats(); st.Traces != 5 || st.Endpoints != 1 {
		t.Errorf("Stats() = %+v, want 5 traces on 1 endpoint", st)
	}
	if snap := f.metrics.Snapshot(); snap.ActiveWorkers != 0 {
		t.Errorf("ActiveWorkers = %d after Run() returned", snap.ActiveWorkers)
	}
}

func TestRun_StopsOnClosedBus(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.bus.Close()

	done := make(chan error, 1)
	go func() { done <- f.in.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, queue.ErrQueueClosed) {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() should stop when the bus is closed")
	}
}
