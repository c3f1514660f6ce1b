package specwatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
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
  /users:
    get:
      responses:
        "200":
          description: ok
`

const usersOnlyByID = `
openapi: 3.0.3
info:
  title: Users
  version: "2.0"
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
`

func ordersSpec(title string) string {
	return fmt.Sprintf(`
openapi: 3.0.3
info:
  title: %s
  version: "1.0"
servers:
  - url: https://shop.example.com
paths:
  /orders/{id}:
    get:
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: ok
`, title)
}

var testNow = time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithStorePath(filepath.Join(t.TempDir(), "specwatch.db")),
		WithLogger(logger.Nop()),
		WithClock(func() time.Time { return testNow }),
	}
	e, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func userTrace(path string, status int, body string) *model.Trace {
	return &model.Trace{
		Host:      "api.example.com",
		Method:    "GET",
		Path:      path,
		Response:  model.Response{Status: status, Body: body},
		CreatedAt: testNow,
	}
}

func mustUpload(t *testing.T, e *Engine, name, raw string) *UploadResult {
	t.Helper()
	res, err := e.UploadSpec(context.Background(), name, []byte(raw))
	if err != nil {
		t.Fatalf("UploadSpec(%s) error = %v", name, err)
	}
	return res
}

func mustProcess(t *testing.T, e *Engine, trace *model.Trace) string {
	t.Helper()
	out, err := e.ProcessTrace(context.Background(), trace)
	if err != nil {
		t.Fatalf("ProcessTrace(%s) error = %v", trace.Path, err)
	}
	return out.EndpointID
}

func endpointPaths(t *testing.T, e *Engine, host string) []string {
	t.Helper()
	eps, err := e.ListEndpoints(host)
	if err != nil {
		t.Fatalf("ListEndpoints() error = %v", err)
	}
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Method + " " + ep.Path
	}
	return out
}

// =============================================================================
// New() Tests
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	e := newTestEngine(t)

	if e.config.Queue.Driver != queue.DriverMemory {
		t.Errorf("Driver = %s, want memory", e.config.Queue.Driver)
	}
	if _, ok := e.bus.(*queue.MemoryBus); !ok {
		t.Errorf("bus = %T, want *queue.MemoryBus", e.bus)
	}
	if e.ingestor == nil || e.reconciler == nil || e.parser == nil {
		t.Error("engine components not wired")
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(WithStorePath(""), WithLogger(logger.Nop()))
	if err == nil {
		t.Error("New() should fail without a store path")
	}
}

func TestNew_BoltBus(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Queue.Driver = queue.DriverBolt
	cfg.Queue.BoltPath = filepath.Join(dir, "queue.db")

	e := newTestEngine(t, WithConfig(cfg), WithStorePath(filepath.Join(dir, "store.db")))
	if _, ok := e.bus.(*queue.BoltBus); !ok {
		t.Fatalf("bus = %T, want *queue.BoltBus", e.bus)
	}

	accepted, err := e.LogTrace(context.Background(), userTrace("/v1/ping", 200, ""))
	if err != nil || !accepted {
		t.Fatalf("LogTrace() = %v, %v", accepted, err)
	}
	n, err := e.Drain(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Drain() = %d, %v, want 1", n, err)
	}
}

func TestNew_SuppliedBusIsNotClosed(t *testing.T) {
	bus := queue.NewMemoryBus(0)
	e := newTestEngine(t, WithBus(bus))

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Push(context.Background(), &queue.Item{}); err != nil {
		t.Errorf("supplied bus was closed: %v", err)
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// Spec Lifecycle Tests
// =============================================================================

func TestUploadSpec_CreatesDeclaredEndpoints(t *testing.T) {
	e := newTestEngine(t)

	res := mustUpload(t, e, "users", usersSpec)

	if res.Operations != 2 || len(res.Created) != 2 || len(res.Updated) != 0 {
		t.Errorf("result = %d ops, %d created, %d updated", res.Operations, len(res.Created), len(res.Updated))
	}
	want := []string{"GET /v1/users", "GET /v1/users/{id}"}
	if diff := cmp.Diff(want, endpointPaths(t, e, "api.example.com")); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}

	doc, err := e.GetSpec("users")
	if err != nil {
		t.Fatalf("GetSpec() error = %v", err)
	}
	if doc.IsAutoGenerated || doc.Extension != "yaml" {
		t.Errorf("doc = auto %v ext %s", doc.IsAutoGenerated, doc.Extension)
	}
	if diff := cmp.Diff([]string{"api.example.com"}, doc.Hosts); diff != "" {
		t.Errorf("hosts mismatch (-want +got):\n%s", diff)
	}
	if got := e.metrics.Snapshot().SpecsUploaded; got != 1 {
		t.Errorf("SpecsUploaded = %d, want 1", got)
	}
}

func TestUploadSpec_MixedCaseServerHost(t *testing.T) {
	e := newTestEngine(t)
	raw := strings.Replace(usersSpec, "https://api.example.com/v1", "https://API.Example.com/v1", 1)

	res := mustUpload(t, e, "users", raw)

	doc, err := e.GetSpec("users")
	if err != nil {
		t.Fatalf("GetSpec() error = %v", err)
	}
	if diff := cmp.Diff([]string{"api.example.com"}, doc.Hosts); diff != "" {
		t.Errorf("hosts mismatch (-want +got):\n%s", diff)
	}

	var byID *model.Endpoint
	for _, ep := range res.Created {
		if ep.Host != "api.example.com" {
			t.Errorf("declared endpoint host = %q, want api.example.com", ep.Host)
		}
		if ep.Path == "/v1/users/{id}" {
			byID = ep
		}
	}
	if byID == nil {
		t.Fatal("upload should declare /v1/users/{id}")
	}

	trace := userTrace("/v1/users/42", 200, `{"id": 42, "name": "ada"}`)
	trace.Host = "API.Example.com"
	if got := mustProcess(t, e, trace); got != byID.UUID {
		t.Errorf("trace attributed to %s, want declared endpoint %s", got, byID.UUID)
	}
	want := []string{"GET /v1/users", "GET /v1/users/{id}"}
	if diff := cmp.Diff(want, endpointPaths(t, e, "api.example.com")); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestUploadSpecFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/specs/users.yaml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(usersSpec))
	}))
	defer server.Close()

	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.UploadSpecFromURL(ctx, "users", server.URL+"/specs/users.yaml")
	if err != nil {
		t.Fatalf("UploadSpecFromURL() error = %v", err)
	}
	if res.Operations != 2 {
		t.Errorf("Operations = %d, want 2", res.Operations)
	}

	if _, err := e.UploadSpecFromURL(ctx, "missing", server.URL+"/specs/missing.yaml"); !drifterrors.IsNotFound(err) {
		t.Errorf("UploadSpecFromURL(missing) error = %v, want NotFound", err)
	}
}

func TestUploadSpec_SupersedesGeneratedLiteral(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	literalID := mustProcess(t, e, userTrace("/v1/users/123", 200, `{"id": 123, "name": "ada"}`))
	if _, err := e.GenerateSpec(ctx, "api.example.com"); err != nil {
		t.Fatalf("GenerateSpec() error = %v", err)
	}

	res := mustUpload(t, e, "users", usersOnlyByID)

	want := []string{"GET /v1/users/{id}"}
	if diff := cmp.Diff(want, endpointPaths(t, e, "api.example.com")); diff != "" {
		t.Fatalf("endpoints mismatch (-want +got):\n%s", diff)
	}
	if _, err := e.GetEndpoint(literalID); !drifterrors.IsNotFound(err) {
		t.Errorf("literal endpoint should be deleted, err = %v", err)
	}
	if res.Merge.Superseded != 1 || res.Merge.TracesRepointed != 1 {
		t.Errorf("merge = %+v, want 1 superseded and 1 trace repointed", res.Merge)
	}

	survivor := res.Created[0]
	traces, err := e.ListTraces(survivor.UUID, 10)
	if err != nil {
		t.Fatalf("ListTraces() error = %v", err)
	}
	if len(traces) != 1 || traces[0].Path != "/v1/users/123" {
		t.Errorf("traces = %+v, want the repointed literal trace", traces)
	}
	if survivor.RiskScore != model.RiskLow {
		t.Errorf("RiskScore = %s, want inherited LOW", survivor.RiskScore)
	}
}

func TestUploadSpec_ConflictMakesNoChanges(t *testing.T) {
	e := newTestEngine(t)
	mustUpload(t, e, "orders-a", ordersSpec("A"))

	before, err := e.store.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	_, err = e.UploadSpec(context.Background(), "orders-b", []byte(ordersSpec("B")))
	if !drifterrors.IsConflict(err) {
		t.Fatalf("UploadSpec() error = %v, want Conflict", err)
	}

	after, _ := e.store.Stats()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("store changed on conflict (-before +after):\n%s", diff)
	}
	if _, err := e.GetSpec("orders-b"); !drifterrors.IsNotFound(err) {
		t.Errorf("conflicting spec should not be stored, err = %v", err)
	}
	eps, _ := e.ListEndpoints("shop.example.com")
	if len(eps) != 1 || eps[0].SpecName != "orders-a" {
		t.Errorf("endpoint ownership changed: %+v", eps)
	}
}

func TestUploadSpec_Unprocessable(t *testing.T) {
	tests := []struct {
		name string
		spec string
		raw  string
	}{
		{"empty name", "", usersSpec},
		{"not a document", "junk", "::: not yaml :::"},
		{"no servers", "noservers", "openapi: 3.0.3\ninfo: {title: x, version: '1'}\npaths:\n  /a:\n    get:\n      responses:\n        '200': {description: ok}\n"},
		{"no paths", "nopaths", "openapi: 3.0.3\ninfo: {title: x, version: '1'}\nservers: [{url: 'https://a.example.com'}]\npaths: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			_, err := e.UploadSpec(context.Background(), tt.spec, []byte(tt.raw))
			if !drifterrors.IsUnprocessable(err) {
				t.Fatalf("UploadSpec() error = %v, want UnprocessableContract", err)
			}
			if got := drifterrors.HTTPStatus(err); got != 422 {
				t.Errorf("HTTPStatus = %d, want 422", got)
			}
			specs, _ := e.ListSpecs()
			if len(specs) != 0 {
				t.Errorf("specs stored after failure: %d", len(specs))
			}
		})
	}
}

func TestUploadSpec_ReuploadDetachesUndeclared(t *testing.T) {
	e := newTestEngine(t)
	mustUpload(t, e, "users", usersSpec)

	res := mustUpload(t, e, "users", usersOnlyByID)

	if len(res.Detached) != 1 || len(res.Updated) != 1 {
		t.Fatalf("result = %d detached, %d updated, want 1 and 1", len(res.Detached), len(res.Updated))
	}
	eps, _ := e.ListEndpoints("api.example.com")
	owners := map[string]string{}
	for _, ep := range eps {
		owners[ep.Path] = ep.SpecName
	}
	want := map[string]string{"/v1/users": "", "/v1/users/{id}": "users"}
	if diff := cmp.Diff(want, owners); diff != "" {
		t.Errorf("ownership mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteSpec(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustUpload(t, e, "users", usersSpec)

	detached, err := e.DeleteSpec(ctx, "users")
	if err != nil {
		t.Fatalf("DeleteSpec() error = %v", err)
	}
	if len(detached) != 2 {
		t.Errorf("detached = %d, want 2", len(detached))
	}
	if _, err := e.GetSpec("users"); !drifterrors.IsNotFound(err) {
		t.Errorf("GetSpec() after delete error = %v, want NotFound", err)
	}
	if got := endpointPaths(t, e, ""); len(got) != 2 {
		t.Errorf("endpoints should survive spec deletion, got %v", got)
	}

	if _, err := e.DeleteSpec(ctx, "users"); !drifterrors.IsNotFound(err) {
		t.Errorf("second DeleteSpec() error = %v, want NotFound", err)
	}
}

func TestDeleteSpec_GeneratedIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustProcess(t, e, userTrace("/v1/health", 200, ""))

	doc, err := e.GenerateSpec(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("GenerateSpec() error = %v", err)
	}
	if _, err := e.DeleteSpec(ctx, doc.Name); !drifterrors.IsConflict(err) {
		t.Errorf("DeleteSpec(generated) error = %v, want Conflict", err)
	}
}

func TestGenerateSpec(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustProcess(t, e, userTrace("/v1/health", 204, ""))
	mustProcess(t, e, userTrace("/v1/users/7", 404, ""))

	doc, err := e.GenerateSpec(ctx, "API.example.com")
	if err != nil {
		t.Fatalf("GenerateSpec() error = %v", err)
	}
	if doc.Name != "auto-api.example.com" || !doc.IsAutoGenerated {
		t.Errorf("doc = %s auto %v", doc.Name, doc.IsAutoGenerated)
	}
	for _, want := range []string{`"/v1/health"`, `"204"`, `"404"`, `"https://api.example.com"`} {
		if !strings.Contains(string(doc.Document), want) {
			t.Errorf("document missing %s: %s", want, doc.Document)
		}
	}

	eps, _ := e.ListEndpoints("api.example.com")
	for _, ep := range eps {
		if ep.SpecName != doc.Name {
			t.Errorf("%s linked to %q, want %q", ep.Path, ep.SpecName, doc.Name)
		}
	}

	if _, err := e.GenerateSpec(ctx, "nothing.example.com"); !drifterrors.IsNotFound(err) {
		t.Errorf("GenerateSpec(unknown host) error = %v, want NotFound", err)
	}
}

// =============================================================================
// Resolution Tests
// =============================================================================

func TestResolveAndMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.ResolveAndMerge(ctx, "/items/{id}", "get", "Shop.example.com", "")
	if err != nil {
		t.Fatalf("ResolveAndMerge() error = %v", err)
	}
	if first.Created == nil || first.Created.Host != "shop.example.com" || first.Created.Method != "GET" {
		t.Fatalf("first = %+v, want a created GET shop.example.com identity", first)
	}

	second, err := e.ResolveAndMerge(ctx, "/items/{id}", "GET", "shop.example.com", "")
	if err != nil {
		t.Fatalf("ResolveAndMerge() error = %v", err)
	}
	if second.Updated == nil || second.Endpoint().UUID != first.Created.UUID {
		t.Errorf("second = %+v, want the same identity updated", second)
	}
}

func TestResolveAndMerge_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustUpload(t, e, "orders-a", ordersSpec("A"))

	tests := []struct {
		name  string
		path  string
		spec  string
		check func(error) bool
	}{
		{"invalid path", "/items//x", "", drifterrors.IsInvalidPath},
		{"unknown spec", "/items", "missing", drifterrors.IsNotFound},
		{"owned by another spec", "/orders/{id}", "", drifterrors.IsConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := "shop.example.com"
			_, err := e.ResolveAndMerge(ctx, tt.path, "GET", host, tt.spec)
			if !tt.check(err) {
				t.Errorf("ResolveAndMerge() error = %v", err)
			}
		})
	}
}

func TestResolveAndMerge_ConcurrentOverlapsStaySerialized(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/a/{id}"
			if i%2 == 1 {
				path = fmt.Sprintf("/a/%d", i)
			}
			if _, err := e.ResolveAndMerge(ctx, path, "GET", "race.example.com", ""); err != nil {
				errs <- fmt.Errorf("%s: %w", path, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ResolveAndMerge() error = %v", err)
	}

	live, err := e.ListEndpoints("race.example.com")
	if err != nil {
		t.Fatalf("ListEndpoints() error = %v", err)
	}
	if len(live) == 0 {
		t.Fatal("at least one identity should survive")
	}
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := pathmatch.MustCompile(live[i].Path), pathmatch.MustCompile(live[j].Path)
			if pathmatch.Overlaps(a, b) {
				t.Errorf("live identities %s and %s overlap", live[i].Path, live[j].Path)
			}
		}
	}
}

func TestUpdateEndpointPaths(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	literalID := mustProcess(t, e, userTrace("/v1/users/1", 200, ""))
	mustProcess(t, e, userTrace("/v1/users/2", 200, ""))

	res, err := e.UpdateEndpointPaths(ctx, literalID, []string{"/v1/users/{id}"})
	if err != nil {
		t.Fatalf("UpdateEndpointPaths() error = %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Created == nil {
		t.Fatalf("results = %+v, want one created identity", res.Results)
	}
	if res.Merge.Superseded != 2 || res.Merge.TracesRepointed != 2 {
		t.Errorf("merge = %+v, want both literals superseded", res.Merge)
	}
	if diff := cmp.Diff([]string{"GET /v1/users/{id}"}, endpointPaths(t, e, "api.example.com")); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateEndpointPaths_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id := mustProcess(t, e, userTrace("/v1/users/1", 200, ""))

	if _, err := e.UpdateEndpointPaths(ctx, "missing", []string{"/x"}); !drifterrors.IsNotFound(err) {
		t.Errorf("missing endpoint error = %v, want NotFound", err)
	}
	if _, err := e.UpdateEndpointPaths(ctx, id, nil); !drifterrors.IsInvalidPath(err) {
		t.Errorf("no paths error = %v, want InvalidPath", err)
	}
	if _, err := e.UpdateEndpointPaths(ctx, id, []string{"/v1/{a}/{a}"}); !drifterrors.IsInvalidPath(err) {
		t.Errorf("bad path error = %v, want InvalidPath", err)
	}
}

// =============================================================================
// Diff and Suggestion Tests
// =============================================================================

func TestDiffTraceAgainstSpec(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	res := mustUpload(t, e, "users", usersOnlyByID+`
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
`)
	ep := res.Created[0]

	found, err := e.DiffTraceAgainstSpec(ctx, userTrace("/v1/users/7", 200, `{"id": 7}`), ep.UUID)
	if err != nil {
		t.Fatalf("DiffTraceAgainstSpec() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("alerts = %d, want 1", len(found))
	}
	if found[0].Category != model.AlertSpecDiffResponse || found[0].FieldPath() != "response.body.name" {
		t.Errorf("alert = %s %s", found[0].Category, found[0].FieldPath())
	}

	stored, _ := e.ListAlerts(ep.UUID)
	if len(stored) != 0 {
		t.Errorf("DiffTraceAgainstSpec persisted %d alerts", len(stored))
	}

	if _, err := e.DiffTraceAgainstSpec(ctx, userTrace("/v1/users/7", 200, ""), "missing"); !drifterrors.IsNotFound(err) {
		t.Errorf("missing endpoint error = %v, want NotFound", err)
	}
}

func TestDiffTraceAgainstSpec_NormalizesTrace(t *testing.T) {
	e := newTestEngine(t)
	res := mustUpload(t, e, "users", usersSpec)
	var ep *model.Endpoint
	for _, c := range res.Created {
		if c.Path == "/v1/users/{id}" {
			ep = c
		}
	}
	if ep == nil {
		t.Fatal("upload should declare /v1/users/{id}")
	}

	tests := []struct {
		name   string
		host   string
		method string
		path   string
	}{
		{"canonical", "api.example.com", "GET", "/v1/users/7"},
		{"query string", "api.example.com", "GET", "/v1/users/7?x=1"},
		{"mixed case", "API.Example.com", "get", "/v1/users/7?expand=orders&x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trace := userTrace(tt.path, 200, `{"id": 7}`)
			trace.Host = tt.host
			trace.Method = tt.method

			found, err := e.DiffTraceAgainstSpec(context.Background(), trace, ep.UUID)
			if err != nil {
				t.Fatalf("DiffTraceAgainstSpec() error = %v", err)
			}
			if len(found) != 1 || found[0].FieldPath() != "response.body.name" {
				t.Fatalf("alerts = %v, want one on response.body.name", found)
			}
			if trace.Path != tt.path || trace.Host != tt.host {
				t.Errorf("caller's trace was modified: %s %s", trace.Host, trace.Path)
			}
		})
	}
}

func TestDiffTraceAgainstSpec_NoSpecSkips(t *testing.T) {
	e := newTestEngine(t)
	id := mustProcess(t, e, userTrace("/v1/ping", 200, `{"x": 1}`))

	found, err := e.DiffTraceAgainstSpec(context.Background(), userTrace("/v1/ping", 500, ""), id)
	if err != nil || len(found) != 0 {
		t.Errorf("DiffTraceAgainstSpec() = %v, %v, want no alerts", found, err)
	}
}

func TestSuggestPathTemplates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.ResolveAndMerge(ctx, "/v1/users/{id}", "GET", "api.example.com", "")
	if err != nil {
		t.Fatalf("ResolveAndMerge() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		mustProcess(t, e, userTrace(fmt.Sprintf("/v1/users/%d", i), 200, ""))
	}

	templates, err := e.SuggestPathTemplates(ctx, res.Created.UUID)
	if err != nil {
		t.Fatalf("SuggestPathTemplates() error = %v", err)
	}
	if diff := cmp.Diff([]string{"/v1/users/{param1}"}, templates); diff != "" {
		t.Errorf("templates mismatch (-want +got):\n%s", diff)
	}

	if _, err := e.SuggestPathTemplates(ctx, "missing"); !drifterrors.IsNotFound(err) {
		t.Errorf("missing endpoint error = %v, want NotFound", err)
	}
}

func TestSuggestPaths_NoTraces(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.ResolveAndMerge(context.Background(), "/v1/orders", "GET", "api.example.com", "")
	if err != nil {
		t.Fatalf("ResolveAndMerge() error = %v", err)
	}

	got, err := e.SuggestPaths(context.Background(), res.Created.UUID)
	if err != nil || len(got) != 0 {
		t.Errorf("SuggestPaths() = %v, %v, want empty", got, err)
	}
}

// =============================================================================
// Ingestion and Query Tests
// =============================================================================

func TestLogTraces_Backpressure(t *testing.T) {
	e := newTestEngine(t, WithBacklogThreshold(2))

	traces := []*model.Trace{
		userTrace("/v1/a", 200, ""),
		userTrace("/v1/b", 200, ""),
		userTrace("/v1/c", 200, ""),
		userTrace("/v1/d", 200, ""),
	}
	accepted, err := e.LogTraces(context.Background(), traces)
	if err != nil {
		t.Fatalf("LogTraces() error = %v", err)
	}
	if accepted != 3 {
		t.Errorf("accepted = %d, want 3", accepted)
	}
	if got := e.metrics.Snapshot().TracesDropped; got != 1 {
		t.Errorf("TracesDropped = %d, want 1", got)
	}

	n, err := e.Drain(context.Background())
	if err != nil || n != 3 {
		t.Errorf("Drain() = %d, %v, want 3", n, err)
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	e := newTestEngine(t, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 4; i++ {
		if _, err := e.LogTrace(ctx, userTrace(fmt.Sprintf("/v1/items/%d", i), 200, "")); err != nil {
			t.Fatalf("LogTrace() error = %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for e.metrics.Snapshot().TracesProcessed < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if got := e.metrics.Snapshot().TracesProcessed; got != 4 {
		t.Errorf("TracesProcessed = %d, want 4", got)
	}
}

func TestGetEndpoint_Detail(t *testing.T) {
	e := newTestEngine(t)
	id := mustProcess(t, e, userTrace("/v1/login", 200, `{"token": "abc", "user": {"id": 1}}`))

	detail, err := e.GetEndpoint(id)
	if err != nil {
		t.Fatalf("GetEndpoint() error = %v", err)
	}
	if detail.Endpoint.RiskScore != model.RiskHigh {
		t.Errorf("RiskScore = %s, want HIGH after a sensitive field", detail.Endpoint.RiskScore)
	}
	if len(detail.DataFields) != 3 {
		t.Errorf("DataFields = %d, want 3", len(detail.DataFields))
	}
	if len(detail.Aggregates) != 1 || detail.Aggregates[0].Count != 1 {
		t.Errorf("Aggregates = %+v", detail.Aggregates)
	}
	if detail.Alerts != 2 {
		t.Errorf("Alerts = %d, want NEW_ENDPOINT and SENSITIVE_DATA", detail.Alerts)
	}
}

func TestBlockFields(t *testing.T) {
	e := newTestEngine(t)
	res := mustUpload(t, e, "users", usersOnlyByID+`
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
`)
	id := res.Created[0].UUID

	if err := e.BlockFields(id, "response.body.name"); err != nil {
		t.Fatalf("BlockFields() error = %v", err)
	}
	found, _ := e.DiffTraceAgainstSpec(context.Background(), userTrace("/v1/users/7", 200, `{"id": 7}`), id)
	if len(found) != 0 {
		t.Errorf("redacted field still alerted: %+v", found)
	}

	if err := e.BlockFields("missing", "x"); !drifterrors.IsNotFound(err) {
		t.Errorf("BlockFields(missing) error = %v, want NotFound", err)
	}
}

func TestListAlerts(t *testing.T) {
	e := newTestEngine(t)
	a := mustProcess(t, e, userTrace("/v1/a", 200, ""))
	mustProcess(t, e, userTrace("/v1/b", 200, ""))

	all, err := e.ListAlerts("")
	if err != nil || len(all) != 2 {
		t.Errorf("ListAlerts(all) = %d, %v, want 2", len(all), err)
	}
	one, err := e.ListAlerts(a)
	if err != nil || len(one) != 1 || one[0].Category != model.AlertNewEndpoint {
		t.Errorf("ListAlerts(a) = %+v, %v", one, err)
	}
	if _, err := e.ListAlerts("missing"); !drifterrors.IsNotFound(err) {
		t.Errorf("ListAlerts(missing) error = %v, want NotFound", err)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	mustUpload(t, e, "users", usersSpec)
	mustProcess(t, e, userTrace("/v1/users/1", 200, ""))

	st, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Store.Specs != 1 || st.Store.Endpoints != 2 || st.Store.Traces != 1 {
		t.Errorf("store stats = %+v", st.Store)
	}
	if st.Ingest.BacklogThreshold != 1000 {
		t.Errorf("BacklogThreshold = %d, want 1000", st.Ingest.BacklogThreshold)
	}
	if st.Metrics.EndpointsCreated != 2 {
		t.Errorf("EndpointsCreated = %d, want 2", st.Metrics.EndpointsCreated)
	}
}

func TestMetricsHandler(t *testing.T) {
	e := newTestEngine(t)
	mustUpload(t, e, "users", usersSpec)

	srv := httptest.NewServer(e.MetricsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "specwatch_specs_uploaded_total 1") {
		t.Errorf("exposition missing specs counter:\n%s", body)
	}
}
