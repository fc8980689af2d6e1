package alertapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/aggregate"
	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/incident/memstore"
)

const mumbaiReport = `{
	"type": "flood",
	"location": "Mumbai Coastal Area",
	"description": "Heavy monsoon rains causing severe flooding in low-lying areas",
	"severity": "High",
	"estimated_affected": 8000,
	"threats": ["Flooding", "Road Blockage"],
	"anonymous": true
}`

type testEnv struct {
	router chi.Router
	svc    *incident.Service
	agg    *aggregate.Aggregator
}

// newTestEnv wires the real service with the fallback planner, so every
// alert reaches Planned without network access.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	tbl, err := incident.DefaultFallback()
	if err != nil {
		t.Fatal(err)
	}
	agg := aggregate.New()
	planner := incident.NewPlanner(nil, tbl, incident.DefaultPlannerConfig(), log.Nop())
	svc := incident.NewService(memstore.New(), agg, planner, incident.DefaultConfig(), log.Nop())
	t.Cleanup(svc.Close)

	r := chi.NewRouter()
	New(nil, svc, agg, opts...).RegisterRoutes(r)
	return &testEnv{router: r, svc: svc, agg: agg}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T, body string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", rec.Code, rec.Body)
	}
	var res incident.SubmitResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	return res.ID
}

func (e *testEnv) waitState(t *testing.T, id string, want alert.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if a, ok := e.agg.Lookup(id); ok && a.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("alert %s never reached %s", id, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &stubService{}, aggregate.New())
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_NilDeps_Panic(t *testing.T) {
	t.Parallel()

	for name, fn := range map[string]func(){
		"service": func() { New(nil, nil, aggregate.New()) },
		"view":    func() { New(nil, &stubService{}, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatalf("New without %s did not panic", name)
				}
			}()
			fn()
		})
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPut, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/alerts/x", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/alerts/x/dispatch", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v2/alerts", http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/v1/alerts/x/explode", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := e.do(t, tt.method, tt.path, ""); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

// Intake

func TestSubmit_CreatesAndMerges(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	id := e.submit(t, mumbaiReport)
	e.waitState(t, id, alert.StatePlanned)

	rec := e.do(t, http.MethodPost, "/api/v1/alerts", mumbaiReport)
	var res incident.SubmitResult
	_ = json.NewDecoder(rec.Body).Decode(&res)
	if res.ID != id || !res.Merged {
		t.Errorf("duplicate = %+v, want merge into %s", res, id)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/alerts/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var a alert.Alert
	if err := json.NewDecoder(rec.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.PriorityScore == nil || *a.PriorityScore != 93 {
		t.Errorf("priority score = %v, want 93", a.PriorityScore)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	tests := []struct {
		name, body, field string
	}{
		{"malformed json", `{"type":`, ""},
		{"unknown type", strings.Replace(mumbaiReport, `"flood"`, `"meteor"`, 1), "type"},
		{"short description", strings.Replace(mumbaiReport, "Heavy monsoon rains causing severe flooding in low-lying areas", "flood", 1), "description"},
		{"contact required", strings.Replace(mumbaiReport, `"anonymous": true`, `"anonymous": false`, 1), "contact.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/alerts", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body errorBody
			_ = json.NewDecoder(rec.Body).Decode(&body)
			if body.Field != tt.field || body.Error == "" {
				t.Errorf("body = %+v, want field %q", body, tt.field)
			}
		})
	}
	if v := e.agg.Query(aggregate.Filter{}); len(v.Alerts) != 0 {
		t.Errorf("rejected reports created %d alerts", len(v.Alerts))
	}
}

// Live view

func TestList_Filters(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.submit(t, mumbaiReport)
	fire := strings.NewReplacer(`"flood"`, `"fire"`, "Mumbai Coastal Area", "Connaught Place, Delhi", `"High"`, `"Low"`).Replace(mumbaiReport)
	e.submit(t, fire)

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?severity=High,Critical", 1},
		{"?severity=Low&severity=High", 2},
		{"?type=fire", 1},
		{"?q=mumbai", 1},
		{"?q=road+blockage", 2},
		{"?type=flood&q=delhi", 0},
	}
	for _, tt := range tests {
		rec := e.do(t, http.MethodGet, "/api/v1/alerts"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tt.query, rec.Code)
		}
		var v aggregate.View
		if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
			t.Fatal(err)
		}
		if len(v.Alerts) != tt.want || v.Stats.Total != tt.want {
			t.Errorf("%q: %d alerts (stats %d), want %d", tt.query, len(v.Alerts), v.Stats.Total, tt.want)
		}
	}
}

func TestList_BadFilter(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	for q, field := range map[string]string{"?severity=Extreme": "severity", "?type=meteor": "type"} {
		rec := e.do(t, http.MethodGet, "/api/v1/alerts"+q, "")
		var body errorBody
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if rec.Code != http.StatusBadRequest || body.Field != field {
			t.Errorf("%s = %d %+v", q, rec.Code, body)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, "/api/v1/alerts/01NOPE", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// Operator actions

func TestActions(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	id := e.submit(t, mumbaiReport)
	e.waitState(t, id, alert.StatePlanned)

	steps := []struct {
		action string
		want   int
	}{
		{"dispatch", http.StatusOK},
		{"dispatch", http.StatusConflict},
		{"replan", http.StatusOK},
		{"dispatch", http.StatusOK},
		{"resolve", http.StatusOK},
		{"replan", http.StatusConflict},
		{"geocode", http.StatusConflict},
	}
	for _, s := range steps {
		if s.action == "dispatch" && s.want == http.StatusOK {
			e.waitState(t, id, alert.StatePlanned)
		}
		rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/"+s.action, "")
		if rec.Code != s.want {
			t.Fatalf("%s = %d, want %d: %s", s.action, rec.Code, s.want, rec.Body)
		}
	}

	if rec := e.do(t, http.MethodPost, "/api/v1/alerts/01NOPE/resolve", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rec.Code)
	}
}

func TestActions_OperatorToken(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, WithOperatorToken("s3cret"))
	id := e.submit(t, mumbaiReport)
	e.waitState(t, id, alert.StatePlanned)

	if rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/dispatch", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/dispatch", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/dispatch", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200: %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/alerts", ""); rec.Code != http.StatusOK {
		t.Errorf("reads must stay open, got %d", rec.Code)
	}
}

// stubService fails every call with a fixed error.
type stubService struct{ err error }

var (
	_ AlertService = (*stubService)(nil)
	_ AlertService = (*acceptService)(nil)
)

func (s *stubService) Submit(context.Context, *alert.Report) (*incident.SubmitResult, error) {
	return nil, s.err
}
func (s *stubService) Get(context.Context, string) (*alert.Alert, bool, error) {
	return nil, false, s.err
}
func (s *stubService) Dispatch(context.Context, string) (*alert.Alert, error)  { return nil, s.err }
func (s *stubService) Replan(context.Context, string) (*alert.Alert, error)    { return nil, s.err }
func (s *stubService) Resolve(context.Context, string) (*alert.Alert, error)   { return nil, s.err }
func (s *stubService) Regeocode(context.Context, string) (*alert.Alert, error) { return nil, s.err }

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, &stubService{err: errors.New("pq: connection refused to 10.0.0.5")}, aggregate.New()).RegisterRoutes(r)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/v1/alerts", mumbaiReport},
		{http.MethodGet, "/api/v1/alerts/x", ""},
		{http.MethodPost, "/api/v1/alerts/x/dispatch", ""},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "10.0.0.5") {
			t.Errorf("%s %s = %d %s", tc.method, tc.path, rec.Code, rec.Body)
		}
	}
}

// Change feed

func TestEvents_StreamsSnapshotThenChanges(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", http.NoBody)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return ""
	}

	if got := next(); got != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", got)
	}
	e.submit(t, mumbaiReport)
	if got := next(); got != string(alert.EventCreated) {
		t.Fatalf("event = %q, want %s", got, alert.EventCreated)
	}
	for got := next(); got != string(alert.EventPlanned); got = next() {
	}
}
