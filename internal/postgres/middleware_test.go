package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRequestStats_RecordsQueriesOnSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := wrapQueryTracer(nil)

	var method string
	h := RequestStats(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = httpMethodFromContext(r.Context())
		for _, err := range []error{nil, errors.New("unique violation")} {
			qctx := tr.TraceQueryStart(r.Context(), nil, pgx.TraceQueryStartData{SQL: "INSERT INTO alerts"})
			tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: err})
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	ctx, span := tp.Tracer("test").Start(context.Background(), "POST /api/v1/alerts")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", http.NoBody).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	if method != http.MethodPost {
		t.Errorf("method label = %q, want POST", method)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["db.query_count"] != int64(2) || attrs["db.query_errors"] != int64(1) {
		t.Errorf("attributes = %v", attrs)
	}
	if _, ok := attrs["db.query_duration_ms"]; !ok {
		t.Error("missing db.query_duration_ms")
	}
}

func TestRequestStats_NoQueriesNoAttributes(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	h := RequestStats(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx, span := tp.Tracer("test").Start(context.Background(), "GET /api/v1/alerts")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx))
	span.End()

	if attrs := rec.Ended()[0].Attributes(); len(attrs) != 0 {
		t.Errorf("attributes = %v, want none", attrs)
	}
}
