package postgres

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestStats labels queries made while serving a request with its HTTP
// method and totals them. When the request span is recording, the totals are
// set on it as db.query_count, db.query_errors and db.query_duration_ms.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		stats, _ := ReqDBStatsFromContext(ctx)
		n, total, errs := stats.Snapshot()
		if n == 0 {
			return
		}
		span.SetAttributes(
			attribute.Int("db.query_count", n),
			attribute.Int("db.query_errors", errs),
			attribute.Float64("db.query_duration_ms", float64(total.Microseconds())/1000),
		)
	})
}
