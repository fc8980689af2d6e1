package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/beacon/internal/alertapi"
	"github.com/linnemanlabs/beacon/internal/postgres"
)

// maxReportBody caps a submitted report. Reports are a few hundred bytes.
const maxReportBody = 64 << 10

// healthPaths are served on the public listener but never traced.
var healthPaths = map[string]bool{"/-/healthy": true, "/-/ready": true}

// publicHandler builds the public listener: the chi router with the alert
// API, wrapped in the shared middleware stack. Wrappers are applied inside
// out, so the last one added sees the raw request first.
func publicHandler(L log.Logger, api *alertapi.API, healthz, readyz http.HandlerFunc, instrument func(http.Handler) http.Handler, trustedHops int) http.Handler {
	r := chi.NewRouter()

	// JSON only; the SSE stream is text/event-stream and stays uncompressed
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(postgres.RequestStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxReportBody))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)
	api.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !healthPaths[r.URL.Path] }),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}
