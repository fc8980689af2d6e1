package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/beacon/internal/aggregate"
	"github.com/linnemanlabs/beacon/internal/alert"
)

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var rep alert.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), &rep)
	if err != nil {
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
			return
		}
		a.logger.Error(r.Context(), err, "failed to submit report", "type", rep.Type)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("beacon.alert.id", res.ID),
		attribute.Bool("beacon.alert.merged", res.Merged),
	)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	f, field, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: field})
		return
	}
	writeJSON(w, http.StatusOK, a.view.Query(f))
}

// parseFilter reads severity, type and q. The list parameters accept comma
// separated values and may repeat.
func parseFilter(r *http.Request) (aggregate.Filter, string, error) {
	q := r.URL.Query()
	var f aggregate.Filter
	for _, v := range splitParam(q["severity"]) {
		s, ok := alert.ParseSeverity(v)
		if !ok {
			return f, "severity", errors.New("unknown severity " + v)
		}
		f.Severities = append(f.Severities, s)
	}
	for _, v := range splitParam(q["type"]) {
		t, ok := alert.ParseType(v)
		if !ok {
			return f, "type", errors.New("unknown type " + v)
		}
		f.Types = append(f.Types, t)
	}
	f.Query = strings.TrimSpace(q.Get("q"))
	return f, "", nil
}

func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("beacon.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("beacon.alert.state", string(al.State)))
	writeJSON(w, http.StatusOK, al)
}

// action adapts an operator transition to a handler.
func (a *API) action(name string, fn func(ctx context.Context, id string) (*alert.Alert, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(
			attribute.String("beacon.alert.id", id),
			attribute.String("beacon.alert.action", name),
		)

		al, err := fn(r.Context(), id)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				a.logger.Error(r.Context(), err, "operator action failed", "action", name, "id", id)
				writeError(w, status, "internal error")
				return
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, al)
	}
}
