// Package alertapi exposes the alert pipeline over HTTP: report intake, the
// filterable live view, a server-sent change feed and operator actions.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/beacon/internal/aggregate"
	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/authmw"
	"github.com/linnemanlabs/beacon/internal/incident"
)

// AlertService defines the business operations alertapi needs.
type AlertService interface {
	Submit(ctx context.Context, r *alert.Report) (*incident.SubmitResult, error)
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	Dispatch(ctx context.Context, id string) (*alert.Alert, error)
	Replan(ctx context.Context, id string) (*alert.Alert, error)
	Resolve(ctx context.Context, id string) (*alert.Alert, error)
	Regeocode(ctx context.Context, id string) (*alert.Alert, error)
}

// LiveView is the read side backing list queries and the change feed.
type LiveView interface {
	Query(f aggregate.Filter) aggregate.View
	Subscribe(buf int) *aggregate.Subscription
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    AlertService
	view   LiveView

	operatorToken string
	heartbeat     time.Duration
	feedBuffer    int
}

// Option configures an API.
type Option func(*API)

// WithOperatorToken requires a bearer token on operator actions.
func WithOperatorToken(token string) Option { return func(a *API) { a.operatorToken = token } }

// WithHeartbeat sets the idle interval between change-feed keepalives.
func WithHeartbeat(d time.Duration) Option { return func(a *API) { a.heartbeat = d } }

// New creates a new API handler.
func New(logger log.Logger, svc AlertService, view LiveView, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("alert service is required"))
	}
	if view == nil {
		panic(xerrors.New("live view is required"))
	}
	a := &API{
		logger:     logger,
		svc:        svc,
		view:       view,
		heartbeat:  15 * time.Second,
		feedBuffer: 64,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleSubmit)
		r.Get("/alerts", a.handleList)
		r.Get("/alerts/{id}", a.handleGet)
		r.Get("/events", a.handleEvents)

		r.Group(func(r chi.Router) {
			if a.operatorToken != "" {
				r.Use(authmw.BearerToken(a.operatorToken))
			}
			r.Post("/alerts/{id}/dispatch", a.action("dispatch", a.svc.Dispatch))
			r.Post("/alerts/{id}/replan", a.action("replan", a.svc.Replan))
			r.Post("/alerts/{id}/resolve", a.action("resolve", a.svc.Resolve))
			r.Post("/alerts/{id}/geocode", a.action("geocode", a.svc.Regeocode))
		})
	})
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *alert.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alert.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
