package incident

import (
	"context"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// PlanGenerator produces a response plan for an alert snapshot. Failures that
// are worth retrying should be wrapped with MarkTransient.
type PlanGenerator interface {
	Generate(ctx context.Context, a *alert.Alert) (*alert.ResponsePlan, error)
}

// Geocoder resolves free-text locations. Implementations return
// geo.ErrUnresolved when the text matches nothing.
type Geocoder interface {
	Resolve(ctx context.Context, text string) (*alert.Location, error)
}

// Notifier is told about events operators should see, such as a new plan or a
// failed alert. Errors are logged and never block the pipeline.
type Notifier interface {
	Notify(ctx context.Context, ev alert.Event) error
}

// Index is the live view updated with every committed change.
type Index interface {
	Apply(ev alert.Event)
	Load(alerts []*alert.Alert)
	Lookup(id string) (*alert.Alert, bool)
}

// callBounded runs fn and returns when it does or when ctx is done, whichever
// comes first. A collaborator that ignores ctx is abandoned on expiry and its
// late result dropped.
func callBounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
