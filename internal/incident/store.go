package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Store is the persistence interface for alerts. Implementations return
// copies; callers never share pointers with the store.
type Store interface {
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)

	// FindLive returns the most recent non-resolved alert with the given
	// dedupe key created at or after since.
	FindLive(ctx context.Context, dedupeKey string, since time.Time) (*alert.Alert, bool, error)

	Put(ctx context.Context, a *alert.Alert) error

	// ListActive returns every non-resolved alert, oldest first.
	ListActive(ctx context.Context) ([]*alert.Alert, error)
}
