package alertapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/beacon/internal/aggregate"
)

// handleEvents streams the change feed as server-sent events. The first
// event is a "snapshot" carrying the full live view; every later event is one
// committed change, named by its kind. Events a slow client cannot keep up
// with are dropped and the client should refetch the view.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	sub := a.view.Subscribe(a.feedBuffer)
	defer sub.Close()

	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	view := a.view.Query(aggregate.Filter{})
	if err := writeEvent(w, "snapshot", strconv.FormatUint(view.Version, 10), view); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		a.logger.Warn(ctx, "change feed requires a flushable response writer", "err", err)
		return
	}

	tick := time.NewTicker(a.heartbeat)
	defer tick.Stop()
	var dropped uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if d := sub.Dropped(); d != dropped {
				if err := writeEvent(w, "dropped", "", map[string]uint64{"dropped": d - dropped}); err != nil {
					return
				}
				dropped = d
			}
			if err := writeEvent(w, string(ev.Kind), strconv.FormatUint(ev.Seq, 10), ev); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
