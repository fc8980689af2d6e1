package alert

import "time"

// EventKind names a change-feed event.
type EventKind string

const (
	EventCreated    EventKind = "AlertCreated"
	EventMerged     EventKind = "AlertMerged"
	EventScored     EventKind = "AlertScored"
	EventGeocoded   EventKind = "AlertGeocoded"
	EventPlanned    EventKind = "AlertPlanned"
	EventDispatched EventKind = "AlertDispatched"
	EventFailed     EventKind = "AlertFailed"
	EventResolved   EventKind = "AlertResolved"
)

// Event is emitted once per committed store change. Alert is a snapshot of the
// alert as committed and must not be mutated by receivers.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"kind"`
	AlertID string    `json:"alert_id"`
	At      time.Time `json:"at"`
	Alert   *Alert    `json:"alert"`
}
