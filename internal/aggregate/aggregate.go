// Package aggregate maintains the live view over active alerts that backs the
// dashboard and map: a filterable index, summary statistics and a change feed.
//
// Writers are serialized and publish immutable snapshots; readers load the
// current snapshot without locking and never observe a half-applied event.
package aggregate

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Filter selects alerts from the live view. Empty fields match everything.
type Filter struct {
	Severities []alert.Severity
	Types      []alert.Type

	// Query is matched case-insensitively against location text, type and
	// threat tags.
	Query string
}

// Stats summarizes a set of alerts.
type Stats struct {
	Total         int                    `json:"total"`
	BySeverity    map[alert.Severity]int `json:"by_severity"`
	ByType        map[alert.Type]int     `json:"by_type"`
	ByState       map[alert.State]int    `json:"by_state"`
	TotalAffected int                    `json:"total_affected"`
	LowConfidence int                    `json:"low_confidence"`
}

// View is the result of a query against one snapshot.
type View struct {
	Alerts  []*alert.Alert `json:"alerts"`
	Stats   Stats          `json:"stats"`
	Version uint64         `json:"version"`
}

type snapshot struct {
	version uint64
	alerts  map[string]*alert.Alert
}

// Aggregator is the live index. The zero value is not usable; call New.
type Aggregator struct {
	mu   sync.Mutex // serializes writers and fan-out order
	snap atomic.Pointer[snapshot]

	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// New returns an empty aggregator.
func New() *Aggregator {
	a := &Aggregator{subs: make(map[*Subscription]struct{})}
	a.snap.Store(&snapshot{alerts: map[string]*alert.Alert{}})
	return a
}

// Apply folds a committed event into the view and fans it out to
// subscribers. Resolved alerts are removed.
func (g *Aggregator) Apply(ev alert.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ev.Alert != nil {
		cur := g.snap.Load()
		next := &snapshot{version: cur.version + 1, alerts: maps.Clone(cur.alerts)}
		if ev.Alert.State.Terminal() {
			delete(next.alerts, ev.AlertID)
		} else {
			next.alerts[ev.AlertID] = ev.Alert.Clone()
		}
		g.snap.Store(next)
	}

	for s := range g.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			g.dropped.Add(1)
		}
	}
}

// Load replaces the view with the given alerts, skipping resolved ones.
func (g *Aggregator) Load(alerts []*alert.Alert) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := &snapshot{
		version: g.snap.Load().version + 1,
		alerts:  make(map[string]*alert.Alert, len(alerts)),
	}
	for _, a := range alerts {
		if !a.State.Terminal() {
			next.alerts[a.ID] = a.Clone()
		}
	}
	g.snap.Store(next)
}

// Lookup returns a copy of the live alert with the given id.
func (g *Aggregator) Lookup(id string) (*alert.Alert, bool) {
	a, ok := g.snap.Load().alerts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Len returns the number of live alerts.
func (g *Aggregator) Len() int {
	return len(g.snap.Load().alerts)
}

// Version increases with every applied change.
func (g *Aggregator) Version() uint64 {
	return g.snap.Load().version
}

// Query returns copies of the matching alerts, highest priority first and
// newest first among equals, with statistics over the same set.
func (g *Aggregator) Query(f Filter) View {
	snap := g.snap.Load()
	m := newMatcher(f)

	out := make([]*alert.Alert, 0, len(snap.alerts))
	for _, a := range snap.alerts {
		if m.match(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, byPriority)

	v := View{Alerts: make([]*alert.Alert, len(out)), Version: snap.version}
	for i, a := range out {
		v.Alerts[i] = a.Clone()
	}
	v.Stats = summarize(out)
	return v
}

// Stats summarizes every live alert.
func (g *Aggregator) Stats() Stats {
	snap := g.snap.Load()
	return summarize(slices.Collect(maps.Values(snap.alerts)))
}

// Dropped is the number of events not delivered to slow subscribers.
func (g *Aggregator) Dropped() uint64 { return g.dropped.Load() }

// Subscription receives every event applied after Subscribe. Events are
// dropped, not queued, when the buffer is full.
type Subscription struct {
	g       *Aggregator
	ch      chan alert.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a change-feed subscriber with the given buffer size.
func (g *Aggregator) Subscribe(buf int) *Subscription {
	s := &Subscription{g: g, ch: make(chan alert.Event, max(buf, 1))}
	g.mu.Lock()
	g.subs[s] = struct{}{}
	g.mu.Unlock()
	return s
}

// C delivers events. It is closed by Close.
func (s *Subscription) C() <-chan alert.Event { return s.ch }

// Dropped is the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.g.mu.Lock()
		delete(s.g.subs, s)
		close(s.ch)
		s.g.mu.Unlock()
	})
}

type matcher struct {
	sev   map[alert.Severity]bool
	types map[alert.Type]bool
	query string
}

func newMatcher(f Filter) matcher {
	m := matcher{query: strings.ToLower(strings.TrimSpace(f.Query))}
	if len(f.Severities) > 0 {
		m.sev = make(map[alert.Severity]bool, len(f.Severities))
		for _, s := range f.Severities {
			m.sev[s] = true
		}
	}
	if len(f.Types) > 0 {
		m.types = make(map[alert.Type]bool, len(f.Types))
		for _, t := range f.Types {
			m.types[t] = true
		}
	}
	return m
}

func (m matcher) match(a *alert.Alert) bool {
	if m.sev != nil && !m.sev[a.ReportedSeverity] {
		return false
	}
	if m.types != nil && !m.types[a.Type] {
		return false
	}
	if m.query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(a.LocationText), m.query) ||
		strings.Contains(string(a.Type), m.query) {
		return true
	}
	for _, t := range a.Threats {
		if strings.Contains(strings.ToLower(t), m.query) {
			return true
		}
	}
	return false
}

func byPriority(x, y *alert.Alert) int {
	if c := cmp.Compare(score(y), score(x)); c != 0 {
		return c
	}
	if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(x.ID, y.ID)
}

func score(a *alert.Alert) int {
	if a.PriorityScore == nil {
		return -1
	}
	return *a.PriorityScore
}

func summarize(alerts []*alert.Alert) Stats {
	st := Stats{
		BySeverity: make(map[alert.Severity]int, len(alert.Severities)),
		ByType:     make(map[alert.Type]int),
		ByState:    make(map[alert.State]int),
	}
	for _, sev := range alert.Severities {
		st.BySeverity[sev] = 0
	}
	for _, a := range alerts {
		st.Total++
		st.BySeverity[a.ReportedSeverity]++
		st.ByType[a.Type]++
		st.ByState[a.State]++
		st.TotalAffected += a.EstimatedAffected
		if a.ResolvedLocation != nil && a.ResolvedLocation.LowConfidence {
			st.LowConfidence++
		}
	}
	return st
}
