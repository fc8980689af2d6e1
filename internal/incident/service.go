package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/scoring"
)

var errNoGeocoder = errors.New("no geocoder configured")

// Config holds pipeline tuning.
type Config struct {
	// DedupeWindow is how long after creation a live alert absorbs duplicates.
	DedupeWindow time.Duration

	// GeocodeTimeout is the hard deadline for one geocoder call.
	GeocodeTimeout time.Duration
}

// DefaultConfig returns a 30 minute dedupe window and a 3s geocode timeout.
func DefaultConfig() Config {
	return Config{DedupeWindow: 30 * time.Minute, GeocodeTimeout: 3 * time.Second}
}

// ServiceHooks receives pipeline events. Nil funcs are skipped.
type ServiceHooks struct {
	// OnSubmit fires with "created", "merged", "invalid" or "error".
	OnSubmit func(result string)

	// OnEvent fires once per committed event.
	OnEvent func(kind alert.EventKind)

	// OnGeocode fires with "resolved", "unresolved" or "timeout".
	OnGeocode func(outcome string, duration float64)
}

// SubmitResult is the outcome of submitting a report.
type SubmitResult struct {
	ID     string `json:"id"`
	Merged bool   `json:"merged"`
}

// run is one in-flight background task for an alert. A newer run for the
// same alert replaces it, and late results from a replaced run are dropped.
type run struct {
	epoch  uint64
	cancel context.CancelFunc
}

// Service is the business boundary for the alert lifecycle. It owns intake,
// deduplication, state transitions and the background analysis of each alert.
// Every mutation of an alert happens under that alert's lock and is committed
// to the store and then the index before the lock is released.
type Service struct {
	store    Store
	index    Index
	planner  *Planner
	geocoder Geocoder
	notifier Notifier
	logger   log.Logger
	cfg      Config
	hooks    ServiceHooks

	now   func() time.Time
	newID func() string

	alertLocks *keyedMutex
	keyLocks   *keyedMutex
	seq        atomic.Uint64
	epoch      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	plans   map[string]*run
	geocode map[string]*run
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithGeocoder sets the geocoder. Without one every alert is unresolved.
func WithGeocoder(g Geocoder) Option { return func(s *Service) { s.geocoder = g } }

// WithNotifier sets the operator notifier.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithHooks installs metric callbacks.
func WithHooks(h ServiceHooks) Option { return func(s *Service) { s.hooks = h } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDs replaces the ULID generator, for tests.
func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// NewService creates a new alert service.
func NewService(store Store, index Index, planner *Planner, cfg Config, logger log.Logger, opts ...Option) *Service {
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if index == nil {
		panic(xerrors.New("alert index is required"))
	}
	if planner == nil {
		panic(xerrors.New("planner is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:      store,
		index:      index,
		planner:    planner,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
		alertLocks: newKeyedMutex(),
		keyLocks:   newKeyedMutex(),
		ctx:        ctx,
		cancel:     cancel,
		plans:      make(map[string]*run),
		geocode:    make(map[string]*run),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates a report and either creates a new alert or merges it into
// the live alert with the same dedupe key. Invalid reports return a
// *alert.ValidationError and create nothing.
func (s *Service) Submit(ctx context.Context, r *alert.Report) (*SubmitResult, error) {
	if err := r.Validate(); err != nil {
		s.onSubmit("invalid")
		return nil, err
	}
	typ, _ := alert.ParseType(r.Type)
	key := alert.DedupeKey(typ, r.Location)

	unlockKey := s.keyLocks.Lock(key)
	defer unlockKey()

	now := s.now()
	existing, ok, err := s.store.FindLive(ctx, key, now.Add(-s.cfg.DedupeWindow))
	if err != nil {
		s.onSubmit("error")
		return nil, fmt.Errorf("find live alert: %w", err)
	}
	if ok {
		merged, err := s.merge(ctx, existing.ID, r)
		if err != nil {
			s.onSubmit("error")
			return nil, err
		}
		if merged {
			s.onSubmit("merged")
			return &SubmitResult{ID: existing.ID, Merged: true}, nil
		}
	}

	a := alert.New(s.newID(), r, key, s.now())
	unlock := s.alertLocks.Lock(a.ID)
	err = s.commit(ctx, a, alert.EventCreated)
	unlock()
	if err != nil {
		s.onSubmit("error")
		return nil, err
	}

	s.logger.Info(ctx, "alert created",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.ReportedSeverity,
	)
	s.onSubmit("created")

	id := a.ID
	s.spawn(func(ctx context.Context) { s.advance(ctx, id) })
	return &SubmitResult{ID: id}, nil
}

// merge folds r into the alert. It reports false when the alert left the
// live set after FindLive, in which case the caller creates a new alert.
func (s *Service) merge(ctx context.Context, id string, r *alert.Report) (bool, error) {
	unlock := s.alertLocks.Lock(id)
	defer unlock()

	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get alert: %w", err)
	}
	if !ok || a.State.Terminal() {
		return false, nil
	}

	now := s.now()
	a.Merge(r, now)

	// not yet analyzed: the pending advance scores the merged fields
	if a.State == alert.StateSubmitted || a.State == alert.StateValidating {
		return true, s.commit(ctx, a, alert.EventMerged)
	}

	if err := a.Transition(alert.StateAnalyzing, now); err != nil {
		return false, err
	}
	s.score(a)
	if err := s.commit(ctx, a, alert.EventMerged, alert.EventScored); err != nil {
		return false, err
	}
	s.logger.Info(ctx, "alert merged",
		"alert_id", a.ID,
		"merge_count", a.MergeCount,
		"priority_score", *a.PriorityScore,
	)
	s.startPlan(a)
	return true, nil
}

// advance moves a new alert through Validating into Analyzing and starts
// planning and geocoding.
func (s *Service) advance(ctx context.Context, id string) {
	L := s.logger.With("alert_id", id)

	unlock := s.alertLocks.Lock(id)
	defer unlock()

	a, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch alert for analysis")
		return
	}
	if a.State != alert.StateSubmitted && a.State != alert.StateValidating {
		return
	}

	now := s.now()
	if a.State == alert.StateSubmitted {
		if err := a.Transition(alert.StateValidating, now); err != nil {
			L.Error(ctx, err, "failed to start validation")
			return
		}
	}
	if err := a.Transition(alert.StateAnalyzing, now); err != nil {
		L.Error(ctx, err, "failed to start analysis")
		return
	}
	s.score(a)
	if err := s.commit(ctx, a, alert.EventScored); err != nil {
		L.Error(ctx, err, "failed to persist scored alert")
		return
	}
	L.Info(ctx, "alert scored", "priority_score", *a.PriorityScore)

	s.startPlan(a)
	if a.ResolvedLocation == nil {
		s.startGeocode(a)
	}
}

func (s *Service) score(a *alert.Alert) {
	v := scoring.Score(a)
	a.PriorityScore = &v
}

// startPlan replaces any in-flight plan run for the alert. Callers hold the
// alert lock and a is in Analyzing.
func (s *Service) startPlan(a *alert.Alert) {
	snapshot := a.Clone()
	r, ok := s.replaceRun(s.plans, a.ID)
	if !ok {
		return
	}
	s.spawnRun(r, func(ctx context.Context) { s.plan(ctx, r, snapshot) })
}

func (s *Service) plan(ctx context.Context, r *run, snapshot *alert.Alert) {
	L := s.logger.With("alert_id", snapshot.ID, "epoch", r.epoch)

	out, err := s.planner.Plan(ctx, snapshot)

	unlock := s.alertLocks.Lock(snapshot.ID)
	defer unlock()

	if !s.finishRun(s.plans, snapshot.ID, r) {
		L.Info(ctx, "discarding plan from superseded run")
		return
	}
	if err != nil && !errors.Is(err, ErrFatal) {
		// canceled by resolve or shutdown
		return
	}

	a, ok, gerr := s.store.Get(ctx, snapshot.ID)
	if gerr != nil || !ok {
		L.Error(ctx, gerr, "failed to fetch alert for planning result")
		return
	}
	if a.State != alert.StateAnalyzing {
		return
	}

	now := s.now()
	if err != nil {
		a.FailureReason = err.Error()
		if terr := a.Transition(alert.StateFailed, now); terr != nil {
			L.Error(ctx, terr, "failed to mark alert failed")
			return
		}
		if cerr := s.commit(ctx, a, alert.EventFailed); cerr != nil {
			L.Error(ctx, cerr, "failed to persist failed alert")
			return
		}
		L.Error(ctx, err, "alert planning failed")
		return
	}

	a.Attempts = out.Attempts
	a.Plan = out.Plan
	if terr := a.Transition(alert.StatePlanned, now); terr != nil {
		L.Error(ctx, terr, "failed to mark alert planned")
		return
	}
	if cerr := s.commit(ctx, a, alert.EventPlanned); cerr != nil {
		L.Error(ctx, cerr, "failed to persist planned alert")
		return
	}
	L.Info(ctx, "alert planned",
		"confidence", a.Plan.Confidence,
		"attempts", a.Attempts,
	)
}

// startGeocode replaces any in-flight geocode for the alert. Callers hold
// the alert lock.
func (s *Service) startGeocode(a *alert.Alert) {
	id, text := a.ID, a.LocationText
	r, ok := s.replaceRun(s.geocode, id)
	if !ok {
		return
	}
	s.spawnRun(r, func(ctx context.Context) { s.resolve(ctx, r, id, text) })
}

func (s *Service) resolve(ctx context.Context, r *run, id, text string) {
	L := s.logger.With("alert_id", id)

	start := time.Now()
	var (
		loc *alert.Location
		err = errNoGeocoder
	)
	if s.geocoder != nil {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.GeocodeTimeout)
		loc, err = callBounded(gctx, func(ctx context.Context) (*alert.Location, error) {
			return s.geocoder.Resolve(ctx, text)
		})
		if err != nil && gctx.Err() != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		cancel()
	}
	if ctx.Err() != nil {
		s.finishLocked(s.geocode, id, r)
		return
	}

	outcome := "resolved"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil || loc == nil:
		outcome = "unresolved"
	}
	if s.hooks.OnGeocode != nil {
		s.hooks.OnGeocode(outcome, time.Since(start).Seconds())
	}

	unlock := s.alertLocks.Lock(id)
	defer unlock()

	if !s.finishRun(s.geocode, id, r) {
		return
	}
	a, ok, gerr := s.store.Get(ctx, id)
	if gerr != nil || !ok {
		L.Error(ctx, gerr, "failed to fetch alert for geocode result")
		return
	}
	if a.State.Terminal() {
		return
	}

	now := s.now()
	if outcome != "resolved" {
		loc = alert.Unresolved(now)
		if !errors.Is(err, errNoGeocoder) {
			L.Warn(ctx, "location unresolved", "location", text, "outcome", outcome)
		}
	} else {
		loc.ResolvedAt = now
	}
	a.ResolvedLocation = loc
	a.UpdatedAt = now
	if cerr := s.commit(ctx, a, alert.EventGeocoded); cerr != nil {
		L.Error(ctx, cerr, "failed to persist geocoded alert")
	}
}

// Get returns the alert with the given id, preferring the live index.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	if a, ok := s.index.Lookup(id); ok {
		return a, true, nil
	}
	return s.store.Get(ctx, id)
}

// List returns every live alert from the store, oldest first.
func (s *Service) List(ctx context.Context) ([]*alert.Alert, error) {
	return s.store.ListActive(ctx)
}

// Dispatch marks a planned alert as acted on.
func (s *Service) Dispatch(ctx context.Context, id string) (*alert.Alert, error) {
	return s.act(ctx, id, alert.StateDispatched, alert.EventDispatched)
}

// Replan discards the current plan and generates a fresh one. Any in-flight
// generator call for the alert is canceled.
func (s *Service) Replan(ctx context.Context, id string) (*alert.Alert, error) {
	return s.act(ctx, id, alert.StateAnalyzing, alert.EventScored)
}

// Resolve closes the alert. It leaves the live view but stays in the store.
func (s *Service) Resolve(ctx context.Context, id string) (*alert.Alert, error) {
	return s.act(ctx, id, alert.StateResolved, alert.EventResolved)
}

// Regeocode resolves the alert's location again, replacing any earlier
// result. The lookup runs in the background.
func (s *Service) Regeocode(ctx context.Context, id string) (*alert.Alert, error) {
	unlock := s.alertLocks.Lock(id)
	defer unlock()

	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if a.State.Terminal() {
		return nil, fmt.Errorf("%w: %s alert cannot be geocoded", alert.ErrInvalidTransition, a.State)
	}
	s.startGeocode(a)
	return a, nil
}

// act applies an operator transition under the alert lock and commits it.
func (s *Service) act(ctx context.Context, id string, to alert.State, kind alert.EventKind) (*alert.Alert, error) {
	unlock := s.alertLocks.Lock(id)
	defer unlock()

	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	from := a.State
	if err := a.Transition(to, s.now()); err != nil {
		return nil, err
	}
	if to == alert.StateAnalyzing {
		s.score(a)
	}
	if err := s.commit(ctx, a, kind); err != nil {
		return nil, err
	}

	switch to {
	case alert.StateAnalyzing:
		s.startPlan(a)
	case alert.StateResolved:
		s.cancelRuns(a.ID)
	}
	s.logger.Info(ctx, "operator action", "alert_id", id, "from", from, "to", to)
	return a, nil
}

// Resume loads live alerts into the index and restarts analysis for any
// alert a previous process left unfinished. It returns the number restarted.
func (s *Service) Resume(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active alerts: %w", err)
	}
	s.index.Load(active)
	return s.restart(ctx, active, 0), nil
}

// Sweep restarts work for live alerts that have no background task and have
// not changed for longer than stale. It returns the number restarted.
func (s *Service) Sweep(ctx context.Context, stale time.Duration) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active alerts: %w", err)
	}
	return s.restart(ctx, active, stale), nil
}

func (s *Service) restart(ctx context.Context, active []*alert.Alert, stale time.Duration) int {
	cutoff := s.now().Add(-stale)
	n := 0
	for _, snap := range active {
		if snap.UpdatedAt.After(cutoff) {
			continue
		}
		if s.restartOne(ctx, snap.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info(ctx, "restarted stranded alerts", "count", n)
	}
	return n
}

func (s *Service) restartOne(ctx context.Context, id string) bool {
	unlock := s.alertLocks.Lock(id)
	defer unlock()

	a, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok || a.State.Terminal() {
		return false
	}

	restarted := false
	switch a.State {
	case alert.StateSubmitted, alert.StateValidating:
		s.spawn(func(ctx context.Context) { s.advance(ctx, id) })
		return true
	case alert.StateAnalyzing:
		if !s.running(s.plans, id) {
			s.startPlan(a)
			restarted = true
		}
	}
	if a.ResolvedLocation == nil && !s.running(s.geocode, id) {
		s.startGeocode(a)
		restarted = true
	}
	return restarted
}

// Close cancels background work and waits for it to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// commit persists a and applies one index event per kind. Callers hold the
// alert lock, so the store and the index always agree once it is released.
func (s *Service) commit(ctx context.Context, a *alert.Alert, kinds ...alert.EventKind) error {
	if err := a.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: alert %s: %w", ErrFatal, a.ID, err)
	}
	if err := s.store.Put(ctx, a.Clone()); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	for _, kind := range kinds {
		ev := alert.Event{
			Seq:     s.seq.Add(1),
			Kind:    kind,
			AlertID: a.ID,
			At:      a.UpdatedAt,
			Alert:   a.Clone(),
		}
		s.index.Apply(ev)
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(kind)
		}
		s.notify(ev)
	}
	return nil
}

func (s *Service) notify(ev alert.Event) {
	if s.notifier == nil {
		return
	}
	switch ev.Kind {
	case alert.EventPlanned, alert.EventDispatched, alert.EventFailed:
	default:
		return
	}
	s.spawn(func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.Error(ctx, err, "notification failed", "alert_id", ev.AlertID, "kind", ev.Kind)
		}
	})
}

func (s *Service) onSubmit(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

// spawn runs fn in the background unless the service is closed.
func (s *Service) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// replaceRun registers a new run for id in runs, canceling the previous one.
func (s *Service) replaceRun(runs map[string]*run, id string) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if old, ok := runs[id]; ok && old.cancel != nil {
		old.cancel()
	}
	r := &run{epoch: s.epoch.Add(1)}
	runs[id] = r
	return r, true
}

func (s *Service) spawnRun(r *run, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	r.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		fn(ctx)
	}()
}

// finishRun removes r from runs and reports whether it was still current.
func (s *Service) finishRun(runs map[string]*run, id string, r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runs[id] != r {
		return false
	}
	delete(runs, id)
	return true
}

func (s *Service) finishLocked(runs map[string]*run, id string, r *run) {
	unlock := s.alertLocks.Lock(id)
	defer unlock()
	s.finishRun(runs, id, r)
}

func (s *Service) running(runs map[string]*run, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := runs[id]
	return ok
}

func (s *Service) cancelRuns(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, runs := range []map[string]*run{s.plans, s.geocode} {
		if r, ok := runs[id]; ok {
			if r.cancel != nil {
				r.cancel()
			}
			delete(runs, id)
		}
	}
}
