package alert

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// State tracks where an alert is in its lifecycle.
type State string

const (
	// StateSubmitted means persisted, structural checks passed at intake
	StateSubmitted State = "submitted"

	// StateValidating is the immediate structural re-check before analysis
	StateValidating State = "validating"

	// StateAnalyzing means scored, plan generation and geocoding in flight
	StateAnalyzing State = "analyzing"

	// StatePlanned means a response plan (full or degraded) is attached
	StatePlanned State = "planned"

	// StateDispatched means an operator acted on the plan
	StateDispatched State = "dispatched"

	// StateFailed means an unrecoverable pipeline error
	StateFailed State = "failed"

	// StateResolved is terminal, the alert leaves the live view
	StateResolved State = "resolved"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateSubmitted:  {StateValidating, StateFailed},
	StateValidating: {StateAnalyzing, StateFailed},
	StateAnalyzing:  {StateAnalyzing, StatePlanned, StateFailed},
	StatePlanned:    {StateDispatched, StateAnalyzing, StateFailed},
	StateDispatched: {StateAnalyzing, StateResolved, StateFailed},
	StateFailed:     {StateAnalyzing, StateResolved},
	StateResolved:   nil,
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether the state ends the alert's live lifecycle.
func (s State) Terminal() bool { return s == StateResolved }

// Scored reports whether alerts in this state carry a priority score.
func (s State) Scored() bool {
	switch s {
	case StateAnalyzing, StatePlanned, StateDispatched:
		return true
	}
	return false
}

// Planned reports whether alerts in this state carry a response plan.
func (s State) Planned() bool {
	return s == StatePlanned || s == StateDispatched
}

// Transition moves the alert to the target state. Entering Analyzing drops
// the current plan so a fresh one must be generated.
func (a *Alert) Transition(to State, now time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
	}
	if to == StateAnalyzing {
		a.Plan = nil
		a.FailureReason = ""
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}

// CheckInvariants verifies that computed fields agree with the state.
// Failed and Resolved alerts may or may not carry a score or plan,
// depending on where they left the pipeline.
func (a *Alert) CheckInvariants() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if a.State.Scored() && a.PriorityScore == nil {
		errs = append(errs, fmt.Errorf("state %s requires a priority score", a.State))
	}
	if (a.State == StateSubmitted || a.State == StateValidating) && a.PriorityScore != nil {
		errs = append(errs, fmt.Errorf("state %s must not carry a priority score", a.State))
	}
	if a.State.Planned() && a.Plan == nil {
		errs = append(errs, fmt.Errorf("state %s requires a plan", a.State))
	}
	switch a.State {
	case StateSubmitted, StateValidating, StateAnalyzing:
		if a.Plan != nil {
			errs = append(errs, fmt.Errorf("state %s must not carry a plan", a.State))
		}
	}
	if s := a.PriorityScore; s != nil && (*s < 0 || *s > 100) {
		errs = append(errs, fmt.Errorf("priority score %d out of range", *s))
	}
	return errors.Join(errs...)
}
