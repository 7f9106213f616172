package attendance

import (
	"strings"
	"time"
)

// Action is a requested attendance transition.
type Action string

const (
	ActionIn  Action = "in"
	ActionOut Action = "out"
)

// ParseAction normalizes s into an Action. Unknown input is returned as-is
// and reported invalid by Decide.
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return a == ActionIn || a == ActionOut
}

// Outcome is the closed set of results of a transition attempt.
type Outcome int

const (
	OutcomeMarkedIn Outcome = iota + 1
	OutcomeMarkedOut
	OutcomeAlreadyIn
	OutcomeOutBeforeIn
	OutcomeAlreadyOut
	OutcomeInvalidAction
)

// OK reports whether the transition was applied.
func (o Outcome) OK() bool {
	return o == OutcomeMarkedIn || o == OutcomeMarkedOut
}

// Message is the human-readable rendering shown to scanner operators.
func (o Outcome) Message() string {
	switch o {
	case OutcomeMarkedIn:
		return "marked in"
	case OutcomeMarkedOut:
		return "marked out"
	case OutcomeAlreadyIn:
		return "already marked in"
	case OutcomeOutBeforeIn:
		return "cannot mark out before in"
	case OutcomeAlreadyOut:
		return "already marked out"
	default:
		return "invalid action"
	}
}

// String is a stable label, used for metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeMarkedIn:
		return "marked_in"
	case OutcomeMarkedOut:
		return "marked_out"
	case OutcomeAlreadyIn:
		return "already_in"
	case OutcomeOutBeforeIn:
		return "out_before_in"
	case OutcomeAlreadyOut:
		return "already_out"
	default:
		return "invalid_action"
	}
}

// Decide applies action to p at time now and returns the resulting record.
// On rejection the returned record is p unchanged.
//
// An applied mark-in sets InTime and clears OutTime; an applied mark-out sets
// OutTime, never earlier than InTime.
func Decide(p Person, action Action, now time.Time) (Person, Outcome) {
	switch action {
	case ActionIn:
		if p.State() == StateCheckedIn {
			return p, OutcomeAlreadyIn
		}
		next := p.clone()
		next.InTime = &now
		next.OutTime = nil
		return next, OutcomeMarkedIn

	case ActionOut:
		switch p.State() {
		case StateUnchecked:
			return p, OutcomeOutBeforeIn
		case StateCheckedOut:
			return p, OutcomeAlreadyOut
		}
		next := p.clone()
		out := now
		if out.Before(*p.InTime) {
			out = *p.InTime
		}
		next.OutTime = &out
		return next, OutcomeMarkedOut

	default:
		return p, OutcomeInvalidAction
	}
}
