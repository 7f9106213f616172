package attendance

import "time"

// Person is one enrolled individual and their current attendance state.
type Person struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	RegisterNo string     `json:"registerNo"`
	Token      string     `json:"token"`
	InTime     *time.Time `json:"inTime"`
	OutTime    *time.Time `json:"outTime"`
	CardURL    string     `json:"cardUrl,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// State is the position of a record in the check-in state machine.
type State int

const (
	StateUnchecked State = iota
	StateCheckedIn
	StateCheckedOut
)

func (s State) String() string {
	switch s {
	case StateCheckedIn:
		return "checked_in"
	case StateCheckedOut:
		return "checked_out"
	default:
		return "unchecked"
	}
}

// Status is the caller-facing rendering of State.
type Status string

const (
	StatusNA  Status = "N/A"
	StatusIn  Status = "IN"
	StatusOut Status = "OUT"
)

// State derives the machine state from the timestamps.
func (p Person) State() State {
	switch {
	case p.InTime == nil:
		return StateUnchecked
	case p.OutTime == nil:
		return StateCheckedIn
	default:
		return StateCheckedOut
	}
}

// Status renders the state as IN, OUT or N/A.
func (p Person) Status() Status {
	switch p.State() {
	case StateCheckedIn:
		return StatusIn
	case StateCheckedOut:
		return StatusOut
	default:
		return StatusNA
	}
}

// Identity is the immutable part of a record: what a credential proves.
type Identity struct {
	Token      string `json:"token"`
	Name       string `json:"name"`
	RegisterNo string `json:"registerNo"`
}

// Identity returns the immutable identity fields of p.
func (p Person) Identity() Identity {
	return Identity{Token: p.Token, Name: p.Name, RegisterNo: p.RegisterNo}
}

// AttendanceStatus is the read view returned by status lookups.
type AttendanceStatus struct {
	Name       string     `json:"name"`
	RegisterNo string     `json:"registerNo"`
	Status     Status     `json:"status"`
	InTime     *time.Time `json:"inTime"`
	OutTime    *time.Time `json:"outTime"`
}

// AttendanceStatus builds the status view of p.
func (p Person) AttendanceStatus() AttendanceStatus {
	return AttendanceStatus{
		Name:       p.Name,
		RegisterNo: p.RegisterNo,
		Status:     p.Status(),
		InTime:     p.InTime,
		OutTime:    p.OutTime,
	}
}

func (p Person) clone() Person {
	c := p
	if p.InTime != nil {
		t := *p.InTime
		c.InTime = &t
	}
	if p.OutTime != nil {
		t := *p.OutTime
		c.OutTime = &t
	}
	return c
}
