// Package issue holds the tracker issue projection and the closed set of
// domain events carried between ingress, broadcaster and view sessions.
package issue

import "fmt"

// State is the tracker's open/closed state for an issue.
type State string

const (
	StateOpened State = "opened"
	StateClosed State = "closed"
)

// Issue is the locally cached projection of a tracker issue. It is
// rebuilt from the tracker on every full fetch and never persisted.
type Issue struct {
	ID          int64  `json:"id"`
	IID         int64  `json:"iid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       State  `json:"state"`
	OwnerAvatar string `json:"ownerAvatar"`
}

// Direction is a requested state transition.
type Direction string

const (
	DirectionOpen  Direction = "open"
	DirectionClose Direction = "close"
)

// ParseDirection accepts "open" or "close".
func ParseDirection(value string) (Direction, error) {
	switch Direction(value) {
	case DirectionOpen, DirectionClose:
		return Direction(value), nil
	default:
		return "", fmt.Errorf("unknown direction %q", value)
	}
}

// StateEvent translates the direction into the tracker's state_event
// vocabulary. Opening an existing issue is a "reopen" upstream.
func (d Direction) StateEvent() string {
	if d == DirectionOpen {
		return "reopen"
	}
	return "close"
}

// Target is the state an issue ends up in after the transition.
func (d Direction) Target() State {
	if d == DirectionOpen {
		return StateOpened
	}
	return StateClosed
}

// Toggle is the transition a user would request from state s.
func (s State) Toggle() Direction {
	if s == StateClosed {
		return DirectionOpen
	}
	return DirectionClose
}
