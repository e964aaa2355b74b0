// Package view applies issue events to a session's table projection.
//
// Apply is pure and idempotent: applying the same event twice yields the
// same projection as applying it once.
package view

import (
	"slices"

	"issuemirror/api/internal/issue"
)

// Row is one line of the issue table as a view session displays it.
type Row struct {
	IID          int64           `json:"iid"`
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	State        issue.State     `json:"state"`
	OwnerAvatar  string          `json:"ownerAvatar"`
	ActionLabel  string          `json:"actionLabel"`
	ActionTarget issue.Direction `json:"actionTarget"`
}

// Projection is an ordered, iid-keyed set of rows. The zero value is an
// empty table. A Projection is never modified in place.
type Projection struct {
	rows []Row
}

// FromIssues builds the baseline projection from a full index fetch.
// Later duplicates of an iid are ignored.
func FromIssues(issues []issue.Issue) Projection {
	var p Projection
	for _, is := range issues {
		p = Apply(issue.Created{Issue: is}, p)
	}
	return p
}

// Apply returns the projection after ev.
func Apply(ev issue.Event, p Projection) Projection {
	switch e := ev.(type) {
	case issue.Opened:
		return p.setState(e.IID, issue.StateOpened)
	case issue.Closed:
		return p.setState(e.IID, issue.StateClosed)
	case issue.Created:
		if p.index(e.Issue.IID) >= 0 {
			return p
		}
		rows := make([]Row, len(p.rows), len(p.rows)+1)
		copy(rows, p.rows)
		return Projection{rows: append(rows, rowFrom(e.Issue))}
	case issue.Updated:
		i := p.index(e.Issue.IID)
		if i < 0 {
			return p
		}
		return p.replace(i, rowFrom(e.Issue))
	default:
		return p
	}
}

func (p Projection) setState(iid int64, state issue.State) Projection {
	i := p.index(iid)
	if i < 0 {
		return p
	}
	row := p.rows[i]
	row.State = state
	row.ActionLabel = actionLabel(state)
	row.ActionTarget = state.Toggle()
	return p.replace(i, row)
}

func (p Projection) replace(i int, row Row) Projection {
	if p.rows[i] == row {
		return p
	}
	rows := slices.Clone(p.rows)
	rows[i] = row
	return Projection{rows: rows}
}

func (p Projection) index(iid int64) int {
	return slices.IndexFunc(p.rows, func(r Row) bool { return r.IID == iid })
}

// Row looks up the row for iid.
func (p Projection) Row(iid int64) (Row, bool) {
	i := p.index(iid)
	if i < 0 {
		return Row{}, false
	}
	return p.rows[i], true
}

// Rows returns a copy of the rows in display order.
func (p Projection) Rows() []Row {
	rows := make([]Row, len(p.rows))
	copy(rows, p.rows)
	return rows
}

func (p Projection) Len() int {
	return len(p.rows)
}

// Equal reports whether both projections display the same rows in the
// same order.
func (p Projection) Equal(q Projection) bool {
	return slices.Equal(p.rows, q.rows)
}

func rowFrom(is issue.Issue) Row {
	return Row{
		IID:          is.IID,
		ID:           is.ID,
		Title:        is.Title,
		Description:  is.Description,
		State:        is.State,
		OwnerAvatar:  is.OwnerAvatar,
		ActionLabel:  actionLabel(is.State),
		ActionTarget: is.State.Toggle(),
	}
}

func actionLabel(state issue.State) string {
	if state == issue.StateClosed {
		return "Reopen"
	}
	return "Close"
}
