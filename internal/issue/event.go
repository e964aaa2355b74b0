package issue

// Channel names carried on the session-facing event stream.
const (
	EventOpened  = "issues/open"
	EventClosed  = "issues/close"
	EventCreated = "issues/create"
	EventUpdated = "issues/update"
)

// Event is a canonical domain event. The unexported marker keeps the set
// closed to Opened, Closed, Created and Updated; consumers switch over
// the concrete types.
type Event interface {
	Name() string
	IssueIID() int64
	isEvent()
}

type Opened struct {
	IID int64 `json:"iid"`
}

type Closed struct {
	IID int64 `json:"iid"`
}

type Created struct {
	Issue Issue `json:"issue"`
}

type Updated struct {
	Issue Issue `json:"issue"`
}

func (Opened) Name() string  { return EventOpened }
func (Closed) Name() string  { return EventClosed }
func (Created) Name() string { return EventCreated }
func (Updated) Name() string { return EventUpdated }

func (e Opened) IssueIID() int64  { return e.IID }
func (e Closed) IssueIID() int64  { return e.IID }
func (e Created) IssueIID() int64 { return e.Issue.IID }
func (e Updated) IssueIID() int64 { return e.Issue.IID }

func (Opened) isEvent()  {}
func (Closed) isEvent()  {}
func (Created) isEvent() {}
func (Updated) isEvent() {}

// StateChange builds the Opened or Closed event for a target state.
func StateChange(iid int64, state State) Event {
	if state == StateClosed {
		return Closed{IID: iid}
	}
	return Opened{IID: iid}
}
