package live

import (
	"encoding/json"
	"errors"
	"fmt"

	"issuemirror/api/internal/issue"
)

var ErrUnknownEvent = errors.New("live: unknown event")

// Frame is the text message sent to view sessions, e.g.
// {"event":"issues/close","data":{"iid":7}}.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func EncodeFrame(ev issue.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode frame: %w", ErrUnknownEvent)
	}
	data, err := json.Marshal(Frame{Event: ev.Name(), Data: ev})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (issue.Event, error) {
	var raw struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var (
		ev  issue.Event
		err error
	)
	switch raw.Event {
	case issue.EventOpened:
		var e issue.Opened
		err = json.Unmarshal(raw.Data, &e)
		ev = e
	case issue.EventClosed:
		var e issue.Closed
		err = json.Unmarshal(raw.Data, &e)
		ev = e
	case issue.EventCreated:
		var e issue.Created
		err = json.Unmarshal(raw.Data, &e)
		ev = e
	case issue.EventUpdated:
		var e issue.Updated
		err = json.Unmarshal(raw.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("decode frame %q: %w", raw.Event, ErrUnknownEvent)
	}
	if err != nil {
		return nil, fmt.Errorf("decode frame %q: %w", raw.Event, err)
	}
	return ev, nil
}
