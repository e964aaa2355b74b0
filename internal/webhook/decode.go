package webhook

import (
	"encoding/json"
	"fmt"

	"issuemirror/api/internal/issue"
)

// Decoder turns a raw delivery body into a domain event. A nil event with
// a nil error means the payload was understood but is not relevant.
type Decoder interface {
	Decode(body []byte) (issue.Event, error)
}

// GitLabDecoder understands GitLab "Issue Hook" payloads.
type GitLabDecoder struct{}

type gitlabPayload struct {
	EventType string `json:"event_type"`
	User      struct {
		AvatarURL string `json:"avatar_url"`
	} `json:"user"`
	ObjectAttributes struct {
		ID          int64  `json:"id"`
		IID         int64  `json:"iid"`
		Title       string `json:"title"`
		Description string `json:"description"`
		State       string `json:"state"`
		Action      string `json:"action"`
	} `json:"object_attributes"`
}

func (GitLabDecoder) Decode(body []byte) (issue.Event, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode gitlab payload: %w", err)
	}
	if payload.EventType != "issue" {
		return nil, nil
	}

	attrs := payload.ObjectAttributes
	switch attrs.Action {
	case "open":
		return issue.Created{Issue: payload.issue()}, nil
	case "reopen":
		return issue.StateChange(attrs.IID, issue.StateOpened), nil
	case "close":
		return issue.StateChange(attrs.IID, issue.StateClosed), nil
	case "update":
		return issue.Updated{Issue: payload.issue()}, nil
	default:
		return nil, nil
	}
}

func (p gitlabPayload) issue() issue.Issue {
	attrs := p.ObjectAttributes
	state := issue.StateOpened
	if attrs.State == string(issue.StateClosed) {
		state = issue.StateClosed
	}
	return issue.Issue{
		ID:          attrs.ID,
		IID:         attrs.IID,
		Title:       attrs.Title,
		Description: attrs.Description,
		State:       state,
		OwnerAvatar: p.User.AvatarURL,
	}
}
