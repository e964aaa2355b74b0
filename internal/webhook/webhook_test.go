package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/util"
)

type spyDecoder struct {
	calls  int
	decode func([]byte) (issue.Event, error)
}

func (s *spyDecoder) Decode(body []byte) (issue.Event, error) {
	s.calls++
	if s.decode != nil {
		return s.decode(body)
	}
	return GitLabDecoder{}.Decode(body)
}

type recordingPublisher struct {
	events []issue.Event
}

func (p *recordingPublisher) Publish(ev issue.Event) int {
	p.events = append(p.events, ev)
	return 1
}

const closeIssuePayload = `{
  "object_kind": "issue",
  "event_type": "issue",
  "user": {"name": "Ada", "avatar_url": "https://gitlab.example.com/ada.png"},
  "object_attributes": {
    "id": 1007, "iid": 7, "title": "Broken login", "description": "500 on submit",
    "state": "closed", "action": "close"
  }
}`

func deliver(t *testing.T, h http.Handler, method, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/webhooks", strings.NewReader(body))
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	req.Header.Set("X-Gitlab-Event-UUID", "b4f5a2c1-delivery")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	assert.NoError(t, auth.Authenticate("s3cret"))
	assert.ErrorIs(t, auth.Authenticate("s3cre"), ErrUnauthenticated)
	assert.ErrorIs(t, auth.Authenticate(""), ErrUnauthenticated)
	assert.ErrorIs(t, NewAuthenticator("").Authenticate(""), ErrUnauthenticated)
}

func TestHandlerRejectsBadTokenBeforeDecoding(t *testing.T) {
	decoder := &spyDecoder{}
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), decoder, pub, nil)

	for _, token := range []string{"", "wrong"} {
		rec := deliver(t, h, http.MethodPost, token, closeIssuePayload)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	assert.Zero(t, decoder.calls, "decoder must not run for unauthenticated deliveries")
	assert.Empty(t, pub.events)
}

func TestHandlerPublishesCloseEvent(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), GitLabDecoder{}, pub, nil)

	rec := deliver(t, h, http.MethodPost, "s3cret", closeIssuePayload)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.True(t, rec.Flushed)
	require.Len(t, pub.events, 1)
	assert.Equal(t, issue.Closed{IID: 7}, pub.events[0])
}

func TestHandlerAcknowledgesIgnoredEvents(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), GitLabDecoder{}, pub, nil)

	rec := deliver(t, h, http.MethodPost, "s3cret", `{"event_type":"merge_request","object_attributes":{"iid":3,"action":"open"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.events)
}

func TestHandlerAcknowledgesMalformedBody(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), GitLabDecoder{}, pub, nil)

	rec := deliver(t, h, http.MethodPost, "s3cret", `{not json`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.events)
}

func TestHandlerDropsOversizedDelivery(t *testing.T) {
	var logs bytes.Buffer
	decoder := &spyDecoder{}
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), decoder, pub, util.NewLogger(&logs, "info", false))

	description := strings.Repeat("x", maxBodyBytes)
	body := strings.Replace(closeIssuePayload, "500 on submit", description, 1)
	rec := deliver(t, h, http.MethodPost, "s3cret", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decoder.calls, "a truncated body must never reach the decoder")
	assert.Empty(t, pub.events)
	assert.Contains(t, logs.String(), "webhook payload too large")
	assert.Contains(t, logs.String(), "b4f5a2c1-delivery")
	assert.NotContains(t, logs.String(), "not decoded")
}

func TestHandlerAcceptsDeliveryAtLimit(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHandler(NewAuthenticator("s3cret"), GitLabDecoder{}, pub, nil)

	padding := maxBodyBytes - len(closeIssuePayload)
	body := closeIssuePayload + strings.Repeat(" ", padding)
	require.Len(t, body, maxBodyBytes)

	rec := deliver(t, h, http.MethodPost, "s3cret", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.events, 1)
	assert.Equal(t, issue.Closed{IID: 7}, pub.events[0])
}

func TestHandlerRejectsNonPost(t *testing.T) {
	decoder := &spyDecoder{}
	h := NewHandler(NewAuthenticator("s3cret"), decoder, &recordingPublisher{}, nil)

	rec := deliver(t, h, http.MethodGet, "s3cret", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	assert.Zero(t, decoder.calls)
}

func TestGitLabDecoderActions(t *testing.T) {
	body := func(action string) []byte {
		return []byte(`{
  "event_type": "issue",
  "user": {"avatar_url": "https://a/u.png"},
  "object_attributes": {"id": 55, "iid": 5, "title": "T", "description": "D", "state": "opened", "action": "` + action + `"}
}`)
	}
	full := issue.Issue{ID: 55, IID: 5, Title: "T", Description: "D", State: issue.StateOpened, OwnerAvatar: "https://a/u.png"}

	cases := []struct {
		action string
		want   issue.Event
	}{
		{action: "open", want: issue.Created{Issue: full}},
		{action: "reopen", want: issue.Opened{IID: 5}},
		{action: "close", want: issue.Closed{IID: 5}},
		{action: "update", want: issue.Updated{Issue: full}},
		{action: "approved", want: nil},
		{action: "", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			got, err := GitLabDecoder{}.Decode(body(tc.action))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGitLabDecoderIgnoresOtherEventTypes(t *testing.T) {
	got, err := GitLabDecoder{}.Decode([]byte(`{"event_type":"note","object_attributes":{"iid":1,"action":"close"}}`))
	require.NoError(t, err)
	assert.Nil(t, got)
}
