// Package tracker talks to the GitLab issues API: the full index fetch
// used when a view (re)connects, and the open/close transition requested
// by a local user.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"issuemirror/api/internal/issue"
)

const (
	defaultPageSize = 100
	// maxPages bounds the index fetch if the tracker keeps advertising
	// a next page.
	maxPages = 50
)

// HTTPClient is the subset of *http.Client the tracker needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL       string
	Token         string
	ProjectID     string
	RatePerSecond float64
}

type Client struct {
	baseURL    string
	token      string
	project    string
	httpClient HTTPClient
	limiter    *rate.Limiter
}

// Ack confirms the tracker accepted a transition request. It says nothing
// about when the change is committed; that arrives later as a webhook.
type Ack struct {
	IID       int64
	Direction issue.Direction
	Status    int
}

func NewClient(cfg Config, httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		project:    cfg.ProjectID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Transition asks the tracker to open or close issue iid. Any non-2xx
// response or transport failure comes back as *GatewayError. There is no
// retry here and no event is published.
func (c *Client) Transition(ctx context.Context, iid int64, direction issue.Direction) (Ack, error) {
	op := "transition " + string(direction)
	body, err := json.Marshal(map[string]string{"state_event": direction.StateEvent()})
	if err != nil {
		return Ack{}, &GatewayError{Op: op, IID: iid, Err: err}
	}

	endpoint := fmt.Sprintf("%s/issues/%d", c.projectURL(), iid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &GatewayError{Op: op, IID: iid, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return Ack{}, &GatewayError{Op: op, IID: iid, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, &GatewayError{Op: op, IID: iid, Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return Ack{IID: iid, Direction: direction, Status: resp.StatusCode}, nil
}

// ListIssues fetches every issue of the project, following GitLab's
// X-Next-Page pagination.
func (c *Client) ListIssues(ctx context.Context) ([]issue.Issue, error) {
	var issues []issue.Issue
	page := "1"
	for i := 0; i < maxPages && page != ""; i++ {
		batch, next, err := c.listPage(ctx, page)
		if err != nil {
			return nil, err
		}
		issues = append(issues, batch...)
		page = next
	}
	return issues, nil
}

func (c *Client) listPage(ctx context.Context, page string) ([]issue.Issue, string, error) {
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(defaultPageSize))
	query.Set("page", page)
	endpoint := c.projectURL() + "/issues?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", &GatewayError{Op: "list issues", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, "", &GatewayError{Op: "list issues", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &GatewayError{Op: "list issues", Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var payload []gitlabIssue
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", &GatewayError{Op: "list issues", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return convertIssues(payload), strings.TrimSpace(resp.Header.Get("X-Next-Page")), nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	return c.httpClient.Do(req)
}

func (c *Client) projectURL() string {
	return fmt.Sprintf("%s/api/v4/projects/%s", c.baseURL, url.PathEscape(c.project))
}

func readSnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}

func convertIssues(payload []gitlabIssue) []issue.Issue {
	issues := make([]issue.Issue, len(payload))
	for i, gi := range payload {
		issues[i] = issue.Issue{
			ID:          gi.ID,
			IID:         gi.IID,
			Title:       gi.Title,
			Description: gi.Description,
			State:       issue.State(gi.State),
			OwnerAvatar: gi.Author.AvatarURL,
		}
	}
	return issues
}

type gitlabIssue struct {
	ID          int64  `json:"id"`
	IID         int64  `json:"iid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	Author      struct {
		AvatarURL string `json:"avatar_url"`
	} `json:"author"`
}
