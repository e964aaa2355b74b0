package live

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/util"
	"issuemirror/api/internal/view"
)

// ErrLagged is returned by Follow when the server dropped the session
// because it fell behind.
var ErrLagged = errors.New("live: session lagged")

// Follower keeps a local projection in sync with a running server: it
// subscribes to the event stream, fetches the full index, then applies
// every streamed event through the reconciler.
type Follower struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *log.Logger
	Retry      time.Duration
}

func NewFollower(baseURL string, httpClient *http.Client, logger *log.Logger) (*Follower, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Follower{baseURL: parsed, httpClient: httpClient, logger: logger, Retry: 2 * time.Second}, nil
}

func (f *Follower) streamURL() string {
	u := *f.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.ResolveReference(&url.URL{Path: "ws"}).String()
}

// Run follows the stream until ctx is cancelled, reconnecting and
// refetching after every disconnect.
func (f *Follower) Run(ctx context.Context, onChange func(view.Projection)) error {
	for {
		err := f.Follow(ctx, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("stream disconnected, resyncing", "err", err, "retry", f.Retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.Retry):
		}
	}
}

// Follow runs a single session. The stream is opened before the full
// fetch so no event falls between the two; events already reflected in
// the fetch are absorbed by the reconciler.
func (f *Follower) Follow(ctx context.Context, onChange func(view.Projection)) error {
	conn, br, _, err := ws.Dial(ctx, f.streamURL())
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	issues, err := f.FetchIssues(ctx)
	if err != nil {
		return err
	}
	projection := view.FromIssues(issues)
	onChange(projection)

	r := streamReader(conn, br)
	for {
		frame, err := ws.ReadFrame(r)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		switch frame.Header.OpCode {
		case ws.OpPing:
			if err := wsutil.WriteClientMessage(conn, ws.OpPong, frame.Payload); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
			continue
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(frame.Payload)
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(code, ""))
			if reason == CloseReasonLagged {
				return ErrLagged
			}
			return fmt.Errorf("stream closed by server: %d %s", code, reason)
		case ws.OpText:
		default:
			continue
		}

		ev, err := DecodeFrame(frame.Payload)
		if err != nil {
			f.logger.Warn("skipping frame", "err", err)
			continue
		}
		next := view.Apply(ev, projection)
		if !next.Equal(projection) {
			projection = next
			onChange(projection)
		}
	}
}

// FetchIssues performs the full index fetch against GET /api/issues.
func (f *Follower) FetchIssues(ctx context.Context) ([]issue.Issue, error) {
	endpoint := f.baseURL.ResolveReference(&url.URL{Path: "api/issues"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch index: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Issues []issue.Issue `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return payload.Issues, nil
}

// streamReader reads any bytes buffered during the handshake before
// reading from conn again.
func streamReader(conn net.Conn, br *bufio.Reader) io.Reader {
	if br == nil {
		return conn
	}
	return io.MultiReader(br, conn)
}
