package tracker

import (
	"fmt"
	"net/http"
)

// GatewayError reports a failed call to the tracker. Status is the
// upstream HTTP status, or 0 when the request never got a response.
type GatewayError struct {
	Op     string
	IID    int64
	Status int
	Body   string
	Err    error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	target := e.Op
	if e.IID != 0 {
		target = fmt.Sprintf("%s #%d", e.Op, e.IID)
	}
	if e.Status != 0 {
		return fmt.Sprintf("tracker %s: upstream status %d %s", target, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("tracker %s: %v", target, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
