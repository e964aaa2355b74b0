// Package webhook receives tracker deliveries, authenticates them against
// a shared secret and hands the decoded domain event to the broadcaster.
package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/util"
)

const maxBodyBytes = 1 << 20

type Publisher interface {
	Publish(issue.Event) int
}

type Handler struct {
	auth      *Authenticator
	decoder   Decoder
	publisher Publisher
	logger    *log.Logger
}

func NewHandler(auth *Authenticator, decoder Decoder, publisher Publisher, logger *log.Logger) *Handler {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Handler{auth: auth, decoder: decoder, publisher: publisher, logger: logger}
}

// ServeHTTP acknowledges every authenticated delivery with 200 before the
// event is published, so the tracker never waits on fan-out.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.auth.Authenticate(r.Header.Get(TokenHeader)); err != nil {
		h.logger.Warn("webhook rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	delivery := r.Header.Get("X-Gitlab-Event-UUID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook payload too large, event dropped",
				"delivery", delivery,
				"hook", r.Header.Get("X-Gitlab-Event"),
				"limit", tooLarge.Limit,
			)
		} else {
			h.logger.Error("webhook body read failed", "delivery", delivery, "err", err)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	event, err := h.decoder.Decode(body)

	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if err != nil {
		h.logger.Warn("webhook payload not decoded", "delivery", delivery, "err", err)
		return
	}
	if event == nil {
		h.logger.Debug("webhook ignored", "delivery", delivery, "hook", r.Header.Get("X-Gitlab-Event"))
		return
	}

	delivered := h.publisher.Publish(event)
	h.logger.Info("webhook received",
		"delivery", delivery,
		"event", event.Name(),
		"iid", event.IssueIID(),
		"subscribers", delivered,
	)
}
