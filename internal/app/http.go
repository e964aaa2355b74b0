package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"issuemirror/api/internal/auth"
	"issuemirror/api/internal/authpw"
	"issuemirror/api/internal/guard"
	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/session"
	"issuemirror/api/internal/store"
	"issuemirror/api/internal/tracker"
	"issuemirror/api/internal/util"
	"issuemirror/api/internal/view"
	"issuemirror/api/internal/webhook"
)

type HTTPServer struct {
	service  *Service
	sessions *session.Manager
	webhooks http.Handler
	stream   http.Handler

	transition    http.Handler
	createSnippet http.Handler
	editSnippet   http.Handler
	register      http.Handler
	login         http.Handler
	logout        http.Handler
}

// NewHTTPServer wires the API routes. webhooks receives tracker
// deliveries and stream serves the live event channel.
func NewHTTPServer(service *Service, sessions *session.Manager, webhooks, stream http.Handler) *HTTPServer {
	s := &HTTPServer{
		service:  service,
		sessions: sessions,
		webhooks: webhooks,
		stream:   stream,
	}

	authenticated := guard.RequireAuthenticated(identity)
	anonymous := guard.RequireAnonymous(identity)
	owner := guard.RequireOwnership(identity, service.SnippetOwner, snippetIDFromPath)

	s.transition = guard.Middleware(s.guardFailed, authenticated)(http.HandlerFunc(s.handleTransition))
	s.createSnippet = guard.Middleware(s.guardFailed, authenticated)(http.HandlerFunc(s.handleCreateSnippet))
	s.editSnippet = guard.Middleware(s.guardFailed, authenticated, owner)(http.HandlerFunc(s.handleEditSnippet))
	s.register = guard.Middleware(s.guardFailed, anonymous)(http.HandlerFunc(s.handleRegister))
	s.login = guard.Middleware(s.guardFailed, anonymous)(http.HandlerFunc(s.handleLogin))
	s.logout = guard.Middleware(s.guardFailed, authenticated)(http.HandlerFunc(s.handleLogout))
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/webhooks" {
		s.webhooks.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.stream.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/create" {
		s.register.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/users/login" {
		s.login.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/users/logout" {
		s.logout.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/issues" {
		issues, err := s.service.ListIssues(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if issues == nil {
			issues = []issue.Issue{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"issues": issues,
			"rows":   view.FromIssues(issues).Rows(),
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "issues" {
		s.transition.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/api/snippets" {
		switch r.Method {
		case http.MethodGet:
			s.handleListSnippets(w, r)
			return
		case http.MethodPost:
			s.createSnippet.ServeHTTP(w, r)
			return
		}
	}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "snippets" &&
		(r.Method == http.MethodPut || r.Method == http.MethodDelete) {
		s.editSnippet.ServeHTTP(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"sessions": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.sessions.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	st := currentSession(r)
	flash, _, err := s.sessions.PopFlash(r.Context(), w, st)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var userName any
	if st.Data.Authenticated() {
		userName = st.Data.UserName
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": st.Data.Authenticated(),
		"userName":      userName,
		"flash":         flash,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	flash := session.Flash{
		Type: session.FlashSuccess,
		Text: fmt.Sprintf("Welcome %s! Your account was successfully created. Please log in.", user.Username),
	}
	if _, err := s.sessions.SetFlash(r.Context(), w, currentSession(r), flash); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"userName": user.Username})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	_, err = s.sessions.Regenerate(r.Context(), w, currentSession(r), session.Data{
		UserName: user.Username,
		Flash:    &session.Flash{Type: session.FlashSuccess, Text: fmt.Sprintf("Welcome %s!", user.Username)},
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userName": user.Username})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), w, currentSession(r)); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTransition queues the outcome as a flash and redirects back to
// the issue list. Tracker failures become a danger flash, never a 5xx.
func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	iid, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || iid <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_IID", "Issue iid must be a positive integer", nil)
		return
	}
	direction, err := issue.ParseDirection(parts[3])
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	st := currentSession(r)
	flash := s.service.TransitionIssue(r.Context(), st.Data.UserName, iid, direction)
	if _, err := s.sessions.SetFlash(r.Context(), w, st, flash); err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Location", s.service.cfg.BaseURL+"issues")
	w.WriteHeader(http.StatusSeeOther)
}

type snippetResponse struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toSnippetResponse(snippet store.Snippet) snippetResponse {
	return snippetResponse{
		ID:        snippet.ID,
		Text:      snippet.Text,
		Author:    snippet.Author,
		CreatedAt: snippet.CreatedAt,
		UpdatedAt: snippet.UpdatedAt,
	}
}

func (s *HTTPServer) handleListSnippets(w http.ResponseWriter, r *http.Request) {
	snippets, err := s.service.ListSnippets(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	items := make([]snippetResponse, 0, len(snippets))
	for _, snippet := range snippets {
		items = append(items, toSnippetResponse(snippet))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snippets": items})
}

func (s *HTTPServer) handleCreateSnippet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	snippet, err := s.service.CreateSnippet(r.Context(), currentSession(r).Data.UserName, body.Text)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnippetResponse(snippet))
}

func (s *HTTPServer) handleEditSnippet(w http.ResponseWriter, r *http.Request) {
	id := snippetIDFromPath(r)
	if r.Method == http.MethodDelete {
		if err := s.service.DeleteSnippet(r.Context(), id); err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	snippet, err := s.service.UpdateSnippet(r.Context(), id, body.Text)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnippetResponse(snippet))
}

func (s *HTTPServer) guardFailed(w http.ResponseWriter, r *http.Request, err error) {
	s.service.logger.Debug("request denied",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"err", err,
	)
	s.writeErr(w, err)
}

func (s *HTTPServer) writeErr(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.logger.Error("request failed", "code", code, "err", err)
	}
	writeError(w, status, code, message, details)
}

func snippetIDFromPath(r *http.Request) string {
	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

type sessionKey struct{}

func currentSession(r *http.Request) session.State {
	st, _ := r.Context().Value(sessionKey{}).(session.State)
	return st
}

func identity(r *http.Request) (string, bool) {
	st := currentSession(r)
	return st.Data.UserName, st.Data.Authenticated()
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		if strings.HasPrefix(r.URL.Path, "/api/") {
			writer.Header().Set("Cache-Control", "no-store")
			writer.Header().Set("Content-Type", "application/json")
			st, err := s.sessions.Load(ctx, r)
			if err != nil {
				s.service.logger.Error("session load failed", "request_id", requestID, "err", err)
				writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
				return
			}
			ctx = context.WithValue(ctx, sessionKey{}, st)
		}

		next.ServeHTTP(writer, r.WithContext(ctx))

		s.service.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var gatewayErr *tracker.GatewayError
	if errors.As(err, &gatewayErr) {
		return http.StatusBadGateway, "TRACKER_UNAVAILABLE", "Issue tracker request failed", nil
	}
	switch {
	case errors.Is(err, guard.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, guard.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, webhook.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Login failed. Please try again.", nil
	case errors.Is(err, authpw.ErrUsernameTaken):
		return http.StatusConflict, "USERNAME_TAKEN", "The username is already taken. Please try another one.", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": "), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
