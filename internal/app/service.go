package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"issuemirror/api/internal/config"
	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/session"
	"issuemirror/api/internal/store"
	"issuemirror/api/internal/tracker"
	"issuemirror/api/internal/util"
)

const maxSnippetLength = 1000

type dataStore interface {
	Ping(context.Context) error
	ListSnippets(context.Context) ([]store.Snippet, error)
	SnippetOwner(context.Context, string) (string, error)
	CreateSnippet(context.Context, store.Snippet) (store.Snippet, error)
	UpdateSnippet(context.Context, string, string) (store.Snippet, error)
	DeleteSnippet(context.Context, string) error
}

type issueTracker interface {
	ListIssues(context.Context) ([]issue.Issue, error)
	Transition(context.Context, int64, issue.Direction) (tracker.Ack, error)
}

type accountService interface {
	Register(ctx context.Context, username, password string) (store.User, error)
	Authenticate(ctx context.Context, username, password string) (store.User, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	tracker  issueTracker
	accounts accountService
	logger   *log.Logger
}

func New(cfg config.Config, dataStore dataStore, issues issueTracker, accounts accountService, logger *log.Logger) *Service {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		tracker:  issues,
		accounts: accounts,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListIssues is the full index fetch a view session reconciles from.
func (s *Service) ListIssues(ctx context.Context) ([]issue.Issue, error) {
	issues, err := s.tracker.ListIssues(ctx)
	if err != nil {
		s.logger.Error("issue index fetch failed", "err", err)
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// TransitionIssue asks the tracker to open or close an issue and returns
// the flash for the initiating user. It never publishes: every session,
// the initiator's included, learns the outcome from the tracker webhook.
func (s *Service) TransitionIssue(ctx context.Context, actor string, iid int64, direction issue.Direction) session.Flash {
	verb := "reopened"
	if direction.Target() == issue.StateClosed {
		verb = "closed"
	}

	started := time.Now()
	ack, err := s.tracker.Transition(ctx, iid, direction)
	if err != nil {
		s.logger.Warn("issue transition failed",
			"actor", actor,
			"iid", iid,
			"direction", direction,
			"err", err,
		)
		return session.Flash{
			Type: session.FlashDanger,
			Text: fmt.Sprintf("Issue #%d could not be %s. Please try again.", iid, verb),
		}
	}

	s.logger.Info("issue transition requested",
		"actor", actor,
		"iid", ack.IID,
		"direction", ack.Direction,
		"status", ack.Status,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return session.Flash{
		Type: session.FlashSuccess,
		Text: fmt.Sprintf("Issue #%d was %s.", iid, verb),
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.accounts.Register(ctx, username, password)
	if err != nil {
		return store.User{}, err
	}
	s.logger.Info("user registered", "user", user.Username)
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.accounts.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Info("login failed", "user", strings.TrimSpace(username))
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) ListSnippets(ctx context.Context) ([]store.Snippet, error) {
	return s.store.ListSnippets(ctx)
}

// SnippetOwner feeds the ownership guard.
func (s *Service) SnippetOwner(ctx context.Context, id string) (string, error) {
	return s.store.SnippetOwner(ctx, id)
}

func (s *Service) CreateSnippet(ctx context.Context, author, text string) (store.Snippet, error) {
	text, err := validateSnippetText(text)
	if err != nil {
		return store.Snippet{}, err
	}
	return s.store.CreateSnippet(ctx, store.Snippet{
		ID:     util.NewID("snp"),
		Text:   text,
		Author: author,
	})
}

func (s *Service) UpdateSnippet(ctx context.Context, id, text string) (store.Snippet, error) {
	text, err := validateSnippetText(text)
	if err != nil {
		return store.Snippet{}, err
	}
	return s.store.UpdateSnippet(ctx, id, text)
}

func (s *Service) DeleteSnippet(ctx context.Context, id string) error {
	return s.store.DeleteSnippet(ctx, id)
}

func validateSnippetText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", validationError("text", "text is required")
	}
	if utf8.RuneCountInString(text) > maxSnippetLength {
		return "", validationError("text", fmt.Sprintf("The snippet is longer than the maximum allowed length (%d).", maxSnippetLength))
	}
	return text, nil
}
