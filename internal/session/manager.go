package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"issuemirror/api/internal/auth"
	"issuemirror/api/internal/util"
)

// State is a loaded session. An empty ID means no session exists yet.
type State struct {
	ID   string
	Data Data
}

type ManagerConfig struct {
	CookieName string
	Secret     string
	TTL        time.Duration
	Secure     bool
}

// Manager binds a Store to the signed session cookie. The cookie holds a
// signed session id; the store is keyed by the hash of that id.
type Manager struct {
	store  Store
	secret []byte
	name   string
	ttl    time.Duration
	secure bool
}

func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Manager{
		store:  store,
		secret: []byte(cfg.Secret),
		name:   cfg.CookieName,
		ttl:    cfg.TTL,
		secure: cfg.Secure,
	}
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Load returns the session named by the request cookie. A missing,
// tampered, expired or unknown cookie yields an empty State and no error.
func (m *Manager) Load(ctx context.Context, r *http.Request) (State, error) {
	cookie, err := r.Cookie(m.name)
	if err != nil || cookie.Value == "" {
		return State{}, nil
	}
	claims, err := auth.ParseToken(m.secret, cookie.Value)
	if err != nil {
		return State{}, nil
	}
	data, err := m.store.Load(ctx, auth.HashToken(claims.SID))
	if errors.Is(err, ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return State{ID: claims.SID, Data: data}, nil
}

// Save persists st and refreshes the cookie, creating a session id when
// st has none. The returned State carries the id that was used.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, st State) (State, error) {
	if st.ID == "" {
		st.ID = util.NewID("sess")
		st.Data.CreatedAt = time.Now().UTC()
	}
	if err := m.store.Save(ctx, auth.HashToken(st.ID), st.Data, m.ttl); err != nil {
		return State{}, err
	}

	expires := time.Now().Add(m.ttl)
	token, err := auth.IssueToken(m.secret, auth.Claims{SID: st.ID, Exp: expires.Unix()})
	if err != nil {
		return State{}, fmt.Errorf("issue session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return st, nil
}

// Regenerate replaces st with a fresh session id carrying data, so a
// login never reuses an id that existed before authentication.
func (m *Manager) Regenerate(ctx context.Context, w http.ResponseWriter, st State, data Data) (State, error) {
	if st.ID != "" {
		if err := m.store.Delete(ctx, auth.HashToken(st.ID)); err != nil {
			return State{}, err
		}
	}
	return m.Save(ctx, w, State{Data: data})
}

func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, st State) error {
	if st.ID != "" {
		if err := m.store.Delete(ctx, auth.HashToken(st.ID)); err != nil {
			return err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// SetFlash queues a one-shot message on st.
func (m *Manager) SetFlash(ctx context.Context, w http.ResponseWriter, st State, flash Flash) (State, error) {
	st.Data.Flash = &flash
	return m.Save(ctx, w, st)
}

// PopFlash removes and returns the pending flash, if any.
func (m *Manager) PopFlash(ctx context.Context, w http.ResponseWriter, st State) (*Flash, State, error) {
	if st.ID == "" || st.Data.Flash == nil {
		return nil, st, nil
	}
	flash := st.Data.Flash
	st.Data.Flash = nil
	saved, err := m.Save(ctx, w, st)
	if err != nil {
		return nil, st, err
	}
	return flash, saved, nil
}
