// Package session stores browser sessions: who is logged in and the
// one-shot flash message shown on the next page load.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

const (
	FlashSuccess = "success"
	FlashDanger  = "danger"
)

type Flash struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Data struct {
	UserName  string    `json:"user_name,omitempty"`
	Flash     *Flash    `json:"flash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Data) Authenticated() bool {
	return d.UserName != ""
}

// Store persists session data under an opaque key. Implementations must
// return ErrNotFound for missing or expired keys.
type Store interface {
	Load(ctx context.Context, key string) (Data, error)
	Save(ctx context.Context, key string, data Data, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
