package webhook

import (
	"crypto/subtle"
	"errors"
)

// ErrUnauthenticated is returned when the shared-secret header is missing
// or does not match.
var ErrUnauthenticated = errors.New("webhook: unauthenticated")

// TokenHeader carries the shared secret on GitLab deliveries.
const TokenHeader = "X-Gitlab-Token"

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate compares header against the configured secret in constant
// time. An empty secret on either side never authenticates.
func (a *Authenticator) Authenticate(header string) error {
	if len(a.secret) == 0 || header == "" {
		return ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(header), a.secret) != 1 {
		return ErrUnauthenticated
	}
	return nil
}
