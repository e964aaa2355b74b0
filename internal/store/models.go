package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Snippet is a short user-authored note. Author holds the owning
// username and is what ownership checks compare against.
type Snippet struct {
	ID        string
	Text      string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BrowserSession is the Postgres fallback row for a browser session.
// Data is opaque JSON owned by the session package.
type BrowserSession struct {
	TokenHash string
	Data      json.RawMessage
	ExpiresAt time.Time
}
