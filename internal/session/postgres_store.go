package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"issuemirror/api/internal/store"
)

// Rows is the slice of store.PostgresStore used for sessions.
type Rows interface {
	LoadBrowserSession(ctx context.Context, tokenHash string) (store.BrowserSession, error)
	SaveBrowserSession(ctx context.Context, row store.BrowserSession) error
	DeleteBrowserSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// PostgresStore keeps sessions in the browser_sessions table. It is used
// when no Redis URL is configured.
type PostgresStore struct {
	rows Rows
	now  func() time.Time
}

func NewPostgresStore(rows Rows) *PostgresStore {
	return &PostgresStore{rows: rows, now: time.Now}
}

func (s *PostgresStore) Load(ctx context.Context, key string) (Data, error) {
	row, err := s.rows.LoadBrowserSession(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, err
	}
	var data Data
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return Data{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, data Data, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.rows.SaveBrowserSession(ctx, store.BrowserSession{
		TokenHash: key,
		Data:      raw,
		ExpiresAt: s.now().Add(ttl),
	})
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return s.rows.DeleteBrowserSession(ctx, key)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.rows.Ping(ctx)
}
