package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, user.ID, user.Username, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("create user %q: %w", user.Username, ErrConflict)
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListSnippets(ctx context.Context) ([]Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, author, created_at, updated_at
		FROM snippets
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	defer rows.Close()

	snippets := make([]Snippet, 0)
	for rows.Next() {
		var snippet Snippet
		if err := rows.Scan(&snippet.ID, &snippet.Text, &snippet.Author, &snippet.CreatedAt, &snippet.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return snippets, nil
}

// SnippetOwner returns the author of snippet id, or ErrNotFound.
func (s *PostgresStore) SnippetOwner(ctx context.Context, id string) (string, error) {
	var author string
	err := s.db.QueryRowContext(ctx, `SELECT author FROM snippets WHERE id=$1`, id).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get snippet owner: %w", err)
	}
	return author, nil
}

func (s *PostgresStore) CreateSnippet(ctx context.Context, snippet Snippet) (Snippet, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO snippets (id, text, author)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, snippet.ID, snippet.Text, snippet.Author).Scan(&snippet.CreatedAt, &snippet.UpdatedAt)
	if err != nil {
		return Snippet{}, fmt.Errorf("create snippet: %w", err)
	}
	return snippet, nil
}

func (s *PostgresStore) UpdateSnippet(ctx context.Context, id, text string) (Snippet, error) {
	var snippet Snippet
	err := s.db.QueryRowContext(ctx, `
		UPDATE snippets SET text=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, text, author, created_at, updated_at
	`, id, text).Scan(&snippet.ID, &snippet.Text, &snippet.Author, &snippet.CreatedAt, &snippet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snippet{}, ErrNotFound
	}
	if err != nil {
		return Snippet{}, fmt.Errorf("update snippet: %w", err)
	}
	return snippet, nil
}

func (s *PostgresStore) DeleteSnippet(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snippet rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LoadBrowserSession(ctx context.Context, tokenHash string) (BrowserSession, error) {
	var (
		row  BrowserSession
		data []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, data, expires_at
		FROM browser_sessions
		WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash).Scan(&row.TokenHash, &data, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BrowserSession{}, ErrNotFound
	}
	if err != nil {
		return BrowserSession{}, fmt.Errorf("load browser session: %w", err)
	}
	row.Data = data
	return row, nil
}

func (s *PostgresStore) SaveBrowserSession(ctx context.Context, row BrowserSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (token_hash, data, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE
			SET data=EXCLUDED.data, expires_at=EXCLUDED.expires_at, updated_at=NOW()
	`, row.TokenHash, []byte(row.Data), row.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save browser session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBrowserSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE token_hash=$1`, tokenHash); err != nil {
		return fmt.Errorf("delete browser session: %w", err)
	}
	return nil
}

// PurgeExpiredBrowserSessions removes rows that expired before now.
func (s *PostgresStore) PurgeExpiredBrowserSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge browser sessions: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
