package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/area/pkg/tokenstore"
)

// AccountTokens is a durable tokenstore.Store over the linked_accounts table.
type AccountTokens struct {
	s *Store
}

var _ tokenstore.Store = (*AccountTokens)(nil)

// AccountTokens returns the SQLite-backed linked account token store.
func (s *Store) AccountTokens() *AccountTokens {
	return &AccountTokens{s: s}
}

// Set stores a token. ttl <= 0 stores a token that never expires.
func (a *AccountTokens) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	now := a.s.now()
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (token_key, value, expires_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save account token: %w", err)
	}
	return nil
}

// Get returns tokenstore.ErrTokenNotFound or tokenstore.ErrTokenExpired when
// no usable token exists.
func (a *AccountTokens) Get(ctx context.Context, key string) (*tokenstore.Token, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var value string
	var expires sql.NullInt64
	err := a.s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM linked_accounts WHERE token_key = ?`, key,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, tokenstore.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account token: %w", err)
	}

	tok := &tokenstore.Token{Key: key, Value: value}
	if expires.Valid {
		tok.ExpiresAt = time.UnixMilli(expires.Int64)
		if a.s.now().After(tok.ExpiresAt) {
			return nil, tokenstore.ErrTokenExpired
		}
	}
	return tok, nil
}

// Delete removes a token by key.
func (a *AccountTokens) Delete(ctx context.Context, key string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	if _, err := a.s.db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE token_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete account token: %w", err)
	}
	return nil
}

// Cleanup removes all expired tokens.
func (a *AccountTokens) Cleanup(ctx context.Context) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	result, err := a.s.db.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE expires_at IS NOT NULL AND expires_at < ?`, a.s.nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up account tokens: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
