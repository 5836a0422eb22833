package connector

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/pkg/tokenstore"
)

// Credentials resolves the access token an owner linked for a service.
type Credentials interface {
	Token(ctx context.Context, ownerID, service string) (string, error)
}

// TokenStoreCredentials reads linked account tokens from a tokenstore.Store.
type TokenStoreCredentials struct {
	Store tokenstore.Store
}

// Token returns the owner's token. Missing or expired tokens are auth failures
// so the scheduler never mistakes them for "no new events".
func (c TokenStoreCredentials) Token(ctx context.Context, ownerID, service string) (string, error) {
	tok, err := c.Store.Get(ctx, tokenstore.AccountKey(ownerID, service))
	switch {
	case errors.Is(err, tokenstore.ErrTokenNotFound):
		return "", fmt.Errorf("%s account not linked for %s: %w", service, ownerID, perrors.ErrAuthFailure)
	case errors.Is(err, tokenstore.ErrTokenExpired):
		return "", fmt.Errorf("%s token expired for %s: %w", service, ownerID, perrors.ErrAuthFailure)
	case err != nil:
		return "", fmt.Errorf("load %s token: %w", service, err)
	}
	return tok.Value, nil
}

// StaticCredentials returns the same token for every owner. Used by tests and
// single-tenant deployments.
type StaticCredentials string

// Token returns the static token, or an auth failure if it is empty.
func (s StaticCredentials) Token(_ context.Context, _, service string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no %s token configured: %w", service, perrors.ErrAuthFailure)
	}
	return string(s), nil
}
