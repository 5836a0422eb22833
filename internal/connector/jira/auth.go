package jira

import (
	"encoding/base64"
	"fmt"
	"net/http"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// BasicAuth implements Authenticator with email + API token (service account).
type BasicAuth struct {
	Email    string
	APIToken string
}

func (b *BasicAuth) Apply(req *http.Request) error {
	cred := base64.StdEncoding.EncodeToString([]byte(b.Email + ":" + b.APIToken))
	req.Header.Set("Authorization", "Basic "+cred)
	return nil
}

// BearerAuth implements Authenticator with an OAuth 2.0 access token linked by the area owner.
type BearerAuth struct {
	AccessToken string
}

func (o *BearerAuth) Apply(req *http.Request) error {
	if o.AccessToken == "" {
		return fmt.Errorf("no access token available: %w", perrors.ErrAuthFailure)
	}
	req.Header.Set("Authorization", "Bearer "+o.AccessToken)
	return nil
}
