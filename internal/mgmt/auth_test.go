package mgmt

import (
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_NoAuth_Mode(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthNone})

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/areas", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Valid(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthAPIKey, APIKey: testAPIKey})

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/areas", nil, testAPIKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthAPIKey, APIKey: testAPIKey})

	resp, body := ts.do(t, http.MethodGet, "/api/v1/areas", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, body).Type)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthAPIKey, APIKey: testAPIKey})

	resp, body := ts.do(t, http.MethodGet, "/api/v1/areas", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, body).Type)
}

func TestAuth_APIKey_InvalidScheme(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthAPIKey, APIKey: testAPIKey})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/areas", nil)
	req.Header.Set("Authorization", "Basic dGVzdDp0ZXN0")
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_ProbeEndpoints_NoAuth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthAPIKey, APIKey: testAPIKey})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := ts.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

func TestAuth_JWT_ScopesToSubject(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthJWT, JWTSecret: testJWTSecret})
	alice := signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "alice"})
	bob := signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "bob"})

	// owner_id in the body is ignored in favour of the token subject
	resp, body := ts.do(t, http.MethodPost, "/api/v1/areas", CreateAreaRequest{
		OwnerID:             "mallory",
		Name:                "alice's rule",
		ActionComponentID:   "src.feed",
		ReactionComponentID: "dst.send",
		Parameters:          map[string]string{"src.feed.topic": "x", "dst.send.text": "y"},
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[AreaResponse](t, body)
	assert.Equal(t, "alice", created.OwnerID)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/areas/"+created.ID, nil, alice)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/areas/"+created.ID, nil, bob)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/areas", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[AreaListResponse](t, body).Areas)
}

func TestAuth_JWT_Rejects(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthJWT, JWTSecret: testJWTSecret})

	cases := map[string]string{
		"wrong secret": signJWT(t, "other", jwt.MapClaims{"sub": "alice"}),
		"no subject":   signJWT(t, testJWTSecret, jwt.MapClaims{}),
		"expired":      signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "alice", "exp": int64(1)}),
		"bad role":     signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "alice", "role": "root"}),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, "/api/v1/areas", nil, tok)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "invalid_token", decode[ProblemDetail](t, body).Type)
		})
	}
}

func TestAuth_JWT_RejectsOtherAlgorithms(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthJWT, JWTSecret: testJWTSecret})

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/areas", nil, tok)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_RoleRequired(t *testing.T) {
	ts := newTestServer(t, AuthConfig{Mode: AuthJWT, JWTSecret: testJWTSecret})
	reader := signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "alice", "role": "readonly"})
	operator := signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "alice"})
	admin := signJWT(t, testJWTSecret, jwt.MapClaims{"sub": "root", "role": "admin"})

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/areas", nil, reader)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/areas", CreateAreaRequest{Name: "x"}, reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "insufficient_role", decode[ProblemDetail](t, body).Type)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/scheduler/tick", nil, operator)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/scheduler/tick", nil, admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
