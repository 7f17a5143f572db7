package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendpool/crypto"
)

var testAuth = AuthConfig{HMACSecret: "s3cret", Issuer: "poold", Audience: "lendpool"}

func protected(auth *Authenticator, scope string) http.Handler {
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(p.Caller.String()))
	})
	var h http.Handler = final
	if scope != "" {
		h = RequireScope(scope)(h)
	}
	return auth.Middleware(h)
}

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	caller := crypto.DeriveAddress("alice")
	token, err := IssueToken(testAuth, caller, nil, time.Minute, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	protected(NewAuthenticator(testAuth, nil), "").ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, caller.String(), res.Body.String())
}

func TestAuthenticatorQueryToken(t *testing.T) {
	token, err := IssueToken(testAuth, crypto.DeriveAddress("bob"), nil, time.Minute, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/events/stream?access_token="+token, nil)
	res := httptest.NewRecorder()
	protected(NewAuthenticator(testAuth, nil), "").ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestAuthenticatorRejects(t *testing.T) {
	caller := crypto.DeriveAddress("alice")
	auth := NewAuthenticator(testAuth, nil)

	expired, err := IssueToken(testAuth, caller, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	wrongKey, err := IssueToken(AuthConfig{HMACSecret: "other", Issuer: "poold", Audience: "lendpool"}, caller, nil, time.Minute, time.Now())
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(AuthConfig{HMACSecret: "s3cret", Issuer: "evil", Audience: "lendpool"}, caller, nil, time.Minute, time.Now())
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "not-an-address",
		Issuer:    "poold",
		Audience:  jwt.ClaimStrings{"lendpool"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  caller.String(),
		Issuer:   "poold",
		Audience: jwt.ClaimStrings{"lendpool"},
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"basic":        "Basic Zm9vOmJhcg==",
		"expired":      "Bearer " + expired,
		"wrong key":    "Bearer " + wrongKey,
		"wrong issuer": "Bearer " + wrongIssuer,
		"bad subject":  "Bearer " + badSubject,
		"no expiry":    "Bearer " + noExpiry,
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		protected(auth, "").ServeHTTP(res, req)
		require.Equal(t, http.StatusUnauthorized, res.Code, name)
	}
}

func TestRequireScope(t *testing.T) {
	caller := crypto.DeriveAddress("admin")
	auth := NewAuthenticator(testAuth, nil)

	plain, err := IssueToken(testAuth, caller, []string{"pool:read"}, time.Minute, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/gate", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	res := httptest.NewRecorder()
	protected(auth, ScopeAdmin).ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)

	admin, err := IssueToken(testAuth, caller, []string{"pool:read", ScopeAdmin}, time.Minute, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	res = httptest.NewRecorder()
	protected(auth, ScopeAdmin).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken(AuthConfig{}, crypto.DeriveAddress("x"), nil, time.Minute, time.Now())
	require.ErrorIs(t, err, errSecretMissing)
	_, err = IssueToken(testAuth, crypto.DeriveAddress("x"), nil, 0, time.Now())
	require.Error(t, err)
}
