package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendpool/crypto"
	"lendpool/gateway/middleware"
)

type captured struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func fakeAPI(t *testing.T, status int, response string) (*captured, func()) {
	t.Helper()
	got := new(captured)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.RequestURI()
		got.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &got.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	prevEndpoint, prevToken := apiEndpoint, apiToken
	apiEndpoint, apiToken = srv.URL, "tok"
	return got, func() {
		srv.Close()
		apiEndpoint, apiToken = prevEndpoint, prevToken
	}
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Usage: pool-cli")

	stderr.Reset()
	require.Equal(t, 1, run([]string{"bogus"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestApplyGlobalFlags(t *testing.T) {
	prev := apiEndpoint
	defer func() { apiEndpoint = prev }()

	rest, err := applyGlobalFlags([]string{"--api", "http://pool:1", "pool"})
	require.NoError(t, err)
	require.Equal(t, []string{"pool"}, rest)
	require.Equal(t, "http://pool:1", apiEndpoint)

	rest, err = applyGlobalFlags([]string{"pool", "--api=http://pool:2"})
	require.NoError(t, err)
	require.Equal(t, []string{"pool"}, rest)
	require.Equal(t, "http://pool:2", apiEndpoint)

	_, err = applyGlobalFlags([]string{"--api"})
	require.Error(t, err)
}

func TestBorrowSendsBody(t *testing.T) {
	got, done := fakeAPI(t, http.StatusOK, `{"operation":"borrow"}`)
	defer done()

	var stdout, stderr bytes.Buffer
	code := run([]string{"borrow", "--collateral", "7", "--collateral-amount", "500000", "--loan", "200000"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/v1/borrow", got.path)
	require.Equal(t, "Bearer tok", got.auth)
	require.EqualValues(t, 7, got.body["collateralAssetId"])
	require.EqualValues(t, 500000, got.body["collateralAmount"])
	require.EqualValues(t, 200000, got.body["loanAmount"])
	require.Contains(t, stdout.String(), `"operation": "borrow"`)
}

func TestAdminRateUsesKebabFlags(t *testing.T) {
	got, done := fakeAPI(t, http.StatusOK, `{}`)
	defer done()

	var stdout, stderr bytes.Buffer
	code := run([]string{"admin", "rate", "--model", "power", "--base-bps", "200", "--power-gamma-q16", "131072"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, http.MethodPut, got.method)
	require.Equal(t, "/v1/admin/rate", got.path)
	require.Equal(t, "power", got.body["model"])
	require.EqualValues(t, 200, got.body["baseBps"])
	require.EqualValues(t, 131072, got.body["powerGammaQ16"])
}

func TestAPIErrorEnvelope(t *testing.T) {
	_, done := fakeAPI(t, http.StatusUnprocessableEntity, `{"error":{"kind":"ExceedsLTV","message":"loan exceeds allowed LTV"}}`)
	defer done()

	var stdout, stderr bytes.Buffer
	code := run([]string{"borrow", "--collateral", "7", "--collateral-amount", "1", "--loan", "1"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "API error 422 (ExceedsLTV)")
}

func TestEventsQuery(t *testing.T) {
	got, done := fakeAPI(t, http.StatusOK, `[]`)
	defer done()

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"events", "--after", "5", "--limit", "10"}, &stdout, &stderr))
	require.Equal(t, "/v1/events?after=5&limit=10", got.path)
}

func TestLiquidateRequiresBorrower(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"liquidate", "--collateral", "7", "--amount", "10"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "--borrower is required")
}

func TestTokenIssuesVerifiableJWT(t *testing.T) {
	prevSecret, prevNow := secretFor, cliNow
	secretFor = func() (string, error) { return "cli-test-secret-value", nil }
	now := time.Now()
	cliNow = func() time.Time { return now }
	defer func() { secretFor, cliNow = prevSecret, prevNow }()

	subject := crypto.DeriveAddress("admin")
	var stdout, stderr bytes.Buffer
	code := run([]string{"token", "--subject", subject.String(), "--scope", middleware.ScopeAdmin, "--ttl", "10m"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	auth := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "cli-test-secret-value", Issuer: "poold", Audience: "lendpool"}, nil)
	principal, err := auth.Parse(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	require.Equal(t, subject, principal.Caller)
	require.True(t, principal.HasScope(middleware.ScopeAdmin))
}

func TestTokenRejectsBadSubject(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"token", "--subject", "nope"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "invalid --subject")
}

func TestFlagName(t *testing.T) {
	require.Equal(t, "base-bps", flagName("baseBps"))
	require.Equal(t, "slope1-bps", flagName("slope1Bps"))
	require.Equal(t, "power-gamma-q16", flagName("powerGammaQ16"))
}
