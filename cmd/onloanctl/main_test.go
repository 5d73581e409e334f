package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"onloan/core/events"
	"onloan/gateway/middleware"
	"onloan/storage/journal"
)

const testCaller = "0x00000000000000000000000000000000000000aa"

type capturedRequest struct {
	method  string
	path    string
	query   string
	headers http.Header
	body    map[string]any
}

func newAPIServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.query = r.URL.RawQuery
		captured.headers = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &captured.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestDepositPostsAmount(t *testing.T) {
	srv, req := newAPIServer(t, http.StatusOK, `{"lender":"`+testCaller+`","balance":"100"}`)
	code, stdout, stderr := runCLI("-api", srv.URL, "-caller", testCaller, "-auth=false", "deposit", "-amount", "100")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/v1/pool/deposit", req.path)
	require.Equal(t, "100", req.body["amount"])
	require.Equal(t, testCaller, req.headers.Get(callerHeader))
	require.NotEmpty(t, req.headers.Get(idempotencyHeader))
	require.Contains(t, stdout, `"balance": "100"`)
}

func TestBorrowEncodesDurationAndCollateral(t *testing.T) {
	srv, req := newAPIServer(t, http.StatusCreated, `{"id":"loan"}`)
	code, _, stderr := runCLI("-api", srv.URL, "-auth=false", "borrow",
		"-amount", "1000", "-duration", "720h", "-collateral", "1", "-category", "personal")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "/v1/loans/borrow", req.path)
	require.Equal(t, float64(30*24*3600), req.body["durationSeconds"])
	collateral, ok := req.body["collateral"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "native", collateral["kind"])
	require.Equal(t, "1", collateral["amount"])
}

func TestBorrowRequiresDuration(t *testing.T) {
	code, _, stderr := runCLI("-api", "http://127.0.0.1:1", "-auth=false", "borrow", "-amount", "1", "-collateral", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "-duration")
}

func TestBorrowerCommandsUsePath(t *testing.T) {
	cases := map[string]string{
		"due":       "/v1/loans/" + testCaller + "/due",
		"history":   "/v1/loans/" + testCaller + "/history",
		"credit":    "/v1/credit/" + testCaller,
		"liquidate": "/v1/loans/" + testCaller + "/liquidate",
		"limit":     "/v1/admin/credit/" + testCaller + "/limit",
	}
	for name, path := range cases {
		srv, req := newAPIServer(t, http.StatusOK, `{}`)
		code, _, stderr := runCLI("-api", srv.URL, "-auth=false", name, testCaller)
		require.Equal(t, 0, code, "%s: %s", name, stderr)
		require.Equal(t, path, req.path, name)
	}
}

func TestScoreSendsImprovedFlag(t *testing.T) {
	srv, req := newAPIServer(t, http.StatusOK, `{}`)
	code, _, stderr := runCLI("-api", srv.URL, "-auth=false", "score", testCaller, "-improved=false")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, false, req.body["improved"])
}

func TestEventsQuery(t *testing.T) {
	srv, req := newAPIServer(t, http.StatusOK, `{"events":[],"next":0}`)
	code, _, stderr := runCLI("-api", srv.URL, "-auth=false", "events", "-type", "lending.depositToPool", "-after", "4", "-limit", "10")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, http.MethodGet, req.method)
	require.Contains(t, req.query, "after=4")
	require.Contains(t, req.query, "limit=10")
	require.Contains(t, req.query, "type=lending.depositToPool")
	require.Empty(t, req.headers.Get(idempotencyHeader))
}

func TestErrorEnvelopeIsReported(t *testing.T) {
	srv, _ := newAPIServer(t, http.StatusUnprocessableEntity, `{"error":{"code":"rejected","message":"insufficient liquidity"}}`)
	code, _, stderr := runCLI("-api", srv.URL, "-auth=false", "withdraw", "-amount", "5")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "rejected: insufficient liquidity")
}

func TestBearerTokenFromEnvironment(t *testing.T) {
	t.Setenv(tokenEnvVar, "tok")
	srv, req := newAPIServer(t, http.StatusOK, `{}`)
	code, _, stderr := runCLI("-api", srv.URL, "pool")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "Bearer tok", req.headers.Get("Authorization"))
}

func TestAPIKeySignsRequest(t *testing.T) {
	t.Setenv(apiSecretEnvVar, "keeper-secret")
	srv, req := newAPIServer(t, http.StatusOK, `{"liquidated":false}`)
	code, _, stderr := runCLI("-api", srv.URL, "-api-key", "keeper-1", "liquidate", testCaller)
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "keeper-1", req.headers.Get(middleware.HeaderAPIKey))
	require.Empty(t, req.headers.Get("Authorization"))

	probe := httptest.NewRequest(http.MethodPost, req.path, nil)
	expected := middleware.ComputeSignature("keeper-secret",
		req.headers.Get(middleware.HeaderTimestamp),
		req.headers.Get(middleware.HeaderNonce),
		http.MethodPost, middleware.CanonicalRequestPath(probe), nil)
	require.Equal(t, fmt.Sprintf("%x", expected), req.headers.Get(middleware.HeaderSignature))
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI("bogus")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "Unknown command")
}

func TestTokenCommandSignsCaller(t *testing.T) {
	original := tokenSecret
	tokenSecret = func() (string, error) { return "signing-secret", nil }
	t.Cleanup(func() { tokenSecret = original })

	code, stdout, stderr := runCLI("token", "-caller", testCaller, "-scopes", "lending:write, admin", "-ttl", "5m")
	require.Equal(t, 0, code, stderr)
	parsed, err := jwt.Parse(strings.TrimSpace(stdout), func(*jwt.Token) (any, error) {
		return []byte("signing-secret"), nil
	})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	subject, _ := claims["sub"].(string)
	require.True(t, strings.EqualFold(testCaller, subject), subject)
	require.Equal(t, "onloan", claims["iss"])
	require.Equal(t, "lending:write admin", claims["scope"])
}

func TestExportWritesJournal(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "journal.db")
	j, err := journal.Open(dsn)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, j.Append(context.Background(), events.Record{
			Seq:        seq,
			ID:         fmt.Sprintf("rec-%d", seq),
			Type:       "lending.depositToPool",
			Subject:    testCaller,
			Attributes: map[string]string{"amount": "1"},
			EmittedAt:  at,
		}))
	}
	require.NoError(t, j.Close())

	out := filepath.Join(dir, "events.csv")
	code, stdout, stderr := runCLI("export", "-dsn", dsn, "-out", out, "-after", "1")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "wrote 2 events")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(data), "\n"))

	jsonl := filepath.Join(dir, "events.out")
	code, _, stderr = runCLI("export", "-dsn", dsn, "-out", jsonl, "-format", "jsonl")
	require.Equal(t, 0, code, stderr)
	data, err = os.ReadFile(jsonl)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(data), "\n"))
}
