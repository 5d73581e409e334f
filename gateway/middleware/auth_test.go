package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "lendingd-test-secret"

func callerEcho(t *testing.T, seen *common.Address) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if ok {
			*seen = caller
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorExtractsCaller(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "onloan"}, nil)
	caller := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token, err := SignToken(testSecret, caller, "onloan", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var seen common.Address
	handler := auth.Middleware("admin")(callerEcho(t, &seen))
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if seen != caller {
		t.Fatalf("expected caller %s, got %s", caller.Hex(), seen.Hex())
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "onloan"}, nil)
	caller := common.HexToAddress("0x0b")

	good, _ := SignToken(testSecret, caller, "onloan", nil, time.Minute)
	wrongIssuer, _ := SignToken(testSecret, caller, "elsewhere", nil, time.Minute)
	wrongSecret, _ := SignToken("other-secret", caller, "onloan", nil, time.Minute)
	notAnAddress, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iss": "onloan", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": caller.Hex(), "iss": "onloan", "exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(testSecret))

	cases := []struct {
		name   string
		header string
		scopes []string
		want   int
	}{
		{"missing", "", nil, http.StatusUnauthorized},
		{"issuer", "Bearer " + wrongIssuer, nil, http.StatusUnauthorized},
		{"secret", "Bearer " + wrongSecret, nil, http.StatusUnauthorized},
		{"subject", "Bearer " + notAnAddress, nil, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, nil, http.StatusUnauthorized},
		{"scope", "Bearer " + good, []string{"admin"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		var seen common.Address
		handler := auth.Middleware(tc.scopes...)(callerEcho(t, &seen))
		req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, res.Code)
		}
	}
}

func TestAuthenticatorDisabledUsesDevHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	var seen common.Address
	handler := auth.Middleware()(callerEcho(t, &seen))
	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set(DevCallerHeader, "0x00000000000000000000000000000000000000cc")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || seen != common.HexToAddress("0xcc") {
		t.Fatalf("expected dev caller, got %d %s", res.Code, seen.Hex())
	}
}
