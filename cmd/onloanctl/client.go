package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"onloan/cmd/internal/passphrase"
	"onloan/gateway/middleware"
)

const (
	defaultAPIEndpoint = "http://127.0.0.1:8080"
	tokenEnvVar        = "ONLOAN_TOKEN"
	apiSecretEnvVar    = "ONLOAN_API_SECRET"
	callerHeader       = "X-Caller-Address"
	idempotencyHeader  = "Idempotency-Key"
)

// apiClient talks to the lendingd HTTP API.
type apiClient struct {
	endpoint string
	caller   string
	token    *passphrase.Source
	useToken bool
	apiKey   string
	secret   *passphrase.Source
	http     *http.Client
}

// apiError mirrors the daemon's error envelope.
type apiError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newAPIClient(opts globalOptions) *apiClient {
	return &apiClient{
		endpoint: strings.TrimRight(opts.endpoint, "/"),
		caller:   opts.caller,
		token:    passphrase.NewSource(tokenEnvVar, "Enter lendingd API token: "),
		useToken: opts.auth,
		apiKey:   opts.apiKey,
		secret:   passphrase.NewSource(apiSecretEnvVar, "Enter keeper API secret: "),
		http:     &http.Client{Timeout: opts.timeout},
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set(idempotencyHeader, uuid.NewString())
	}
	if c.caller != "" {
		req.Header.Set(callerHeader, c.caller)
	}
	if c.apiKey != "" {
		if err := c.sign(req, payload); err != nil {
			return err
		}
	} else if c.useToken {
		token, err := c.token.Get()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		envelope.Error.Status = resp.StatusCode
		return &envelope.Error
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// sign adds keeper API-key headers over the exact request body.
func (c *apiClient) sign(req *http.Request, payload []byte) error {
	secret, err := c.secret.Get()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	sig := middleware.ComputeSignature(strings.TrimSpace(secret), ts, nonce, req.Method, middleware.CanonicalRequestPath(req), payload)
	req.Header.Set(middleware.HeaderAPIKey, c.apiKey)
	req.Header.Set(middleware.HeaderTimestamp, ts)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func withTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
