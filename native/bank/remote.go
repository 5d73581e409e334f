package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteProvider forwards transfer batches to an external custody service.
// The service is expected to apply a batch atomically and to treat a repeated
// X-Idempotency-Key as a replay of the original outcome.
type RemoteProvider struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewRemoteProvider returns a provider posting to endpoint. A nil client gets
// a 10 second timeout.
func NewRemoteProvider(endpoint, token string, client *http.Client) *RemoteProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteProvider{endpoint: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

type batchRequest struct {
	Reference string     `json:"reference"`
	Transfers []Transfer `json:"transfers"`
}

// Execute implements Provider.
func (p *RemoteProvider) Execute(ctx context.Context, ref string, batch []Transfer) error {
	if ref == "" {
		return ErrEmptyReference
	}
	body, err := json.Marshal(batchRequest{Reference: ref, Transfers: batch})
	if err != nil {
		return fmt.Errorf("bank: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", ref)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("bank: submit batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(detail))
	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	}
	return fmt.Errorf("bank: transfer service returned %d: %s", resp.StatusCode, msg)
}
