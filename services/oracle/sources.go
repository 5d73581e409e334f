package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"onloan/core/amount"
	"onloan/native/lending"
)

// StaticSource serves an operator-set price. Dev deployments and tests use it
// in place of a live feed.
type StaticSource struct {
	name string

	mu    sync.RWMutex
	price amount.PriceAmount
	asOf  time.Time
	clock func() time.Time
}

// NewStaticSource returns a source that reports nothing until Set is called.
func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: label(name, "static"), clock: time.Now}
}

func (s *StaticSource) Name() string { return s.name }

// Set publishes price as of asOf. A zero asOf stamps the quote with the
// current time on every fetch, so the price never goes stale.
func (s *StaticSource) Set(price amount.PriceAmount, asOf time.Time) {
	s.mu.Lock()
	s.price = price
	s.asOf = asOf
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(context.Context) (lending.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price.IsZero() {
		return lending.Quote{}, fmt.Errorf("static source %s: price not set", s.name)
	}
	asOf := s.asOf
	if asOf.IsZero() {
		asOf = s.clock()
	}
	return lending.Quote{Price: s.price, AsOf: asOf.UTC(), Source: s.name}, nil
}

// HTTPSource polls a JSON endpoint shaped like an aggregator proxy answer:
// {"price": "2000.00000000", "updatedAt": 1700000000}.
type HTTPSource struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSource constructs a source against endpoint. A nil client gets a
// 10 second timeout.
func NewHTTPSource(client *http.Client, name, endpoint, apiKey string) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		name:     label(name, "http"),
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		client:   client,
	}
}

func (s *HTTPSource) Name() string { return s.name }

type priceResponse struct {
	Price     amount.PriceAmount `json:"price"`
	UpdatedAt int64              `json:"updatedAt"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (lending.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return lending.Quote{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return lending.Quote{}, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return lending.Quote{}, fmt.Errorf("fetch %s: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload priceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return lending.Quote{}, fmt.Errorf("decode %s: %w", s.name, err)
	}
	if payload.UpdatedAt <= 0 {
		return lending.Quote{}, fmt.Errorf("decode %s: missing updatedAt", s.name)
	}
	return lending.Quote{
		Price:  payload.Price,
		AsOf:   time.Unix(payload.UpdatedAt, 0).UTC(),
		Source: s.name,
	}, nil
}

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration. Static sources
// take their initial price from price; http sources poll endpoint.
func (r *Registry) Build(name, typ, endpoint, apiKey, price string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "static":
		src := NewStaticSource(name)
		if strings.TrimSpace(price) != "" {
			parsed, err := amount.Parse[amount.Price](price)
			if err != nil {
				return nil, fmt.Errorf("static source %s: %w", src.Name(), err)
			}
			src.Set(parsed, time.Time{})
		}
		return src, nil
	case "http", "chainlink":
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("oracle source %q requires an endpoint", name)
		}
		return NewHTTPSource(r.client(), name, endpoint, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r != nil && r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
