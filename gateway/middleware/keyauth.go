package middleware

import (
	"bytes"
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds the body hashed for a signature.
	MaxSignedBody = 1 << 20

	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	nonceFlushInterval   = time.Minute
)

var errNonceReplay = errors.New("nonce already used")

// KeeperKey binds an API key to the address it acts as.
type KeeperKey struct {
	ID      string `yaml:"id"`
	Secret  string `yaml:"secret"`
	Address string `yaml:"address"`
}

// SignedRequestConfig configures API key authentication for automated
// callers such as liquidation keepers.
type SignedRequestConfig struct {
	Keys          []KeeperKey   `yaml:"keys"`
	NoncePath     string        `yaml:"nonce_path"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
	NonceTTL      time.Duration `yaml:"nonce_ttl"`
	NonceCapacity int           `yaml:"nonce_capacity"`
}

// Enabled reports whether any key is configured.
func (c SignedRequestConfig) Enabled() bool { return len(c.Keys) > 0 }

// NonceRecord is one observed (key, timestamp, nonce) triple.
type NonceRecord struct {
	KeyID      string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence survives restarts so a captured request cannot be
// replayed against a fresh process.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

type keeperKey struct {
	secret  string
	address common.Address
}

// SignedRequests verifies HMAC-signed requests and attaches the key's
// address as the caller.
type SignedRequests struct {
	keys          map[string]keeperKey
	skew          time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	now           func() time.Time
	logger        *slog.Logger
	persistence   NoncePersistence

	cacheMu sync.Mutex
	caches  map[string]*nonceCache

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewSignedRequests validates cfg and builds the verifier. Skew, TTL and
// capacity are clamped to their maxima.
func NewSignedRequests(cfg SignedRequestConfig, persistence NoncePersistence, logger *slog.Logger) (*SignedRequests, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]keeperKey, len(cfg.Keys))
	for _, key := range cfg.Keys {
		id := strings.TrimSpace(key.ID)
		secret := strings.TrimSpace(key.Secret)
		if id == "" || secret == "" {
			return nil, fmt.Errorf("signed requests: key id and secret required")
		}
		if !common.IsHexAddress(strings.TrimSpace(key.Address)) {
			return nil, fmt.Errorf("signed requests: key %s: invalid address %q", id, key.Address)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("signed requests: duplicate key %s", id)
		}
		keys[id] = keeperKey{secret: secret, address: common.HexToAddress(strings.TrimSpace(key.Address))}
	}
	s := &SignedRequests{
		keys:          keys,
		skew:          clampDuration(cfg.ClockSkew, maxTimestampSkew),
		nonceTTL:      clampDuration(cfg.NonceTTL, maxNonceWindow),
		nonceCapacity: cfg.NonceCapacity,
		now:           time.Now,
		logger:        logger,
		persistence:   persistence,
		caches:        make(map[string]*nonceCache),
		lastSeen:      make(map[string]int64),
	}
	if s.nonceCapacity <= 0 {
		s.nonceCapacity = defaultNonceCapacity
	}
	if s.nonceCapacity > maxNonceCapacity {
		s.nonceCapacity = maxNonceCapacity
	}
	return s, nil
}

func clampDuration(v, max time.Duration) time.Duration {
	if v <= 0 || v > max {
		return max
	}
	return v
}

// SetClock overrides the time source.
func (s *SignedRequests) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Middleware authenticates requests carrying X-Api-Key and passes every
// other request through untouched so bearer auth can handle it.
func (s *SignedRequests) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(HeaderAPIKey)) == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
		if err != nil {
			writeAuthError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		caller, err := s.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("auth: signed request rejected", slog.String("key", r.Header.Get(HeaderAPIKey)), slog.Any("error", err))
			writeAuthError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// Authenticate validates the signature headers over body and returns the
// key's address.
func (s *SignedRequests) Authenticate(r *http.Request, body []byte) (common.Address, error) {
	if len(body) > MaxSignedBody {
		return common.Address{}, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	keyID := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	key, ok := s.keys[keyID]
	if !ok {
		return common.Address{}, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return common.Address{}, errors.New("missing X-Timestamp header")
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	ts := time.Unix(secs, 0).UTC()
	now := s.now().UTC()
	if drift := now.Sub(ts); drift > s.skew || drift < -s.skew {
		return common.Address{}, fmt.Errorf("timestamp outside allowed skew of %s", s.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return common.Address{}, errors.New("missing X-Nonce header")
	}
	provided, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil || len(provided) == 0 {
		return common.Address{}, errors.New("invalid signature encoding")
	}
	expected := ComputeSignature(key.secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(provided, expected) {
		return common.Address{}, errors.New("invalid signature")
	}
	duplicate, err := s.registerNonce(r.Context(), keyID, tsHeader, nonce, now)
	if err != nil {
		return common.Address{}, err
	}
	if duplicate {
		return common.Address{}, errNonceReplay
	}
	if s.timestampRegressed(keyID, secs, now) {
		return common.Address{}, errors.New("timestamp not increasing")
	}
	return key.address, nil
}

// HydrateNonces loads nonces observed since cutoff into memory.
func (s *SignedRequests) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if s.persistence == nil {
		return nil
	}
	records, err := s.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.KeyID == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		s.cache(rec.KeyID).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (s *SignedRequests) registerNonce(ctx context.Context, keyID, timestamp, nonce string, now time.Time) (bool, error) {
	cache := s.cache(keyID)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if s.persistence != nil {
		if err := s.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := s.persistence.EnsureNonce(ctx, NonceRecord{KeyID: keyID, Timestamp: timestamp, Nonce: nonce, ObservedAt: now})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (s *SignedRequests) prunePersistent(ctx context.Context, now time.Time) error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < nonceFlushInterval {
		return nil
	}
	if err := s.persistence.PruneNonces(ctx, now.Add(-s.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	s.lastPruned = now
	return nil
}

// timestampRegressed rejects a timestamp at or below the last accepted one
// for the key while that one is still inside the skew window.
func (s *SignedRequests) timestampRegressed(keyID string, current int64, now time.Time) bool {
	cutoff := now.Add(-s.skew).Unix()
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	last, ok := s.lastSeen[keyID]
	if ok && last > cutoff && current < last {
		return true
	}
	if !ok || current > last {
		s.lastSeen[keyID] = current
	}
	return false
}

func (s *SignedRequests) cache(keyID string) *nonceCache {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cache, ok := s.caches[keyID]
	if !ok {
		cache = newNonceCache(s.nonceTTL, s.nonceCapacity)
		s.caches[keyID] = cache
	}
	return cache
}

// CanonicalRequestPath is the path plus the sorted raw query.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature returns HMAC-SHA256 over the newline-joined timestamp,
// nonce, method, canonical path and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// nonceCache is a TTL-bounded LRU of observed nonces.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (n *nonceCache) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

func (n *nonceCache) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		n.remove(n.order.Front())
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceCache) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.order.Len()
}

func (n *nonceCache) evictExpired(cutoff time.Time) {
	for front := n.order.Front(); front != nil; front = n.order.Front() {
		if !front.Value.(nonceEntry).ts.Before(cutoff) {
			return
		}
		n.remove(front)
	}
}

func (n *nonceCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	n.order.Remove(elem)
	delete(n.entries, elem.Value.(nonceEntry).key)
}
