package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	headerIdempotency      = "Idempotency-Key"
	headerIdempotencyCache = "X-Idempotency-Cache"
)

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord stores the cached response for an idempotency key.
type IdempotencyRecord struct {
	StatusCode int    `json:"statusCode"`
	Body       []byte `json:"body"`
	// Fingerprint is the hex sha256 of the request body that produced the
	// response.
	Fingerprint string    `json:"fingerprint,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists mutation responses in BoltDB so retried
// requests replay the first outcome instead of moving funds twice.
type IdempotencyStore struct {
	db *bolt.DB

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OpenIdempotencyStore opens (creating if needed) the Bolt file at path.
func OpenIdempotencyStore(path string, options *bolt.Options) (*IdempotencyStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db, inflight: make(map[string]struct{})}, nil
}

func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for key when it has not expired. Expired
// records are removed.
func (s *IdempotencyStore) Get(key string, now time.Time) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if record.StatusCode == 0 {
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores the response envelope for key.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

// Prune deletes every record that expired before now and reports how many
// were removed.
func (s *IdempotencyStore) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *IdempotencyStore) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *IdempotencyStore) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func idempotencyKey(caller, method, path, idem string) string {
	return fmt.Sprintf("%s|%s|%s|%s", caller, method, path, idem)
}

// bufferedResponse captures a handler's response so it can be cached before
// it is written out.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// idempotent replays cached responses for requests carrying an
// Idempotency-Key and caches the outcome of new ones. Server errors are not
// cached so the client can retry them.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if s.idempotency == nil || idem == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller, _ := callerFrom(r)
		key := idempotencyKey(strings.ToLower(caller.Hex()), r.Method, r.URL.Path, idem)
		if !s.idempotency.acquire(key) {
			writeError(w, http.StatusConflict, codeConflict, "request with this idempotency key is in progress", nil)
			return
		}
		defer s.idempotency.release(key)
		var payload []byte
		if r.Body != nil {
			var err error
			payload, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid payload", map[string]any{"reason": err.Error()})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(payload))
		}
		fingerprint := requestFingerprint(payload)
		if record, found, err := s.idempotency.Get(key, s.now()); err != nil {
			s.logger.Warn("idempotency lookup failed", "error", err)
		} else if found {
			if record.Fingerprint != "" && record.Fingerprint != fingerprint {
				writeError(w, http.StatusUnprocessableEntity, codeConflict, "idempotency key reused with a different request body", nil)
				return
			}
			writeCachedResponse(w, record)
			return
		}

		buffered := newBufferedResponse()
		next.ServeHTTP(buffered, r)
		if buffered.status < http.StatusInternalServerError {
			now := s.now()
			if err := s.idempotency.Put(key, IdempotencyRecord{
				StatusCode:  buffered.status,
				Body:        buffered.body.Bytes(),
				Fingerprint: fingerprint,
				StoredAt:    now,
				ExpiresAt:   now.Add(s.idempotencyTTL),
			}); err != nil {
				s.logger.Warn("idempotency store failed", "error", err)
			}
		}
		buffered.flush(w)
	})
}

func requestFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeCachedResponse(w http.ResponseWriter, record IdempotencyRecord) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerIdempotencyCache, "hit")
	w.WriteHeader(record.StatusCode)
	_, _ = w.Write(record.Body)
}
