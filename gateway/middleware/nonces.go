package middleware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"onloan/storage"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// StoredNonces persists nonce usage in a key/value database. Each nonce has
// a lookup key and an observed-at index key so pruning walks in time order.
type StoredNonces struct {
	db storage.Database
}

// NewStoredNonces wraps db.
func NewStoredNonces(db storage.Database) *StoredNonces {
	return &StoredNonces{db: db}
}

// EnsureNonce records the nonce and reports whether it had been seen.
func (p *StoredNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	keyID := strings.TrimSpace(record.KeyID)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if keyID == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{keyID, ts, nonce}, "|")
	lookup := []byte(nonceKeyPrefix + composite)
	existing, err := p.db.Get(lookup)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			batch := new(storage.Batch)
			batch.Put(lookup, encodeUnixNano(next))
			batch.Delete([]byte(observedKey(previous, composite)))
			batch.Put([]byte(observedKey(next, composite)), []byte{})
			if err := p.db.Write(batch); err != nil {
				return false, fmt.Errorf("update observed nonce: %w", err)
			}
		}
		return true, nil
	}
	nanos := observed.UnixNano()
	batch := new(storage.Batch)
	batch.Put(lookup, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), []byte{})
	if err := p.db.Write(batch); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonces observed at or after cutoff.
func (p *StoredNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	threshold := cutoff.UTC().UnixNano()
	var records []NonceRecord
	err := p.db.Iterate([]byte(observedKeyPrefix), func(key, _ []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok || nanos < threshold {
			return true
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			return true
		}
		records = append(records, NonceRecord{
			KeyID:      parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, ctx.Err()
}

// PruneNonces deletes nonces observed before cutoff.
func (p *StoredNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	threshold := cutoff.UTC().UnixNano()
	batch := new(storage.Batch)
	err := p.db.Iterate([]byte(observedKeyPrefix), func(key, _ []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok {
			return true
		}
		// index keys sort by time
		if nanos >= threshold {
			return false
		}
		batch.Delete(key)
		batch.Delete([]byte(nonceKeyPrefix + composite))
		return true
	})
	if err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
