// Package idempotency deduplicates approval submissions that carry an
// X-Idempotency-Key header, so a retried call returns the first transition
// instead of applying the action twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/solicitudes/model"
)

// PendingTTL bounds how long a reservation blocks its key when the holder
// never completes or releases it.
const PendingTTL = time.Minute

// Store provides deduplication for approval submissions.
// Keys are built with FormatKey.
type Store interface {
	// Reserve claims key for inputHash before the submission runs. It
	// returns found=false when the caller now holds the key and must either
	// Save or Release it. A completed key with the same hash returns the
	// cached transition; a different hash, or a reservation still in
	// flight, is a CONFLICT.
	Reserve(ctx context.Context, key string, inputHash string) (result *model.Transition, found bool, err error)
	// Save completes a reservation with the transition and a TTL.
	Save(ctx context.Context, key string, inputHash string, result model.Transition, ttl time.Duration) error
	// Release drops a reservation whose submission failed, so the client
	// may retry with the same key.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash string           `json:"input_hash"`
	Pending   bool             `json:"pending,omitempty"`
	Result    model.Transition `json:"result"`
}

// resolve answers a Reserve that found an existing entry.
func (e entry) resolve(key, inputHash string) (*model.Transition, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	if e.Pending {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q is still being processed", key),
		)
	}
	result := e.Result
	return &result, true, nil
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Reserve inserts a pending entry unless a live one exists.
func (s *MemoryStore) Reserve(_ context.Context, key string, inputHash string) (*model.Transition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.data.resolve(key, inputHash)
	}
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(PendingTTL),
	}
	return nil, false, nil
}

// Save stores a transition with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, result model.Transition, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release removes key if it is still pending.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve claims key with SET NX. When the key exists it is read back and
// resolved; a key that expires between the two calls is claimed again.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string) (*model.Transition, bool, error) {
	pending, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	for range 2 {
		claimed, err := s.client.SetNX(ctx, key, pending, PendingTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if claimed {
			return nil, false, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get %q: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return e.resolve(key, inputHash)
	}
	return nil, false, model.NewConflictError(fmt.Sprintf("idempotency key %q is contended", key))
}

// Save stores a transition in Redis with TTL, replacing the reservation.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, result model.Transition, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes the reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey scopes a client key to the request and the acting subject, so two
// users cannot collide on the same header value.
func FormatKey(requestID, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", requestID, subjectID, key)
}

// HashInput fingerprints a submission body.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
