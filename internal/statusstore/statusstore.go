// Package statusstore mirrors client state to the key/value store so
// admin tooling can read it without broker access. Everything lives in
// one hash whose fields are JSON-encoded name lists.
package statusstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// HashKey is the hash all status buckets live under.
const HashKey = "Clients_status"

// Status bucket fields inside the hash.
const (
	FieldActive      = "active_clients"
	FieldPaused      = "paused_clients"
	FieldBlocked     = "blocked_clients"
	FieldDeactivated = "deactivate_clients"
	FieldNetError    = "connecting_internet_error"
	FieldToClose     = "clients_to_close"
)

// AllFields lists every bucket, in snapshot order.
func AllFields() []string {
	return []string{
		FieldActive,
		FieldPaused,
		FieldBlocked,
		FieldDeactivated,
		FieldNetError,
		FieldToClose,
	}
}

// RedisClient is the minimal command surface the store needs. The
// concrete *redis.Client satisfies it; tests inject a fake.
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store reads and writes the client status hash.
type Store struct {
	rdb    RedisClient
	logger zerolog.Logger
}

// New builds a store over an injected Redis client.
func New(rdb RedisClient, logger zerolog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger.With().Str("component", "statusstore").Logger(),
	}
}

// Prime initialises any absent bucket to an empty list. Present
// buckets are left untouched, so restarts never clobber admin edits.
func (s *Store) Prime(ctx context.Context) error {
	for _, field := range AllFields() {
		if err := s.rdb.HSetNX(ctx, HashKey, field, "[]").Err(); err != nil {
			return fmt.Errorf("prime %s: %w", field, err)
		}
	}
	return nil
}

// GetList reads one bucket. A missing field reads as empty.
func (s *Store) GetList(ctx context.Context, field string) ([]string, error) {
	raw, err := s.rdb.HGet(ctx, HashKey, field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", field, err)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return names, nil
}

// GetRaw reads one bucket's stored string verbatim.
func (s *Store) GetRaw(ctx context.Context, field string) (string, error) {
	raw, err := s.rdb.HGet(ctx, HashKey, field).Result()
	if err == redis.Nil {
		return "[]", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", field, err)
	}
	return raw, nil
}

// SetList overwrites one bucket with names, sorted for stable reads.
func (s *Store) SetList(ctx context.Context, field string, names []string) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	if sorted == nil {
		sorted = []string{}
	}
	data, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	if err := s.rdb.HSet(ctx, HashKey, field, string(data)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	return nil
}

// AddTo inserts name into a bucket. Reports whether it was absent.
func (s *Store) AddTo(ctx context.Context, field, name string) (bool, error) {
	names, err := s.GetList(ctx, field)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return false, nil
		}
	}
	return true, s.SetList(ctx, field, append(names, name))
}

// RemoveFrom deletes name from a bucket. Reports whether it was there.
func (s *Store) RemoveFrom(ctx context.Context, field, name string) (bool, error) {
	names, err := s.GetList(ctx, field)
	if err != nil {
		return false, err
	}
	kept := names[:0]
	found := false
	for _, n := range names {
		if n == name {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	if !found {
		return false, nil
	}
	return true, s.SetList(ctx, field, kept)
}

// Contains reports membership in a bucket.
func (s *Store) Contains(ctx context.Context, field, name string) (bool, error) {
	names, err := s.GetList(ctx, field)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Snapshot reads every bucket at once.
func (s *Store) Snapshot(ctx context.Context) (map[string][]string, error) {
	raw, err := s.rdb.HGetAll(ctx, HashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	out := make(map[string][]string, len(AllFields()))
	for _, field := range AllFields() {
		var names []string
		if v, ok := raw[field]; ok && v != "" {
			if err := json.Unmarshal([]byte(v), &names); err != nil {
				return nil, fmt.Errorf("decode %s: %w", field, err)
			}
		}
		out[field] = names
	}
	return out, nil
}

// Live reports whether the key/value store answers a ping.
func (s *Store) Live(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}
