// Package metricstore implements the durable metric store on Redis.
package metricstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/district-metrics-cache/internal/cache"
	"github.com/mohammed-shakir/district-metrics-cache/internal/cache/keys"
	"github.com/mohammed-shakir/district-metrics-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

const lockShards = 64

// Store keeps one JSON document per region-month plus membership sets for
// state/district discovery. Writers for the same key are serialized through
// a sharded mutex; readers go straight to Redis, whose single-command
// execution guarantees they never observe a half-written record.
type Store struct {
	cli   *redisstore.Client
	locks [lockShards]sync.Mutex
}

var _ cache.Store = (*Store)(nil)

func New(cli *redisstore.Client) *Store {
	return &Store{cli: cli}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%lockShards]
}

// Upsert writes or replaces the record for its key. Two guards preserve the
// store invariants: a zero-FetchedAt (offline) record never overwrites an
// entry that has been remote-confirmed, and FetchedAt never moves backwards.
func (s *Store) Upsert(ctx context.Context, rec model.MetricRecord) error {
	key := keys.Record(rec.Region(), rec.YearMonth())

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, found, err := s.getRaw(ctx, key)
	if err != nil {
		return err
	}
	if found {
		if rec.FetchedAt.IsZero() && !existing.FetchedAt.IsZero() {
			return nil
		}
		if !rec.FetchedAt.IsZero() && rec.FetchedAt.Before(existing.FetchedAt) {
			return nil
		}
	}

	// provenance is the provider's concern, never stored
	rec.Source = ""
	rec.Stale = false

	payload, err := json.Marshal(rec)
	if err != nil {
		return &cache.StoreError{Op: "encode", Err: err}
	}

	index := map[string]string{
		keys.States():             rec.State,
		keys.Districts(rec.State): rec.District,
	}
	if err := s.cli.SetWithIndex(ctx, key, payload, index); err != nil {
		return &cache.StoreError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key model.Key) (model.MetricRecord, bool, error) {
	return s.getRaw(ctx, keys.Record(key.Region, key.YearMonth))
}

func (s *Store) getRaw(ctx context.Context, key string) (model.MetricRecord, bool, error) {
	m, err := s.cli.MGet(ctx, []string{key})
	if err != nil {
		return model.MetricRecord{}, false, &cache.StoreError{Op: "get", Err: err}
	}
	raw, ok := m[key]
	if !ok || len(raw) == 0 {
		return model.MetricRecord{}, false, nil
	}
	var rec model.MetricRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.MetricRecord{}, false, &cache.StoreError{Op: "decode", Err: err}
	}
	return rec, true, nil
}

// QueryRange returns stored records for region in [from, to] ascending by
// (year, month); missing months are simply absent.
func (s *Store) QueryRange(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error) {
	ks := keys.RecordsForRange(region, from, to)
	if len(ks) == 0 {
		return nil, nil
	}

	m, err := s.cli.MGet(ctx, ks)
	if err != nil {
		return nil, &cache.StoreError{Op: "query_range", Err: err}
	}

	out := make([]model.MetricRecord, 0, len(m))
	for _, k := range ks { // key order is month order
		raw, ok := m[k]
		if !ok || len(raw) == 0 {
			continue
		}
		var rec model.MetricRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &cache.StoreError{Op: "decode", Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkStale flags the stored record invalidated so the next provider read
// refetches. Values and fetch time stay intact; nothing here deletes data.
func (s *Store) MarkStale(ctx context.Context, key model.Key) error {
	k := keys.Record(key.Region, key.YearMonth)

	mu := s.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := s.getRaw(ctx, k)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.Invalidated = true

	payload, err := json.Marshal(rec)
	if err != nil {
		return &cache.StoreError{Op: "encode", Err: err}
	}
	if err := s.cli.Set(ctx, k, payload); err != nil {
		return &cache.StoreError{Op: "mark_stale", Err: err}
	}
	return nil
}

func (s *Store) States(ctx context.Context) ([]string, error) {
	members, err := s.cli.SMembers(ctx, keys.States())
	if err != nil {
		return nil, &cache.StoreError{Op: "states", Err: err}
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) Districts(ctx context.Context, state string) ([]string, error) {
	members, err := s.cli.SMembers(ctx, keys.Districts(state))
	if err != nil {
		return nil, &cache.StoreError{Op: "districts", Err: err}
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.cli.Ping(ctx); err != nil {
		return &cache.StoreError{Op: "ping", Err: err}
	}
	return nil
}
