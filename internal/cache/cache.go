// Package cache defines the durable metric store contract.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

// Store is the durable keyed record store. Implementations must keep at most
// one record per key, make Upsert atomic with respect to concurrent reads of
// the same key, and return range results ordered by (year, month) ascending.
type Store interface {
	// Upsert writes or replaces the record for its key. Records with a zero
	// FetchedAt never overwrite an entry that has one, and an older FetchedAt
	// never overwrites a newer one.
	Upsert(ctx context.Context, rec model.MetricRecord) error

	// Get returns the record for key; ok is false when the key is absent.
	Get(ctx context.Context, key model.Key) (rec model.MetricRecord, ok bool, err error)

	// QueryRange returns the stored records for region in [from, to],
	// ascending, with missing months simply absent.
	QueryRange(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error)

	// MarkStale flags the stored record invalidated so the next read treats
	// it as stale. Values and fetch time stay intact. A no-op for absent keys.
	MarkStale(ctx context.Context, key model.Key) error

	// States and Districts list regions the store has seen, sorted.
	States(ctx context.Context) ([]string, error)
	Districts(ctx context.Context, state string) ([]string, error)

	Ping(ctx context.Context) error
}

// IsStale reports whether rec is past the freshness window at now. The
// boundary is inclusive: a record exactly window old is still fresh. Records
// that have never been remote-confirmed (zero FetchedAt) and records flagged
// by an invalidation event are always stale; whether they are worth
// refetching is the provider's call.
func IsStale(rec model.MetricRecord, now time.Time, window time.Duration) bool {
	if rec.FetchedAt.IsZero() || rec.Invalidated {
		return true
	}
	return now.Sub(rec.FetchedAt) > window
}

// StoreError marks persistence failures (I/O, corruption). The provider
// treats these as cache misses, never as empty results.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("metric store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
