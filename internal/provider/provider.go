// Package provider orchestrates cache, remote and offline sources into one
// ordered view of district metrics.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/district-metrics-cache/internal/cache"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/observability"
)

// Fetcher is the remote source seam.
type Fetcher interface {
	Fetch(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error)
}

// OfflineSource is the bundled snapshot seam.
type OfflineSource interface {
	Lookup(region model.Region, from, to model.YearMonth) []model.MetricRecord
	Get(key model.Key) (model.MetricRecord, bool)
	States() []string
	Districts(state string) []string
}

const attemptedSize = 4096

type Provider struct {
	store   cache.Store
	fetch   Fetcher
	offline OfflineSource
	window  time.Duration
	logger  *slog.Logger

	group singleflight.Group

	// attempted remembers keys for which a remote fetch has been tried in
	// this process lifetime; it gates refetching of offline-provenance cache
	// entries, which are stale by definition.
	attempted *lru.Cache[string, time.Time]

	now func() time.Time
}

type Option func(*Provider)

// WithClock overrides the provider's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(store cache.Store, fetch Fetcher, offline OfflineSource, window time.Duration, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	attempted, _ := lru.New[string, time.Time](attemptedSize)
	p := &Provider{
		store:     store,
		fetch:     fetch,
		offline:   offline,
		window:    window,
		logger:    logger,
		attempted: attempted,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// GetMetrics resolves every month of [from, to] for region, best source
// first: fresh cache, then a remote fetch for the whole missing or stale
// sub-range, then the stale cache entry, then the offline snapshot. Keys no
// source can resolve are omitted, never zero-filled. The only errors
// returned are a malformed request or a dead context; source failures
// degrade instead.
func (p *Provider) GetMetrics(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error) {
	if region.State == "" || region.District == "" {
		return nil, &model.ValidationError{Field: "region", Reason: "empty state or district"}
	}
	if !from.Valid() || !to.Valid() {
		return nil, &model.ValidationError{Field: "range", Reason: "invalid year-month"}
	}
	if to.Before(from) {
		return nil, &model.ValidationError{Field: "range", Reason: fmt.Sprintf("%s after %s", from, to)}
	}

	now := p.now()
	months := model.MonthsIn(from, to)

	byMonth := p.readCache(ctx, region, from, to)
	needed := p.neededMonths(region, months, byMonth, now)

	// One flight per region, not per span: overlapping ranges in flight
	// together must share the fetch for their common months. A caller whose
	// flight was owned by someone else re-reads the cache, recomputes what is
	// still missing and flies again, so disjoint leftovers still get fetched.
	var (
		owner    bool
		fetchErr error
		fetchAt  time.Time
	)
	flightKey := region.State + "/" + region.District
	for len(needed) > 0 {
		span := spanOf(needed)
		_, err, shared := p.group.Do(flightKey, func() (any, error) {
			owner = true
			fetchAt = p.now()
			return nil, p.runFetch(ctx, region, span.from, span.to, fetchAt)
		})
		fetchErr = err
		if shared {
			observability.IncSingleflightShared()
		}

		// the flight resolved; the cache is the source of truth now
		if refreshed := p.readCache(ctx, region, from, to); len(refreshed) > 0 || fetchErr == nil {
			byMonth = refreshed
		}
		if owner || fetchErr != nil || ctx.Err() != nil {
			break
		}
		needed = p.neededMonths(region, months, byMonth, now)
	}

	// one snapshot scan for the whole range, consulted per missing month
	var offlineByMonth map[model.YearMonth]model.MetricRecord
	if p.offline != nil {
		snap := p.offline.Lookup(region, from, to)
		offlineByMonth = make(map[model.YearMonth]model.MetricRecord, len(snap))
		for _, rec := range snap {
			offlineByMonth[rec.YearMonth()] = rec
		}
	}

	out := make([]model.MetricRecord, 0, len(months))
	var served struct{ remote, cached, offline int }
	for _, ym := range months {
		key := model.Key{Region: region, YearMonth: ym}
		if rec, ok := byMonth[ym]; ok {
			switch {
			case owner && fetchErr == nil && !rec.FetchedAt.IsZero() && !rec.FetchedAt.Before(fetchAt):
				rec.Source = model.SourceRemote
				served.remote++
				observability.IncCacheResult("fresh")
			case rec.FetchedAt.IsZero():
				// persisted from the snapshot, never remote-confirmed
				rec.Source = model.SourceOffline
				served.offline++
				observability.IncCacheResult("offline")
			default:
				rec.Source = model.SourceCache
				rec.Stale = cache.IsStale(rec, now, p.window)
				served.cached++
				if rec.Stale {
					observability.IncCacheResult("stale")
				} else {
					observability.IncCacheResult("fresh")
				}
			}
			out = append(out, rec)
			continue
		}

		if rec, ok := offlineByMonth[ym]; ok {
			// persist for discovery queries; the store's guard keeps this
			// from overwriting anything remote-confirmed
			if err := p.store.Upsert(ctx, rec); err != nil {
				p.logger.Error("persist offline record", "key", key.String(), "err", err)
			}
			rec.Source = model.SourceOffline
			served.offline++
			observability.IncCacheResult("offline")
			out = append(out, rec)
			continue
		}
		observability.IncCacheResult("absent")
	}

	observability.AddRecordsServed(string(model.SourceRemote), served.remote)
	observability.AddRecordsServed(string(model.SourceCache), served.cached)
	observability.AddRecordsServed(string(model.SourceOffline), served.offline)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// runFetch executes the remote call for one single-flight span and upserts
// the results. It runs detached from the caller's cancellation so that a
// caller abandoning the request cannot poison waiters sharing the flight.
func (p *Provider) runFetch(ctx context.Context, region model.Region, from, to model.YearMonth, fetchAt time.Time) error {
	fctx := context.WithoutCancel(ctx)

	recs, err := p.fetch.Fetch(fctx, region, from, to)

	// a try is a try, success or not
	for _, ym := range model.MonthsIn(from, to) {
		p.attempted.Add(model.Key{Region: region, YearMonth: ym}.String(), fetchAt)
	}
	if err != nil {
		p.logger.Warn("remote fetch failed, degrading",
			"state", region.State, "district", region.District,
			"from", from.String(), "to", to.String(), "err", err)
		return err
	}

	for _, rec := range recs {
		rec.FetchedAt = fetchAt
		if err := p.store.Upsert(fctx, rec); err != nil {
			// surfaced for operators, not callers; the record is still lost
			// only from the cache, not from this response
			p.logger.Error("upsert fetched record", "key", rec.Key().String(), "err", err)
		}
	}
	p.logger.Info("remote fetch stored",
		"state", region.State, "district", region.District,
		"from", from.String(), "to", to.String(), "records", len(recs))
	return nil
}

// neededMonths picks the months a remote fetch should cover: missing or
// stale, except offline-seeded entries whose key was already tried this
// process.
func (p *Provider) neededMonths(region model.Region, months []model.YearMonth, byMonth map[model.YearMonth]model.MetricRecord, now time.Time) []model.YearMonth {
	var needed []model.YearMonth
	for _, ym := range months {
		rec, ok := byMonth[ym]
		if !ok {
			needed = append(needed, ym)
			continue
		}
		if !cache.IsStale(rec, now, p.window) {
			continue
		}
		key := model.Key{Region: region, YearMonth: ym}
		if rec.FetchedAt.IsZero() && p.attempted.Contains(key.String()) {
			// offline-provenance entry, remote already tried this process
			continue
		}
		needed = append(needed, ym)
	}
	return needed
}

// readCache reads the range, treating store errors as a miss on everything.
func (p *Provider) readCache(ctx context.Context, region model.Region, from, to model.YearMonth) map[model.YearMonth]model.MetricRecord {
	recs, err := p.store.QueryRange(ctx, region, from, to)
	if err != nil {
		observability.IncCacheResult("error")
		p.logger.Error("cache range read failed, treating as miss",
			"state", region.State, "district", region.District, "err", err)
		return map[model.YearMonth]model.MetricRecord{}
	}
	out := make(map[model.YearMonth]model.MetricRecord, len(recs))
	for _, rec := range recs {
		out[rec.YearMonth()] = rec
	}
	return out
}

type span struct{ from, to model.YearMonth }

func spanOf(months []model.YearMonth) span {
	s := span{from: months[0], to: months[0]}
	for _, ym := range months[1:] {
		if ym.Before(s.from) {
			s.from = ym
		}
		if s.to.Before(ym) {
			s.to = ym
		}
	}
	return s
}

// MarkStale clears the cached record's fetch time and forgets the key's
// attempted entry so the next request refetches it. Used by the publication
// event consumer.
func (p *Provider) MarkStale(ctx context.Context, key model.Key) error {
	p.attempted.Remove(key.String())
	if err := p.store.MarkStale(ctx, key); err != nil {
		return fmt.Errorf("mark stale %s: %w", key.String(), err)
	}
	return nil
}

// States lists known states, merging the cache index with the snapshot so
// pickers work before anything has been fetched.
func (p *Provider) States(ctx context.Context) []string {
	var cached []string
	if s, err := p.store.States(ctx); err != nil {
		p.logger.Error("list states from cache", "err", err)
	} else {
		cached = s
	}
	if p.offline == nil {
		return cached
	}
	return mergeSorted(cached, p.offline.States())
}

// Districts lists known districts for a state, cache index merged with the
// snapshot.
func (p *Provider) Districts(ctx context.Context, state string) []string {
	var cached []string
	if d, err := p.store.Districts(ctx, state); err != nil {
		p.logger.Error("list districts from cache", "state", state, "err", err)
	} else {
		cached = d
	}
	if p.offline == nil {
		return cached
	}
	return mergeSorted(cached, p.offline.Districts(state))
}

// StateAverage computes the mean of each metric across a state's districts
// for one month, from whatever the cache and snapshot currently hold. ok is
// false when no district has data for that month.
func (p *Provider) StateAverage(ctx context.Context, state string, ym model.YearMonth) (model.StateAverage, bool, error) {
	norm := model.NormalizeName(state)
	if norm == "" {
		return model.StateAverage{}, false, &model.ValidationError{Field: "state", Reason: "empty after normalization"}
	}
	if !ym.Valid() {
		return model.StateAverage{}, false, &model.ValidationError{Field: "month", Reason: ym.String() + " out of range"}
	}

	avg := model.StateAverage{State: norm, YearMonth: ym}
	for _, district := range p.Districts(ctx, norm) {
		key := model.Key{Region: model.Region{State: norm, District: district}, YearMonth: ym}
		rec, ok, err := p.store.Get(ctx, key)
		if err != nil {
			p.logger.Error("state average cache read", "key", key.String(), "err", err)
			ok = false
		}
		if !ok && p.offline != nil {
			rec, ok = p.offline.Get(key)
		}
		if !ok {
			continue
		}
		avg.Districts++
		avg.Households += float64(rec.Households)
		avg.PersonDays += float64(rec.PersonDays)
		avg.Expenditure += rec.Expenditure
		avg.AvgWage += rec.AvgWage
	}
	if avg.Districts == 0 {
		return model.StateAverage{}, false, nil
	}
	n := float64(avg.Districts)
	avg.Households /= n
	avg.PersonDays /= n
	avg.Expenditure /= n
	avg.AvgWage /= n
	return avg, true, nil
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
