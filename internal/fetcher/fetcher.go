// Package fetcher performs remote fetches of district metrics against the
// open-data resource API.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/observability"
)

// Kind classifies a fetch failure for the provider's fallback logic.
type Kind string

const (
	KindRetryable    Kind = "retryable"
	KindNonRetryable Kind = "non_retryable"
	KindExhausted    Kind = "exhausted"
)

// Error is the only error type Fetch returns.
type Error struct {
	Kind   Kind
	Status int
	Err    error

	// retryAfter carries the server's 429 hint to the retry loop.
	retryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote fetch (%s, status=%d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote fetch (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL    string
	ResourceID string
	APIKey     string

	// Timeout bounds a single attempt, MaxAttempts caps attempts per page
	// request, BackoffMin/Max shape the exponential backoff between them.
	Timeout     time.Duration
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration

	PageLimit int
}

// Fetcher is stateless: it owns no persistence and has no side effects
// beyond the network calls, which keeps it independently testable.
type Fetcher struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, client *http.Client, logger *slog.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, http: client, logger: logger}
}

type apiResponse struct {
	Total   json.Number `json:"total"`
	Count   json.Number `json:"count"`
	Records []apiRecord `json:"records"`
}

// The upstream serves numbers as strings as often as not; json.Number
// swallows both.
type apiRecord struct {
	StateName   string      `json:"state_name"`
	District    string      `json:"district_name"`
	Year        json.Number `json:"year"`
	Month       json.Number `json:"month"`
	Households  json.Number `json:"total_households_worked"`
	PersonDays  json.Number `json:"persondays_generated"`
	Expenditure json.Number `json:"total_expenditure"`
	AvgWage     json.Number `json:"average_wage_per_day"`
}

// Fetch retrieves the region's metrics for [from, to] as one logical call:
// it pages through the resource API, validates every record, quarantines the
// ones that fail field validation, and returns the valid ones ascending by
// (year, month).
func (f *Fetcher) Fetch(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error) {
	var out []model.MetricRecord
	offset := 0
	for {
		page, err := f.fetchPage(ctx, region, offset)
		if err != nil {
			observability.IncFetch(string(errKind(err)))
			return nil, err
		}

		for i, ar := range page.Records {
			rec, err := ar.toRecord()
			if err != nil {
				observability.IncQuarantined()
				f.logger.Warn("quarantined remote record",
					"state", region.State, "district", region.District,
					"offset", offset, "index", i, "err", err)
				continue
			}
			ym := rec.YearMonth()
			if ym.Before(from) || to.Before(ym) {
				continue
			}
			if rec.Region() != region {
				// filters are advisory upstream; drop strays
				continue
			}
			out = append(out, rec)
		}

		if len(page.Records) < f.cfg.PageLimit {
			break
		}
		offset += f.cfg.PageLimit
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].YearMonth().Before(out[j].YearMonth())
	})
	observability.IncFetch("success")
	return out, nil
}

// fetchPage issues one page request with retry. Transport errors and 5xx are
// retryable; 429 retries honoring Retry-After; other 4xx and an undecodable
// payload fail immediately.
func (f *Fetcher) fetchPage(ctx context.Context, region model.Region, offset int) (*apiResponse, error) {
	b := &backoff.Backoff{
		Min:    f.cfg.BackoffMin,
		Max:    f.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastErr *Error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindRetryable, Err: ctx.Err()}
		case <-timer.C:
		}

		resp, err := f.doAttempt(ctx, region, offset)
		if err == nil {
			return resp, nil
		}

		var fe *Error
		if !errors.As(err, &fe) {
			fe = &Error{Kind: KindRetryable, Err: err}
		}
		if fe.Kind == KindNonRetryable {
			return nil, fe
		}
		lastErr = fe

		delay := b.Duration()
		if fe.retryAfter > 0 {
			delay = fe.retryAfter
		}
		f.logger.Warn("remote fetch attempt failed",
			"state", region.State, "district", region.District,
			"attempt", attempt+1, "max", f.cfg.MaxAttempts,
			"retry_in", delay.String(), "err", fe.Err)
		timer.Reset(delay)
	}

	return nil, &Error{Kind: KindExhausted, Status: lastErr.Status,
		Err: fmt.Errorf("%d attempts: %w", f.cfg.MaxAttempts, lastErr.Err)}
}

func (f *Fetcher) doAttempt(ctx context.Context, region model.Region, offset int) (*apiResponse, error) {
	u, err := url.Parse(strings.TrimRight(f.cfg.BaseURL, "/") + "/resource/" + url.PathEscape(f.cfg.ResourceID))
	if err != nil {
		return nil, &Error{Kind: KindNonRetryable, Err: fmt.Errorf("base url: %w", err)}
	}
	q := u.Query()
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(f.cfg.PageLimit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("filters[state_name]", region.State)
	q.Set("filters[district_name]", region.District)
	if f.cfg.APIKey != "" {
		q.Set("api-key", f.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	ctxReq, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctxReq, http.MethodGet, u.String(), nil)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.http.Do(req)
	observability.ObserveUpstreamLatency("resource_api", time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Kind: KindRetryable, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("close response body", "err", cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRetryable, Status: resp.StatusCode,
			Err: errors.New("rate limited"), retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: KindRetryable, Status: resp.StatusCode,
			Err: fmt.Errorf("server error: %q", strings.TrimSpace(string(body)))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: KindNonRetryable, Status: resp.StatusCode,
			Err: fmt.Errorf("client error: %q", strings.TrimSpace(string(body)))}
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// the whole payload failed the schema, not one record
		return nil, &Error{Kind: KindNonRetryable, Status: resp.StatusCode,
			Err: fmt.Errorf("decode payload: %w", err)}
	}
	return &out, nil
}

func (ar apiRecord) toRecord() (model.MetricRecord, error) {
	year, err := toInt(ar.Year)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "year", Reason: err.Error()}
	}
	month, err := toInt(ar.Month)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "month", Reason: err.Error()}
	}
	households, err := toInt64(ar.Households)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "households", Reason: err.Error()}
	}
	personDays, err := toInt64(ar.PersonDays)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "person_days", Reason: err.Error()}
	}
	expenditure, err := toFloat(ar.Expenditure)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "expenditure", Reason: err.Error()}
	}
	avgWage, err := toFloat(ar.AvgWage)
	if err != nil {
		return model.MetricRecord{}, &model.ValidationError{Field: "avg_wage", Reason: err.Error()}
	}
	return model.NewMetricRecord(ar.StateName, ar.District, year, month,
		households, personDays, expenditure, avgWage)
}

func toInt(n json.Number) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(n.String()))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", n.String())
	}
	return v, nil
}

func toInt64(n json.Number) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(n.String()), 10, 64)
	if err != nil {
		// some rows carry counts as "1234.0"
		fv, ferr := strconv.ParseFloat(strings.TrimSpace(n.String()), 64)
		if ferr != nil || fv != float64(int64(fv)) {
			return 0, fmt.Errorf("not an integer: %q", n.String())
		}
		return int64(fv), nil
	}
	return v, nil
}

func toFloat(n json.Number) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(n.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", n.String())
	}
	return v, nil
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func errKind(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindRetryable
}
