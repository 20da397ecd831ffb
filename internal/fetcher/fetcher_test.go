package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

func newFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	return New(Config{
		BaseURL:     baseURL,
		ResourceID:  "ee03643a",
		APIKey:      "test-key",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		PageLimit:   100,
	}, nil, nil)
}

func region(t *testing.T) model.Region {
	t.Helper()
	r, err := model.NewRegion("Bihar", "Patna")
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	return r
}

func apiRow(month int, households string) string {
	return fmt.Sprintf(`{"state_name": "Bihar", "district_name": "Patna",
		"year": "2023", "month": "%d",
		"total_households_worked": %q, "persondays_generated": "42000.0",
		"total_expenditure": "12.5", "average_wage_per_day": "209"}`, month, households)
}

func TestFetch_ParsesAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("api-key") != "test-key" {
			t.Errorf("api-key not sent")
		}
		if q.Get("filters[state_name]") != "BIHAR" || q.Get("filters[district_name]") != "PATNA" {
			t.Errorf("region filters missing: %v", q)
		}
		fmt.Fprintf(w, `{"total": "2", "count": "2", "records": [%s, %s]}`,
			apiRow(3, "1600"), apiRow(1, "1500"))
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
	if got[0].Month != 1 || got[1].Month != 3 {
		t.Fatalf("not sorted ascending: months %d, %d", got[0].Month, got[1].Month)
	}
	if got[0].Households != 1500 || got[0].PersonDays != 42000 || got[0].AvgWage != 209 {
		t.Fatalf("fields mangled: %+v", got[0])
	}
	if got[0].State != "BIHAR" || got[0].District != "PATNA" {
		t.Fatalf("region not normalized: %+v", got[0])
	}
}

func TestFetch_QuarantinesInvalidKeepsRest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"records": [%s, %s, %s]}`,
			apiRow(1, "1500"),
			apiRow(2, "-40"), // negative count, must be quarantined
			apiRow(3, "1600"))
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want 2 (one quarantined)", len(got))
	}
	if got[0].Month != 1 || got[1].Month != 3 {
		t.Fatalf("wrong survivors: %+v", got)
	}
}

func TestFetch_FiltersRangeAndRegion(t *testing.T) {
	stray := `{"state_name": "Bihar", "district_name": "Gaya",
		"year": "2023", "month": "1",
		"total_households_worked": "5", "persondays_generated": "5",
		"total_expenditure": "5", "average_wage_per_day": "5"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"records": [%s, %s, %s]}`,
			apiRow(1, "1500"),
			apiRow(6, "1700"), // outside requested range
			stray)
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].Month != 1 {
		t.Fatalf("filtering failed: %+v", got)
	}
}

func TestFetch_Paging(t *testing.T) {
	var offsets []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		offsets = append(offsets, offset)
		if offset == 0 {
			// a full page signals more to come
			fmt.Fprintf(w, `{"records": [%s]}`, apiRow(1, "1500"))
			return
		}
		fmt.Fprint(w, `{"records": []}`)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{
		BaseURL:    srv.URL,
		ResourceID: "ee03643a",
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
		PageLimit:  1,
	}, nil, nil)

	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d want 1", len(got))
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 1 {
		t.Fatalf("offsets=%v want [0 1]", offsets)
	}
}

func TestFetch_NotFoundIsNonRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such resource", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 1})

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if fe.Kind != KindNonRetryable || fe.Status != http.StatusNotFound {
		t.Fatalf("kind=%s status=%d", fe.Kind, fe.Status)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("non-retryable error retried: %d calls", n)
	}
}

func TestFetch_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"records": [%s]}`, apiRow(1, "1500"))
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d want 1", len(got))
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestFetch_RateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `{"records": [%s]}`, apiRow(1, "1500"))
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	got, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || calls.Load() != 2 {
		t.Fatalf("len=%d calls=%d", len(got), calls.Load())
	}
}

func TestFetch_ExhaustedAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 1})

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if fe.Kind != KindExhausted {
		t.Fatalf("kind=%s want %s", fe.Kind, KindExhausted)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls=%d want 3", n)
	}
}

func TestFetch_UndecodablePayloadIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance page</html>`)
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), region(t), model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 1})

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if fe.Kind != KindNonRetryable {
		t.Fatalf("kind=%s want %s", fe.Kind, KindNonRetryable)
	}
}
