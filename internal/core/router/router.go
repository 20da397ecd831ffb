// Package router validates query parameters and serves provider results.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/observability"
)

// MetricsProvider is what the HTTP surface needs from the provider.
type MetricsProvider interface {
	GetMetrics(ctx context.Context, region model.Region, from, to model.YearMonth) ([]model.MetricRecord, error)
	States(ctx context.Context) []string
	Districts(ctx context.Context, state string) []string
	StateAverage(ctx context.Context, state string, ym model.YearMonth) (model.StateAverage, bool, error)
}

type metricsResponse struct {
	State    string               `json:"state"`
	District string               `json:"district"`
	From     string               `json:"from"`
	To       string               `json:"to"`
	Records  []model.MetricRecord `json:"records"`
}

// Metrics serves GET /v1/metrics?state=&district=&from=YYYY-MM&to=YYYY-MM.
func Metrics(logger *slog.Logger, p MetricsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		region, from, to, err := ParseMetricsRequest(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/metrics", sw.code, time.Since(start).Seconds())
			return
		}

		records, err := p.GetMetrics(r.Context(), region, from, to)
		if err != nil {
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				http.Error(sw, verr.Error(), http.StatusBadRequest)
			} else {
				logger.Error("get metrics", "err", err)
				http.Error(sw, "request aborted", http.StatusServiceUnavailable)
			}
			observability.ObserveHTTP(r.Method, "/v1/metrics", sw.code, time.Since(start).Seconds())
			return
		}

		writeJSON(sw, metricsResponse{
			State:    region.State,
			District: region.District,
			From:     from.String(),
			To:       to.String(),
			Records:  records,
		})
		observability.ObserveHTTP(r.Method, "/v1/metrics", sw.code, time.Since(start).Seconds())
	}
}

// States serves GET /v1/states.
func States(p MetricsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		writeJSON(sw, map[string][]string{"states": p.States(r.Context())})
		observability.ObserveHTTP(r.Method, "/v1/states", sw.code, time.Since(start).Seconds())
	}
}

// Districts serves GET /v1/districts?state=.
func Districts(p MetricsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		state := strings.TrimSpace(r.URL.Query().Get("state"))
		if state == "" {
			http.Error(sw, "missing required parameter: state", http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/districts", sw.code, time.Since(start).Seconds())
			return
		}

		writeJSON(sw, map[string][]string{"districts": p.Districts(r.Context(), state)})
		observability.ObserveHTTP(r.Method, "/v1/districts", sw.code, time.Since(start).Seconds())
	}
}

// Averages serves GET /v1/averages?state=&month=YYYY-MM.
func Averages(logger *slog.Logger, p MetricsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		state := strings.TrimSpace(r.URL.Query().Get("state"))
		if state == "" {
			http.Error(sw, "missing required parameter: state", http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/averages", sw.code, time.Since(start).Seconds())
			return
		}
		ym, err := model.ParseYearMonth(r.URL.Query().Get("month"))
		if err != nil {
			http.Error(sw, "invalid month: expected YYYY-MM", http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/averages", sw.code, time.Since(start).Seconds())
			return
		}

		avg, ok, err := p.StateAverage(r.Context(), state, ym)
		switch {
		case err != nil:
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				http.Error(sw, verr.Error(), http.StatusBadRequest)
			} else {
				logger.Error("state average", "err", err)
				http.Error(sw, "request aborted", http.StatusServiceUnavailable)
			}
		case !ok:
			http.Error(sw, "no data for state/month", http.StatusNotFound)
		default:
			writeJSON(sw, avg)
		}
		observability.ObserveHTTP(r.Method, "/v1/averages", sw.code, time.Since(start).Seconds())
	}
}

// ParseMetricsRequest validates the metrics query parameters.
func ParseMetricsRequest(r *http.Request) (model.Region, model.YearMonth, model.YearMonth, error) {
	q := r.URL.Query()

	region, err := model.NewRegion(q.Get("state"), q.Get("district"))
	if err != nil {
		return model.Region{}, model.YearMonth{}, model.YearMonth{}, errors.New("missing required parameters: state, district")
	}

	from, err := model.ParseYearMonth(q.Get("from"))
	if err != nil {
		return model.Region{}, model.YearMonth{}, model.YearMonth{}, errors.New("invalid from: expected YYYY-MM")
	}
	to, err := model.ParseYearMonth(q.Get("to"))
	if err != nil {
		return model.Region{}, model.YearMonth{}, model.YearMonth{}, errors.New("invalid to: expected YYYY-MM")
	}
	if to.Before(from) {
		return model.Region{}, model.YearMonth{}, model.YearMonth{}, errors.New("from must not be after to")
	}
	return region, from, to, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
