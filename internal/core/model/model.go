// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Source records where the current value of a record came from.
type Source string

const (
	SourceRemote  Source = "remote"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Region is the geographic key for all metrics: a state/district pair,
// case-normalized.
type Region struct {
	State    string `json:"state"`
	District string `json:"district"`
}

// NewRegion normalizes and validates a state/district pair.
func NewRegion(state, district string) (Region, error) {
	r := Region{
		State:    NormalizeName(state),
		District: NormalizeName(district),
	}
	if r.State == "" {
		return Region{}, &ValidationError{Field: "state", Reason: "empty after normalization"}
	}
	if r.District == "" {
		return Region{}, &ValidationError{Field: "district", Reason: "empty after normalization"}
	}
	return r, nil
}

// NormalizeName uppercases and collapses internal whitespace so that
// "Uttar  Pradesh " and "uttar pradesh" key identically.
func NormalizeName(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// YearMonth identifies one calendar month.
type YearMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (ym YearMonth) Valid() bool {
	return ym.Year > 0 && ym.Month >= 1 && ym.Month <= 12
}

// Index is the number of months since year zero; it gives YearMonth a total
// order and makes range arithmetic trivial.
func (ym YearMonth) Index() int { return ym.Year*12 + ym.Month - 1 }

func (ym YearMonth) Before(other YearMonth) bool { return ym.Index() < other.Index() }

func (ym YearMonth) Next() YearMonth {
	if ym.Month == 12 {
		return YearMonth{Year: ym.Year + 1, Month: 1}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month + 1}
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month)
}

// ParseYearMonth parses the "2023-01" wire form.
func ParseYearMonth(s string) (YearMonth, error) {
	var ym YearMonth
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d-%d", &ym.Year, &ym.Month); err != nil {
		return YearMonth{}, fmt.Errorf("parse year-month %q: %w", s, err)
	}
	if !ym.Valid() {
		return YearMonth{}, &ValidationError{Field: "month", Reason: fmt.Sprintf("%q out of range", s)}
	}
	return ym, nil
}

// MonthsIn enumerates every month of [from, to] in ascending order. An
// inverted range yields nil.
func MonthsIn(from, to YearMonth) []YearMonth {
	if to.Before(from) {
		return nil
	}
	out := make([]YearMonth, 0, to.Index()-from.Index()+1)
	for ym := from; !to.Before(ym); ym = ym.Next() {
		out = append(out, ym)
	}
	return out
}

// Key uniquely identifies one region-month observation.
type Key struct {
	Region    Region
	YearMonth YearMonth
}

func (k Key) String() string {
	return k.Region.State + "/" + k.Region.District + "/" + k.YearMonth.String()
}

// MetricRecord is one observation of employment-programme performance for
// one district in one month.
type MetricRecord struct {
	State       string  `json:"state"`
	District    string  `json:"district"`
	Year        int     `json:"year"`
	Month       int     `json:"month"`
	Households  int64   `json:"households"`
	PersonDays  int64   `json:"person_days"`
	Expenditure float64 `json:"expenditure"`
	AvgWage     float64 `json:"avg_wage"`

	// FetchedAt is when this value was last confirmed from a non-offline
	// source; zero for offline-sourced records.
	FetchedAt time.Time `json:"fetched_at,omitzero"`

	// Invalidated flags a remote-confirmed record whose upstream published a
	// revision. The values and FetchedAt stay intact so the record can still
	// degrade as stale cache while a refetch is pending.
	Invalidated bool `json:"invalidated,omitempty"`

	// Source and Stale are set by the provider on the way out, never stored.
	Source Source `json:"source,omitempty"`
	Stale  bool   `json:"stale,omitempty"`
}

func (r MetricRecord) Region() Region {
	return Region{State: r.State, District: r.District}
}

func (r MetricRecord) YearMonth() YearMonth {
	return YearMonth{Year: r.Year, Month: r.Month}
}

func (r MetricRecord) Key() Key {
	return Key{Region: r.Region(), YearMonth: r.YearMonth()}
}

// NewMetricRecord validates and normalizes a record. Negative counts, an
// out-of-range month, or an empty region field reject the record.
func NewMetricRecord(state, district string, year, month int, households, personDays int64, expenditure, avgWage float64) (MetricRecord, error) {
	region, err := NewRegion(state, district)
	if err != nil {
		return MetricRecord{}, err
	}
	ym := YearMonth{Year: year, Month: month}
	if !ym.Valid() {
		return MetricRecord{}, &ValidationError{Field: "month", Reason: fmt.Sprintf("year=%d month=%d out of range", year, month)}
	}
	if households < 0 {
		return MetricRecord{}, &ValidationError{Field: "households", Reason: "negative"}
	}
	if personDays < 0 {
		return MetricRecord{}, &ValidationError{Field: "person_days", Reason: "negative"}
	}
	if expenditure < 0 {
		return MetricRecord{}, &ValidationError{Field: "expenditure", Reason: "negative"}
	}
	if avgWage < 0 {
		return MetricRecord{}, &ValidationError{Field: "avg_wage", Reason: "negative"}
	}
	return MetricRecord{
		State:       region.State,
		District:    region.District,
		Year:        year,
		Month:       month,
		Households:  households,
		PersonDays:  personDays,
		Expenditure: expenditure,
		AvgWage:     avgWage,
	}, nil
}

// ValidationError rejects a single malformed record; batch processing
// continues past it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid metric record: field %s: %s", e.Field, e.Reason)
}

// StateAverage is the mean of each metric across a state's districts for
// one month.
type StateAverage struct {
	State       string    `json:"state"`
	YearMonth   YearMonth `json:"year_month"`
	Districts   int       `json:"districts"`
	Households  float64   `json:"households"`
	PersonDays  float64   `json:"person_days"`
	Expenditure float64   `json:"expenditure"`
	AvgWage     float64   `json:"avg_wage"`
}
