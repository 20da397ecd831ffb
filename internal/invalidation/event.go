// Package invalidation defines the publication event that marks cached
// region-months for refresh.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

// Event announces that the upstream published (or revised) the metrics for
// one region-month. Seq increases per key with every revision and drives
// consumer-side dedupe.
type Event struct {
	Version  int       `json:"version"`
	Seq      uint64    `json:"seq"`
	State    string    `json:"state"`
	District string    `json:"district"`
	Year     int       `json:"year"`
	Month    int       `json:"month"`
	TS       time.Time `json:"ts"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if strings.TrimSpace(e.State) == "" {
		return fmt.Errorf("state is required")
	}
	if strings.TrimSpace(e.District) == "" {
		return fmt.Errorf("district is required")
	}
	ym := model.YearMonth{Year: e.Year, Month: e.Month}
	if !ym.Valid() {
		return fmt.Errorf("year/month out of range: %d-%d", e.Year, e.Month)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// Key maps the event to the cache key it invalidates.
func (e Event) Key() (model.Key, error) {
	region, err := model.NewRegion(e.State, e.District)
	if err != nil {
		return model.Key{}, err
	}
	return model.Key{
		Region:    region,
		YearMonth: model.YearMonth{Year: e.Year, Month: e.Month},
	}, nil
}
