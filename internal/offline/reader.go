// Package offline loads the bundled last-resort snapshot of district metrics.
package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

// SnapshotVersion is the only document version this reader accepts.
const SnapshotVersion = 1

// LoadError means the snapshot is malformed. The snapshot is the last line
// of defense, so this is fatal at startup rather than a per-request failure.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("offline snapshot %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type document struct {
	Version int              `json:"version"`
	Records []snapshotRecord `json:"records"`
}

type snapshotRecord struct {
	State       string  `json:"state"`
	District    string  `json:"district"`
	Year        int     `json:"year"`
	Month       int     `json:"month"`
	Households  int64   `json:"households"`
	PersonDays  int64   `json:"person_days"`
	Expenditure float64 `json:"expenditure"`
	AvgWage     float64 `json:"avg_wage"`
}

// Dataset is an immutable in-memory index over the snapshot, keyed the same
// way as the cache store. No mutation path exists after Load returns.
type Dataset struct {
	byKey     map[model.Key]model.MetricRecord
	states    []string
	districts map[string][]string
}

// Load reads and indexes the snapshot at path. Any malformed record fails
// the whole load; a known-bad snapshot must not reach serving.
func Load(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	if doc.Version != SnapshotVersion {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("unsupported version %d", doc.Version)}
	}

	ds := &Dataset{
		byKey:     make(map[model.Key]model.MetricRecord, len(doc.Records)),
		districts: map[string][]string{},
	}
	seenState := map[string]bool{}
	seenDistrict := map[string]bool{}

	for i, sr := range doc.Records {
		rec, err := model.NewMetricRecord(sr.State, sr.District, sr.Year, sr.Month,
			sr.Households, sr.PersonDays, sr.Expenditure, sr.AvgWage)
		if err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		if _, dup := ds.byKey[rec.Key()]; dup {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("record %d: duplicate key %s", i, rec.Key())}
		}
		ds.byKey[rec.Key()] = rec

		if !seenState[rec.State] {
			seenState[rec.State] = true
			ds.states = append(ds.states, rec.State)
		}
		dk := rec.State + "/" + rec.District
		if !seenDistrict[dk] {
			seenDistrict[dk] = true
			ds.districts[rec.State] = append(ds.districts[rec.State], rec.District)
		}
	}

	sort.Strings(ds.states)
	for _, v := range ds.districts {
		sort.Strings(v)
	}
	return ds, nil
}

// Lookup returns snapshot records for region in [from, to], ascending by
// (year, month). Months absent from the snapshot are absent from the result.
func (d *Dataset) Lookup(region model.Region, from, to model.YearMonth) []model.MetricRecord {
	var out []model.MetricRecord
	for _, ym := range model.MonthsIn(from, to) {
		if rec, ok := d.byKey[model.Key{Region: region, YearMonth: ym}]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns the snapshot record for one key.
func (d *Dataset) Get(key model.Key) (model.MetricRecord, bool) {
	rec, ok := d.byKey[key]
	return rec, ok
}

func (d *Dataset) States() []string { return append([]string(nil), d.states...) }

func (d *Dataset) Districts(state string) []string {
	return append([]string(nil), d.districts[model.NormalizeName(state)]...)
}

func (d *Dataset) Len() int { return len(d.byKey) }
