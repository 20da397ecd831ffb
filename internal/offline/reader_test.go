package offline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

func writeSnapshot(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline_data.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

const goodSnapshot = `{
  "version": 1,
  "records": [
    {"state": "Bihar", "district": "Gaya", "year": 2023, "month": 2,
     "households": 900, "person_days": 21000, "expenditure": 8.1, "avg_wage": 198},
    {"state": "Bihar", "district": "Patna", "year": 2023, "month": 1,
     "households": 1500, "person_days": 42000, "expenditure": 12.5, "avg_wage": 209},
    {"state": "Bihar", "district": "Patna", "year": 2023, "month": 2,
     "households": 1600, "person_days": 43000, "expenditure": 13.0, "avg_wage": 211},
    {"state": "Uttar Pradesh", "district": "Lucknow", "year": 2023, "month": 1,
     "households": 2100, "person_days": 60000, "expenditure": 19.4, "avg_wage": 213}
  ]
}`

func TestLoad_IndexesSnapshot(t *testing.T) {
	ds, err := Load(writeSnapshot(t, goodSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ds.Len() != 4 {
		t.Fatalf("Len=%d want 4", ds.Len())
	}

	key := model.Key{
		Region:    model.Region{State: "BIHAR", District: "PATNA"},
		YearMonth: model.YearMonth{Year: 2023, Month: 1},
	}
	rec, ok := ds.Get(key)
	if !ok {
		t.Fatalf("record not indexed")
	}
	if rec.Households != 1500 || rec.AvgWage != 209 {
		t.Fatalf("record mangled: %+v", rec)
	}
	if !rec.FetchedAt.IsZero() {
		t.Fatalf("snapshot records must carry a zero fetch time")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	var lerr *LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
}

func TestLoad_RejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"version": 1,`},
		{"wrong version", `{"version": 2, "records": []}`},
		{"missing version", `{"records": []}`},
		{"invalid record", `{"version": 1, "records": [
			{"state": "Bihar", "district": "Patna", "year": 2023, "month": 13,
			 "households": 1, "person_days": 1, "expenditure": 1, "avg_wage": 1}]}`},
		{"negative metric", `{"version": 1, "records": [
			{"state": "Bihar", "district": "Patna", "year": 2023, "month": 1,
			 "households": -1, "person_days": 1, "expenditure": 1, "avg_wage": 1}]}`},
		{"duplicate key", `{"version": 1, "records": [
			{"state": "Bihar", "district": "Patna", "year": 2023, "month": 1,
			 "households": 1, "person_days": 1, "expenditure": 1, "avg_wage": 1},
			{"state": "bihar", "district": "patna", "year": 2023, "month": 1,
			 "households": 2, "person_days": 2, "expenditure": 2, "avg_wage": 2}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeSnapshot(t, tc.body))
			var lerr *LoadError
			if !errors.As(err, &lerr) {
				t.Fatalf("expected *LoadError, got %v", err)
			}
		})
	}
}

func TestLookup_OrderedWithGaps(t *testing.T) {
	ds, err := Load(writeSnapshot(t, goodSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	region := model.Region{State: "BIHAR", District: "PATNA"}
	got := ds.Lookup(region, model.YearMonth{Year: 2023, Month: 1}, model.YearMonth{Year: 2023, Month: 3})
	if len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
	if got[0].Month != 1 || got[1].Month != 2 {
		t.Fatalf("out of order: %+v", got)
	}
}

func TestStatesAndDistricts(t *testing.T) {
	ds, err := Load(writeSnapshot(t, goodSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	states := ds.States()
	if len(states) != 2 || states[0] != "BIHAR" || states[1] != "UTTAR PRADESH" {
		t.Fatalf("states=%v", states)
	}

	districts := ds.Districts("bihar")
	if len(districts) != 2 || districts[0] != "GAYA" || districts[1] != "PATNA" {
		t.Fatalf("districts=%v", districts)
	}

	if ds.Districts("KERALA") != nil && len(ds.Districts("KERALA")) != 0 {
		t.Fatalf("unknown state should list no districts")
	}
}
