// Package keys builds the Redis key space for the metric store.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
)

// Record returns the key holding one region-month record. Region names are
// sanitized for readability; the xxhash of the exact normalized pair keeps
// keys collision-free even where sanitization is lossy.
func Record(region model.Region, ym model.YearMonth) string {
	return fmt.Sprintf("rec:%s:%s:%04d:%02d:r=%016x",
		sanitize(region.State), sanitize(region.District),
		ym.Year, ym.Month, regionSum(region))
}

// RecordsForRange returns record keys for every month of [from, to], in
// ascending month order.
func RecordsForRange(region model.Region, from, to model.YearMonth) []string {
	months := model.MonthsIn(from, to)
	out := make([]string, len(months))
	for i, ym := range months {
		out[i] = Record(region, ym)
	}
	return out
}

// States is the set of all states seen by the store.
func States() string { return "idx:states" }

// Districts is the set of districts seen for one state.
func Districts(state string) string {
	return "idx:districts:" + sanitize(model.NormalizeName(state))
}

func regionSum(region model.Region) uint64 {
	return xxhash.Sum64String(region.State + "|" + region.District)
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
