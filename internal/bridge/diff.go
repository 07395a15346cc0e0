package bridge

import (
	"sort"
	"strings"

	"petnames/internal/names"
)

type change struct {
	kind  ChangeType
	entry names.Entry
}

// diff compares two keyed snapshots. Snapshots only hold named entries, so
// a key that disappeared is a deletion. The result is ordered by key so
// callers see a stable sequence.
func diff(previous, current map[names.Key]names.Entry) []change {
	var out []change

	for key, cur := range current {
		prev, ok := previous[key]
		switch {
		case !ok:
			out = append(out, change{kind: Added, entry: cur})
		case prev.NameOrEmpty() != cur.NameOrEmpty():
			out = append(out, change{kind: Updated, entry: cur})
		}
	}
	for key, prev := range previous {
		if _, ok := current[key]; !ok {
			out = append(out, change{kind: Deleted, entry: prev})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].entry, out[j].entry
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Variation < b.Variation
	})
	return out
}

func normalizeVariation(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
