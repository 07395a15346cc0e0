// Package store provides SQLite-based persistence for the name store.
package store

import "time"

// Stats summarizes the stored names.
type Stats struct {
	Names       int64
	Named       int64
	ByType      map[string]int64
	BySource    map[string]int64
	LastUpdated time.Time
	SizeBytes   int64
}

// RowKey identifies a stored name.
type RowKey struct {
	Type      string
	Value     string
	Variation string
}

func (k RowKey) String() string {
	return k.Type + "/" + k.Value + "/" + k.Variation
}
