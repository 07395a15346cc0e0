package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"petnames/internal/names"
)

// VerifyAll recomputes the hash of every stored row and returns the keys of
// rows whose stored hash does not match.
func (s *Store) VerifyAll() ([]RowKey, error) {
	rows, err := s.db.Query(`
		SELECT type, value, variation, name, source_id, proposed_names, row_hash
		FROM names
		ORDER BY type, value, variation`)
	if err != nil {
		return nil, fmt.Errorf("query all names: %w", err)
	}
	defer rows.Close()

	var corrupted []RowKey
	for rows.Next() {
		var (
			typ, value, variation string
			name, source, raw     sql.NullString
			stored                []byte
		)
		if err := rows.Scan(&typ, &value, &variation, &name, &source, &raw, &stored); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}

		rec := names.Record{Type: names.Type(typ), Value: value, Variation: variation}
		if name.Valid {
			rec.Entry.Name = names.Ptr(name.String)
		}
		if source.Valid {
			rec.Entry.SourceID = names.Ptr(source.String)
		}

		computed := computeRowHash(rec, raw)
		if !bytes.Equal(computed[:], stored) {
			corrupted = append(corrupted, RowKey{Type: typ, Value: value, Variation: variation})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate names: %w", err)
	}
	return corrupted, nil
}

// backfillHashes fills row_hash for rows written before the column existed.
func (s *Store) backfillHashes() error {
	rows, err := s.db.Query(`
		SELECT type, value, variation, name, source_id, proposed_names
		FROM names WHERE row_hash IS NULL`)
	if err != nil {
		return fmt.Errorf("query unhashed names: %w", err)
	}

	type pending struct {
		rec  names.Record
		hash [32]byte
	}
	var todo []pending
	for rows.Next() {
		var (
			typ               string
			rec               names.Record
			name, source, raw sql.NullString
		)
		if err := rows.Scan(&typ, &rec.Value, &rec.Variation, &name, &source, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan name: %w", err)
		}
		rec.Type = names.Type(typ)
		if name.Valid {
			rec.Entry.Name = names.Ptr(name.String)
		}
		if source.Valid {
			rec.Entry.SourceID = names.Ptr(source.String)
		}
		todo = append(todo, pending{rec: rec, hash: computeRowHash(rec, raw)})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterate names: %w", err)
	}

	for _, p := range todo {
		if _, err := s.db.Exec(
			"UPDATE names SET row_hash = ? WHERE type = ? AND value = ? AND variation = ?",
			p.hash[:], string(p.rec.Type), p.rec.Value, p.rec.Variation,
		); err != nil {
			return fmt.Errorf("backfill hash for %s: %w", p.rec.Value, err)
		}
	}
	return nil
}

// computeRowHash hashes the stored columns of a name row:
// H(type || value || variation || name || source_id || proposed_names),
// each field length-prefixed, nullable fields preceded by a presence byte.
func computeRowHash(rec names.Record, proposed sql.NullString) [32]byte {
	h, _ := blake2b.New256(nil)

	writeField(h, []byte(rec.Type))
	writeField(h, []byte(rec.Value))
	writeField(h, []byte(rec.Variation))
	writeOptional(h, rec.Entry.Name)
	writeOptional(h, rec.Entry.SourceID)
	if proposed.Valid {
		writeOptional(h, &proposed.String)
	} else {
		writeOptional(h, nil)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(h io.Writer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

func writeOptional(h io.Writer, s *string) {
	if s == nil {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1})
	writeField(h, []byte(*s))
}
