package util

import (
	"database/sql"
	"time"
)

// ToMillis encodes t as unix milliseconds
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis decodes unix milliseconds as a UTC instant
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis encodes an optional instant for a nullable INTEGER column
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// FromNullMillis decodes a nullable INTEGER column
func FromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// TruncateMillis drops sub-millisecond precision so in-memory values match storage
func TruncateMillis(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}

// MaxTime returns the later of a and b
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
