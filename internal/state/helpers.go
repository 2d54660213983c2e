// Helper Functions for the state package
//
// Features:
// - Null type helpers for database operations
// - Millisecond clock used for every timestamp column
//
// Author: tgfiles maintainers
// Updated: 2025-03-02

package state

import (
	"database/sql"
	"time"
)

// nowMillis is swapped out by tests that need stable timestamps.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// NewNullInt64 creates a sql.NullInt64 that is null for zero.
func NewNullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{
		Int64: v,
		Valid: v != 0,
	}
}

// NewNullString creates a valid sql.NullString.
func NewNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}
