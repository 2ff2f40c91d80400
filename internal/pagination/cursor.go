// Package pagination implements the opaque cursors the API hands out
// on transfer listings. A cursor names the last row of the previous
// page by (created_at, id), the same composite the stores order on,
// so a page boundary stays put while new rows arrive.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for cursors the API never issued.
var ErrInvalid = errors.New("invalid cursor")

// Cursor names the row a page continues after.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders a cursor opaque: "unixnano:id", base64url without
// padding.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor from a query parameter. The empty string is
// the first page and decodes to nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalid
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalid
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched page. Stores fetch limit+1 rows to
// learn whether another page exists; key extracts the (created_at, id)
// pair the next page continues after.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(createdAt, id), true
}
