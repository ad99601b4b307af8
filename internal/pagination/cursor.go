// Package pagination provides cursor-based paging of console listings that
// are ordered newest first.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position after the last item of a page.
type Cursor struct {
	// Date is the item's sort date in unix milliseconds.
	Date int64
	// ID breaks ties between items of the same date.
	ID string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%s", c.Date, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	date, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Date: date, ID: parts[1]}, nil
}

// Less orders items newest first, then by id.
func Less(dateA int64, idA string, dateB int64, idB string) bool {
	if dateA != dateB {
		return dateA > dateB
	}
	return idA < idB
}

// Page returns up to limit items following cursor, and the cursor of the
// next page or "" when there is none. items must be sorted by Less. A nil
// cursor starts at the first item.
func Page[T any](items []T, cursor *Cursor, limit int, key func(T) (int64, string)) ([]T, string) {
	start := 0
	if cursor != nil {
		for start < len(items) {
			date, id := key(items[start])
			if Less(cursor.Date, cursor.ID, date, id) {
				break
			}
			start++
		}
	}
	items = items[start:]
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	date, id := key(items[len(items)-1])
	return items, Cursor{Date: date, ID: id}.Encode()
}
