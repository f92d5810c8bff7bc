// Package pagination provides cursor-based paging over newest-first lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors that do not decode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position of the last item on a page.
type Cursor struct {
	At  time.Time
	Key string
}

// Encode returns an opaque cursor string for an item.
func Encode(at time.Time, key string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), key)
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
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), Key: key}, nil
}

// ParseLimit reads a page size, clamping it to [1, MaxLimit]. Empty or
// malformed input yields DefaultLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Page is one slice of a list plus the cursor for the next one.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Paginate returns the page of items (ordered newest first) following c.
// The item matching c exactly is located first; if it has since been
// evicted, paging resumes at the first item strictly older than c.At.
func Paginate[T any](items []T, c *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	start := 0
	if c != nil {
		start = len(items)
		found := false
		for i, it := range items {
			at, k := key(it)
			if at.Equal(c.At) && k == c.Key {
				start, found = i+1, true
				break
			}
		}
		if !found {
			for i, it := range items {
				if at, _ := key(it); at.Before(c.At) {
					start = i
					break
				}
			}
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	page := rest[:limit]
	at, k := key(page[len(page)-1])
	return Page[T]{Items: page, NextCursor: Encode(at, k), HasMore: true}
}
