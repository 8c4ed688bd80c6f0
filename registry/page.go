package registry

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPageSize is used when a list request carries no page-size hint.
const DefaultPageSize = 50

// Page is one page of list results with an optional cursor for resuming.
type Page[T any] struct {
	Items []T
	// NextCursor is an opaque encoding of the next offset; empty when the
	// listing is exhausted.
	NextCursor string
}

// encodeCursor mints an opaque cursor for the given offset.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// decodeCursor resolves a cursor back to an offset. The empty cursor means
// offset zero.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrBadCursor
	}
	s := string(raw)
	if !strings.HasPrefix(s, "o:") {
		return 0, ErrBadCursor
	}
	offset, err := strconv.Atoi(s[2:])
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad offset", ErrBadCursor)
	}
	return offset, nil
}

// paginate slices items at the cursor's offset, minting a next cursor when
// more items remain.
func paginate[T any](items []T, cursor string, pageSize int) (Page[T], error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset >= len(items) {
		return Page[T]{Items: []T{}}, nil
	}
	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}
	page := Page[T]{Items: items[offset:end]}
	if end < len(items) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}
