package keyhole

import (
	"encoding/base64"
	"fmt"
)

// Page is one window of a paginated scan. NextCursor is empty on the
// final page; PrevCursor echoes the cursor this page was requested with.
type Page struct {
	Items      []Item
	HasMore    bool
	NextCursor string
	PrevCursor string
}

var cursorEncoding = base64.RawURLEncoding

// Paginate runs q one page at a time. A cursor is an opaque token
// carrying the raw key iteration stopped at; it holds no server-side
// state, so pages may be requested at any time, in any process. Pass an
// empty cursor for the first page and Page.NextCursor thereafter.
//
// The page is fetched with one extra item to detect HasMore without a
// second scan.
func (db *DB) Paginate(q Query, pageSize int, cursor string) (*Page, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	if cursor != "" {
		resume, err := cursorEncoding.DecodeString(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		if q.reverse {
			// Resume strictly before the cursor key: it becomes the
			// exclusive upper bound.
			q.beforeUpper = resume
		} else {
			// Resume strictly after the cursor key: no key can sort
			// between k and k+0x00.
			q.afterLower = append(resume, keySep)
		}
	}

	c, err := db.Search(q.Limit(pageSize + 1))
	if err != nil {
		return nil, err
	}
	defer c.Close()

	page := &Page{PrevCursor: cursor}
	var lastRaw []byte
	for c.Next() {
		if len(page.Items) == pageSize {
			page.HasMore = true
			break
		}
		v, err := c.Value()
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, Item{c.Key(), v})
		lastRaw = append(lastRaw[:0], c.rawKey...)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if page.HasMore {
		page.NextCursor = cursorEncoding.EncodeToString(lastRaw)
	}
	return page, nil
}
