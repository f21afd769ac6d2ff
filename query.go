package keyhole

import (
	"bytes"
	"fmt"
)

// Query describes one index scan: an exact value or a half-open
// [start, end) range over a single field path. Build queries with
// NewQuery and the chaining methods, which copy and return the value.
type Query struct {
	collection string
	fieldPath  string

	exact bool
	value any

	hasStart, hasEnd bool
	start, end       any

	reverse bool
	limit   int

	// Pagination resume bounds, in raw index-key space.
	afterLower  []byte
	beforeUpper []byte
}

// NewQuery scans every entry of an index. Use the reserved path "#" to
// enumerate a collection in primary-key order.
func NewQuery(collection, fieldPath string) Query {
	return Query{collection: collection, fieldPath: fieldPath}
}

// Eq restricts the scan to entries whose field equals v exactly. Pass
// nil to find records where the field is unset.
func (q Query) Eq(v any) Query {
	q.exact, q.value = true, v
	return q
}

// From sets the inclusive lower bound of a range scan.
func (q Query) From(v any) Query {
	q.hasStart, q.start = true, v
	return q
}

// To sets the exclusive upper bound of a range scan.
func (q Query) To(v any) Query {
	q.hasEnd, q.end = true, v
	return q
}

// Reversed returns results in descending order. The bounds keep their
// low/high meaning; if they arrive swapped (start > end), the planner
// swaps them back.
func (q Query) Reversed() Query {
	q.reverse = true
	return q
}

// Limit caps the number of results; zero means unlimited.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// Lookup is shorthand for an exact-match query.
func (db *DB) Lookup(collection, fieldPath string, value any) (*Cursor, error) {
	return db.Search(NewQuery(collection, fieldPath).Eq(value))
}

// Range is shorthand for a half-open [start, end) range query.
func (db *DB) Range(collection, fieldPath string, start, end any) (*Cursor, error) {
	return db.Search(NewQuery(collection, fieldPath).From(start).To(end))
}

// CollectionScan enumerates a collection's records in primary-key order.
func (db *DB) CollectionScan(collection string) (*Cursor, error) {
	return db.Search(NewQuery(collection, primaryKeyPath))
}

// Search plans and starts the scan described by q, returning a lazy
// cursor over (primary key, record) results. The collection and field
// path must be registered.
func (db *DB) Search(q Query) (*Cursor, error) {
	st, err := db.liveState(q.collection)
	if err != nil {
		return nil, err
	}
	if !st.hasPath(q.fieldPath) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, q.collection, q.fieldPath)
	}

	rng, err := q.rawRange()
	if err != nil {
		return nil, err
	}
	it, err := db.store.Iterate(PartIndex, rng)
	if err != nil {
		return nil, err
	}
	return &Cursor{db: db, it: it, limit: q.limit}, nil
}

func (q Query) rawRange() (RawRange, error) {
	stem := indexKeyStem(q.collection, q.fieldPath)
	rng := RawRange{Prefix: stem, Reverse: q.reverse}

	if q.exact {
		prefix, err := indexKeyValuePrefix(q.collection, q.fieldPath, q.value)
		if err != nil {
			return RawRange{}, err
		}
		rng.Prefix = prefix
	} else if q.hasStart || q.hasEnd {
		start, end := q.start, q.end
		hasStart, hasEnd := q.hasStart, q.hasEnd
		if q.reverse && hasStart && hasEnd {
			sb, err := appendEncodedValue(nil, start)
			if err != nil {
				return RawRange{}, err
			}
			eb, err := appendEncodedValue(nil, end)
			if err != nil {
				return RawRange{}, err
			}
			if bytes.Compare(sb, eb) > 0 {
				start, end = end, start
			}
		}
		if hasStart {
			lower, err := appendEncodedValue(bytes.Clone(stem), start)
			if err != nil {
				return RawRange{}, err
			}
			rng.Lower = lower
		}
		if hasEnd {
			upper, err := appendEncodedValue(bytes.Clone(stem), end)
			if err != nil {
				return RawRange{}, err
			}
			rng.Upper = upper
		}
	}

	// Pagination resume bounds tighten whatever the query derived.
	if q.afterLower != nil && bytes.Compare(q.afterLower, rng.Lower) > 0 {
		rng.Lower = q.afterLower
	}
	if q.beforeUpper != nil && (rng.Upper == nil || bytes.Compare(q.beforeUpper, rng.Upper) < 0) {
		rng.Upper = q.beforeUpper
	}
	return rng, nil
}

// Cursor walks the results of a Search lazily: entries materialize only
// as the consumer advances, and records are fetched from the primary
// partition on demand.
type Cursor struct {
	db     *DB
	it     *Iter
	limit  int
	n      int
	key    string
	rawKey []byte
	err    error
}

// Next advances to the next matching primary key. It returns false at
// the end of the scan, on reaching the limit, or on error (check Err).
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.limit > 0 && c.n >= c.limit {
		c.it.Close()
		return false
	}
	if !c.it.Next() {
		return false
	}
	_, _, _, pk, err := parseIndexKey(c.it.Key())
	if err != nil {
		c.err = err
		c.it.Close()
		return false
	}
	c.key = pk
	c.rawKey = append(c.rawKey[:0], c.it.Key()...)
	c.n++
	return true
}

// Key returns the primary key of the current result.
func (c *Cursor) Key() string { return c.key }

// Value fetches and decodes the current primary record in generic form.
func (c *Cursor) Value() (any, error) {
	raw, err := c.rawRecord()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeRecord(raw)
}

// Decode fetches the current primary record into target, tolerating
// extra and missing fields the way msgpack does.
func (c *Cursor) Decode(target any) error {
	raw, err := c.rawRecord()
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%s: record vanished during scan", c.key)
	}
	return decodeRecordInto(raw, target)
}

func (c *Cursor) rawRecord() ([]byte, error) {
	return c.db.store.Get(PartData, []byte(c.key))
}

func (c *Cursor) Err() error { return c.err }

// Close releases the cursor early; it is called automatically when the
// scan is exhausted.
func (c *Cursor) Close() error { return c.it.Close() }

// Item is one (primary key, record) result.
type Item struct {
	Key   string
	Value any
}

// AllItems drains a cursor into (key, record) pairs.
func AllItems(c *Cursor) ([]Item, error) {
	defer c.Close()
	var items []Item
	for c.Next() {
		v, err := c.Value()
		if err != nil {
			return nil, err
		}
		items = append(items, Item{c.Key(), v})
	}
	return items, c.Err()
}

// AllKeys drains a cursor into primary keys.
func AllKeys(c *Cursor) ([]string, error) {
	defer c.Close()
	var keys []string
	for c.Next() {
		keys = append(keys, c.Key())
	}
	return keys, c.Err()
}

// AllValues drains a cursor into generic records.
func AllValues(c *Cursor) ([]any, error) {
	items, err := AllItems(c)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = item.Value
	}
	return values, nil
}

// AllAs drains a cursor, decoding every record into T.
func AllAs[T any](c *Cursor) ([]T, error) {
	defer c.Close()
	var rows []T
	for c.Next() {
		var row T
		if err := c.Decode(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, c.Err()
}
