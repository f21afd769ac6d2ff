/*
Package keyhole adds queryable secondary indexes on top of an ordered,
byte-oriented key-value store (Bolt).

Records (structs, maps or raw scalars) are stored under opaque primary
keys inside named collections. Register one or more field paths per
collection, and keyhole lets you query records by field value, exactly or
by range, forward or reverse, without scanning the whole collection:

	type User struct {
		Name string `msgpack:"name"`
		Age  int    `msgpack:"age"`
	}

	db.RegisterCollection("users", User{})
	db.RegisterIndex("users", User{}, "age")

	db.Upsert("users", "user:1", User{Name: "alice", Age: 25})

	c, _ := db.Range("users", "age", 22, 26)
	for c.Next() {
		var u User
		c.Decode(&u)
	}

# Index keys

Every index entry is one key in a dedicated partition, laid out as

	idx <SEP> collection <SEP> fieldPath <SEP> encodedValue <SEP> primaryKey

where the value encoding preserves each type's natural order under
byte-lexicographic comparison: nil sorts first (so "field is unset" is
queryable), numbers sort numerically regardless of width or sign, and
strings sort naturally with the separator escaped out of them. Maps and
other composite values encode canonically for equality queries.

# Field paths

A field path is a dotted string: "Age", "Meta.category". The empty path
indexes the whole record; the reserved path "#" indexes records by their
primary key and is maintained for every collection, which is what makes
enumerating a collection cheap. Struct records resolve segments through
fields (by name or msgpack tag) and zero-argument accessor methods;
map records resolve through keys.

# Consistency

Writes apply the primary record and every affected index entry in one
atomic batch, so readers never observe a half-updated index. The
read-modify-write inside Upsert is not atomic end to end; serialize
writes per primary key.

Registrations are persisted as metadata but activate nothing by
themselves after a reopen: re-register collections and indexes at
startup (idempotent), and call Rebuild to backfill indexes registered
after data was written.
*/
package keyhole
