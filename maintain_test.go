package keyhole

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func lookupKeys(t *testing.T, db *DB, collection, fieldPath string, value any) []string {
	t.Helper()
	cur, err := db.Lookup(collection, fieldPath, value)
	require.NoError(t, err)
	keys, err := AllKeys(cur)
	require.NoError(t, err)
	return keys
}

func indexEntryCount(t *testing.T, db *DB, collection, fieldPath string) int {
	t.Helper()
	it, err := db.store.Iterate(PartIndex, RawRange{Prefix: indexKeyStem(collection, fieldPath)})
	require.NoError(t, err)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

func TestUpsertMaintainsIndexes(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", nil, "email"))
	require.NoError(t, db.RegisterIndex("users", nil, "age"))

	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"email": "a@x.io", "age": 30}))
	require.NoError(t, db.Upsert("users", "user:2", map[string]any{"email": "b@x.io", "age": 30}))

	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "a@x.io"))
	require.Equal(t, []string{"user:1", "user:2"}, lookupKeys(t, db, "users", "age", 30))

	// Updating a field moves the entry; the old value must not match.
	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"email": "c@x.io", "age": 30}))
	require.Empty(t, lookupKeys(t, db, "users", "email", "a@x.io"))
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "c@x.io"))
	require.Equal(t, 2, indexEntryCount(t, db, "users", "email"))

	// Unchanged fields keep their single entry.
	require.Equal(t, []string{"user:1", "user:2"}, lookupKeys(t, db, "users", "age", 30))
	require.Equal(t, 2, indexEntryCount(t, db, "users", "age"))
}

func TestUpsertStructThenUpdate(t *testing.T) {
	type user struct {
		Email string `msgpack:"email"`
		Age   int    `msgpack:"age"`
	}
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", user{}, "email"))

	// The second upsert diffs a live struct against the stored generic
	// form; the index must still end up with exactly one entry.
	require.NoError(t, db.Upsert("users", "user:1", user{Email: "a@x.io", Age: 1}))
	require.NoError(t, db.Upsert("users", "user:1", user{Email: "b@x.io", Age: 2}))

	require.Empty(t, lookupKeys(t, db, "users", "email", "a@x.io"))
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "b@x.io"))
	require.Equal(t, 1, indexEntryCount(t, db, "users", "email"))
	require.Equal(t, 1, indexEntryCount(t, db, "users", "#"))
}

func TestUpsertUnsetField(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", nil, "email"))
	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"name": "noemail"}))
	require.NoError(t, db.Upsert("users", "user:2", map[string]any{"email": "b@x.io"}))

	// Records without the field land under the unset sentinel.
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", nil))

	// Setting the field later moves the entry out of the sentinel.
	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"name": "noemail", "email": "a@x.io"}))
	require.Empty(t, lookupKeys(t, db, "users", "email", nil))
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "a@x.io"))
}

func TestUpsertUnknownCollection(t *testing.T) {
	db := newTestDB(t)
	require.ErrorIs(t, db.Upsert("ghosts", "g1", map[string]any{}), ErrUnknownCollection)
	require.ErrorIs(t, db.Delete("ghosts", "g1"), ErrUnknownCollection)
	require.ErrorIs(t, db.Rebuild("ghosts"), ErrUnknownCollection)
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", nil, "email"))
	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"email": "a@x.io"}))
	require.NoError(t, db.Upsert("users", "user:2", map[string]any{"email": "b@x.io"}))

	require.NoError(t, db.Delete("users", "user:1"))

	found, err := db.Exists("user:1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, lookupKeys(t, db, "users", "email", "a@x.io"))
	require.Equal(t, 1, indexEntryCount(t, db, "users", "email"))
	require.Equal(t, 1, indexEntryCount(t, db, "users", "#"))

	// Deleting a missing key is a no-op.
	require.NoError(t, db.Delete("users", "user:1"))
	require.NoError(t, db.Delete("users", "never-existed"))
}

func TestRebuildBackfillsNewIndex(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterCollection("users", nil))
	for _, u := range []struct {
		key   string
		email string
	}{
		{"user:1", "a@x.io"},
		{"user:2", "b@x.io"},
		{"user:3", "a@x.io"},
	} {
		require.NoError(t, db.Upsert("users", u.key, map[string]any{"email": u.email}))
	}

	// Registering after the fact indexes nothing by itself.
	require.NoError(t, db.RegisterIndex("users", nil, "email"))
	require.Empty(t, lookupKeys(t, db, "users", "email", "a@x.io"))

	require.NoError(t, db.Rebuild("users"))
	require.Equal(t, []string{"user:1", "user:3"}, lookupKeys(t, db, "users", "email", "a@x.io"))
	require.Equal(t, 3, indexEntryCount(t, db, "users", "email"))

	// Rebuild is idempotent.
	require.NoError(t, db.Rebuild("users"))
	require.Equal(t, 3, indexEntryCount(t, db, "users", "email"))
	require.Equal(t, 3, indexEntryCount(t, db, "users", "#"))
}

func TestRebuildDropsStaleEntries(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", nil, "email"))
	require.NoError(t, db.Upsert("users", "user:1", map[string]any{"email": "a@x.io"}))

	// Plant a stale entry the way a crashed writer would leave one.
	stale := must(makeIndexKey("users", "email", "ghost@x.io", "user:1"))
	require.NoError(t, db.store.Put(PartIndex, stale, indexEntryValue))
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "ghost@x.io"))

	require.NoError(t, db.Rebuild("users"))
	require.Empty(t, lookupKeys(t, db, "users", "email", "ghost@x.io"))
	require.Equal(t, []string{"user:1"}, lookupKeys(t, db, "users", "email", "a@x.io"))
}
