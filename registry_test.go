package keyhole

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterCollection(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterCollection("users", nil))

	info, err := db.GetCollectionInfo("users")
	require.NoError(t, err)
	require.Equal(t, "users", info.Name)
	require.Equal(t, []string{"#"}, info.FieldPaths, "primary-key pseudo-index is always registered")
	require.Empty(t, info.ShapeName)

	_, err = db.GetCollectionInfo("nope")
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestRegisterIndexIdempotent(t *testing.T) {
	type user struct {
		Name string `msgpack:"name"`
	}
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("users", user{}, "Name"))
	require.NoError(t, db.RegisterIndex("users", user{}, "Name"))
	require.NoError(t, db.RegisterIndex("users", user{}, "name")) // tag alias is a distinct path

	info, err := db.GetCollectionInfo("users")
	require.NoError(t, err)
	require.Equal(t, []string{"#", "Name", "name"}, info.FieldPaths)
	require.Equal(t, "keyhole.user", info.ShapeName)
}

func TestRegisterIndexAutoRegistersCollection(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("posts", nil, "title"))

	infos, err := db.ListCollections()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "posts", infos[0].Name)
	require.Equal(t, []string{"#", "title"}, infos[0].FieldPaths)
}

func TestRegisterIndexValidatesFieldPath(t *testing.T) {
	type user struct {
		Name string `msgpack:"name"`
	}
	db := newTestDB(t)

	err := db.RegisterIndex("users", user{}, "nosuch")
	var fpe *FieldPathError
	require.ErrorAs(t, err, &fpe)
	require.Equal(t, "users", fpe.Collection)
	require.Equal(t, "nosuch", fpe.Segment)

	// Only the first segment is validated; nested values are dynamic.
	require.NoError(t, db.RegisterIndex("users", user{}, "Name.anything"))
	// Nil shape validates nothing.
	require.NoError(t, db.RegisterIndex("users", nil, "whatever"))
	// The pseudo-path and the whole-record path are always valid.
	require.NoError(t, db.RegisterIndex("users", user{}, "#"))
	require.NoError(t, db.RegisterIndex("users", user{}, ""))
}

func TestRegisterRejectsReservedBytes(t *testing.T) {
	db := newTestDB(t)
	require.Error(t, db.RegisterCollection("bad\x00name", nil))
	require.Error(t, db.RegisterCollection("", nil))
	require.Error(t, db.RegisterIndex("users", nil, "bad\x00path"))
}

func TestRegisterWholeRecordIndex(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RegisterIndex("names", nil, ""))
	require.NoError(t, db.Upsert("names", "n1", "alice"))
	require.NoError(t, db.Upsert("names", "n2", "bob"))

	cur, err := db.Lookup("names", "", "alice")
	require.NoError(t, err)
	keys, err := AllKeys(cur)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, keys)

	info, err := db.GetCollectionInfo("names")
	require.NoError(t, err)
	require.Equal(t, []string{"", "#"}, info.FieldPaths)
}
