package keyhole

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// CollectionInfo is the durable descriptor of a collection: its name,
// the shape it was last registered with (name only, for diagnostics),
// and the set of registered field paths. The primary-key pseudo-path "#"
// is always a member.
type CollectionInfo struct {
	Name       string   `msgpack:"name"`
	ShapeName  string   `msgpack:"shape,omitempty"`
	FieldPaths []string `msgpack:"field_paths"`
}

const collMetaPrefix = "collection:"

// collectionState is the in-memory wiring of a registered collection.
// It exists only in the process that issued the register calls; after a
// restart the descriptor survives in the meta partition but callers must
// re-register before writes and index queries work (registration is
// idempotent, so doing it unconditionally at startup is the norm).
type collectionState struct {
	mu    sync.RWMutex
	name  string
	shape reflect.Type
	paths map[string]struct{}
}

func (st *collectionState) hasPath(path string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.paths[path]
	return ok
}

func (st *collectionState) sortedPaths() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	paths := make([]string, 0, len(st.paths))
	for p := range st.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (st *collectionState) info() *CollectionInfo {
	st.mu.RLock()
	shape := st.shape
	st.mu.RUnlock()
	info := &CollectionInfo{Name: st.name, FieldPaths: st.sortedPaths()}
	if shape != nil {
		info.ShapeName = shape.String()
	}
	return info
}

// RegisterCollection registers (or re-registers) a collection. The shape
// may be nil (no field-path validation), an example record value, or a
// reflect.Type. Registration is an idempotent metadata upsert.
func (db *DB) RegisterCollection(name string, shape any) error {
	return db.register(name, shape, nil)
}

// RegisterIndex registers a field path on a collection, registering the
// collection itself if needed. The path is validated against the shape
// when one is known; registering the same path twice is a no-op.
// Registration never indexes pre-existing records; call Rebuild for
// that.
func (db *DB) RegisterIndex(name string, shape any, fieldPath string) error {
	return db.register(name, shape, []string{fieldPath})
}

func (db *DB) register(name string, shape any, fieldPaths []string) error {
	if name == "" {
		return fmt.Errorf("empty collection name")
	}
	if strings.IndexByte(name, keySep) >= 0 {
		return fmt.Errorf("collection name %q contains a reserved byte", name)
	}

	shapeType := shapeTypeOf(shape)
	for _, path := range fieldPaths {
		if strings.IndexByte(path, keySep) >= 0 {
			return fmt.Errorf("field path %q contains a reserved byte", path)
		}
		if err := validateFieldPath(name, shapeType, path); err != nil {
			return err
		}
	}

	st, _ := db.colls.LoadOrCompute(name, func() *collectionState {
		return &collectionState{name: name, paths: map[string]struct{}{}}
	})

	st.mu.Lock()
	if shapeType != nil {
		st.shape = shapeType
	}
	st.paths[primaryKeyPath] = struct{}{}
	for _, path := range fieldPaths {
		st.paths[path] = struct{}{}
	}
	st.mu.Unlock()

	if err := db.persistCollection(st); err != nil {
		return err
	}
	db.logger.Debug("registered", "collection", name, "fieldPaths", fieldPaths)
	return nil
}

func (db *DB) persistCollection(st *collectionState) error {
	data, err := msgpack.Marshal(st.info())
	if err != nil {
		return fmt.Errorf("encode collection descriptor: %w", err)
	}
	return db.store.Put(PartMeta, []byte(collMetaPrefix+st.name), data)
}

// liveState returns the in-process wiring for a collection, or
// ErrUnknownCollection if it has not been registered since this DB was
// opened (persisted metadata alone does not activate a collection).
func (db *DB) liveState(collection string) (*collectionState, error) {
	if st, ok := db.colls.Load(collection); ok {
		return st, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
}

// GetCollectionInfo returns the descriptor for a collection, preferring
// the live registration and falling back to persisted metadata.
func (db *DB) GetCollectionInfo(name string) (*CollectionInfo, error) {
	if st, ok := db.colls.Load(name); ok {
		return st.info(), nil
	}
	data, err := db.store.Get(PartMeta, []byte(collMetaPrefix+name))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return decodeCollectionInfo(data)
}

// ListCollections enumerates all persisted collection descriptors, which
// includes collections registered by previous runs of the process.
func (db *DB) ListCollections() ([]*CollectionInfo, error) {
	prefix := []byte(collMetaPrefix)
	it, err := db.store.Iterate(PartMeta, RawRange{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var infos []*CollectionInfo
	for it.Next() {
		info, err := decodeCollectionInfo(it.Value())
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func decodeCollectionInfo(data []byte) (*CollectionInfo, error) {
	var info CollectionInfo
	if err := msgpack.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode collection descriptor: %w", err)
	}
	return &info, nil
}
