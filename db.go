package keyhole

import (
	"io"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"
)

// Options configures an open database. The zero value is usable.
type Options struct {
	// Logger receives structured debug/info logging. Nil disables
	// logging entirely; there is no process-global logger.
	Logger *slog.Logger

	// IsTesting trades durability for speed (no fsync) and shrinks the
	// initial mmap. Never set it outside tests.
	IsTesting bool

	// MmapSize overrides the initial mmap size in bytes.
	MmapSize int

	// NoCompression disables LZ4 compression of large record payloads.
	NoCompression bool
}

// DB combines the store with the secondary-indexing engine: collection
// registry, index maintenance on writes, index-backed queries and
// pagination.
//
// Collection and index registrations persist as metadata, but the wiring
// is in-memory: after reopening a database, re-register every collection
// and index before writing or querying. Registrations are idempotent, so
// doing this unconditionally at startup is the expected pattern.
type DB struct {
	store         *Store
	colls         *xsync.MapOf[string, *collectionState]
	logger        *slog.Logger
	noCompression bool
}

// Open opens (creating if necessary) a database at path.
func Open(path string, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	store, err := openStore(path, opt)
	if err != nil {
		return nil, err
	}
	return &DB{
		store:         store,
		colls:         xsync.NewMapOf[string, *collectionState](),
		logger:        opt.Logger,
		noCompression: opt.NoCompression,
	}, nil
}

func (db *DB) Close() error {
	return db.store.Close()
}

// Store exposes the underlying store for raw access and inspection.
func (db *DB) Store() *Store {
	return db.store
}

// Get reads the record stored under key in generic form (maps come back
// as map[string]any). A missing key yields nil, not an error.
func (db *DB) Get(key string) (any, error) {
	raw, err := db.store.Get(PartData, []byte(key))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeRecord(raw)
}

// GetAs reads the record stored under key into target, which may be any
// shape compatible with the stored fields (extra stored fields are
// dropped, missing ones keep their zero value). The bool reports whether
// the key existed.
func (db *DB) GetAs(key string, target any) (bool, error) {
	raw, err := db.store.Get(PartData, []byte(key))
	if err != nil || raw == nil {
		return false, err
	}
	if err := decodeRecordInto(raw, target); err != nil {
		return true, err
	}
	return true, nil
}

// Exists reports whether a record is stored under key.
func (db *DB) Exists(key string) (bool, error) {
	raw, err := db.store.Get(PartData, []byte(key))
	return raw != nil, err
}
