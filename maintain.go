package keyhole

import (
	"bytes"
	"fmt"
)

// rebuildBatchSize bounds the size of the write batches Rebuild issues
// while clearing and regenerating entries.
const rebuildBatchSize = 1000

// indexEntryValue is what index entries store: nothing. Existence of the
// key is membership.
var indexEntryValue = []byte{}

// pathValue resolves the value a field path indexes for a record. The
// "#" pseudo-path indexes the primary key itself.
func pathValue(path, key string, record any) any {
	if path == primaryKeyPath {
		return key
	}
	return extractField(record, path)
}

// Upsert stores a record under key and brings every registered index of
// the collection in line with it, as one atomic batch. Entries whose
// encoded value did not change are left untouched.
//
// The read of the previous record and the batch write are two separate
// store operations; concurrent upserts of the same key can therefore
// strand a stale entry. Callers must serialize writes per primary key.
func (db *DB) Upsert(collection, key string, record any) error {
	st, err := db.liveState(collection)
	if err != nil {
		return err
	}

	prevRaw, err := db.store.Get(PartData, []byte(key))
	if err != nil {
		return err
	}
	var prev any
	if prevRaw != nil {
		prev, err = decodeRecord(prevRaw)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", collection, key, err)
		}
	}

	var ops []Op
	for _, path := range st.sortedPaths() {
		newKey, err := makeIndexKey(collection, path, pathValue(path, key, record), key)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", collection, path, err)
		}
		if prevRaw != nil {
			oldKey, err := makeIndexKey(collection, path, pathValue(path, key, prev), key)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", collection, path, err)
			}
			if bytes.Equal(oldKey, newKey) {
				continue
			}
			ops = append(ops, Op{Partition: PartIndex, Key: oldKey, Delete: true})
		}
		ops = append(ops, Op{Partition: PartIndex, Key: newKey, Value: indexEntryValue})
	}

	value, err := db.encodeRecord(record)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, key, err)
	}
	ops = append(ops, Op{Partition: PartData, Key: []byte(key), Value: value})

	if err := db.store.BatchWrite(ops); err != nil {
		return err
	}
	db.logger.Debug("upsert", "collection", collection, "key", key, "ops", len(ops))
	return nil
}

// Delete removes a record and all of its index entries as one atomic
// batch. Deleting a key that does not exist is a no-op.
func (db *DB) Delete(collection, key string) error {
	st, err := db.liveState(collection)
	if err != nil {
		return err
	}

	prevRaw, err := db.store.Get(PartData, []byte(key))
	if err != nil {
		return err
	}
	if prevRaw == nil {
		return nil
	}
	prev, err := decodeRecord(prevRaw)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, key, err)
	}

	var ops []Op
	for _, path := range st.sortedPaths() {
		entryKey, err := makeIndexKey(collection, path, pathValue(path, key, prev), key)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", collection, path, err)
		}
		ops = append(ops, Op{Partition: PartIndex, Key: entryKey, Delete: true})
	}
	ops = append(ops, Op{Partition: PartData, Key: []byte(key), Delete: true})

	if err := db.store.BatchWrite(ops); err != nil {
		return err
	}
	db.logger.Debug("delete", "collection", collection, "key", key)
	return nil
}

// Rebuild regenerates every index entry of a collection from its primary
// records: it snapshots the collection's membership through the "#"
// index, clears all entries under every registered path, and writes
// fresh entries. Use it to backfill indexes registered after data was
// written. Rebuild is idempotent (it always starts by clearing) but must
// not run concurrently with writes to the same collection.
func (db *DB) Rebuild(collection string) error {
	st, err := db.liveState(collection)
	if err != nil {
		return err
	}
	paths := st.sortedPaths()

	type member struct {
		key string
		rec any
	}
	var members []member
	err = db.scanCollectionKeys(collection, func(key string) error {
		raw, err := db.store.Get(PartData, []byte(key))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil // dangling # entry; dropped by the clear below
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", collection, key, err)
		}
		members = append(members, member{key, rec})
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := db.clearIndexEntries(collection, path); err != nil {
			return err
		}
	}

	var ops []Op
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		err := db.store.BatchWrite(ops)
		ops = ops[:0]
		return err
	}
	for _, m := range members {
		for _, path := range paths {
			entryKey, err := makeIndexKey(collection, path, pathValue(path, m.key, m.rec), m.key)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", collection, path, err)
			}
			ops = append(ops, Op{Partition: PartIndex, Key: entryKey, Value: indexEntryValue})
		}
		if len(ops) >= rebuildBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	db.logger.Info("rebuilt indexes", "collection", collection, "records", len(members), "paths", len(paths))
	return nil
}

// scanCollectionKeys walks the collection's primary keys in order via
// the "#" index.
func (db *DB) scanCollectionKeys(collection string, f func(key string) error) error {
	it, err := db.store.Iterate(PartIndex, RawRange{Prefix: indexKeyStem(collection, primaryKeyPath)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		_, _, _, pk, err := parseIndexKey(it.Key())
		if err != nil {
			return err
		}
		if err := f(pk); err != nil {
			return err
		}
	}
	return nil
}

// clearIndexEntries range-deletes everything under one (collection,
// path) stem, in batches.
func (db *DB) clearIndexEntries(collection, path string) error {
	stem := indexKeyStem(collection, path)
	for {
		it, err := db.store.Iterate(PartIndex, RawRange{Prefix: stem})
		if err != nil {
			return err
		}
		var ops []Op
		for len(ops) < rebuildBatchSize && it.Next() {
			ops = append(ops, Op{Partition: PartIndex, Key: append([]byte(nil), it.Key()...), Delete: true})
		}
		it.Close()
		if len(ops) == 0 {
			return nil
		}
		if err := db.store.BatchWrite(ops); err != nil {
			return err
		}
		if len(ops) < rebuildBatchSize {
			return nil
		}
	}
}
