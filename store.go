package keyhole

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Partitions give primary records, index entries and collection metadata
// physically separate key spaces (buckets in Bolt terms).
const (
	PartData  = "data"
	PartIndex = "index"
	PartMeta  = "meta"
)

var partitions = []string{PartData, PartIndex, PartMeta}

// Store is the thin wrapper around the ordered key-value engine. It
// exposes point reads and writes, atomic batched writes, and lazy
// bounded iteration; everything above it is engine-agnostic.
type Store struct {
	bdb    *bbolt.DB
	logger *slog.Logger
}

func openStore(path string, opt Options) (*Store, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("keyhole: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		for _, part := range partitions {
			if _, err := btx.CreateBucketIfNotExists([]byte(part)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("keyhole: %w", err)
	}
	return &Store{bdb: bdb, logger: opt.Logger}, nil
}

func (s *Store) Close() error {
	return s.bdb.Close()
}

// Get returns the value stored under key, or nil if the key is absent.
// A missing key is not an error.
func (s *Store) Get(part string, key []byte) ([]byte, error) {
	var value []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		if v := btx.Bucket([]byte(part)).Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	return value, nil
}

func (s *Store) Put(part string, key, value []byte) error {
	return s.BatchWrite([]Op{{Partition: part, Key: key, Value: value}})
}

func (s *Store) Delete(part string, key []byte) error {
	return s.BatchWrite([]Op{{Partition: part, Key: key, Delete: true}})
}

// Op is one mutation in a batch. A zero Value with Delete unset stores
// an empty payload (index entries are exactly that: existence is
// membership).
type Op struct {
	Partition string
	Key       []byte
	Value     []byte
	Delete    bool
}

// BatchWrite applies all ops in one storage transaction: either every
// mutation becomes visible or none does.
func (s *Store) BatchWrite(ops []Op) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		for _, op := range ops {
			buck := btx.Bucket([]byte(op.Partition))
			if buck == nil {
				return fmt.Errorf("unknown partition %q", op.Partition)
			}
			var err error
			if op.Delete {
				err = buck.Delete(op.Key)
			} else {
				err = buck.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store batch: %w", err)
	}
	return nil
}

// RawRange defines a half-open byte range [Lower, Upper) optionally
// constrained to a prefix. Reverse flips traversal direction, not the
// bounds.
type RawRange struct {
	Prefix  []byte
	Lower   []byte
	Upper   []byte
	Reverse bool
}

func (r RawRange) Prefixed(p []byte) RawRange { r.Prefix = p; return r }
func (r RawRange) Reversed() RawRange         { r.Reverse = true; return r }

// Iterate starts a lazy scan of part over rng. The iterator holds a read
// transaction open until Close (or exhaustion); keys and values returned
// by it are only valid until the next call to Next or Close.
func (s *Store) Iterate(part string, rng RawRange) (*Iter, error) {
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("store iterate: %w", err)
	}
	return &Iter{
		tx:  btx,
		cur: btx.Bucket([]byte(part)).Cursor(),
		rng: rng,
	}, nil
}

// Iter walks an ordered range of keys. Usage mirrors bufio.Scanner:
// call Next until it returns false, then check Err.
type Iter struct {
	tx      *bbolt.Tx
	cur     *bbolt.Cursor
	rng     RawRange
	started bool
	closed  bool
	k, v    []byte
}

func (it *Iter) Next() bool {
	if it.closed {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		k, v = it.seekStart()
	} else if it.rng.Reverse {
		k, v = it.cur.Prev()
	} else {
		k, v = it.cur.Next()
	}
	if k == nil || !it.rng.contains(k) {
		it.Close()
		return false
	}
	it.k, it.v = k, v
	return true
}

func (it *Iter) seekStart() ([]byte, []byte) {
	if it.rng.Reverse {
		upper := it.rng.Upper
		if upper == nil && it.rng.Prefix != nil {
			upper = prefixSuccessor(it.rng.Prefix)
		}
		if upper == nil {
			return it.cur.Last()
		}
		if k, v := it.cur.Seek(upper); k != nil {
			// Seek lands on the first key >= upper; the scan is
			// exclusive of upper, so step back.
			for k != nil && bytes.Compare(k, upper) >= 0 {
				k, v = it.cur.Prev()
			}
			return k, v
		}
		return it.cur.Last()
	}
	lower := it.rng.Lower
	if it.rng.Prefix != nil && bytes.Compare(it.rng.Prefix, lower) > 0 {
		lower = it.rng.Prefix
	}
	if lower == nil {
		return it.cur.First()
	}
	return it.cur.Seek(lower)
}

func (r *RawRange) contains(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if r.Lower != nil && bytes.Compare(k, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(k, r.Upper) >= 0 {
		return false
	}
	return true
}

func (it *Iter) Key() []byte   { return it.k }
func (it *Iter) Value() []byte { return it.v }

// Close releases the read transaction. It is safe to call more than
// once; Next closes the iterator automatically on exhaustion.
func (it *Iter) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.k, it.v = nil, nil
	err := it.tx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}
