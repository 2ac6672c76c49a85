package common

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the subset of the goleveldb API used by this project. It
// allows tests to substitute instances and keeps callers independent of
// the concrete *leveldb.DB type.
type LevelDB interface {

	// Get gets the value for the given key. It returns leveldb.ErrNotFound
	// if the DB does not contain the key. The returned slice is its own
	// copy and safe to modify.
	Get(key []byte, ro *opt.ReadOptions) (value []byte, err error)

	// NewIterator returns an iterator over the latest snapshot of the DB.
	// Slice restricts the iterator to the given key range; a nil range
	// covers all keys. The iterator must be released after use.
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator

	// Write applies the given batch to the DB atomically.
	Write(batch *leveldb.Batch, wo *opt.WriteOptions) error
}
