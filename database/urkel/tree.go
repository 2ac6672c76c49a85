// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package urkel

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Fantom-foundation/Urkel/common"
)

// Errors reported by tree operations. Errors wrapping ErrIntegrity or
// ErrLedgerCorrupted indicate damaged files on disk, ErrKeyMismatch a node
// stored under a position its key does not lead to. The remaining errors
// report misuse of the API.
const (
	ErrClosed            = common.ConstError("already closed")
	ErrTransactionClosed = common.ConstError("transaction already closed")
	ErrWriteInProgress   = common.ConstError("another transaction is in progress")
	ErrTransactionOpen   = common.ConstError("a transaction is in progress")
	ErrSnapshotsOpen     = common.ConstError("snapshots are in use")
	ErrValueTooLarge     = common.ConstError("value exceeds the supported size")
	ErrNoArchive         = common.ConstError("tree maintains no root archive")
	ErrKeyMismatch       = common.ConstError("stored key diverges from its position")
	ErrIntegrity         = common.ConstError("corrupted node data")
	ErrLedgerCorrupted   = common.ConstError("no valid root record found")
)

// maxValueSize is the largest value accepted by Insert, limited by the
// length field of the on-disk leaf record.
const maxValueSize = 0xffff

// archiveDirName is the sub-directory holding the root version index.
const archiveDirName = "archive"

// Tree is an authenticated key-value store over a binary radix tree. Every
// state of the store is summarized by a single root hash, and every lookup
// can be accompanied by a proof verifiable against that hash alone.
//
// All updates run through transactions (see Begin) and become durable and
// crash-safe at their commit. Read operations may run concurrently with a
// transaction; they serve the last committed state.
type Tree struct {
	config  TreeConfig
	store   *fileStore
	hasher  *nodeHasher
	archive *rootArchive

	mu        sync.RWMutex
	root      node
	rootHash  common.Hash
	version   uint64
	tx        *Transaction
	snapshots int
	closed    bool
}

// OpenTree opens the tree stored in the given directory, creating a fresh
// one if the directory is empty or missing. The directory is locked for
// exclusive access until the tree is closed. If the directory holds data
// written after the last completed commit, it is discarded; a store without
// any recoverable root is reported with ErrLedgerCorrupted.
func OpenTree(directory string, config TreeConfig) (*Tree, error) {
	config = config.withDefaults()
	store, meta, err := openFileStore(directory, config)
	if err != nil {
		return nil, err
	}

	tree := &Tree{
		config: config,
		store:  store,
		hasher: store.hasher,
		root:   emptyNode{},
	}
	if meta != nil {
		tree.root = meta.rootNode()
		tree.rootHash = meta.rootHash
	}

	if config.WithRootArchive {
		archive, err := openRootArchive(filepath.Join(directory, archiveDirName))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		tree.archive = archive
		if err := tree.syncArchive(meta); err != nil {
			_ = archive.Close()
			_ = store.Close()
			return nil, err
		}
	}
	return tree, nil
}

// syncArchive aligns the root version index with the recovered ledger
// state. A crash between a commit and its index update leaves the index one
// version behind; the missing entry is restored here.
func (t *Tree) syncArchive(meta *metaRecord) error {
	version, found, err := t.archive.latestVersion()
	if err != nil {
		return err
	}
	if meta == nil {
		if found {
			return fmt.Errorf("%w: version index holds %d versions for an empty ledger", ErrLedgerCorrupted, version)
		}
		return nil
	}
	current := archiveRoot{hash: meta.rootHash, pos: meta.root, leaf: meta.rootLeaf}
	if found {
		entry, exists, err := t.archive.getRoot(version)
		if err != nil {
			return err
		}
		if exists && entry.hash == meta.rootHash {
			if entry == current {
				t.version = version
				return nil
			}
			// Same root, stale location: a compaction moved the root but
			// did not reach the index before the crash.
			if err := t.archive.add(version, current); err != nil {
				return err
			}
			t.version = version
			return nil
		}
	}
	if err := t.archive.add(version+1, current); err != nil {
		return err
	}
	t.version = version + 1
	return nil
}

// Get returns the value stored for the given key in the last committed
// state, and whether the key is present at all.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, false, ErrClosed
	}
	return lookupValue(t.store, t.hasher, t.root, t.hasher.hashData(key))
}

// RootHash returns the hash summarizing the last committed state. An empty
// tree is summarized by the zero hash.
func (t *Tree) RootHash() (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return common.Hash{}, ErrClosed
	}
	return t.rootHash, nil
}

// Begin starts a transaction on the last committed state. Only a single
// transaction may be in progress at a time; a second Begin before the first
// transaction completed fails with ErrWriteInProgress.
func (t *Tree) Begin() (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.tx != nil {
		return nil, ErrWriteInProgress
	}
	tx := &Transaction{tree: t, root: t.root, open: true}
	t.tx = tx
	return tx, nil
}

// LatestVersion returns the number of the last committed version. Versions
// are counted from 1; zero means no commit has happened yet. The call is
// only supported with the root archive enabled.
func (t *Tree) LatestVersion() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.archive == nil {
		return 0, ErrNoArchive
	}
	return t.version, nil
}

// SnapshotAt provides read access to the state committed as the given
// version. The snapshot remains valid across later commits and must be
// released when no longer needed. Requires the root archive.
func (t *Tree) SnapshotAt(version uint64) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.archive == nil {
		return nil, ErrNoArchive
	}
	entry, found, err := t.archive.getRoot(version)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no root recorded for version %d", version)
	}
	t.snapshots++
	return &Snapshot{tree: t, root: entry.node(), hash: entry.hash}, nil
}

// Close flushes and closes the tree. An open transaction is aborted, open
// snapshots become unusable. The call is idempotent.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.tx != nil {
		t.tx.open = false
		t.tx = nil
	}
	errs := make([]error, 0, 2)
	if t.archive != nil {
		errs = append(errs, t.archive.Close())
	}
	errs = append(errs, t.store.Close())
	return errors.Join(errs...)
}

// Snapshot is a read-only view of one committed version of a tree. It
// remains stable while later versions are committed.
type Snapshot struct {
	tree     *Tree
	root     node
	hash     common.Hash
	released bool
}

// Get returns the value stored for the given key in this version.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	s.tree.mu.RLock()
	defer s.tree.mu.RUnlock()
	if s.released || s.tree.closed {
		return nil, false, ErrClosed
	}
	return lookupValue(s.tree.store, s.tree.hasher, s.root, s.tree.hasher.hashData(key))
}

// RootHash returns the hash of the version this snapshot provides.
func (s *Snapshot) RootHash() common.Hash {
	return s.hash
}

// Release frees the snapshot. Calling it twice is harmless.
func (s *Snapshot) Release() error {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.tree.snapshots--
	return nil
}

// lookupValue walks from the given root towards the key and returns the
// stored value, if any. The walk verifies every node loaded from disk
// against the hash referencing it and reports nodes found under a position
// their key cannot have reached with ErrKeyMismatch.
func lookupValue(store *fileStore, hasher *nodeHasher, root node, key common.Hash) ([]byte, bool, error) {
	current := root
	depth := 0
	for {
		switch n := current.(type) {
		case emptyNode:
			return nil, false, nil
		case *hashNode:
			resolved, err := store.resolve(n)
			if err != nil {
				return nil, false, err
			}
			current = resolved
		case *leafNode:
			if err := checkLeafPath(n, key, depth); err != nil {
				return nil, false, err
			}
			if n.key != key {
				return nil, false, nil
			}
			if n.value != nil {
				return append([]byte{}, n.value...), true, nil
			}
			value, err := store.readLeafValue(n)
			if err != nil {
				return nil, false, err
			}
			return value, true, nil
		case *internalNode:
			if !n.prefix.IsPrefixOfKey(key, depth) {
				return nil, false, nil
			}
			depth += n.prefix.Length()
			if depth >= keyBits {
				return nil, false, fmt.Errorf("%w: descent exceeds the key width", ErrIntegrity)
			}
			current = n.child(getKeyBit(key, depth))
			depth++
		default:
			return nil, false, fmt.Errorf("unsupported node type %T", current)
		}
	}
}

// checkLeafPath verifies that a leaf reached after consuming the given
// number of bits of the search key agrees with the key on all of them. A
// divergence within the consumed bits means the leaf record is stored under
// a position it cannot belong to.
func checkLeafPath(leaf *leafNode, key common.Hash, depth int) error {
	if divergence := commonKeyPrefix(leaf.key, key); divergence < depth {
		return fmt.Errorf("%w: divergence at bit %d of a %d bit descent", ErrKeyMismatch, divergence, depth)
	}
	return nil
}
