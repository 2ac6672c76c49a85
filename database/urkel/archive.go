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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Fantom-foundation/Urkel/common"
)

// rootKeyTag is the table space prefix of version entries in the index.
const rootKeyTag = byte('R')

// rootKey is the index key of one version entry. Versions are stored in
// big-endian order so the key order matches the version order.
type rootKey [9]byte

func (k *rootKey) set(version uint64) {
	k[0] = rootKeyTag
	binary.BigEndian.PutUint64(k[1:], version)
}

// archiveRoot is one entry of the root version index, naming the root
// record of the version and its hash. A zero position encodes an empty
// tree.
type archiveRoot struct {
	hash common.Hash
	pos  Position
	leaf bool
}

func (a *archiveRoot) node() node {
	if a.pos.IsZero() {
		return emptyNode{}
	}
	return &hashNode{pos: a.pos, leaf: a.leaf, hash: a.hash}
}

const archiveRootSize = common.HashSize + 2 + 4

func encodeArchiveRoot(entry archiveRoot) []byte {
	res := make([]byte, archiveRootSize)
	copy(res[0:32], entry.hash[:])
	binary.LittleEndian.PutUint16(res[32:34], entry.pos.Segment)
	binary.LittleEndian.PutUint32(res[34:38], encodeFlaggedOffset(entry.pos.Offset, entry.leaf))
	return res
}

func decodeArchiveRoot(data []byte) (archiveRoot, error) {
	if len(data) != archiveRootSize {
		return archiveRoot{}, fmt.Errorf("%w: version entry of %d bytes", ErrIntegrity, len(data))
	}
	res := archiveRoot{}
	copy(res.hash[:], data[0:32])
	res.pos.Segment = binary.LittleEndian.Uint16(data[32:34])
	res.pos.Offset, res.leaf = decodeFlaggedOffset(binary.LittleEndian.Uint32(data[34:38]))
	return res, nil
}

// rootArchive is the persistent index mapping committed versions to their
// roots. It is stored in a LevelDB instance next to the segment files and
// written after the commit it describes became durable; an index running
// one commit behind is caught up when the tree is opened.
type rootArchive struct {
	db     common.LevelDB
	closer io.Closer
}

func openRootArchive(directory string) (*rootArchive, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open version index in %s: %w", directory, err)
	}
	return &rootArchive{db: db, closer: db}, nil
}

func (a *rootArchive) add(version uint64, entry archiveRoot) error {
	var key rootKey
	key.set(version)
	batch := new(leveldb.Batch)
	batch.Put(key[:], encodeArchiveRoot(entry))
	if err := a.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to index version %d: %w", version, err)
	}
	return nil
}

func (a *rootArchive) getRoot(version uint64) (archiveRoot, bool, error) {
	var key rootKey
	key.set(version)
	data, err := a.db.Get(key[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return archiveRoot{}, false, nil
	}
	if err != nil {
		return archiveRoot{}, false, fmt.Errorf("failed to read version %d: %w", version, err)
	}
	entry, err := decodeArchiveRoot(data)
	if err != nil {
		return archiveRoot{}, false, err
	}
	return entry, true, nil
}

func (a *rootArchive) latestVersion() (uint64, bool, error) {
	iter := a.db.NewIterator(&util.Range{Start: []byte{rootKeyTag}, Limit: []byte{rootKeyTag + 1}}, nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, false, fmt.Errorf("failed to scan version index: %w", err)
		}
		return 0, false, nil
	}
	key := iter.Key()
	if len(key) != len(rootKey{}) {
		return 0, false, fmt.Errorf("%w: malformed version key", ErrIntegrity)
	}
	return binary.BigEndian.Uint64(key[1:]), true, nil
}

// pruneBelow removes all versions older than the given one. It is used by
// compaction, which relocates the newest root and drops all history.
func (a *rootArchive) pruneBelow(version uint64) error {
	var limit rootKey
	limit.set(version)
	iter := a.db.NewIterator(&util.Range{Start: []byte{rootKeyTag}, Limit: limit[:]}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to scan version index: %w", err)
	}
	if err := a.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to prune version index: %w", err)
	}
	return nil
}

func (a *rootArchive) Close() error {
	return a.closer.Close()
}
