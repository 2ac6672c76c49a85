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
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Fantom-foundation/Urkel/backend/utils"
	"github.com/Fantom-foundation/Urkel/common"
)

// dirLockName is the name of the file used to grant a tree instance
// exclusive access to its directory.
const dirLockName = "~lock"

// lockDirectory acquires exclusive access to the given directory for this
// process. The returned lock must be released when the directory is no
// longer used.
func lockDirectory(directory string) (common.LockFile, error) {
	lock, err := common.CreateLockFile(filepath.Join(directory, dirLockName))
	if err != nil {
		return nil, fmt.Errorf("unable to gain exclusive access to %s: %w", directory, err)
	}
	return lock, nil
}

func segmentFileName(directory string, segment uint16) string {
	return filepath.Join(directory, fmt.Sprintf("%010d", segment))
}

// listSegments returns the numbers of all segment files present in the
// given directory, in ascending order.
func listSegments(directory string) ([]uint16, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", directory, err)
	}
	res := make([]uint16, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) != 10 {
			continue
		}
		segment, err := strconv.ParseUint(entry.Name(), 10, 16)
		if err != nil || segment == 0 {
			continue
		}
		res = append(res, uint16(segment))
	}
	slices.Sort(res)
	return res, nil
}

// fileStore maintains the segment files holding all node records, value
// bytes, and meta records of one tree instance. Records are strictly
// appended to the newest segment; a new segment is started whenever a
// record would exceed the configured segment size. All older segments are
// immutable, except for being discarded as a whole by compaction.
type fileStore struct {
	directory string
	config    TreeConfig
	hasher    *nodeHasher
	lock      common.LockFile

	mu       sync.Mutex
	files    map[uint16]*utils.BufferedFile
	active   uint16
	dirty    map[uint16]bool
	lastMeta Position
	cache    *common.Cache[Position, node]
}

// openFileStore opens the store in the given directory, creating it if
// needed, and recovers the newest durable root. The returned meta record is
// nil if no root was ever committed.
func openFileStore(directory string, config TreeConfig) (*fileStore, *metaRecord, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create directory %s: %w", directory, err)
	}
	lock, err := lockDirectory(directory)
	if err != nil {
		return nil, nil, err
	}

	store := &fileStore{
		directory: directory,
		config:    config,
		hasher:    newNodeHasher(config.Hashing),
		lock:      lock,
		files:     map[uint16]*utils.BufferedFile{},
		dirty:     map[uint16]bool{},
		cache:     common.NewCache[Position, node](config.NodeCacheCapacity),
	}

	segments, err := listSegments(directory)
	if err != nil {
		_ = lock.Release()
		return nil, nil, err
	}

	if len(segments) == 0 {
		file, err := utils.OpenBufferedFile(segmentFileName(directory, 1))
		if err != nil {
			_ = lock.Release()
			return nil, nil, fmt.Errorf("failed to create initial segment: %w", err)
		}
		store.files[1] = file
		store.active = 1
		return store, nil, nil
	}

	meta, err := store.recover(segments)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, meta, nil
}

// recover locates the newest valid meta record in the given segments and
// discards everything written after it. Nothing is modified before such a
// record is found; a store with content but no valid meta record is
// reported as corrupted.
func (s *fileStore) recover(segments []uint16) (*metaRecord, error) {
	for _, segment := range segments {
		file, err := utils.OpenBufferedFile(segmentFileName(s.directory, segment))
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %d: %w", segment, err)
		}
		s.files[segment] = file
	}

	var partial []uint16
	for i := len(segments) - 1; i >= 0; i-- {
		segment := segments[i]
		meta, offset, found, err := findLatestMeta(s.files[segment], s.hasher)
		if err != nil {
			return nil, err
		}
		if !found {
			partial = append(partial, segment)
			continue
		}
		if end := offset + metaSize; s.files[segment].Size() > end {
			if err := s.files[segment].Truncate(end); err != nil {
				return nil, fmt.Errorf("failed to discard partial writes in segment %d: %w", segment, err)
			}
		}
		for _, stale := range partial {
			if err := s.files[stale].Close(); err != nil {
				return nil, fmt.Errorf("failed to close partial segment %d: %w", stale, err)
			}
			delete(s.files, stale)
			if err := os.Remove(segmentFileName(s.directory, stale)); err != nil {
				return nil, fmt.Errorf("failed to remove partial segment %d: %w", stale, err)
			}
		}
		if !meta.root.IsZero() {
			if _, exists := s.files[meta.root.Segment]; !exists {
				return nil, fmt.Errorf("%w: root record in missing segment %d", ErrLedgerCorrupted, meta.root.Segment)
			}
		}
		s.active = segment
		s.lastMeta = Position{Segment: segment, Offset: uint32(offset)}
		return &meta, nil
	}

	// A store that never reached a first commit holds only empty segments.
	for _, segment := range segments {
		if s.files[segment].Size() > 0 {
			return nil, fmt.Errorf("%w: no valid root record in %d segment files", ErrLedgerCorrupted, len(segments))
		}
	}
	s.active = segments[len(segments)-1]
	return nil, nil
}

// resolve loads the node referenced by the given hash reference and checks
// it against the reference hash.
func (s *fileStore) resolve(ref *hashNode) (node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(ref)
}

func (s *fileStore) resolveLocked(ref *hashNode) (node, error) {
	if cached, exists := s.cache.Get(ref.pos); exists {
		if cached.getHash(s.hasher) != ref.hash {
			return nil, fmt.Errorf("%w: node at %v does not match its reference hash", ErrIntegrity, ref.pos)
		}
		return cached, nil
	}

	var res node
	if ref.leaf {
		encoder := leafNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		if err := s.readRecord(ref.pos, buffer); err != nil {
			return nil, err
		}
		leaf := &leafNode{}
		if err := encoder.Load(buffer, leaf); err != nil {
			return nil, fmt.Errorf("record at %v: %w", ref.pos, err)
		}
		leaf.hash = s.hasher.hashLeaf(leaf.key, leaf.valueHash)
		res = leaf
	} else {
		encoder := internalNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		if err := s.readRecord(ref.pos, buffer); err != nil {
			return nil, err
		}
		internal := &internalNode{}
		if err := encoder.Load(buffer, internal); err != nil {
			return nil, fmt.Errorf("record at %v: %w", ref.pos, err)
		}
		res = internal
	}

	if res.getHash(s.hasher) != ref.hash {
		return nil, fmt.Errorf("%w: node at %v does not match its reference hash", ErrIntegrity, ref.pos)
	}
	s.cache.Set(ref.pos, res)
	return res, nil
}

// readLeafValue loads the value bytes of the given leaf from disk and
// checks them against the value hash the leaf commits to.
func (s *fileStore) readLeafValue(leaf *leafNode) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLeafValueLocked(leaf)
}

func (s *fileStore) readLeafValueLocked(leaf *leafNode) ([]byte, error) {
	value := make([]byte, leaf.slot.Length)
	pos := Position{Segment: leaf.slot.Segment, Offset: leaf.slot.Offset}
	if err := s.readRecord(pos, value); err != nil {
		return nil, err
	}
	if s.hasher.hashData(value) != leaf.valueHash {
		return nil, fmt.Errorf("%w: value at %v does not match its recorded hash", ErrIntegrity, pos)
	}
	return value, nil
}

func (s *fileStore) readRecord(pos Position, dst []byte) error {
	file, exists := s.files[pos.Segment]
	if !exists {
		return fmt.Errorf("%w: reference into unknown segment %d", ErrIntegrity, pos.Segment)
	}
	if int64(pos.Offset)+int64(len(dst)) > file.Size() {
		return fmt.Errorf("%w: record at %v reaches beyond its segment", ErrIntegrity, pos)
	}
	if _, err := file.ReadAt(dst, int64(pos.Offset)); err != nil {
		return fmt.Errorf("failed to read record at %v: %w", pos, err)
	}
	return nil
}

// commit makes the given root durable. It flushes all nodes that are not
// yet on disk, syncs the touched segments, and appends a meta record for
// the new root before syncing again. The returned node is the flushed form
// of the root.
func (s *fileStore) commit(root node) (node, common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootHash := root.getHash(s.hasher)
	flushed, err := s.writeNode(root)
	if err != nil {
		return nil, common.Hash{}, err
	}

	meta := metaRecord{prevMeta: s.lastMeta, rootHash: rootHash}
	if ref, isRef := flushed.(*hashNode); isRef {
		meta.root = ref.pos
		meta.rootLeaf = ref.leaf
	}

	// All referenced records must be durable before the meta record
	// naming them, and the meta record before the commit returns.
	if err := s.syncDirty(); err != nil {
		return nil, common.Hash{}, err
	}
	pos, err := s.appendMeta(&meta)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if err := s.syncDirty(); err != nil {
		return nil, common.Hash{}, err
	}
	s.lastMeta = pos
	return flushed, rootHash, nil
}

// writeNode appends all in-memory nodes of the given subtree to the store
// in post-order and returns the root as a position reference. Subtrees
// behind references are already on disk and are left untouched.
func (s *fileStore) writeNode(current node) (node, error) {
	switch n := current.(type) {
	case emptyNode:
		return n, nil
	case *hashNode:
		return n, nil
	case *leafNode:
		if n.value != nil && n.slot == (valueSlot{}) {
			slot, err := s.writeValue(n.value)
			if err != nil {
				return nil, err
			}
			n.slot = slot
		}
		encoder := leafNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		encoder.Store(buffer, n)
		pos, err := s.appendBytes(buffer)
		if err != nil {
			return nil, err
		}
		return &hashNode{pos: pos, leaf: true, hash: n.hash}, nil
	case *internalNode:
		left, err := s.writeNode(n.left)
		if err != nil {
			return nil, err
		}
		right, err := s.writeNode(n.right)
		if err != nil {
			return nil, err
		}
		n.left = left
		n.right = right
		hash := n.getHash(s.hasher)
		encoder := internalNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		if err := encoder.Store(buffer, n); err != nil {
			return nil, err
		}
		pos, err := s.appendBytes(buffer)
		if err != nil {
			return nil, err
		}
		return &hashNode{pos: pos, leaf: false, hash: hash}, nil
	}
	return nil, fmt.Errorf("unsupported node type %T", current)
}

func (s *fileStore) writeValue(value []byte) (valueSlot, error) {
	pos, err := s.appendBytes(value)
	if err != nil {
		return valueSlot{}, err
	}
	return valueSlot{Segment: pos.Segment, Offset: pos.Offset, Length: uint16(len(value))}, nil
}

// appendBytes writes the given record to the end of the active segment,
// starting a new segment first if the record would not fit anymore.
func (s *fileStore) appendBytes(data []byte) (Position, error) {
	size := s.files[s.active].Size()
	if size > 0 && size+int64(len(data)) > int64(s.config.MaxSegmentSize) {
		if err := s.rollover(); err != nil {
			return Position{}, err
		}
		size = 0
	}
	if _, err := s.files[s.active].WriteAt(data, size); err != nil {
		return Position{}, fmt.Errorf("failed to write to segment %d: %w", s.active, err)
	}
	s.dirty[s.active] = true
	return Position{Segment: s.active, Offset: uint32(size)}, nil
}

// appendMeta writes the given meta record at the next metaSize-aligned
// offset of the active segment, leaving a zero-filled gap where needed so
// recovery can locate it without a record index.
func (s *fileStore) appendMeta(meta *metaRecord) (Position, error) {
	var buffer [metaSize]byte
	encodeMeta(buffer[:], meta, s.hasher)

	offset := (s.files[s.active].Size() + metaSize - 1) / metaSize * metaSize
	if offset > 0 && offset+metaSize > int64(s.config.MaxSegmentSize) {
		if err := s.rollover(); err != nil {
			return Position{}, err
		}
		offset = 0
	}
	if _, err := s.files[s.active].WriteAt(buffer[:], offset); err != nil {
		return Position{}, fmt.Errorf("failed to write meta record to segment %d: %w", s.active, err)
	}
	s.dirty[s.active] = true
	return Position{Segment: s.active, Offset: uint32(offset)}, nil
}

func (s *fileStore) rollover() error {
	if s.active == math.MaxUint16 {
		return fmt.Errorf("store exhausted the segment number range")
	}
	next := s.active + 1
	file, err := utils.OpenBufferedFile(segmentFileName(s.directory, next))
	if err != nil {
		return fmt.Errorf("failed to create segment %d: %w", next, err)
	}
	s.files[next] = file
	s.active = next
	return nil
}

// syncDirty flushes and syncs all segments written since the last sync.
func (s *fileStore) syncDirty() error {
	segments := maps.Keys(s.dirty)
	slices.Sort(segments)
	for _, segment := range segments {
		if err := s.files[segment].Flush(); err != nil {
			return fmt.Errorf("failed to sync segment %d: %w", segment, err)
		}
	}
	maps.Clear(s.dirty)
	return nil
}

// Close flushes and closes all segment files and releases the directory.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, 0, len(s.files)+1)
	segments := maps.Keys(s.files)
	slices.Sort(segments)
	for _, segment := range segments {
		if err := s.files[segment].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close segment %d: %w", segment, err))
		}
	}
	errs = append(errs, s.lock.Release())
	return errors.Join(errs...)
}
