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
	"fmt"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Compact rewrites the live state into fresh segments and drops everything
// else. Removed and replaced entries no longer occupy disk space afterwards,
// and all history is gone: archived versions older than the latest become
// unavailable. Compaction requires a quiet tree; it fails with
// ErrTransactionOpen or ErrSnapshotsOpen while a transaction or snapshots
// are live. The root hash is unchanged by compaction.
//
// A crash during compaction is harmless. The fresh segments carry no meta
// record until the final one is written, so recovery discards them; once the
// meta record is durable, the old segments are garbage whether or not their
// deletion completed.
func (t *Tree) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.tx != nil {
		return ErrTransactionOpen
	}
	if t.snapshots > 0 {
		return ErrSnapshotsOpen
	}

	flushed, err := t.store.compact(t.root)
	if err != nil {
		return err
	}
	t.root = flushed

	if t.archive != nil && t.version > 0 {
		entry := archiveRoot{hash: t.rootHash}
		if ref, isRef := flushed.(*hashNode); isRef {
			entry.pos = ref.pos
			entry.leaf = ref.leaf
		}
		// Relocate the latest version before pruning, so an interruption
		// between the two can not lose it.
		if err := t.archive.add(t.version, entry); err != nil {
			return err
		}
		if err := t.archive.pruneBelow(t.version); err != nil {
			return err
		}
	}
	return nil
}

// compact streams the subtree under the given root into fresh segments,
// commits the copied root with a meta record, and deletes all segments
// predating the copy. The returned node is the reference to the copied
// root.
func (s *fileStore) compact(root node) (node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A store that never recorded a root holds no reachable data.
	if s.lastMeta.IsZero() {
		return root, nil
	}

	if err := s.rollover(); err != nil {
		return nil, err
	}
	first := s.active

	flushed, err := s.copyNode(root)
	if err != nil {
		return nil, err
	}

	meta := metaRecord{rootHash: root.getHash(s.hasher)}
	if ref, isRef := flushed.(*hashNode); isRef {
		meta.root = ref.pos
		meta.rootLeaf = ref.leaf
	}
	if err := s.syncDirty(); err != nil {
		return nil, err
	}
	pos, err := s.appendMeta(&meta)
	if err != nil {
		return nil, err
	}
	if err := s.syncDirty(); err != nil {
		return nil, err
	}
	// The back-chain of meta records restarts here; its predecessors are
	// deleted below.
	s.lastMeta = pos

	segments := maps.Keys(s.files)
	slices.Sort(segments)
	for _, segment := range segments {
		if segment >= first {
			continue
		}
		if err := s.files[segment].Close(); err != nil {
			return nil, fmt.Errorf("failed to close segment %d: %w", segment, err)
		}
		delete(s.files, segment)
		if err := os.Remove(segmentFileName(s.directory, segment)); err != nil {
			return nil, fmt.Errorf("failed to remove segment %d: %w", segment, err)
		}
	}
	s.cache.Clear()
	return flushed, nil
}

// copyNode writes a deep copy of the given subtree to the active segment
// and returns a reference to the copy. Nodes and values are re-read to
// their full content; hashes are preserved as-is since the copy is
// identical in content.
func (s *fileStore) copyNode(current node) (node, error) {
	switch n := current.(type) {
	case emptyNode:
		return n, nil
	case *hashNode:
		resolved, err := s.resolveLocked(n)
		if err != nil {
			return nil, err
		}
		return s.copyNode(resolved)
	case *leafNode:
		value := n.value
		if value == nil {
			loaded, err := s.readLeafValueLocked(n)
			if err != nil {
				return nil, err
			}
			value = loaded
		}
		slot, err := s.writeValue(value)
		if err != nil {
			return nil, err
		}
		copied := &leafNode{key: n.key, valueHash: n.valueHash, hash: n.hash, slot: slot}
		encoder := leafNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		encoder.Store(buffer, copied)
		pos, err := s.appendBytes(buffer)
		if err != nil {
			return nil, err
		}
		return &hashNode{pos: pos, leaf: true, hash: n.hash}, nil
	case *internalNode:
		left, err := s.copyNode(n.left)
		if err != nil {
			return nil, err
		}
		right, err := s.copyNode(n.right)
		if err != nil {
			return nil, err
		}
		copied := &internalNode{prefix: n.prefix, left: left, right: right}
		hash := n.getHash(s.hasher)
		encoder := internalNodeEncoder{}
		buffer := make([]byte, encoder.GetEncodedSize())
		if err := encoder.Store(buffer, copied); err != nil {
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
