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

	"github.com/Fantom-foundation/Urkel/common"
)

// VerifyTree checks the consistency of the tree stored in the given
// directory without modifying it beyond the recovery any open would
// perform. It validates the chain of meta records, re-hashes every node and
// value reachable from the current root, and checks that all leaves are
// stored under positions their keys lead to. The first violation found is
// reported, wrapping ErrIntegrity, ErrKeyMismatch, or ErrLedgerCorrupted.
func VerifyTree(directory string, config TreeConfig) error {
	config = config.withDefaults()
	store, meta, err := openFileStore(directory, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	if meta == nil {
		return nil
	}
	if err := verifyMetaChain(store); err != nil {
		return err
	}
	if ref, isRef := meta.rootNode().(*hashNode); isRef {
		return verifySubtree(store, ref, common.Hash{}, 0)
	}
	return nil
}

// verifyMetaChain walks the backward chain of meta records from the newest
// one down to the first, validating each record on the way.
func verifyMetaChain(store *fileStore) error {
	pos := store.lastMeta
	buffer := make([]byte, metaSize)
	for {
		if err := store.readRecord(pos, buffer); err != nil {
			return err
		}
		meta, valid := decodeMeta(buffer, store.hasher)
		if !valid {
			return fmt.Errorf("%w: invalid meta record at %v", ErrLedgerCorrupted, pos)
		}
		if meta.prevMeta.IsZero() {
			return nil
		}
		// Records are strictly appended, so the chain must walk backwards.
		if meta.prevMeta.Segment > pos.Segment ||
			(meta.prevMeta.Segment == pos.Segment && meta.prevMeta.Offset >= pos.Offset) {
			return fmt.Errorf("%w: meta chain at %v does not walk backwards", ErrLedgerCorrupted, pos)
		}
		pos = meta.prevMeta
	}
}

// verifySubtree re-hashes all records of the subtree under the given
// reference and checks every leaf against the descent bits leading to it.
// The key accumulates the bits consumed so far, the depth their count.
func verifySubtree(store *fileStore, ref *hashNode, key common.Hash, depth int) error {
	current, err := store.resolve(ref)
	if err != nil {
		return err
	}
	switch n := current.(type) {
	case *leafNode:
		if err := checkLeafPath(n, key, depth); err != nil {
			return err
		}
		if _, err := store.readLeafValue(n); err != nil {
			return err
		}
		return nil
	case *internalNode:
		branchDepth := depth + n.prefix.Length()
		if branchDepth >= keyBits {
			return fmt.Errorf("%w: node at depth %d exceeds the key width", ErrIntegrity, branchDepth)
		}
		for i := 0; i < n.prefix.Length(); i++ {
			setKeyBit(&key, depth+i, n.prefix.Get(i))
		}
		left, isRef := n.left.(*hashNode)
		if !isRef {
			return fmt.Errorf("%w: unresolved child at %v", ErrIntegrity, ref.pos)
		}
		setKeyBit(&key, branchDepth, 0)
		if err := verifySubtree(store, left, key, branchDepth+1); err != nil {
			return err
		}
		right, isRef := n.right.(*hashNode)
		if !isRef {
			return fmt.Errorf("%w: unresolved child at %v", ErrIntegrity, ref.pos)
		}
		setKeyBit(&key, branchDepth, 1)
		return verifySubtree(store, right, key, branchDepth+1)
	}
	return fmt.Errorf("unsupported node type %T", current)
}
