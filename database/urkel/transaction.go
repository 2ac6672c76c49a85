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

// Transaction stages a batch of updates on top of the last committed state.
// Staged nodes live purely in memory and share all untouched subtrees with
// the committed tree; nothing reaches disk before Commit. A transaction is
// not safe for concurrent use.
type Transaction struct {
	tree *Tree
	root node
	open bool
}

// Get returns the value for the given key as visible within this
// transaction, including not yet committed updates.
func (t *Transaction) Get(key []byte) ([]byte, bool, error) {
	if !t.open {
		return nil, false, ErrTransactionClosed
	}
	hasher := t.tree.hasher
	return lookupValue(t.tree.store, hasher, t.root, hasher.hashData(key))
}

// Insert stages the given key-value pair, replacing a present value. The
// value is copied and may be modified by the caller afterwards.
func (t *Transaction) Insert(key, value []byte) error {
	if !t.open {
		return ErrTransactionClosed
	}
	if len(value) > maxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	hasher := t.tree.hasher
	leaf := newLeafNode(hasher, hasher.hashData(key), append([]byte{}, value...))
	root, err := insertNode(t.tree.store, t.root, 0, leaf)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Remove stages the removal of the given key. Removing an absent key
// changes nothing.
func (t *Transaction) Remove(key []byte) error {
	if !t.open {
		return ErrTransactionClosed
	}
	root, _, err := removeNode(t.tree.store, t.root, 0, t.tree.hasher.hashData(key))
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// RootHash returns the hash the tree would be summarized by if the staged
// state was committed now.
func (t *Transaction) RootHash() (common.Hash, error) {
	if !t.open {
		return common.Hash{}, ErrTransactionClosed
	}
	return t.root.getHash(t.tree.hasher), nil
}

// Commit makes the staged state durable and visible to readers and returns
// its root hash. The transaction is closed afterwards. If Commit fails, the
// transaction stays open and nothing became visible; a commit interrupted
// by a crash is rolled back when the tree is reopened.
func (t *Transaction) Commit() (common.Hash, error) {
	return t.tree.commitTransaction(t)
}

// Abort discards all staged updates and closes the transaction.
func (t *Transaction) Abort() error {
	return t.tree.abortTransaction(t)
}

func (t *Tree) commitTransaction(tx *Transaction) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return common.Hash{}, ErrClosed
	}
	if !tx.open {
		return common.Hash{}, ErrTransactionClosed
	}

	flushed, hash, err := t.store.commit(tx.root)
	if err != nil {
		return common.Hash{}, err
	}
	tx.open = false
	t.tx = nil
	t.root = flushed
	t.rootHash = hash

	if t.archive != nil {
		t.version++
		entry := archiveRoot{hash: hash}
		if ref, isRef := flushed.(*hashNode); isRef {
			entry.pos = ref.pos
			entry.leaf = ref.leaf
		}
		if err := t.archive.add(t.version, entry); err != nil {
			return hash, fmt.Errorf("state committed, but failed to index version %d: %w", t.version, err)
		}
	}
	return hash, nil
}

func (t *Tree) abortTransaction(tx *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !tx.open {
		return ErrTransactionClosed
	}
	tx.open = false
	if t.tx == tx {
		t.tx = nil
	}
	return nil
}

// insertNode places the given leaf in the subtree rooted at current and
// returns the resulting subtree root. All nodes along the touched path are
// fresh copies; everything else is shared with the input tree.
func insertNode(store *fileStore, current node, depth int, leaf *leafNode) (node, error) {
	switch n := current.(type) {
	case emptyNode:
		return leaf, nil
	case *hashNode:
		resolved, err := store.resolve(n)
		if err != nil {
			return nil, err
		}
		res, err := insertNode(store, resolved, depth, leaf)
		if err != nil {
			return nil, err
		}
		if res == resolved {
			return n, nil
		}
		return res, nil
	case *leafNode:
		divergence := commonKeyPrefix(n.key, leaf.key)
		if divergence < depth {
			return nil, fmt.Errorf("%w: divergence at bit %d of a %d bit descent", ErrKeyMismatch, divergence, depth)
		}
		if n.key == leaf.key {
			if n.valueHash == leaf.valueHash {
				return n, nil
			}
			return leaf, nil
		}
		// Fork the two leaves below their longest common prefix.
		res := &internalNode{prefix: CreatePathFromKey(leaf.key, depth, divergence)}
		if getKeyBit(leaf.key, divergence) == 0 {
			res.left, res.right = leaf, n
		} else {
			res.left, res.right = n, leaf
		}
		return res, nil
	case *internalNode:
		match := n.prefix.GetCommonPrefixLength(leaf.key, depth)
		if match == n.prefix.Length() {
			branchDepth := depth + match
			if branchDepth >= keyBits {
				return nil, fmt.Errorf("%w: descent exceeds the key width", ErrIntegrity)
			}
			bit := getKeyBit(leaf.key, branchDepth)
			child, err := insertNode(store, n.child(bit), branchDepth+1, leaf)
			if err != nil {
				return nil, err
			}
			if child == n.child(bit) {
				return n, nil
			}
			res := &internalNode{prefix: n.prefix, left: n.left, right: n.right}
			if bit == 0 {
				res.left = child
			} else {
				res.right = child
			}
			return res, nil
		}
		// The key leaves the skip prefix early; split the prefix at the
		// divergence and fork there.
		lower := &internalNode{prefix: n.prefix, left: n.left, right: n.right}
		lower.prefix.ShiftLeft(match + 1)
		res := &internalNode{prefix: n.prefix}
		res.prefix.RemoveLast(n.prefix.Length() - match)
		if getKeyBit(leaf.key, depth+match) == 0 {
			res.left, res.right = leaf, lower
		} else {
			res.left, res.right = lower, leaf
		}
		return res, nil
	}
	return nil, fmt.Errorf("unsupported node type %T", current)
}

// removeNode removes the given key from the subtree rooted at current. The
// boolean result reports whether anything changed; an unchanged subtree is
// returned as-is to preserve sharing.
func removeNode(store *fileStore, current node, depth int, key common.Hash) (node, bool, error) {
	switch n := current.(type) {
	case emptyNode:
		return n, false, nil
	case *hashNode:
		resolved, err := store.resolve(n)
		if err != nil {
			return nil, false, err
		}
		res, changed, err := removeNode(store, resolved, depth, key)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return n, false, nil
		}
		return res, true, nil
	case *leafNode:
		if err := checkLeafPath(n, key, depth); err != nil {
			return nil, false, err
		}
		if n.key != key {
			return n, false, nil
		}
		return emptyNode{}, true, nil
	case *internalNode:
		if !n.prefix.IsPrefixOfKey(key, depth) {
			return n, false, nil
		}
		branchDepth := depth + n.prefix.Length()
		if branchDepth >= keyBits {
			return nil, false, fmt.Errorf("%w: descent exceeds the key width", ErrIntegrity)
		}
		bit := getKeyBit(key, branchDepth)
		child, changed, err := removeNode(store, n.child(bit), branchDepth+1, key)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return n, false, nil
		}
		if _, isEmpty := child.(emptyNode); isEmpty {
			return collapseInto(store, n, bit)
		}
		res := &internalNode{prefix: n.prefix, left: n.left, right: n.right}
		if bit == 0 {
			res.left = child
		} else {
			res.right = child
		}
		return res, true, nil
	}
	return nil, false, fmt.Errorf("unsupported node type %T", current)
}

// collapseInto replaces an internal node whose child on the given side got
// removed by its remaining child. A remaining leaf moves up unchanged; a
// remaining internal node absorbs the prefix of the removed parent and its
// own branch bit into its skip prefix.
func collapseInto(store *fileStore, parent *internalNode, removed byte) (node, bool, error) {
	keptBit := 1 - removed
	kept := parent.child(keptBit)

	if ref, isRef := kept.(*hashNode); isRef {
		if ref.leaf {
			return ref, true, nil
		}
		resolved, err := store.resolve(ref)
		if err != nil {
			return nil, false, err
		}
		kept = resolved
	}

	switch sibling := kept.(type) {
	case *leafNode:
		return sibling, true, nil
	case *internalNode:
		if parent.prefix.Length()+1+sibling.prefix.Length() >= keyBits {
			return nil, false, fmt.Errorf("%w: merged skip prefix exceeds the key width", ErrIntegrity)
		}
		res := &internalNode{left: sibling.left, right: sibling.right}
		res.prefix = parent.prefix
		res.prefix.Append(keptBit)
		res.prefix.AppendAll(&sibling.prefix)
		return res, true, nil
	}
	return nil, false, fmt.Errorf("unsupported node type %T", kept)
}
