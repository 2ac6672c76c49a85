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
	"fmt"

	"github.com/Fantom-foundation/Urkel/common"
)

// keyBits is the number of bits of a key path. Keys of arbitrary length are
// mapped to paths of this width by the configured hash algorithm.
const keyBits = common.HashSize * 8

// Tags identifying record kinds in the segment files.
const (
	leafRecordTag     = byte(0x00)
	internalRecordTag = byte(0x01)
)

// Position locates a persisted record in the segment files. Segment numbers
// start at 1; the zero value marks an unwritten record.
type Position struct {
	Segment uint16
	Offset  uint32
}

// IsZero reports whether the position refers to no record.
func (p Position) IsZero() bool {
	return p.Segment == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// valueSlot locates raw value bytes in the segment files.
type valueSlot struct {
	Segment uint16
	Offset  uint32
	Length  uint16
}

// node is the in-memory form of a tree node. Nodes are immutable once
// constructed; mutations of the tree build fresh nodes along the touched
// path and share all remaining subtrees.
type node interface {
	// getHash returns the hash commitment of this node, computing and
	// memoizing it where necessary.
	getHash(hasher *nodeHasher) common.Hash
}

// emptyNode represents the empty tree. It only ever appears as a root.
type emptyNode struct{}

func (emptyNode) getHash(*nodeHasher) common.Hash {
	return common.Hash{}
}

// hashNode is an unresolved reference to a node persisted in the segment
// files. It carries everything needed to load and verify the node.
type hashNode struct {
	pos  Position
	leaf bool
	hash common.Hash
}

func (n *hashNode) getHash(*nodeHasher) common.Hash {
	return n.hash
}

// leafNode holds a full key path and the commitment of its value. Fresh
// leaves keep the value bytes in memory until committed; leaves loaded from
// disk reference the value through their slot instead.
type leafNode struct {
	key       common.Hash
	valueHash common.Hash
	hash      common.Hash
	value     []byte
	slot      valueSlot
}

// newLeafNode creates a fresh leaf for the given key path and value,
// computing its commitments immediately.
func newLeafNode(hasher *nodeHasher, key common.Hash, value []byte) *leafNode {
	valueHash := hasher.hashData(value)
	return &leafNode{
		key:       key,
		valueHash: valueHash,
		hash:      hasher.hashLeaf(key, valueHash),
		value:     value,
	}
}

func (n *leafNode) getHash(*nodeHasher) common.Hash {
	return n.hash
}

// internalNode routes descent over one branch bit after an optional skip
// prefix. Both children are always present; a child position may however
// still be unresolved (hashNode) or in memory only.
type internalNode struct {
	prefix Path
	left   node
	right  node
	hash   common.Hash
	hashed bool
}

func (n *internalNode) getHash(hasher *nodeHasher) common.Hash {
	if !n.hashed {
		left := n.left.getHash(hasher)
		right := n.right.getHash(hasher)
		n.hash = hasher.hashInternal(&n.prefix, left, right)
		n.hashed = true
	}
	return n.hash
}

// child returns the child selected by the given bit.
func (n *internalNode) child(bit byte) node {
	if bit == 0 {
		return n.left
	}
	return n.right
}

// ----------------------------------------------------------------------------
//                              Node Encoders
// ----------------------------------------------------------------------------

// encodeFlaggedOffset folds the leaf marker of a record reference into the
// least significant bit of its offset. Offsets therefore must stay below
// 2^31, which the segment size cap guarantees.
func encodeFlaggedOffset(offset uint32, leaf bool) uint32 {
	res := offset << 1
	if leaf {
		res |= 1
	}
	return res
}

func decodeFlaggedOffset(value uint32) (offset uint32, leaf bool) {
	return value >> 1, value&1 == 1
}

type leafNodeEncoder struct{}

func (leafNodeEncoder) GetEncodedSize() int {
	return 1 + 2 + 2*common.HashSize + 8
}

func (leafNodeEncoder) Store(dst []byte, node *leafNode) {
	dst[0] = leafRecordTag
	binary.LittleEndian.PutUint16(dst[1:3], keyBits)
	copy(dst[3:35], node.key[:])
	copy(dst[35:67], node.valueHash[:])
	binary.LittleEndian.PutUint16(dst[67:69], node.slot.Segment)
	binary.LittleEndian.PutUint32(dst[69:73], node.slot.Offset)
	binary.LittleEndian.PutUint16(dst[73:75], node.slot.Length)
}

func (leafNodeEncoder) Load(src []byte, node *leafNode) error {
	if src[0] != leafRecordTag {
		return fmt.Errorf("%w: unexpected leaf record tag 0x%02x", ErrIntegrity, src[0])
	}
	if bits := binary.LittleEndian.Uint16(src[1:3]); bits != keyBits {
		return fmt.Errorf("%w: unsupported key width %d", ErrIntegrity, bits)
	}
	copy(node.key[:], src[3:35])
	copy(node.valueHash[:], src[35:67])
	node.slot.Segment = binary.LittleEndian.Uint16(src[67:69])
	node.slot.Offset = binary.LittleEndian.Uint32(src[69:73])
	node.slot.Length = binary.LittleEndian.Uint16(src[73:75])
	node.value = nil
	return nil
}

type internalNodeEncoder struct{}

func (internalNodeEncoder) GetEncodedSize() int {
	return 1 + pathEncoder{}.GetEncodedSize() + 2*(2+4+common.HashSize)
}

// Store encodes an internal node whose children have been flushed already,
// so both of them are position references.
func (internalNodeEncoder) Store(dst []byte, node *internalNode) error {
	left, ok := node.left.(*hashNode)
	if !ok {
		return fmt.Errorf("cannot encode internal node with unresolved left child")
	}
	right, ok := node.right.(*hashNode)
	if !ok {
		return fmt.Errorf("cannot encode internal node with unresolved right child")
	}
	dst[0] = internalRecordTag
	pathEncoder{}.Store(dst[1:35], &node.prefix)
	storeChildRef(dst[35:73], left)
	storeChildRef(dst[73:111], right)
	return nil
}

func (internalNodeEncoder) Load(src []byte, node *internalNode) error {
	if src[0] != internalRecordTag {
		return fmt.Errorf("%w: unexpected internal record tag 0x%02x", ErrIntegrity, src[0])
	}
	if skip := binary.LittleEndian.Uint16(src[1:3]); skip > keyBits-1 {
		return fmt.Errorf("%w: skip prefix of %d bits out of range", ErrIntegrity, skip)
	}
	pathEncoder{}.Load(src[1:35], &node.prefix)

	left, err := loadChildRef(src[35:73])
	if err != nil {
		return err
	}
	right, err := loadChildRef(src[73:111])
	if err != nil {
		return err
	}
	node.left = left
	node.right = right
	node.hashed = false
	return nil
}

func storeChildRef(dst []byte, child *hashNode) {
	binary.LittleEndian.PutUint16(dst[0:2], child.pos.Segment)
	binary.LittleEndian.PutUint32(dst[2:6], encodeFlaggedOffset(child.pos.Offset, child.leaf))
	copy(dst[6:38], child.hash[:])
}

func loadChildRef(src []byte) (*hashNode, error) {
	segment := binary.LittleEndian.Uint16(src[0:2])
	if segment == 0 {
		return nil, fmt.Errorf("%w: internal node references an unwritten child", ErrIntegrity)
	}
	offset, leaf := decodeFlaggedOffset(binary.LittleEndian.Uint32(src[2:6]))
	res := &hashNode{
		pos:  Position{Segment: segment, Offset: offset},
		leaf: leaf,
	}
	copy(res.hash[:], src[6:38])
	return res, nil
}
