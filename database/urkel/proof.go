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

// ProofType names the four shapes a proof can take. Exists proofs show a
// key is present, the other three show in which way the descent towards the
// key ends without reaching it.
type ProofType byte

const (
	// ProofTypeDeadend proves absence in an empty tree.
	ProofTypeDeadend ProofType = 0
	// ProofTypeShort proves absence by a skip prefix the key diverges from.
	ProofTypeShort ProofType = 1
	// ProofTypeCollision proves absence by the leaf occupying the position
	// the key would live at.
	ProofTypeCollision ProofType = 2
	// ProofTypeExists proves presence and carries the stored value.
	ProofTypeExists ProofType = 3
)

// ProofStep records one internal node passed on the way from the root
// towards a key: the skip prefix of the node and the hash of the child the
// descent did not take.
type ProofStep struct {
	Skip    Path
	Sibling common.Hash
}

// Proof is a self-contained witness tying the presence or absence of one
// key to a root hash. It is produced by Prove and checked with Verify; the
// check needs no access to the tree the proof was created from.
type Proof struct {
	Type  ProofType
	Steps []ProofStep

	// Value carries the stored bytes of an Exists proof.
	Value []byte

	// CollisionKey and CollisionValueHash describe the conflicting leaf of
	// a Collision proof.
	CollisionKey       common.Hash
	CollisionValueHash common.Hash

	// Prefix, Left, and Right describe the node a Short proof stopped at.
	Prefix Path
	Left   common.Hash
	Right  common.Hash
}

// ProofResult is the outcome of verifying a proof against a root and key.
type ProofResult byte

const (
	// InvalidProof marks a proof that does not tie the key to the root.
	InvalidProof ProofResult = iota
	// ProvenPresent marks a valid proof of the key being present.
	ProvenPresent
	// ProvenAbsent marks a valid proof of the key being absent.
	ProvenAbsent
)

func (r ProofResult) String() string {
	switch r {
	case InvalidProof:
		return "invalid"
	case ProvenPresent:
		return "present"
	case ProvenAbsent:
		return "absent"
	}
	return "unknown"
}

// Prove creates a proof of presence or absence of the given key in the last
// committed state.
func (t *Tree) Prove(key []byte) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	return prove(t.store, t.hasher, t.root, t.hasher.hashData(key))
}

// Prove creates a proof of presence or absence of the given key in the
// version this snapshot provides.
func (s *Snapshot) Prove(key []byte) (*Proof, error) {
	s.tree.mu.RLock()
	defer s.tree.mu.RUnlock()
	if s.released || s.tree.closed {
		return nil, ErrClosed
	}
	return prove(s.tree.store, s.tree.hasher, s.root, s.tree.hasher.hashData(key))
}

// prove walks from the given root towards the key, recording for every
// internal node passed its skip prefix and the hash of the child not taken,
// and terminates with the shape matching what the descent ran into.
func prove(store *fileStore, hasher *nodeHasher, root node, key common.Hash) (*Proof, error) {
	proof := &Proof{}
	current := root
	depth := 0
	for {
		switch n := current.(type) {
		case emptyNode:
			proof.Type = ProofTypeDeadend
			return proof, nil
		case *hashNode:
			resolved, err := store.resolve(n)
			if err != nil {
				return nil, err
			}
			current = resolved
		case *leafNode:
			if err := checkLeafPath(n, key, depth); err != nil {
				return nil, err
			}
			if n.key != key {
				proof.Type = ProofTypeCollision
				proof.CollisionKey = n.key
				proof.CollisionValueHash = n.valueHash
				return proof, nil
			}
			proof.Type = ProofTypeExists
			if n.value != nil {
				proof.Value = append([]byte{}, n.value...)
				return proof, nil
			}
			value, err := store.readLeafValue(n)
			if err != nil {
				return nil, err
			}
			proof.Value = value
			return proof, nil
		case *internalNode:
			match := n.prefix.GetCommonPrefixLength(key, depth)
			if match < n.prefix.Length() {
				proof.Type = ProofTypeShort
				proof.Prefix = n.prefix
				proof.Left = n.left.getHash(hasher)
				proof.Right = n.right.getHash(hasher)
				return proof, nil
			}
			branchDepth := depth + match
			if branchDepth >= keyBits {
				return nil, fmt.Errorf("%w: descent exceeds the key width", ErrIntegrity)
			}
			bit := getKeyBit(key, branchDepth)
			proof.Steps = append(proof.Steps, ProofStep{
				Skip:    n.prefix,
				Sibling: n.child(1 - bit).getHash(hasher),
			})
			current = n.child(bit)
			depth = branchDepth + 1
		default:
			return nil, fmt.Errorf("unsupported node type %T", current)
		}
	}
}

// Verify checks the proof against the given root hash and key. It is a pure
// computation: no tree or store is consulted, and malformed proofs yield
// InvalidProof rather than an error. For a valid Exists proof the stored
// value is returned along with ProvenPresent.
func (p *Proof) Verify(algorithm hashAlgorithm, root common.Hash, key []byte) (ProofResult, []byte) {
	hasher := newNodeHasher(algorithm)
	path := hasher.hashData(key)

	// A forward pass derives the depth at which each step sits and bounds
	// the total descent.
	depths := make([]int, len(p.Steps))
	depth := 0
	for i := range p.Steps {
		depths[i] = depth
		depth += p.Steps[i].Skip.Length() + 1
		if depth > keyBits {
			return InvalidProof, nil
		}
	}

	// Recompute the commitment of the node the descent ended at.
	var current common.Hash
	switch p.Type {
	case ProofTypeDeadend:
		if len(p.Steps) != 0 {
			return InvalidProof, nil
		}
	case ProofTypeExists:
		if len(p.Value) > maxValueSize {
			return InvalidProof, nil
		}
		current = hasher.hashLeaf(path, hasher.hashData(p.Value))
	case ProofTypeCollision:
		// The conflicting leaf must live where the descent ends, but must
		// not be the key itself.
		if p.CollisionKey == path || commonKeyPrefix(p.CollisionKey, path) < depth {
			return InvalidProof, nil
		}
		current = hasher.hashLeaf(p.CollisionKey, p.CollisionValueHash)
	case ProofTypeShort:
		// The key must leave the prefix strictly inside it, otherwise the
		// descent would have continued below this node.
		if depth+p.Prefix.Length() >= keyBits {
			return InvalidProof, nil
		}
		if p.Prefix.GetCommonPrefixLength(path, depth) >= p.Prefix.Length() {
			return InvalidProof, nil
		}
		prefix := p.Prefix
		current = hasher.hashInternal(&prefix, p.Left, p.Right)
	default:
		return InvalidProof, nil
	}

	// Replay the steps bottom-up, deriving each branch bit from the key.
	for i := len(p.Steps) - 1; i >= 0; i-- {
		step := p.Steps[i]
		if !step.Skip.IsPrefixOfKey(path, depths[i]) {
			return InvalidProof, nil
		}
		skip := step.Skip
		if getKeyBit(path, depths[i]+skip.Length()) == 0 {
			current = hasher.hashInternal(&skip, current, step.Sibling)
		} else {
			current = hasher.hashInternal(&skip, step.Sibling, current)
		}
	}

	if current != root {
		return InvalidProof, nil
	}
	if p.Type == ProofTypeExists {
		return ProvenPresent, p.Value
	}
	return ProvenAbsent, nil
}

// ToBytes encodes the proof for transport. The encoding is canonical;
// ProofFromBytes restores it.
func (p *Proof) ToBytes() []byte {
	size := 1 + 2
	for i := range p.Steps {
		size += 2 + (p.Steps[i].Skip.Length()+7)/8 + common.HashSize
	}
	switch p.Type {
	case ProofTypeExists:
		size += 2 + len(p.Value)
	case ProofTypeCollision:
		size += 2 * common.HashSize
	case ProofTypeShort:
		size += 2 + (p.Prefix.Length()+7)/8 + 2*common.HashSize
	}

	res := make([]byte, 0, size)
	res = append(res, byte(p.Type))
	res = binary.LittleEndian.AppendUint16(res, uint16(len(p.Steps)))
	for i := range p.Steps {
		res = appendPath(res, &p.Steps[i].Skip)
		res = append(res, p.Steps[i].Sibling[:]...)
	}
	switch p.Type {
	case ProofTypeExists:
		res = binary.LittleEndian.AppendUint16(res, uint16(len(p.Value)))
		res = append(res, p.Value...)
	case ProofTypeCollision:
		res = append(res, p.CollisionKey[:]...)
		res = append(res, p.CollisionValueHash[:]...)
	case ProofTypeShort:
		res = appendPath(res, &p.Prefix)
		res = append(res, p.Left[:]...)
		res = append(res, p.Right[:]...)
	}
	return res
}

// ProofFromBytes decodes a proof encoded by ToBytes. Truncated input,
// trailing bytes, and non-canonical encodings are rejected.
func ProofFromBytes(data []byte) (*Proof, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
	}
	proof := &Proof{Type: ProofType(data[0])}
	count := int(binary.LittleEndian.Uint16(data[1:3]))
	if count > keyBits {
		return nil, fmt.Errorf("%w: proof of %d steps exceeds the key width", ErrIntegrity, count)
	}
	data = data[3:]

	var err error
	if count > 0 {
		proof.Steps = make([]ProofStep, count)
		for i := 0; i < count; i++ {
			if proof.Steps[i].Skip, data, err = readPath(data); err != nil {
				return nil, err
			}
			if proof.Steps[i].Sibling, data, err = readHash(data); err != nil {
				return nil, err
			}
		}
	}

	switch proof.Type {
	case ProofTypeDeadend:
	case ProofTypeExists:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
		}
		length := int(binary.LittleEndian.Uint16(data[0:2]))
		if len(data) < 2+length {
			return nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
		}
		proof.Value = append([]byte{}, data[2:2+length]...)
		data = data[2+length:]
	case ProofTypeCollision:
		if proof.CollisionKey, data, err = readHash(data); err != nil {
			return nil, err
		}
		if proof.CollisionValueHash, data, err = readHash(data); err != nil {
			return nil, err
		}
	case ProofTypeShort:
		if proof.Prefix, data, err = readPath(data); err != nil {
			return nil, err
		}
		if proof.Left, data, err = readHash(data); err != nil {
			return nil, err
		}
		if proof.Right, data, err = readHash(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown proof type 0x%02x", ErrIntegrity, byte(proof.Type))
	}

	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after proof", ErrIntegrity, len(data))
	}
	return proof, nil
}

func appendPath(dst []byte, path *Path) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(path.Length()))
	return append(dst, path.GetPackedBits()...)
}

// readPath decodes a bit path in its packed form and returns the remaining
// input. Padding bits after the declared length must be zero.
func readPath(data []byte) (Path, []byte, error) {
	if len(data) < 2 {
		return Path{}, nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if length > keyBits-1 {
		return Path{}, nil, fmt.Errorf("%w: skip prefix of %d bits out of range", ErrIntegrity, length)
	}
	packed := (length + 7) / 8
	if len(data) < 2+packed {
		return Path{}, nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
	}
	if length%8 != 0 && data[2+packed-1]&(byte(0xff)>>(length%8)) != 0 {
		return Path{}, nil, fmt.Errorf("%w: non-zero padding bits in skip prefix", ErrIntegrity)
	}
	return createPathFromPackedBits(data[2:2+packed], length), data[2+packed:], nil
}

func readHash(data []byte) (common.Hash, []byte, error) {
	if len(data) < common.HashSize {
		return common.Hash{}, nil, fmt.Errorf("%w: truncated proof", ErrIntegrity)
	}
	return common.HashFromBytes(data[:common.HashSize]), data[common.HashSize:], nil
}
