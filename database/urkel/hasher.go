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
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sync"

	"github.com/Fantom-foundation/Urkel/common"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Domain separation tags prefixing node hash preimages.
const (
	leafHashTag     = byte(0x00)
	internalHashTag = byte(0x01)
	skipHashTag     = byte(0x02)
)

// hashAlgorithm is the type of a configuration token selecting the algorithm
// to be used for hashing keys, values, and nodes of a tree. Its main
// application is to serve as a configuration parameter in the TreeConfig.
type hashAlgorithm struct {
	Name         string
	createHasher func() hash.Hash
}

// Blake2b256Hashing is the default algorithm, hashing with BLAKE2b-256.
var Blake2b256Hashing = hashAlgorithm{
	Name: "Blake2b256",
	createHasher: func() hash.Hash {
		hasher, _ := blake2b.New256(nil)
		return hasher
	},
}

// Sha256Hashing selects SHA-256 for all hashing.
var Sha256Hashing = hashAlgorithm{
	Name:         "Sha256",
	createHasher: sha256.New,
}

// Keccak256Hashing selects the legacy Keccak-256 for all hashing.
var Keccak256Hashing = hashAlgorithm{
	Name:         "Keccak256",
	createHasher: sha3.NewLegacyKeccak256,
}

// nodeHasher computes the hash commitments of tree nodes for one hash
// algorithm, recycling hasher instances between calls. It is safe for
// concurrent use.
type nodeHasher struct {
	algorithm hashAlgorithm
	pool      sync.Pool
}

func newNodeHasher(algorithm hashAlgorithm) *nodeHasher {
	return &nodeHasher{
		algorithm: algorithm,
		pool: sync.Pool{
			New: func() any { return algorithm.createHasher() },
		},
	}
}

// hashData hashes a plain byte sequence. It is used for key paths, value
// hashes, and ledger record checksums.
func (h *nodeHasher) hashData(data []byte) common.Hash {
	return h.digest(data)
}

// hashLeaf computes the commitment of a leaf holding the given key path
// and value hash.
func (h *nodeHasher) hashLeaf(key, valueHash common.Hash) common.Hash {
	return h.digest([]byte{leafHashTag}, key[:], valueHash[:])
}

// hashInternal computes the commitment of an internal node. The skip prefix
// is part of the preimage; nodes differing only in their prefix content or
// length produce different hashes.
func (h *nodeHasher) hashInternal(prefix *Path, left, right common.Hash) common.Hash {
	if prefix.Length() == 0 {
		return h.digest([]byte{internalHashTag}, left[:], right[:])
	}
	var length [2]byte
	binary.LittleEndian.PutUint16(length[:], uint16(prefix.Length()))
	return h.digest([]byte{skipHashTag}, length[:], prefix.GetPackedBits(), left[:], right[:])
}

func (h *nodeHasher) digest(parts ...[]byte) common.Hash {
	hasher := h.pool.Get().(hash.Hash)
	hasher.Reset()
	for _, part := range parts {
		hasher.Write(part)
	}
	var res common.Hash
	hasher.Sum(res[:0])
	h.pool.Put(hasher)
	return res
}
