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
	"strconv"
	"strings"

	"github.com/Fantom-foundation/Urkel/common"
)

// Path is a sequence of bits describing a navigation path in the tree.
// Paths are used as skip prefixes of internal nodes to short-cut runs of
// single-branch steps which would otherwise require one internal node per
// key bit. Bits are densely packed, most significant bit of a byte first,
// so bit i lives in byte i/8 under the mask 0x80>>(i%8). Since every
// internal node consumes its prefix plus one branch bit of the 256-bit key
// space, prefixes never exceed 255 bits.
//
// All operations maintain the invariant that bits beyond the path length
// are zero, so paths of equal content are comparable with ==.
type Path struct {
	// The zero-padded navigation path to be covered.
	path [32]byte
	// The number of leading bits of the path that are relevant.
	length uint8
}

// CreatePathFromKey extracts the key bits in the range [from,to) as a path.
func CreatePathFromKey(key common.Hash, from, to int) Path {
	res := Path{}
	for i := from; i < to; i++ {
		res.Append(getKeyBit(key, i))
	}
	return res
}

// Length returns the number of bits on the path.
func (p *Path) Length() int {
	return int(p.length)
}

// Get returns the bit at the given path position, where pos == 0 is the
// first position and Length()-1 the last. For positions outside this range
// the value 0 is returned.
func (p *Path) Get(pos int) byte {
	if pos < 0 || pos >= int(p.length) {
		return 0
	}
	return (p.path[pos/8] >> (7 - pos%8)) & 1
}

// GetPackedBits returns the path content packed into ceil(Length()/8)
// bytes, the form in which prefixes enter hashes and proof encodings.
func (p *Path) GetPackedBits() []byte {
	return p.path[:(int(p.length)+7)/8]
}

// GetCommonPrefixLength determines the number of leading path bits that
// match the key bits starting at the given key offset.
func (p *Path) GetCommonPrefixLength(key common.Hash, offset int) int {
	max := int(p.length)
	if rest := keyBits - offset; max > rest {
		max = rest
	}
	for i := 0; i < max; i++ {
		if p.Get(i) != getKeyBit(key, offset+i) {
			return i
		}
	}
	return max
}

// IsPrefixOfKey determines whether this path matches the key bits starting
// at the given key offset over the full path length.
func (p *Path) IsPrefixOfKey(key common.Hash, offset int) bool {
	return p.GetCommonPrefixLength(key, offset) == int(p.length)
}

// Append appends a bit to the end of this path extending it by one element.
func (p *Path) Append(bit byte) *Path {
	if bit != 0 {
		p.path[p.length/8] |= 0x80 >> (p.length % 8)
	}
	p.length++
	return p
}

// AppendAll appends the given path to the end of this path.
func (p *Path) AppendAll(other *Path) *Path {
	for i := 0; i < other.Length(); i++ {
		p.Append(other.Get(i))
	}
	return p
}

// RemoveLast removes the last n elements from this path. If n > length,
// the resulting path is empty.
func (p *Path) RemoveLast(n int) *Path {
	if n > int(p.length) {
		p.length = 0
	} else if n > 0 {
		p.length -= uint8(n)
	}
	p.clearTail()
	return p
}

// ShiftLeft shifts all elements in the path by the given number of steps,
// dropping leading elements and reducing the path length accordingly.
func (p *Path) ShiftLeft(steps int) *Path {
	if steps >= p.Length() {
		*p = Path{}
		return p
	}
	if steps <= 0 {
		return p
	}
	length := int(p.length) - steps
	var shifted [32]byte
	for i := 0; i < length; i++ {
		if p.Get(i+steps) != 0 {
			shifted[i/8] |= 0x80 >> (i % 8)
		}
	}
	p.path = shifted
	p.length = uint8(length)
	return p
}

// clearTail zeroes all bits beyond the path length.
func (p *Path) clearTail() {
	from := int(p.length)
	if rem := from % 8; rem != 0 {
		p.path[from/8] &= ^byte(0) << (8 - rem)
		from += 8 - rem
	}
	for i := from / 8; i < len(p.path); i++ {
		p.path[i] = 0
	}
}

func (p *Path) String() string {
	if p.length == 0 {
		return "-empty-"
	}
	builder := strings.Builder{}
	for i := 0; i < p.Length(); i++ {
		builder.WriteString(strconv.Itoa(int(p.Get(i))))
	}
	builder.WriteString(" : ")
	builder.WriteString(strconv.Itoa(int(p.length)))
	return builder.String()
}

// getKeyBit returns the bit of the given key at the given position,
// counting from the most significant bit of the first byte.
func getKeyBit(key common.Hash, pos int) byte {
	return (key[pos/8] >> (7 - pos%8)) & 1
}

// setKeyBit sets the bit of the given key at the given position, counting
// from the most significant bit of the first byte.
func setKeyBit(key *common.Hash, pos int, bit byte) {
	if bit == 0 {
		key[pos/8] &^= 0x80 >> (pos % 8)
	} else {
		key[pos/8] |= 0x80 >> (pos % 8)
	}
}

// commonKeyPrefix returns the number of leading bits the two keys share.
func commonKeyPrefix(a, b common.Hash) int {
	for i := 0; i < common.HashSize; i++ {
		if a[i] != b[i] {
			res := i * 8
			for diff := a[i] ^ b[i]; diff&0x80 == 0; diff <<= 1 {
				res++
			}
			return res
		}
	}
	return keyBits
}

// createPathFromPackedBits restores a path from its packed bit form, the
// counterpart of GetPackedBits. Bits beyond the given length are ignored.
func createPathFromPackedBits(data []byte, length int) Path {
	res := Path{length: uint8(length)}
	copy(res.path[:], data)
	res.clearTail()
	return res
}

// ----------------------------------------------------------------------------
//                               Path Encoder
// ----------------------------------------------------------------------------

type pathEncoder struct{}

func (pathEncoder) GetEncodedSize() int {
	return 34
}

func (pathEncoder) Store(trg []byte, path *Path) {
	binary.LittleEndian.PutUint16(trg, uint16(path.length))
	copy(trg[2:], path.path[:])
}

func (pathEncoder) Load(src []byte, path *Path) {
	path.length = uint8(binary.LittleEndian.Uint16(src))
	copy(path.path[:], src[2:34])
	path.clearTail()
}
