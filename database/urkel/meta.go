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

	"github.com/Fantom-foundation/Urkel/backend/utils"
	"github.com/Fantom-foundation/Urkel/common"
)

// Meta records mark durable roots in the segment files. A commit is durable
// exactly if its meta record is fully on disk; everything after the newest
// valid meta record is discarded on open. Records are written at
// metaSize-aligned offsets so recovery can locate them by scanning the file
// backwards on fixed boundaries.
const (
	metaMagic = uint32(0x6d726b6c)
	metaSize  = 68

	// metaChecksumOffset is where the checksum starts; it covers all
	// preceding bytes of the record.
	metaChecksumOffset = 48
)

// metaRecord describes one durable root: where the previous meta record
// lives (forming a backward chain, zero at the first record), and the
// location and hash of the root node. A zero root position encodes the
// empty tree.
type metaRecord struct {
	prevMeta Position
	root     Position
	rootLeaf bool
	rootHash common.Hash
}

// rootNode converts the recorded root into its in-memory form.
func (m *metaRecord) rootNode() node {
	if m.root.IsZero() {
		return emptyNode{}
	}
	return &hashNode{pos: m.root, leaf: m.rootLeaf, hash: m.rootHash}
}

func encodeMeta(dst []byte, meta *metaRecord, hasher *nodeHasher) {
	binary.LittleEndian.PutUint32(dst[0:4], metaMagic)
	binary.LittleEndian.PutUint16(dst[4:6], meta.prevMeta.Segment)
	binary.LittleEndian.PutUint32(dst[6:10], meta.prevMeta.Offset)
	binary.LittleEndian.PutUint16(dst[10:12], meta.root.Segment)
	binary.LittleEndian.PutUint32(dst[12:16], encodeFlaggedOffset(meta.root.Offset, meta.rootLeaf))
	copy(dst[16:48], meta.rootHash[:])
	checksum := hasher.hashData(dst[:metaChecksumOffset])
	copy(dst[metaChecksumOffset:metaSize], checksum[:metaSize-metaChecksumOffset])
}

// decodeMeta validates and decodes a potential meta record. It reports
// false for byte sequences that are no valid meta record.
func decodeMeta(src []byte, hasher *nodeHasher) (metaRecord, bool) {
	if len(src) != metaSize {
		return metaRecord{}, false
	}
	if binary.LittleEndian.Uint32(src[0:4]) != metaMagic {
		return metaRecord{}, false
	}
	checksum := hasher.hashData(src[:metaChecksumOffset])
	for i, b := range src[metaChecksumOffset:metaSize] {
		if checksum[i] != b {
			return metaRecord{}, false
		}
	}
	res := metaRecord{}
	res.prevMeta.Segment = binary.LittleEndian.Uint16(src[4:6])
	res.prevMeta.Offset = binary.LittleEndian.Uint32(src[6:10])
	res.root.Segment = binary.LittleEndian.Uint16(src[10:12])
	res.root.Offset, res.rootLeaf = decodeFlaggedOffset(binary.LittleEndian.Uint32(src[12:16]))
	copy(res.rootHash[:], src[16:48])
	return res, true
}

// findLatestMeta scans the given segment file backwards on metaSize-aligned
// boundaries for the newest valid meta record. It returns the record and the
// file offset it starts at.
func findLatestMeta(file *utils.BufferedFile, hasher *nodeHasher) (meta metaRecord, offset int64, found bool, err error) {
	size := file.Size()
	start := size / metaSize * metaSize
	if start == size {
		start -= metaSize
	}
	buffer := make([]byte, metaSize)
	for pos := start; pos >= 0; pos -= metaSize {
		if _, err := file.ReadAt(buffer, pos); err != nil {
			return metaRecord{}, 0, false, fmt.Errorf("failed to scan for meta record at %d: %w", pos, err)
		}
		if meta, ok := decodeMeta(buffer, hasher); ok {
			return meta, pos, true, nil
		}
	}
	return metaRecord{}, 0, false, nil
}
