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
	"path/filepath"
	"testing"

	"github.com/Fantom-foundation/Urkel/backend/utils"
	"github.com/Fantom-foundation/Urkel/common"
)

func testMetaRecord(hasher *nodeHasher) metaRecord {
	return metaRecord{
		prevMeta: Position{Segment: 1, Offset: 680},
		root:     Position{Segment: 2, Offset: 412},
		rootLeaf: true,
		rootHash: hasher.hashData([]byte("some root")),
	}
}

func TestMetaRecord_RoundTrip(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	meta := testMetaRecord(hasher)

	var buffer [metaSize]byte
	encodeMeta(buffer[:], &meta, hasher)

	restored, valid := decodeMeta(buffer[:], hasher)
	if !valid {
		t.Fatalf("failed to decode a valid meta record")
	}
	if restored != meta {
		t.Errorf("unexpected meta record, got %+v, want %+v", restored, meta)
	}
}

func TestMetaRecord_AnyFlippedBitInvalidatesTheRecord(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	meta := testMetaRecord(hasher)

	var buffer [metaSize]byte
	encodeMeta(buffer[:], &meta, hasher)

	for i := 0; i < metaSize; i++ {
		corrupted := buffer
		corrupted[i] ^= 0x04
		if _, valid := decodeMeta(corrupted[:], hasher); valid {
			t.Errorf("record with byte %d corrupted should not decode", i)
		}
	}
}

func TestMetaRecord_RejectsWrongSize(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	if _, valid := decodeMeta(make([]byte, metaSize-1), hasher); valid {
		t.Errorf("truncated record should not decode")
	}
	if _, valid := decodeMeta(make([]byte, metaSize+1), hasher); valid {
		t.Errorf("oversized record should not decode")
	}
}

func TestMetaRecord_RootNodeConversion(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)

	empty := metaRecord{}
	if _, isEmpty := empty.rootNode().(emptyNode); !isEmpty {
		t.Errorf("a zero root position should convert to the empty node")
	}

	meta := testMetaRecord(hasher)
	ref, isRef := meta.rootNode().(*hashNode)
	if !isRef {
		t.Fatalf("a non-zero root position should convert to a reference")
	}
	if ref.pos != meta.root || ref.leaf != meta.rootLeaf || ref.hash != meta.rootHash {
		t.Errorf("reference does not match the record, got %v/%t/%v", ref.pos, ref.leaf, ref.hash)
	}
}

func openTestFile(t *testing.T) *utils.BufferedFile {
	t.Helper()
	file, err := utils.OpenBufferedFile(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("failed to open test file: %v", err)
	}
	t.Cleanup(func() {
		_ = file.Close()
	})
	return file
}

func writeMetaAt(t *testing.T, file *utils.BufferedFile, meta metaRecord, offset int64, hasher *nodeHasher) {
	t.Helper()
	var buffer [metaSize]byte
	encodeMeta(buffer[:], &meta, hasher)
	if _, err := file.WriteAt(buffer[:], offset); err != nil {
		t.Fatalf("failed to write meta record: %v", err)
	}
}

func TestFindLatestMeta_FindsTheNewestRecord(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	file := openTestFile(t)

	older := metaRecord{rootHash: hasher.hashData([]byte("older"))}
	newer := metaRecord{rootHash: hasher.hashData([]byte("newer"))}
	writeMetaAt(t, file, older, 0, hasher)
	writeMetaAt(t, file, newer, metaSize, hasher)

	meta, offset, found, err := findLatestMeta(file, hasher)
	if err != nil || !found {
		t.Fatalf("failed to locate meta record, found %t, err %v", found, err)
	}
	if offset != metaSize {
		t.Errorf("unexpected offset, got %d, want %d", offset, metaSize)
	}
	if meta.rootHash != newer.rootHash {
		t.Errorf("located the wrong record")
	}
}

func TestFindLatestMeta_SkipsTrailingGarbage(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	file := openTestFile(t)

	meta := metaRecord{rootHash: hasher.hashData([]byte("root"))}
	writeMetaAt(t, file, meta, 0, hasher)

	garbage := make([]byte, 3*metaSize+17)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	if _, err := file.WriteAt(garbage, metaSize); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	restored, offset, found, err := findLatestMeta(file, hasher)
	if err != nil || !found {
		t.Fatalf("failed to locate meta record, found %t, err %v", found, err)
	}
	if offset != 0 {
		t.Errorf("unexpected offset, got %d, want 0", offset)
	}
	if restored.rootHash != meta.rootHash {
		t.Errorf("located the wrong record")
	}
}

func TestFindLatestMeta_SkipsTornRecord(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	file := openTestFile(t)

	meta := metaRecord{rootHash: hasher.hashData([]byte("root"))}
	writeMetaAt(t, file, meta, 0, hasher)

	// A record that lost its tail in a crash must not be picked up.
	var torn [metaSize]byte
	encodeMeta(torn[:], &metaRecord{rootHash: hasher.hashData([]byte("lost"))}, hasher)
	if _, err := file.WriteAt(torn[:metaSize-20], metaSize); err != nil {
		t.Fatalf("failed to write torn record: %v", err)
	}

	restored, offset, found, err := findLatestMeta(file, hasher)
	if err != nil || !found {
		t.Fatalf("failed to locate meta record, found %t, err %v", found, err)
	}
	if offset != 0 {
		t.Errorf("unexpected offset, got %d, want 0", offset)
	}
	if restored.rootHash != meta.rootHash {
		t.Errorf("located the wrong record")
	}
}

func TestFindLatestMeta_EmptyFileHoldsNoRecord(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	file := openTestFile(t)
	if _, _, found, err := findLatestMeta(file, hasher); found || err != nil {
		t.Errorf("unexpected scan result on empty file, found %t, err %v", found, err)
	}
}

func TestMetaRecord_ChecksumDependsOnAllFields(t *testing.T) {
	hasher := newNodeHasher(Blake2b256Hashing)
	base := testMetaRecord(hasher)

	variants := []metaRecord{base, base, base, base}
	variants[1].prevMeta.Offset++
	variants[2].root.Segment++
	variants[3].rootLeaf = false

	seen := map[common.Hash]bool{}
	for _, meta := range variants {
		var buffer [metaSize]byte
		encodeMeta(buffer[:], &meta, hasher)
		var checksum common.Hash
		copy(checksum[:], buffer[metaChecksumOffset:])
		if seen[checksum] {
			t.Errorf("distinct records share a checksum")
		}
		seen[checksum] = true
	}
}
