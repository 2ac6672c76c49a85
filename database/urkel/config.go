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

// defaultMaxSegmentSize caps segment files below 2^31 so record offsets can
// carry the leaf marker in their least significant bit.
const defaultMaxSegmentSize = 2147479552

// defaultNodeCacheCapacity is the number of decoded nodes retained in memory.
const defaultNodeCacheCapacity = 1 << 14

// TreeConfig defines a set of configuration options for customizing the tree
// implementation, mainly the hash algorithm backing key paths and node
// commitments, and whether committed roots are retained for historic reads.
type TreeConfig struct {
	// A descriptive name for this configuration. It has no effect except for
	// logging and debugging purposes.
	Name string

	// The hashing algorithm used for key paths, values, node commitments,
	// and ledger record checksums. Trees persisted with one algorithm can
	// not be reopened under another.
	Hashing hashAlgorithm

	// If enabled, every committed root is recorded in a version index,
	// allowing historic roots to be read and proven against.
	WithRootArchive bool

	// The maximum byte size of a single segment file. The zero value selects
	// the default of slightly below 2 GiB. Smaller values are mainly useful
	// for testing segment rollover.
	MaxSegmentSize uint32

	// The number of decoded nodes cached in memory. The zero value selects
	// a moderate default.
	NodeCacheCapacity int
}

var Blake2bLiveConfig = TreeConfig{
	Name:            "Blake2b-Live",
	Hashing:         Blake2b256Hashing,
	WithRootArchive: false,
}

var Blake2bArchiveConfig = TreeConfig{
	Name:            "Blake2b-Archive",
	Hashing:         Blake2b256Hashing,
	WithRootArchive: true,
}

var Sha256LiveConfig = TreeConfig{
	Name:            "Sha256-Live",
	Hashing:         Sha256Hashing,
	WithRootArchive: false,
}

var Sha256ArchiveConfig = TreeConfig{
	Name:            "Sha256-Archive",
	Hashing:         Sha256Hashing,
	WithRootArchive: true,
}

var Keccak256LiveConfig = TreeConfig{
	Name:            "Keccak256-Live",
	Hashing:         Keccak256Hashing,
	WithRootArchive: false,
}

var Keccak256ArchiveConfig = TreeConfig{
	Name:            "Keccak256-Archive",
	Hashing:         Keccak256Hashing,
	WithRootArchive: true,
}

var allTreeConfigs = []TreeConfig{
	Blake2bLiveConfig, Blake2bArchiveConfig,
	Sha256LiveConfig, Sha256ArchiveConfig,
	Keccak256LiveConfig, Keccak256ArchiveConfig,
}

// GetConfigByName attempts to locate a configuration with the given name.
func GetConfigByName(name string) (TreeConfig, bool) {
	for _, config := range allTreeConfigs {
		if config.Name == name {
			return config, true
		}
	}
	return TreeConfig{}, false
}

// withDefaults fills unset limits with their default values.
func (c TreeConfig) withDefaults() TreeConfig {
	if c.Hashing.createHasher == nil {
		c.Hashing = Blake2b256Hashing
	}
	if c.MaxSegmentSize == 0 || c.MaxSegmentSize > defaultMaxSegmentSize {
		// Offsets within a segment must fit the on-disk child references.
		c.MaxSegmentSize = defaultMaxSegmentSize
	}
	if c.NodeCacheCapacity == 0 {
		c.NodeCacheCapacity = defaultNodeCacheCapacity
	}
	return c
}
