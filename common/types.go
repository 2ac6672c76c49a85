package common

import "fmt"

// HashSize is the number of bytes in a Hash.
const HashSize = 32

// Hash is a fixed-width digest produced by the configured hash algorithm.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// HashFromBytes copies the first HashSize bytes of data into a Hash.
// Shorter input fills the leading bytes only.
func HashFromBytes(data []byte) (h Hash) {
	copy(h[:], data)
	return h
}
