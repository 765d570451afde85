package proto

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the fixed identifier width, in bytes. Node identities and
// object keys share the same ID space.
const IDSize = 64

// ID identifies a node or a stored object. IDs are totally ordered by
// unsigned lexicographic comparison.
type ID [IDSize]byte

// ParseID decodes a hex string into an ID. Short strings fill the most
// significant bytes; the rest stays zero.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s)%2 == 1 {
		s = s + "0"
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse id %q: %w", s, err)
	}
	if len(b) > IDSize {
		return id, fmt.Errorf("parse id: %d bytes exceeds %d", len(b), IDSize)
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// String renders a short prefix for logs.
func (id ID) String() string { return hex.EncodeToString(id[:6]) }

func (id ID) IsZero() bool {
	var zero ID
	return id == zero
}

// Compare orders a against b: -1, 0 or 1.
func Compare(a, b ID) int { return bytes.Compare(a[:], b[:]) }
