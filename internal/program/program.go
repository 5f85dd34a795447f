// program.go - Program identity.

package program

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// CircuitVersion is mixed into every program identity. Bump it whenever the circuit or the
// transcript layout changes.
const CircuitVersion = "ledgerproof/transfer/v1"

var (
	ErrDepthUnsupported = errors.New("program: unsupported tree depth")
	ErrAdviceMismatch   = errors.New("program: advice tree does not match inputs")
)

// ID is the content address of a compiled transfer program.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight hex digits, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// ParseID decodes a 64-digit hex string.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("program id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("program id: %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// Program is a compiled transfer program for one tree depth.
type Program struct {
	ID    ID
	Depth int
}
