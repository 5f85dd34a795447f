// hash.go - MiMC hashing of leaves and inner nodes.
//
// Every field element is written to the hasher as its 32-byte canonical big-endian encoding,
// which is exactly what the in-circuit MiMC absorbs for one variable.

package ledger

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// DigestWords is the number of 64-bit words a root is exposed as.
const DigestWords = 4

// Digest is a root commitment split into little-endian 64-bit words (word 0 is least significant).
type Digest [DigestWords]uint64

// DigestOf returns the canonical word decomposition of a field element.
func DigestOf(e fr.Element) Digest {
	return Digest(e.Bits())
}

// Element recombines the words into a field element.
func (d Digest) Element() fr.Element {
	v := new(big.Int)
	for i := DigestWords - 1; i >= 0; i-- {
		v.Lsh(v, 64)
		v.Or(v, new(big.Int).SetUint64(d[i]))
	}
	var e fr.Element
	e.SetBigInt(v)
	return e
}

// String returns the root as a 0x-prefixed big-endian hex string.
func (d Digest) String() string {
	e := d.Element()
	b := e.Bytes()
	return "0x" + new(big.Int).SetBytes(b[:]).Text(16)
}

// mimcSum hashes a sequence of field elements with a fresh MiMC instance.
func mimcSum(elems ...fr.Element) fr.Element {
	h := mimcNative.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// hashNode computes the parent of two sibling nodes.
func hashNode(left, right fr.Element) fr.Element {
	return mimcSum(left, right)
}
