// leaf.go - Leaf type: one account's committed state.

package ledger

import "github.com/consensys/gnark-crypto/ecc/bn254/fr"

// LeafWidth is the number of field elements in a leaf.
const LeafWidth = 4

// Leaf is one account's committed state. Element 0 holds the balance; the remaining
// elements are reserved and carried through transfers unchanged.
type Leaf [LeafWidth]fr.Element

// NewLeaf returns a leaf holding the given balance and zeroed reserved elements.
func NewLeaf(balance uint64) Leaf {
	var l Leaf
	l[0].SetUint64(balance)
	return l
}

// LeavesFromBalances builds one leaf per balance.
func LeavesFromBalances(balances []uint64) []Leaf {
	leaves := make([]Leaf, len(balances))
	for i, b := range balances {
		leaves[i] = NewLeaf(b)
	}
	return leaves
}

// Balance returns element 0 as an integer. ok is false if it does not fit in 64 bits.
func (l Leaf) Balance() (balance uint64, ok bool) {
	if !l[0].IsUint64() {
		return 0, false
	}
	return l[0].Uint64(), true
}

// WithBalance returns a copy of the leaf with element 0 replaced.
func (l Leaf) WithBalance(balance uint64) Leaf {
	l[0].SetUint64(balance)
	return l
}

// Hash returns the MiMC digest of all leaf elements.
func (l Leaf) Hash() fr.Element {
	return mimcSum(l[:]...)
}

// Equal reports whether two leaves hold identical elements.
func (l Leaf) Equal(o Leaf) bool {
	for i := range l {
		if !l[i].Equal(&o[i]) {
			return false
		}
	}
	return true
}
