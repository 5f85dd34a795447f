// Package ledger implements the Merkle-committed balance ledger.
//
// Overview:
//   - A Tree holds 2^depth account leaves; every leaf is a fixed-width word of BN254 scalar
//     field elements (element 0 is the balance, the rest are reserved).
//   - Leaves are hashed with MiMC over all four elements; inner nodes are MiMC(left, right).
//   - The root is exposed as a Digest: the root field element split into four 64-bit words.
//   - Trees are values: Set returns a new tree and leaves the receiver untouched, so a
//     pre-state tree stays available for auditing and replay.
//
// Authentication paths (Path / VerifyPath) use the same hashing and bit ordering as the
// proven transfer program, so local reads and updates yield roots identical to the ones the
// proving backend computes.
//
// State wraps a tree for callers that need a single current ledger shared between goroutines.
package ledger
