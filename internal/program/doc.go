// Package program defines the proven transfer program: its public transcript layout, its
// constraint system (Circuit) and a native executor that produces the same outputs and the
// full witness assignment.
//
// The program, for a tree of fixed depth d:
//  1. range-checks the amount to 64 bits and requires it to be non-zero;
//  2. requires distinct sender and receiver indices, each below 2^d;
//  3. authenticates the sender leaf against the input root and requires balance >= amount;
//  4. writes the debited sender leaf, producing an intermediate root;
//  5. authenticates the receiver leaf against the intermediate root;
//  6. writes the credited receiver leaf (no 64-bit overflow), producing the new root;
//  7. exposes the new root words, most significant first, then the two written leaf digests.
package program
