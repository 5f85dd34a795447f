// Package transfer implements the balance transfer state machine.
//
// A transfer is admitted only if the amount is positive, sender and receiver differ, the
// sender balance covers the amount and the credited receiver balance still fits in 64 bits.
// Admitted transfers are applied debit first: the sender leaf is updated against the
// pre-state root, then the receiver leaf is read and authenticated against the intermediate
// root and credited. Any failure aborts the whole transition.
package transfer
