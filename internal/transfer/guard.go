// guard.go - Admission guards and balance arithmetic for a single transfer.

package transfer

import (
	"errors"
	"fmt"
	"math"
)

// ErrGuardViolation matches every *GuardViolation with errors.Is.
var ErrGuardViolation = errors.New("transfer: guard violation")

// GuardKind identifies which admission condition a transfer failed.
type GuardKind int

const (
	NonPositiveAmount GuardKind = iota + 1
	InsufficientBalance
	BalanceOverflow
	SelfTransfer
)

func (k GuardKind) String() string {
	switch k {
	case NonPositiveAmount:
		return "NonPositiveAmount"
	case InsufficientBalance:
		return "InsufficientBalance"
	case BalanceOverflow:
		return "BalanceOverflow"
	case SelfTransfer:
		return "SelfTransfer"
	default:
		return fmt.Sprintf("GuardKind(%d)", int(k))
	}
}

// GuardViolation reports an inadmissible transfer. Balance is the balance the guard was
// evaluated against (sender for InsufficientBalance, receiver for BalanceOverflow).
type GuardViolation struct {
	Kind    GuardKind
	Balance uint64
	Amount  int64
}

func (g *GuardViolation) Error() string {
	switch g.Kind {
	case NonPositiveAmount:
		return fmt.Sprintf("transfer: amount %d is not positive", g.Amount)
	case InsufficientBalance:
		return fmt.Sprintf("transfer: sender balance %d below amount %d", g.Balance, g.Amount)
	case BalanceOverflow:
		return fmt.Sprintf("transfer: receiver balance %d plus amount %d overflows", g.Balance, g.Amount)
	case SelfTransfer:
		return "transfer: sender and receiver are the same account"
	}
	return "transfer: " + g.Kind.String()
}

func (g *GuardViolation) Is(target error) bool {
	return target == ErrGuardViolation
}

// KindOf extracts the guard kind from err, or 0 if err is not a guard violation.
func KindOf(err error) GuardKind {
	var g *GuardViolation
	if errors.As(err, &g) {
		return g.Kind
	}
	return 0
}

// Compute checks the amount guards and returns the post-transfer balances.
// Guards run in order: amount > 0, then sender >= amount, then receiver + amount fits 64 bits.
func Compute(sender, receiver uint64, amount int64) (newSender, newReceiver uint64, err error) {
	if amount <= 0 {
		return 0, 0, &GuardViolation{Kind: NonPositiveAmount, Amount: amount}
	}
	amt := uint64(amount)
	if sender < amt {
		return 0, 0, &GuardViolation{Kind: InsufficientBalance, Balance: sender, Amount: amount}
	}
	if receiver > math.MaxUint64-amt {
		return 0, 0, &GuardViolation{Kind: BalanceOverflow, Balance: receiver, Amount: amount}
	}
	return sender - amt, receiver + amt, nil
}
