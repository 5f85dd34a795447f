// transition.go - Two-phase (debit, then credit) application of a transfer to a ledger tree.
//
// A Transition moves through Pending -> Validated -> Debited -> Credited. Each phase method
// refuses to run out of order, and a failed phase aborts the transition: no later phase can
// run and no post-state tree is exposed.

package transfer

import (
	"errors"
	"fmt"

	"ledgerproof/internal/ledger"
)

var (
	ErrPhaseOrder        = errors.New("transfer: phase called out of order")
	ErrUnreadableBalance = errors.New("transfer: leaf balance does not fit in 64 bits")
	ErrAuthentication    = errors.New("transfer: leaf not authenticated against root")
)

// Request is a public transfer of Amount from SenderIndex to ReceiverIndex.
type Request struct {
	SenderIndex   uint64 `json:"sender_index"`
	ReceiverIndex uint64 `json:"receiver_index"`
	Amount        int64  `json:"amount"`
}

func (r Request) String() string {
	return fmt.Sprintf("%d->%d:%d", r.SenderIndex, r.ReceiverIndex, r.Amount)
}

// Phase is the position of a Transition in its state machine.
type Phase int

const (
	Pending Phase = iota
	Validated
	Debited
	Credited
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "Pending"
	case Validated:
		return "Validated"
	case Debited:
		return "Debited"
	case Credited:
		return "Credited"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Transition applies one Request to one tree. Before is never modified; Intermediate is the
// tree after the debit and After the tree after the credit.
type Transition struct {
	Request Request

	Before       *ledger.Tree
	Intermediate *ledger.Tree
	After        *ledger.Tree

	// post-transfer leaves, set by Debit and Credit
	SenderLeaf   ledger.Leaf
	ReceiverLeaf ledger.Leaf

	phase       Phase
	newSender   uint64
	newReceiver uint64
}

// NewTransition prepares req against tree without checking anything yet.
func NewTransition(tree *ledger.Tree, req Request) *Transition {
	return &Transition{Request: req, Before: tree}
}

// Phase returns the current phase.
func (t *Transition) Phase() Phase { return t.phase }

func (t *Transition) abort(err error) error {
	t.phase = Aborted
	t.Intermediate, t.After = nil, nil
	return err
}

// Validate reads both balances and runs every guard.
func (t *Transition) Validate() error {
	if t.phase != Pending {
		return fmt.Errorf("%w: validate in phase %s", ErrPhaseOrder, t.phase)
	}
	req := t.Request
	senderLeaf, err := t.Before.Get(req.SenderIndex)
	if err != nil {
		return t.abort(fmt.Errorf("sender: %w", err))
	}
	receiverLeaf, err := t.Before.Get(req.ReceiverIndex)
	if err != nil {
		return t.abort(fmt.Errorf("receiver: %w", err))
	}
	if req.Amount <= 0 {
		return t.abort(&GuardViolation{Kind: NonPositiveAmount, Amount: req.Amount})
	}
	if req.SenderIndex == req.ReceiverIndex {
		return t.abort(&GuardViolation{Kind: SelfTransfer, Amount: req.Amount})
	}
	senderBalance, ok := senderLeaf.Balance()
	if !ok {
		return t.abort(fmt.Errorf("sender %d: %w", req.SenderIndex, ErrUnreadableBalance))
	}
	receiverBalance, ok := receiverLeaf.Balance()
	if !ok {
		return t.abort(fmt.Errorf("receiver %d: %w", req.ReceiverIndex, ErrUnreadableBalance))
	}
	newSender, newReceiver, err := Compute(senderBalance, receiverBalance, req.Amount)
	if err != nil {
		return t.abort(err)
	}
	t.newSender, t.newReceiver = newSender, newReceiver
	t.phase = Validated
	return nil
}

// Debit authenticates the sender leaf against the pre-state root and writes the debited
// balance, producing the intermediate tree.
func (t *Transition) Debit() error {
	if t.phase != Validated {
		return fmt.Errorf("%w: debit in phase %s", ErrPhaseOrder, t.phase)
	}
	leaf, err := authenticatedGet(t.Before, t.Request.SenderIndex)
	if err != nil {
		return t.abort(fmt.Errorf("sender: %w", err))
	}
	t.SenderLeaf = leaf.WithBalance(t.newSender)
	next, err := t.Before.Set(t.Request.SenderIndex, t.SenderLeaf)
	if err != nil {
		return t.abort(err)
	}
	t.Intermediate = next
	t.phase = Debited
	return nil
}

// Credit authenticates the receiver leaf against the intermediate root and writes the
// credited balance, producing the final tree.
func (t *Transition) Credit() error {
	if t.phase != Debited {
		return fmt.Errorf("%w: credit in phase %s", ErrPhaseOrder, t.phase)
	}
	leaf, err := authenticatedGet(t.Intermediate, t.Request.ReceiverIndex)
	if err != nil {
		return t.abort(fmt.Errorf("receiver: %w", err))
	}
	t.ReceiverLeaf = leaf.WithBalance(t.newReceiver)
	next, err := t.Intermediate.Set(t.Request.ReceiverIndex, t.ReceiverLeaf)
	if err != nil {
		return t.abort(err)
	}
	t.After = next
	t.phase = Credited
	return nil
}

// authenticatedGet reads a leaf together with its path and checks it against the tree root.
func authenticatedGet(tree *ledger.Tree, index uint64) (ledger.Leaf, error) {
	leaf, err := tree.Get(index)
	if err != nil {
		return ledger.Leaf{}, err
	}
	path, err := tree.Path(index)
	if err != nil {
		return ledger.Leaf{}, err
	}
	if !ledger.VerifyPath(tree.RootElement(), leaf, index, path) {
		return ledger.Leaf{}, fmt.Errorf("%w: index %d", ErrAuthentication, index)
	}
	return leaf, nil
}

// Apply runs every phase of req against tree. On error no post-state is returned.
func Apply(tree *ledger.Tree, req Request) (*Transition, error) {
	t := NewTransition(tree, req)
	for _, step := range []func() error{t.Validate, t.Debit, t.Credit} {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ApplyLeaves applies req to a plain leaf slice and returns the updated copy. It performs the
// same guards as Apply but no hashing, so callers can rebuild the post-state independently.
func ApplyLeaves(leaves []ledger.Leaf, req Request) ([]ledger.Leaf, error) {
	n := uint64(len(leaves))
	if req.SenderIndex >= n {
		return nil, fmt.Errorf("sender: %w: index %d, %d leaves", ledger.ErrIndexOutOfRange, req.SenderIndex, n)
	}
	if req.ReceiverIndex >= n {
		return nil, fmt.Errorf("receiver: %w: index %d, %d leaves", ledger.ErrIndexOutOfRange, req.ReceiverIndex, n)
	}
	if req.Amount <= 0 {
		return nil, &GuardViolation{Kind: NonPositiveAmount, Amount: req.Amount}
	}
	if req.SenderIndex == req.ReceiverIndex {
		return nil, &GuardViolation{Kind: SelfTransfer, Amount: req.Amount}
	}
	senderBalance, ok := leaves[req.SenderIndex].Balance()
	if !ok {
		return nil, fmt.Errorf("sender %d: %w", req.SenderIndex, ErrUnreadableBalance)
	}
	receiverBalance, ok := leaves[req.ReceiverIndex].Balance()
	if !ok {
		return nil, fmt.Errorf("receiver %d: %w", req.ReceiverIndex, ErrUnreadableBalance)
	}
	newSender, newReceiver, err := Compute(senderBalance, receiverBalance, req.Amount)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Leaf, len(leaves))
	copy(out, leaves)
	out[req.SenderIndex] = out[req.SenderIndex].WithBalance(newSender)
	out[req.ReceiverIndex] = out[req.ReceiverIndex].WithBalance(newReceiver)
	return out, nil
}

// Check runs the guards of req against tree without producing any tree.
func Check(tree *ledger.Tree, req Request) error {
	return NewTransition(tree, req).Validate()
}
