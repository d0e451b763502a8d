// Package meshswitch implements the per-requestId pending-transaction
// indexes and the routing algorithm that reacts to them (spec §4.4),
// grounded on htlcswitch/switch.go's forward/local dispatch split and
// htlcswitch/switch_control.go's duplicate-settle/duplicate-fail guard
// tower, repurposed from onion-routed HTLCs to explicit-route mutual-
// credit transactions.
package meshswitch

import (
	"errors"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// Role is this node's position along a transaction's route.
type Role uint8

const (
	RoleOrigin Role = iota
	RoleMediator
	RoleDestination
)

// PendingTransaction is one in-flight payment attempt as seen from this
// node, stored in either a friend's inbound or outbound index, keyed by
// requestId.
type PendingTransaction struct {
	RequestId meshwire.HashResult
	Currency  meshwire.Currency
	Route     meshwire.FriendsRoute
	Position  int
	Role      Role

	SrcHashedLock  meshwire.HashResult
	DestHashedLock meshwire.HashResult

	// DestPlainLock is the preimage this node generated for DestHashedLock
	// when accepting a Request as the destination. Only ever set on a
	// destination-role inbound entry; carried here so CommitInvoice can
	// hand it back out in the CollectSendFundsOp this node itself issues.
	DestPlainLock meshwire.HashResult

	DestPayment      mutualcredit.U128
	TotalDestPayment mutualcredit.U128
	InvoiceHash      meshwire.HashResult

	// LeftFees is the fee budget carried by this entry's own copy of the
	// operation: for an inbound entry, the value as received; for an
	// outbound entry forwarded by a mediator, the post-fee-deduction
	// leftFees' handed to the next hop; for an entry this node originated,
	// the full initial budget. Frozen capacity on the matching ledger is
	// always destPayment+LeftFees (spec §4.4/§8: "every pending
	// transaction has its destPayment+leftFees frozen on both its inbound
	// and outbound channels"), and Collect/Cancel always release or commit
	// exactly that same amount, so freeze and settlement never diverge.
	LeftFees mutualcredit.U128
}

// FrozenAmount returns destPayment+LeftFees, the exact quantity frozen on
// this entry's ledger at Request time and released or committed at
// Cancel/Collect time.
func (p *PendingTransaction) FrozenAmount() (mutualcredit.U128, error) {
	return mutualcredit.AddChecked(p.DestPayment, p.LeftFees)
}

// ErrDuplicateRequestId is returned when an inbound Request reuses a
// requestId already claimed anywhere on this node, whether by the same
// friend replaying it or by a different friend reusing it for an unrelated
// transaction (spec §4.4: "requestId is globally unique across the node";
// "duplicates from the same direction are a protocol violation"). Router
// surfaces this as an ApplyOp failure, which fails the enclosing MoveToken
// and raises an Inconsistency per spec §7, rather than a quiet per-hop
// Cancel.
var ErrDuplicateRequestId = errors.New("meshswitch: duplicate requestId")

// friendPending holds the inbound/outbound indexes for one friend.
type friendPending struct {
	Inbound  map[meshwire.HashResult]*PendingTransaction
	Outbound map[meshwire.HashResult]*PendingTransaction
}

func newFriendPending() *friendPending {
	return &friendPending{
		Inbound:  make(map[meshwire.HashResult]*PendingTransaction),
		Outbound: make(map[meshwire.HashResult]*PendingTransaction),
	}
}

func (f *friendPending) addInbound(pt *PendingTransaction) error {
	if _, ok := f.Inbound[pt.RequestId]; ok {
		return ErrDuplicateRequestId
	}
	f.Inbound[pt.RequestId] = pt
	return nil
}

func (f *friendPending) addOutbound(pt *PendingTransaction) error {
	if _, ok := f.Outbound[pt.RequestId]; ok {
		return ErrDuplicateRequestId
	}
	f.Outbound[pt.RequestId] = pt
	return nil
}
