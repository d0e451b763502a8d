// Package mutualcredit implements the per-(friend, currency) credit ledger:
// balance, pending debt, and frozen-credit accounting. It is the smallest
// "hard" algebra in the core (spec §4.2) and is grounded on the checked,
// total-function style of lnd's lnwallet/channel.go commitment-update
// helpers, adapted from HTLC bookkeeping to mutual-credit bookkeeping.
package mutualcredit

import "errors"

// ErrInsufficientCapacity is returned by FreezeLocal/FreezeRemote when the
// requested freeze would breach the counterparty's extended debt limit.
var ErrInsufficientCapacity = errors.New("mutualcredit: insufficient capacity")

// ErrInvariantViolated is returned by Invariant when a MutualCredit's state
// no longer satisfies spec §3's at-rest invariant. Any caller that observes
// this must treat the owning channel as inconsistent (spec §7).
var ErrInvariantViolated = errors.New("mutualcredit: invariant violated")

// MutualCredit is the ledger for one (friend, currency) pair, exactly the
// tuple defined in spec §3.
type MutualCredit struct {
	Balance I128

	LocalMaxDebt  U128
	RemoteMaxDebt U128

	LocalPendingDebt  U128
	RemotePendingDebt U128

	InFees  U128
	OutFees U128

	LocalRequestsOpen  bool
	RemoteRequestsOpen bool
}

// New returns a MutualCredit at the zero balance with no extended debt,
// matching the "initial token" zero-balance starting state (spec §4.3).
func New() *MutualCredit {
	return &MutualCredit{}
}

// Invariant checks spec §3's at-rest invariant:
//
//	-localMaxDebt <= balance - localPendingDebt
//	balance + remotePendingDebt <= remoteMaxDebt
func (m *MutualCredit) Invariant() error {
	lhs, err := SubI128Checked(m.Balance, I128{mag: m.LocalPendingDebt})
	if err != nil {
		return ErrInvariantViolated
	}
	negLocalMax := I128{neg: true, mag: m.LocalMaxDebt}
	if lhs.Cmp(negLocalMax) < 0 {
		return ErrInvariantViolated
	}

	rhs, err := AddI128Checked(m.Balance, I128{mag: m.RemotePendingDebt})
	if err != nil {
		return ErrInvariantViolated
	}
	remoteMax := I128{mag: m.RemoteMaxDebt}
	if rhs.Cmp(remoteMax) > 0 {
		return ErrInvariantViolated
	}
	return nil
}

// SetRemoteMaxDebt implements spec §4.2's set_remote_max_debt.
func (m *MutualCredit) SetRemoteMaxDebt(v U128) {
	m.RemoteMaxDebt = v
}

// SetLocalMaxDebt records the debt ceiling the remote side extends to this
// side: the receiving-side mirror of the peer's set_remote_max_debt
// operation. The two friends' ledgers are mirror images, so the peer
// raising its remoteMaxDebt raises this side's localMaxDebt.
func (m *MutualCredit) SetLocalMaxDebt(v U128) {
	m.LocalMaxDebt = v
}

// SetLocalRequestsOpen implements spec §4.2's set_local_requests.
func (m *MutualCredit) SetLocalRequestsOpen(open bool) {
	m.LocalRequestsOpen = open
}

// SetRemoteRequestsOpen implements spec §4.2's set_remote_requests.
func (m *MutualCredit) SetRemoteRequestsOpen(open bool) {
	m.RemoteRequestsOpen = open
}

// FreezeLocal implements spec §4.2's freeze_local: localPendingDebt +=
// amount, failing with ErrInsufficientCapacity if
// balance - localPendingDebt - amount < -localMaxDebt.
func (m *MutualCredit) FreezeLocal(amount U128) error {
	newPending, err := AddChecked(m.LocalPendingDebt, amount)
	if err != nil {
		return err
	}

	lhs, err := SubI128Checked(m.Balance, I128{mag: newPending})
	if err != nil {
		return err
	}
	negLocalMax := I128{neg: true, mag: m.LocalMaxDebt}
	if lhs.Cmp(negLocalMax) < 0 {
		return ErrInsufficientCapacity
	}

	m.LocalPendingDebt = newPending
	return nil
}

// FreezeRemote implements spec §4.2's freeze_remote: remotePendingDebt +=
// amount, failing with ErrInsufficientCapacity if
// balance + remotePendingDebt + amount > remoteMaxDebt.
func (m *MutualCredit) FreezeRemote(amount U128) error {
	newPending, err := AddChecked(m.RemotePendingDebt, amount)
	if err != nil {
		return err
	}

	rhs, err := AddI128Checked(m.Balance, I128{mag: newPending})
	if err != nil {
		return err
	}
	remoteMax := I128{mag: m.RemoteMaxDebt}
	if rhs.Cmp(remoteMax) > 0 {
		return ErrInsufficientCapacity
	}

	m.RemotePendingDebt = newPending
	return nil
}

// UnfreezeLocal implements spec §4.2's unfreeze_local.
func (m *MutualCredit) UnfreezeLocal(amount U128) error {
	v, err := SubChecked(m.LocalPendingDebt, amount)
	if err != nil {
		return err
	}
	m.LocalPendingDebt = v
	return nil
}

// UnfreezeRemote implements spec §4.2's unfreeze_remote.
func (m *MutualCredit) UnfreezeRemote(amount U128) error {
	v, err := SubChecked(m.RemotePendingDebt, amount)
	if err != nil {
		return err
	}
	m.RemotePendingDebt = v
	return nil
}

// CommitLocalToRemote implements spec §4.2's commit_local_to_remote:
// balance -= amount; localPendingDebt -= (amount+fee); outFees += fee.
// This is the irreversible step of paying a Collect forward along the
// outgoing hop.
func (m *MutualCredit) CommitLocalToRemote(amount, fee U128) error {
	total, err := AddChecked(amount, fee)
	if err != nil {
		return err
	}
	newPending, err := SubChecked(m.LocalPendingDebt, total)
	if err != nil {
		return err
	}
	newBalance, err := SubI128Checked(m.Balance, I128{mag: amount})
	if err != nil {
		return err
	}
	newOutFees, err := AddChecked(m.OutFees, fee)
	if err != nil {
		return err
	}

	m.Balance = newBalance
	m.LocalPendingDebt = newPending
	m.OutFees = newOutFees
	return nil
}

// CommitRemoteToLocal implements spec §4.2's commit_remote_to_local:
// balance += amount; remotePendingDebt -= (amount+fee); inFees += fee.
func (m *MutualCredit) CommitRemoteToLocal(amount, fee U128) error {
	total, err := AddChecked(amount, fee)
	if err != nil {
		return err
	}
	newPending, err := SubChecked(m.RemotePendingDebt, total)
	if err != nil {
		return err
	}
	newBalance, err := AddI128Checked(m.Balance, I128{mag: amount})
	if err != nil {
		return err
	}
	newInFees, err := AddChecked(m.InFees, fee)
	if err != nil {
		return err
	}

	m.Balance = newBalance
	m.RemotePendingDebt = newPending
	m.InFees = newInFees
	return nil
}

// Snapshot returns a value copy, used by tokenchannel/persistence to take a
// consistent point-in-time view without aliasing the live ledger.
func (m *MutualCredit) Snapshot() MutualCredit {
	return *m
}
