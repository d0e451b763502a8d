package mutualcredit

// EffectKind enumerates the ledger mutations the router applies to a
// friend's ledger at the moment it queues an operation toward that friend,
// before any MoveToken has carried the operation to the peer.
type EffectKind uint8

const (
	// EffectFreezeLocal is the outgoing freeze a Request places on the next
	// hop's ledger.
	EffectFreezeLocal EffectKind = iota
	// EffectUnfreezeLocal releases an outgoing freeze when a transaction is
	// cancelled forward past this node.
	EffectUnfreezeLocal
	// EffectUnfreezeRemote releases the mirrored inbound freeze when a
	// transaction this node forwarded is cancelled backward.
	EffectUnfreezeRemote
	// EffectCommitRemoteToLocal settles the inbound half of a Collect: the
	// upstream hop now irrevocably owes this node the committed amount.
	EffectCommitRemoteToLocal
)

// PendingEffect is one such queued mutation, recorded alongside the queued
// operation so the move-token builder can tell which ledger changes are
// already present locally but not yet visible to the peer. Apply and Revert
// are plain additive field updates with no capacity checks (the check
// already ran when the effect was first applied to the live ledger), so a
// batch of effects can be reverted and re-applied in any order.
type PendingEffect struct {
	Kind   EffectKind
	Amount U128
	Fee    U128
}

// Apply replays the effect onto mc.
func (e PendingEffect) Apply(m *MutualCredit) error {
	switch e.Kind {
	case EffectFreezeLocal:
		v, err := AddChecked(m.LocalPendingDebt, e.Amount)
		if err != nil {
			return err
		}
		m.LocalPendingDebt = v
	case EffectUnfreezeLocal:
		v, err := SubChecked(m.LocalPendingDebt, e.Amount)
		if err != nil {
			return err
		}
		m.LocalPendingDebt = v
	case EffectUnfreezeRemote:
		v, err := SubChecked(m.RemotePendingDebt, e.Amount)
		if err != nil {
			return err
		}
		m.RemotePendingDebt = v
	case EffectCommitRemoteToLocal:
		total, err := AddChecked(e.Amount, e.Fee)
		if err != nil {
			return err
		}
		pending, err := SubChecked(m.RemotePendingDebt, total)
		if err != nil {
			return err
		}
		balance, err := AddI128Checked(m.Balance, I128{mag: e.Amount})
		if err != nil {
			return err
		}
		fees, err := AddChecked(m.InFees, e.Fee)
		if err != nil {
			return err
		}
		m.RemotePendingDebt = pending
		m.Balance = balance
		m.InFees = fees
	}
	return nil
}

// Revert undoes Apply.
func (e PendingEffect) Revert(m *MutualCredit) error {
	switch e.Kind {
	case EffectFreezeLocal:
		return PendingEffect{Kind: EffectUnfreezeLocal, Amount: e.Amount}.Apply(m)
	case EffectUnfreezeLocal:
		return PendingEffect{Kind: EffectFreezeLocal, Amount: e.Amount}.Apply(m)
	case EffectUnfreezeRemote:
		v, err := AddChecked(m.RemotePendingDebt, e.Amount)
		if err != nil {
			return err
		}
		m.RemotePendingDebt = v
	case EffectCommitRemoteToLocal:
		total, err := AddChecked(e.Amount, e.Fee)
		if err != nil {
			return err
		}
		pending, err := AddChecked(m.RemotePendingDebt, total)
		if err != nil {
			return err
		}
		balance, err := SubI128Checked(m.Balance, I128{mag: e.Amount})
		if err != nil {
			return err
		}
		fees, err := SubChecked(m.InFees, e.Fee)
		if err != nil {
			return err
		}
		m.RemotePendingDebt = pending
		m.Balance = balance
		m.InFees = fees
	}
	return nil
}
