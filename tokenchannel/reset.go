package tokenchannel

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// BalanceForReset is one (currency, expectedBalance) entry of a ResetTerms
// offer, matching spec §4.3's "balanceForReset: [(currency, expectedBalance)]".
type BalanceForReset struct {
	Currency        meshwire.Currency
	ExpectedBalance mutualcredit.I128
}

// DetectInconsistency transitions the channel to the Inconsistent state and
// builds this side's ResetTerms offer, signed with priv. It bumps
// inconsistencyCounter past whatever value the channel already carried
// (spec §4.3: "inconsistencyCounter := prev+1").
func (c *Channel) DetectInconsistency(priv *btcec.PrivateKey) *meshwire.ResetTerms {
	c.Inconsistent = true
	c.InconsistencyCounter++

	balances := c.expectedBalances()
	resetToken := signResetToken(priv, c.InconsistencyCounter, balances, c.LocalPk, c.RemotePk)

	terms := &meshwire.ResetTerms{
		ResetToken:           resetToken,
		InconsistencyCounter: c.InconsistencyCounter,
		BalanceForReset:      make([]meshwire.CurrencyBalance, len(balances)),
	}
	for i, b := range balances {
		terms.BalanceForReset[i] = meshwire.CurrencyBalance{
			Currency: b.Currency,
			Balance:  meshwire.I128Wire{Neg: b.ExpectedBalance.IsNeg(), Mag: b.ExpectedBalance.Mag()},
		}
	}
	c.PendingReset = terms
	return terms
}

// expectedBalances reports, for every active currency, the balance this
// side believes is correct (its own last-known ledger balance), sorted by
// currency for determinism.
func (c *Channel) expectedBalances() []BalanceForReset {
	out := make([]BalanceForReset, 0, len(c.Currencies))
	for cur, mc := range c.Currencies {
		out = append(out, BalanceForReset{Currency: cur, ExpectedBalance: mc.Balance})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// signResetToken computes resetToken := Sign(hash("RESET" || counter ||
// balances || friendPks)), per spec §4.3.
func signResetToken(priv *btcec.PrivateKey, counter uint64, balances []BalanceForReset, localPk, remotePk meshwire.PublicKey) meshwire.Signature {
	var buf bytes.Buffer
	buf.WriteString("RESET")
	var counterBuf [8]byte
	putUint64(counterBuf[:], counter)
	buf.Write(counterBuf[:])
	for _, b := range balances {
		buf.WriteString(string(b.Currency))
		writeI128(&buf, b.ExpectedBalance)
	}
	buf.Write(localPk[:])
	buf.Write(remotePk[:])

	h := cryptoops.Hash(buf.Bytes())
	return cryptoops.Sign(priv, h[:])
}

// WinningTerms reports whether local's ResetTerms should prevail over
// remote's, per spec §4.3's tie-break rule: "the side holding the
// numerically larger inconsistencyCounter wins; ties break on
// lexicographically smaller public key".
func WinningTerms(local, remote *meshwire.ResetTerms, localPk, remotePk meshwire.PublicKey) bool {
	if local.InconsistencyCounter != remote.InconsistencyCounter {
		return local.InconsistencyCounter > remote.InconsistencyCounter
	}
	return localPk.Less(remotePk)
}

// AcceptReset atomically resurrects the channel from terms offered by
// either side (spec §4.3: "this atomically resurrects the channel"). It
// rebuilds every currency's ledger from terms.BalanceForReset, one entry
// per currency active when the inconsistency was detected (spec §3/§6's
// "balanceForReset: [(Currency, i128)]"), so a reset on a multi-currency
// channel never silently drops the other currencies' balances (spec §7:
// "the core never silently discards information that affects balances").
// It drops all pending transactions by construction (a fresh ledger has no
// frozen debt), and re-arms lastToken/moveTokenCounter so the accepting
// MoveToken's oldToken==resetToken check in ReceiveMoveToken succeeds.
//
// fromRemote reports whose perspective the terms were written from.
// BalanceForReset always carries the offering side's own-perspective
// balances, and the two friends hold mirror-image ledgers, so a side
// adopting the *peer's* terms must negate each balance to restore its own
// perspective. Storing the peer's value verbatim would leave both sides
// holding the same signed balance, and every MoveToken after the reset
// would fail the canonical infoHash comparison.
func (c *Channel) AcceptReset(terms *meshwire.ResetTerms, fromRemote bool) {
	fresh := make(map[meshwire.Currency]*mutualcredit.MutualCredit, len(terms.BalanceForReset))
	for _, cb := range terms.BalanceForReset {
		mc := mutualcredit.New()
		balance := mutualcredit.NewI128(cb.Balance.Neg, cb.Balance.Mag)
		if fromRemote {
			balance = balance.Neg()
		}
		mc.Balance = balance
		// Debt ceilings are node policy, not channel-transient state;
		// preserve them across a reset if the currency already existed.
		if old, ok := c.Currencies[cb.Currency]; ok {
			mc.LocalMaxDebt = old.LocalMaxDebt
			mc.RemoteMaxDebt = old.RemoteMaxDebt
			mc.LocalRequestsOpen = old.LocalRequestsOpen
			mc.RemoteRequestsOpen = old.RemoteRequestsOpen
		}
		fresh[cb.Currency] = mc
	}

	c.Currencies = fresh
	c.InconsistencyCounter = terms.InconsistencyCounter
	c.LastToken = terms.ResetToken
	c.MoveTokenCounter = 0
	c.Inconsistent = false
	c.PendingReset = nil
}
