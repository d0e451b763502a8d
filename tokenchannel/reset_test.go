package tokenchannel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

func TestDetectInconsistencyAndAcceptReset(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	ch := New(pkA, pkB)

	terms := ch.DetectInconsistency(privA)
	require.True(t, ch.Inconsistent)
	require.Equal(t, uint64(1), terms.InconsistencyCounter)
	require.False(t, terms.ResetToken.IsZero())

	ch.AcceptReset(terms, false)
	require.False(t, ch.Inconsistent)
	require.Equal(t, terms.ResetToken, ch.LastToken)
	require.Equal(t, uint64(0), ch.MoveTokenCounter)
}

// TestAcceptResetPreservesEveryCurrency guards against the reset-terms
// scalar-to-list regression: a channel carrying several active currencies
// must come out of a reset with every one of them still present, at its own
// expected balance, per spec §3/§6's "balanceForReset: [(Currency, i128)]".
func TestAcceptResetPreservesEveryCurrency(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	ch := New(pkA, pkB)
	ch.Currencies = map[meshwire.Currency]*mutualcredit.MutualCredit{
		"BTC": mutualcredit.New(),
		"ETH": mutualcredit.New(),
		"USD": mutualcredit.New(),
	}
	ch.Currencies["BTC"].Balance = mutualcredit.NewI128(false, mutualcredit.Uint128FromUint64(100))
	ch.Currencies["BTC"].LocalMaxDebt = mutualcredit.Uint128FromUint64(1000)
	ch.Currencies["ETH"].Balance = mutualcredit.NewI128(true, mutualcredit.Uint128FromUint64(50))
	ch.Currencies["ETH"].RemoteMaxDebt = mutualcredit.Uint128FromUint64(2000)
	ch.Currencies["USD"].Balance = mutualcredit.NewI128(false, mutualcredit.Uint128FromUint64(7))

	terms := ch.DetectInconsistency(privA)
	require.Len(t, terms.BalanceForReset, 3)

	ch.AcceptReset(terms, false)
	require.False(t, ch.Inconsistent)
	require.Len(t, ch.Currencies, 3)

	require.Equal(t, mutualcredit.NewI128(false, mutualcredit.Uint128FromUint64(100)), ch.Currencies["BTC"].Balance)
	require.Equal(t, mutualcredit.Uint128FromUint64(1000), ch.Currencies["BTC"].LocalMaxDebt)
	require.Equal(t, mutualcredit.NewI128(true, mutualcredit.Uint128FromUint64(50)), ch.Currencies["ETH"].Balance)
	require.Equal(t, mutualcredit.Uint128FromUint64(2000), ch.Currencies["ETH"].RemoteMaxDebt)
	require.Equal(t, mutualcredit.NewI128(false, mutualcredit.Uint128FromUint64(7)), ch.Currencies["USD"].Balance)
}

// TestTwoSidedResetResumesChannel drives the full reset negotiation of
// spec §4.3/§8 scenario 6 across two live channels holding a nonzero,
// mirrored balance: both sides detect an inconsistency, exchange terms,
// the loser of the tie-break adopts the winner's terms (negating the
// balances back into its own perspective), and the loser's confirming
// MoveToken must then validate on the winner. This is the path a
// same-perspective AcceptReset would break: both sides would hold the same
// signed balance and the confirming token's infoHash could never match.
func TestTwoSidedResetResumesChannel(t *testing.T) {
	privA, pkA := genKeyPair(t)
	privB, pkB := genKeyPair(t)

	chA := New(pkA, pkB)
	chB := New(pkB, pkA)

	// A is owed 50 by B, so B owes 50 to A: mirror-image ledgers, with
	// the debt ceilings and request flags mirrored as well.
	chA.Currencies["USD"] = mutualcredit.New()
	chA.Currencies["USD"].Balance = mutualcredit.Int128FromInt64(50)
	chA.Currencies["USD"].LocalMaxDebt = mutualcredit.Uint128FromUint64(1000)
	chA.Currencies["USD"].RemoteMaxDebt = mutualcredit.Uint128FromUint64(2000)
	chB.Currencies["USD"] = mutualcredit.New()
	chB.Currencies["USD"].Balance = mutualcredit.Int128FromInt64(-50)
	chB.Currencies["USD"].LocalMaxDebt = mutualcredit.Uint128FromUint64(2000)
	chB.Currencies["USD"].RemoteMaxDebt = mutualcredit.Uint128FromUint64(1000)

	termsA := chA.DetectInconsistency(privA)
	termsB := chB.DetectInconsistency(privB)
	require.True(t, chA.Inconsistent)
	require.True(t, chB.Inconsistent)

	// Same counter on both sides, so the tie-break decides: the side with
	// the smaller public key wins, the other side confirms.
	aWins := WinningTerms(termsA, termsB, pkA, pkB)
	require.Equal(t, !aWins, WinningTerms(termsB, termsA, pkB, pkA))

	winnerCh, loserCh := chA, chB
	winnerTerms := termsA
	loserPriv, loserPk := privB, pkB
	if !aWins {
		winnerCh, loserCh = chB, chA
		winnerTerms = termsB
		loserPriv, loserPk = privA, pkA
	}

	winnerCh.AcceptReset(winnerTerms, false)
	loserCh.AcceptReset(winnerTerms, true)
	winnerCh.Direction = Incoming
	loserCh.Direction = Outgoing

	// The mirror invariant holds again after the reset.
	winnerBal := winnerCh.Currencies["USD"].Balance
	loserBal := loserCh.Currencies["USD"].Balance
	require.Equal(t, winnerBal, loserBal.Neg())
	require.Equal(t, mutualcredit.Uint128FromUint64(50), winnerBal.Mag())
	require.Equal(t, winnerCh.LastToken, loserCh.LastToken)

	// The loser's confirming MoveToken, built from oldToken == resetToken,
	// must validate on the winner and resume normal alternation.
	msg, err := loserCh.BuildMoveToken(loserPriv, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, winnerTerms.ResetToken, msg.OldToken)

	loserCh.CommitSent(msg)
	require.NoError(t, winnerCh.ReceiveMoveToken(msg, loserPk, noopApplier{}, nil))
	require.Equal(t, Outgoing, winnerCh.Direction)
	require.Equal(t, uint64(1), winnerCh.MoveTokenCounter)
}

// TestResetTermsWireRoundTripPreservesAllCurrencies confirms the fix holds
// across the wire, not just in process: encoding and decoding a multi-
// currency ResetTerms must not drop any entry.
func TestResetTermsWireRoundTripPreservesAllCurrencies(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	ch := New(pkA, pkB)
	ch.Currencies = map[meshwire.Currency]*mutualcredit.MutualCredit{
		"BTC": mutualcredit.New(),
		"ETH": mutualcredit.New(),
	}
	ch.Currencies["BTC"].Balance = mutualcredit.NewI128(false, mutualcredit.Uint128FromUint64(9))
	ch.Currencies["ETH"].Balance = mutualcredit.NewI128(true, mutualcredit.Uint128FromUint64(3))

	terms := ch.DetectInconsistency(privA)

	var buf bytes.Buffer
	require.NoError(t, terms.Encode(&buf))

	decoded := &meshwire.ResetTerms{}
	require.NoError(t, decoded.Decode(&buf))
	require.Equal(t, terms.BalanceForReset, decoded.BalanceForReset)
}
