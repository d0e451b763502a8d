package tokenchannel

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

func genKeyPair(t *testing.T) (*btcec.PrivateKey, meshwire.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, meshwire.NewPublicKey(priv.PubKey())
}

// noopApplier applies the three config operations with the same receiving-
// side mirror meshswitch's routerApplier uses (the sender's remoteMaxDebt
// is this side's localMaxDebt, and so on), and treats any funds op as a
// no-op, enough to exercise the reception pipeline in isolation from
// meshswitch's routing logic.
type noopApplier struct{}

func (noopApplier) ApplyOp(_ meshwire.Currency, mc *mutualcredit.MutualCredit, op meshwire.Operation) error {
	switch o := op.(type) {
	case *meshwire.SetRemoteMaxDebtOp:
		mc.SetLocalMaxDebt(o.MaxDebt)
	case *meshwire.EnableRequestsOp:
		mc.SetRemoteRequestsOpen(true)
	case *meshwire.DisableRequestsOp:
		mc.SetRemoteRequestsOpen(false)
	}
	return nil
}

func TestInitialTokenAgreesBothDirections(t *testing.T) {
	_, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	tokAB := InitialToken(pkA, pkB)
	tokBA := InitialToken(pkB, pkA)
	require.Equal(t, tokAB, tokBA)

	dirA := InitialDirection(pkA, pkB)
	dirB := InitialDirection(pkB, pkA)
	require.NotEqual(t, dirA, dirB)
}

// TestMoveTokenRoundTripAdvancesChannel forces chA to hold the token
// regardless of which key the random comparison favored, so the test
// deterministically exercises the sender/receiver roles.
func TestMoveTokenRoundTripAdvancesChannel(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	chA := New(pkA, pkB)
	chB := New(pkB, pkA)
	require.Equal(t, chA.LastToken, chB.LastToken)

	chA.Direction = Outgoing
	chB.Direction = Incoming

	msg, err := chA.BuildMoveToken(privA, []meshwire.CurrencyOperations{
		{Currency: "USD", Ops: []meshwire.Operation{&meshwire.SetRemoteMaxDebtOp{MaxDebt: meshwire.NewU128(1000)}}},
	}, []meshwire.Currency{"USD"}, nil, nil)
	require.NoError(t, err)

	err = chB.ReceiveMoveToken(msg, pkA, noopApplier{}, nil)
	require.NoError(t, err)

	require.Equal(t, Outgoing, chB.Direction)
	require.Equal(t, uint64(1), chB.MoveTokenCounter)
	require.Contains(t, chB.Currencies, meshwire.Currency("USD"))

	// A raised the ceiling it extends to B; on B's mirror that is
	// localMaxDebt.
	require.Equal(t, meshwire.NewU128(1000), chB.Currencies["USD"].LocalMaxDebt)
}

// TestCommitSentMirrorsReceiverState checks that calling CommitSent on the
// sender's own channel after BuildMoveToken leaves it in the same state
// ReceiveMoveToken independently derives on the receiver's side.
func TestCommitSentMirrorsReceiverState(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	chA := New(pkA, pkB)
	chB := New(pkB, pkA)
	chA.Direction = Outgoing
	chB.Direction = Incoming

	msg, err := chA.BuildMoveToken(privA, []meshwire.CurrencyOperations{
		{Currency: "USD", Ops: []meshwire.Operation{&meshwire.SetRemoteMaxDebtOp{MaxDebt: meshwire.NewU128(1000)}}},
	}, []meshwire.Currency{"USD"}, nil, nil)
	require.NoError(t, err)

	chA.CommitSent(msg)
	require.NoError(t, chB.ReceiveMoveToken(msg, pkA, noopApplier{}, nil))

	require.Equal(t, Incoming, chA.Direction)
	require.Equal(t, Outgoing, chB.Direction)
	require.Equal(t, chB.MoveTokenCounter, chA.MoveTokenCounter)
	require.Equal(t, chB.LastToken, chA.LastToken)

	// The two committed ledgers are mirror images of each other.
	require.Equal(t, meshwire.NewU128(1000), chA.Currencies["USD"].RemoteMaxDebt)
	require.Equal(t, meshwire.NewU128(1000), chB.Currencies["USD"].LocalMaxDebt)

	// A second BuildMoveToken attempt must now fail: chA no longer holds
	// the token after committing its own send.
	_, err = chA.BuildMoveToken(privA, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrNotOutgoing)
}

// TestTokenAlternatesBothDirections drives a full A -> B -> A exchange so
// the infoHash agreement is exercised from both perspectives (whichever of
// the two random keys compares smaller, one of the two receptions runs with
// the flipped canonical orientation).
func TestTokenAlternatesBothDirections(t *testing.T) {
	privA, pkA := genKeyPair(t)
	privB, pkB := genKeyPair(t)

	chA := New(pkA, pkB)
	chB := New(pkB, pkA)
	chA.Direction = Outgoing
	chB.Direction = Incoming

	msg1, err := chA.BuildMoveToken(privA, []meshwire.CurrencyOperations{
		{Currency: "USD", Ops: []meshwire.Operation{
			&meshwire.SetRemoteMaxDebtOp{MaxDebt: meshwire.NewU128(500)},
			&meshwire.EnableRequestsOp{},
		}},
	}, []meshwire.Currency{"USD"}, nil, nil)
	require.NoError(t, err)
	chA.CommitSent(msg1)
	require.NoError(t, chB.ReceiveMoveToken(msg1, pkA, noopApplier{}, nil))

	msg2, err := chB.BuildMoveToken(privB, []meshwire.CurrencyOperations{
		{Currency: "USD", Ops: []meshwire.Operation{&meshwire.SetRemoteMaxDebtOp{MaxDebt: meshwire.NewU128(700)}}},
	}, nil, nil, nil)
	require.NoError(t, err)
	chB.CommitSent(msg2)
	require.NoError(t, chA.ReceiveMoveToken(msg2, pkB, noopApplier{}, nil))

	require.Equal(t, Outgoing, chA.Direction)
	require.Equal(t, Incoming, chB.Direction)
	require.Equal(t, chB.LastToken, chA.LastToken)
	require.Equal(t, uint64(2), chA.MoveTokenCounter)

	require.Equal(t, meshwire.NewU128(500), chB.Currencies["USD"].LocalMaxDebt)
	require.Equal(t, meshwire.NewU128(700), chA.Currencies["USD"].LocalMaxDebt)
	require.False(t, chA.Currencies["USD"].RemoteRequestsOpen)
	require.True(t, chB.Currencies["USD"].RemoteRequestsOpen)
}

func TestReceiveMoveTokenRejectsBadOldToken(t *testing.T) {
	_, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	chB := New(pkB, pkA)
	chB.Direction = Incoming

	msg := &meshwire.MoveToken{
		OldToken: meshwire.Signature{0xff}, // deliberately wrong
	}

	err := chB.ReceiveMoveToken(msg, pkA, noopApplier{}, nil)
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestWinningTermsTieBreak(t *testing.T) {
	_, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)
	lower, higher := pkA, pkB
	if pkB.Less(pkA) {
		lower, higher = pkB, pkA
	}

	local := &meshwire.ResetTerms{InconsistencyCounter: 5}
	remote := &meshwire.ResetTerms{InconsistencyCounter: 5}

	require.True(t, WinningTerms(local, remote, lower, higher))
	require.False(t, WinningTerms(local, remote, higher, lower))

	remote.InconsistencyCounter = 6
	require.False(t, WinningTerms(local, remote, lower, higher))
}
