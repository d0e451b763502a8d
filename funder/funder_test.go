package funder

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/tokenchannel"
)

func genKeyPair(t *testing.T) (*btcec.PrivateKey, meshwire.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, meshwire.NewPublicKey(priv.PubKey())
}

func TestBuildNextDrainsQueueAndCaches(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	m := NewManager()
	ch := tokenchannel.New(pkA, pkB)
	ch.Direction = tokenchannel.Outgoing
	m.AddFriend(pkB, ch)

	m.Enqueue(pkB, "USD", &meshwire.SetRemoteMaxDebtOp{MaxDebt: meshwire.NewU128(10)}, nil)
	m.Enqueue(pkB, "USD", &meshwire.EnableRequestsOp{}, nil)

	msg1, ok, err := m.BuildNext(privA, pkB)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, msg1.CurrenciesOps, 1)
	require.Len(t, msg1.CurrenciesOps[0].Ops, 2)

	// Without an ack, a second call must resend the identical message
	// rather than draining further, even though another op is enqueued
	// meanwhile.
	m.Enqueue(pkB, "USD", &meshwire.DisableRequestsOp{}, nil)
	msg2, ok, err := m.BuildNext(privA, pkB)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg1.NewToken, msg2.NewToken)
	require.Len(t, msg2.CurrenciesOps[0].Ops, 2)

	require.NoError(t, m.AckMoveToken(pkB, msg1.NewToken))
	msg3, ok, err := m.BuildNext(privA, pkB)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, msg1.NewToken, msg3.NewToken)
	require.Len(t, msg3.CurrenciesOps[0].Ops, 1)
}

func TestBuildNextRespectsLiveness(t *testing.T) {
	privA, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)

	m := NewManager()
	ch := tokenchannel.New(pkA, pkB)
	ch.Direction = tokenchannel.Outgoing
	m.AddFriend(pkB, ch)
	m.Enqueue(pkB, "USD", &meshwire.EnableRequestsOp{}, nil)

	require.NoError(t, m.SetLive(pkB, false))
	_, ok, err := m.BuildNext(privA, pkB)
	require.ErrorIs(t, err, ErrNotLive)
	require.False(t, ok)

	require.NoError(t, m.SetLive(pkB, true))
	_, ok, err = m.BuildNext(privA, pkB)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildNextUnknownFriend(t *testing.T) {
	priv, _ := genKeyPair(t)
	_, other := genKeyPair(t)
	m := NewManager()
	_, ok, err := m.BuildNext(priv, other)
	require.ErrorIs(t, err, ErrUnknownFriend)
	require.False(t, ok)
}

func TestMutualCreditCreatesLedgerOnFirstUse(t *testing.T) {
	_, pkA := genKeyPair(t)
	_, pkB := genKeyPair(t)
	m := NewManager()
	ch := tokenchannel.New(pkA, pkB)
	m.AddFriend(pkB, ch)

	mc1, ok := m.MutualCredit(pkB, "USD")
	require.True(t, ok)
	mc2, ok := m.MutualCredit(pkB, "USD")
	require.True(t, ok)
	require.Same(t, mc1, mc2)
}
