package meshwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePublicKey(b byte) PublicKey {
	var pk PublicKey
	pk[0] = 0x02
	pk[1] = b
	return pk
}

func TestMoveTokenRoundTrip(t *testing.T) {
	route := FriendsRoute{samplePublicKey(1), samplePublicKey(2), samplePublicKey(3)}
	req := &RequestSendFundsOp{
		RequestId:        HashResult{1},
		SrcHashedLock:    HashResult{2},
		Route:            route,
		DestPayment:      NewU128(1000),
		TotalDestPayment: NewU128(1010),
		InvoiceHash:      HashResult{3},
		LeftFees:         NewU128(10),
	}
	orig := &MoveToken{
		OldToken: Signature{0xaa},
		CurrenciesOps: []CurrencyOperations{
			{Currency: "USD", Ops: []Operation{req, &EnableRequestsOp{}}},
		},
		CurrenciesDiff: []Currency{"EUR"},
		RelaysDiff:     []PublicKey{samplePublicKey(9)},
		InfoHash:       HashResult{7},
		NewToken:       Signature{0xbb},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, orig))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgMoveToken, decoded.MsgType())

	got, ok := decoded.(*MoveToken)
	require.True(t, ok)
	require.Equal(t, orig.OldToken, got.OldToken)
	require.Equal(t, orig.NewToken, got.NewToken)
	require.Equal(t, orig.InfoHash, got.InfoHash)
	require.Len(t, got.CurrenciesOps, 1)
	require.Equal(t, Currency("USD"), got.CurrenciesOps[0].Currency)
	require.Len(t, got.CurrenciesOps[0].Ops, 2)

	gotReq, ok := got.CurrenciesOps[0].Ops[0].(*RequestSendFundsOp)
	require.True(t, ok)
	require.Equal(t, req.Route, gotReq.Route)
	require.Equal(t, req.DestPayment, gotReq.DestPayment)
}

func TestResetTermsRoundTrip(t *testing.T) {
	orig := &ResetTerms{
		ResetToken:           Signature{0x01},
		InconsistencyCounter: 42,
		BalanceForReset: []CurrencyBalance{
			{Currency: "BTC", Balance: I128Wire{Neg: true, Mag: NewU128(500)}},
			{Currency: "USD", Balance: I128Wire{Neg: false, Mag: NewU128(100)}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, orig))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	got, ok := decoded.(*ResetTerms)
	require.True(t, ok)
	require.Equal(t, orig.ResetToken, got.ResetToken)
	require.Equal(t, orig.InconsistencyCounter, got.InconsistencyCounter)
	require.Equal(t, orig.BalanceForReset, got.BalanceForReset)
}

func TestRouteValidate(t *testing.T) {
	good := FriendsRoute{samplePublicKey(1), samplePublicKey(2)}
	require.NoError(t, good.Validate())

	tooShort := FriendsRoute{samplePublicKey(1)}
	require.ErrorIs(t, tooShort.Validate(), ErrRouteTooShort)

	selfLoop := FriendsRoute{samplePublicKey(1), samplePublicKey(2), samplePublicKey(1)}
	require.ErrorIs(t, selfLoop.Validate(), ErrRouteSelfLoop)

	loop := FriendsRoute{samplePublicKey(1), samplePublicKey(2), samplePublicKey(1), samplePublicKey(3)}
	require.ErrorIs(t, loop.Validate(), ErrRouteLoop)

	adjacent := FriendsRoute{samplePublicKey(1), samplePublicKey(2), samplePublicKey(2), samplePublicKey(3)}
	require.ErrorIs(t, adjacent.Validate(), ErrRouteAdjacentDup)
}
