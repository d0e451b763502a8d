package persistence

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/paymentengine"
	"github.com/meshcredit/corenet/tokenchannel"
)

func genTestPk(t *testing.T) meshwire.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return meshwire.NewPublicKey(priv.PubKey())
}

func TestOpenCreatesBucketsAndIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	// Re-running the bucket/schema setup against an already-initialized
	// store must be a no-op, not an error.
	require.NoError(t, s.initBuckets())
	require.NoError(t, s.checkSchema())
}

func TestOpenRejectsMismatchedSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	err = s.Update(func(tx *bolt.Tx) error {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], schemaVersion+1)
		return tx.Bucket(metaBucket).Put(metaVersionKey, buf[:])
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestWipeResetsAllBuckets(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	pk := genTestPk(t)
	require.NoError(t, s.Apply([]Mutation{PutFriend(pk, true)}))

	_, ok, err := s.Get(friendsBucket, pk[:])
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Wipe())

	_, ok, err = s.Get(friendsBucket, pk[:])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFriendRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	pk := genTestPk(t)
	require.NoError(t, s.Apply([]Mutation{PutFriend(pk, true)}))

	raw, ok, err := s.Get(friendsBucket, pk[:])
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, FriendEnabled(raw))

	require.NoError(t, s.Apply([]Mutation{DeleteFriend(pk)}))
	_, ok, err = s.Get(friendsBucket, pk[:])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenChannelRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	localPk, remotePk := genTestPk(t), genTestPk(t)
	snap := tokenchannel.Snapshot{
		LocalPk:              localPk,
		RemotePk:             remotePk,
		Direction:            tokenchannel.Outgoing,
		LastToken:            meshwire.Signature{1, 2, 3},
		MoveTokenCounter:     7,
		InconsistencyCounter: 1,
		Currencies: map[meshwire.Currency]mutualcredit.MutualCredit{
			"USD": {
				Balance:           mutualcredit.Int128FromInt64(-42),
				LocalMaxDebt:      mutualcredit.Uint128FromUint64(1000),
				RemoteMaxDebt:     mutualcredit.Uint128FromUint64(2000),
				LocalPendingDebt:  mutualcredit.Uint128FromUint64(5),
				RemotePendingDebt: mutualcredit.Uint128FromUint64(6),
				InFees:            mutualcredit.Uint128FromUint64(1),
				OutFees:           mutualcredit.Uint128FromUint64(2),
				LocalRequestsOpen: true,
			},
		},
		LocalRelays:  []meshwire.PublicKey{genTestPk(t)},
		RemoteRelays: []meshwire.PublicKey{genTestPk(t), genTestPk(t)},
		Inconsistent: false,
	}

	mut, err := PutTokenChannel(remotePk, snap)
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Mutation{mut}))

	raw, ok, err := s.Get(tokenChannelBucket, remotePk[:])
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodeTokenChannel(raw)
	require.NoError(t, err)
	require.Equal(t, snap, got)
}

func TestPendingTxRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	friend := genTestPk(t)
	pt := &meshswitch.PendingTransaction{
		RequestId:        cryptoops.RandomHash(),
		Currency:         "USD",
		Route:            meshwire.FriendsRoute{genTestPk(t), friend, genTestPk(t)},
		Position:         1,
		Role:             meshswitch.RoleMediator,
		SrcHashedLock:    cryptoops.RandomHash(),
		DestHashedLock:   cryptoops.RandomHash(),
		DestPlainLock:    cryptoops.RandomHash(),
		DestPayment:      meshwire.NewU128(40),
		TotalDestPayment: meshwire.NewU128(40),
		InvoiceHash:      cryptoops.RandomHash(),
		LeftFees:         meshwire.NewU128(1),
	}

	mut, err := PutPendingTx(friend, true, pt)
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Mutation{mut}))

	raw, ok, err := s.Get(pendingTxBucket, pendingTxKey(friend, true, pt.RequestId))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodePendingTx(raw)
	require.NoError(t, err)
	require.Equal(t, pt, got)

	require.NoError(t, s.Apply([]Mutation{DeletePendingTx(friend, true, pt.RequestId)}))
	_, ok, err = s.Get(pendingTxBucket, pendingTxKey(friend, true, pt.RequestId))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvoiceRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	inv := &paymentengine.Invoice{
		InvoiceId:        cryptoops.RandomHash(),
		Currency:         "USD",
		TotalDestPayment: meshwire.NewU128(100),
		Collected:        meshwire.NewU128(40),
		Status:           paymentengine.InvoiceOpen,
	}

	mut, err := PutInvoice(inv)
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Mutation{mut}))

	raw, ok, err := s.Get(invoiceBucket, invoiceKeyBytes(inv.Currency, inv.InvoiceId))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodeInvoice(raw)
	require.NoError(t, err)
	require.Equal(t, inv, got)
}

func TestPaymentRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	sellerPk := genTestPk(t)
	p := &paymentengine.Payment{
		PaymentId:        cryptoops.RandomHash(),
		InvoiceId:        cryptoops.RandomHash(),
		Currency:         "USD",
		TotalDestPayment: meshwire.NewU128(40),
		DestPublicKey:    sellerPk,
		Status:           paymentengine.PaymentSuccess,
		Receipts: []paymentengine.Receipt{{
			RequestId:      cryptoops.RandomHash(),
			InvoiceId:      cryptoops.RandomHash(),
			Currency:       "USD",
			DestPayment:    meshwire.NewU128(40),
			SrcPlainLock:   cryptoops.RandomHash(),
			DestHashedLock: cryptoops.RandomHash(),
			RandNonce:      cryptoops.RandomHash(),
			Signature:      meshwire.Signature{9, 9, 9},
		}},
	}
	tx := &paymentengine.Transaction{
		RequestId:   cryptoops.RandomHash(),
		Route:       meshwire.FriendsRoute{genTestPk(t), sellerPk},
		Currency:    "USD",
		DestPayment: meshwire.NewU128(40),
		State:       paymentengine.TxCollected,
	}

	mut, err := PutPayment(p, []*paymentengine.Transaction{tx})
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Mutation{mut}))

	raw, ok, err := s.Get(paymentBucket, p.PaymentId[:])
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodePayment(raw)
	require.NoError(t, err)
	require.Equal(t, *p, got.Payment)
	require.Equal(t, []paymentengine.Transaction{*tx}, got.Transactions)
}

func TestOutboxRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	friend := genTestPk(t)
	msg := &meshwire.MoveTokenRequest{TokenWanted: true}

	mut, err := PutOutboxEntry(friend, 1, msg)
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Mutation{mut}))

	raw, ok, err := s.Get(outboxBucket, outboxKey(friend, 1))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodeOutboxEntry(raw)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	require.NoError(t, s.Apply([]Mutation{DeleteOutboxEntry(friend, 1)}))
	_, ok, err = s.Get(outboxBucket, outboxKey(friend, 1))
	require.NoError(t, err)
	require.False(t, ok)
}
