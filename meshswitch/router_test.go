package meshswitch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

func testKey(b byte) meshwire.PublicKey {
	var pk meshwire.PublicKey
	pk[0] = 0x02
	for i := 1; i < len(pk); i++ {
		pk[i] = b
	}
	return pk
}

type fakeCredit struct {
	ledgers map[meshwire.PublicKey]*mutualcredit.MutualCredit
}

func newFakeCredit() *fakeCredit {
	return &fakeCredit{ledgers: make(map[meshwire.PublicKey]*mutualcredit.MutualCredit)}
}

func (f *fakeCredit) with(pk meshwire.PublicKey, maxDebt uint64) *fakeCredit {
	mc := mutualcredit.New()
	mc.LocalMaxDebt = mutualcredit.Uint128FromUint64(maxDebt)
	mc.RemoteMaxDebt = mutualcredit.Uint128FromUint64(maxDebt)
	mc.LocalRequestsOpen = true
	mc.RemoteRequestsOpen = true
	f.ledgers[pk] = mc
	return f
}

func (f *fakeCredit) MutualCredit(pk meshwire.PublicKey, _ meshwire.Currency) (*mutualcredit.MutualCredit, bool) {
	mc, ok := f.ledgers[pk]
	return mc, ok
}

type fakeInvoices struct {
	total, collected mutualcredit.U128
	found            bool
}

func (f *fakeInvoices) LookupOpenInvoice(_ meshwire.Currency, _ meshwire.HashResult) (mutualcredit.U128, mutualcredit.U128, bool) {
	return f.total, f.collected, f.found
}

type fakeNotifier struct {
	responses []meshwire.HashResult
	cancels   []meshwire.HashResult
	collects  []meshwire.HashResult
}

func (f *fakeNotifier) OnResponse(requestId, _, _ meshwire.HashResult, _ meshwire.Signature) {
	f.responses = append(f.responses, requestId)
}
func (f *fakeNotifier) OnCancel(requestId meshwire.HashResult) {
	f.cancels = append(f.cancels, requestId)
}
func (f *fakeNotifier) OnCollect(requestId meshwire.HashResult, _, _ meshwire.HashResult) {
	f.collects = append(f.collects, requestId)
}

type sentOp struct {
	friend   meshwire.PublicKey
	currency meshwire.Currency
	op       meshwire.Operation
	effect   *mutualcredit.PendingEffect
}

type fakeOutbound struct {
	sent []sentOp
}

func (f *fakeOutbound) Enqueue(friend meshwire.PublicKey, currency meshwire.Currency, op meshwire.Operation, effect *mutualcredit.PendingEffect) {
	f.sent = append(f.sent, sentOp{friend, currency, op, effect})
}

const testCurrency = meshwire.Currency("USD")

// TestHandleRequestMediatorForwards exercises the mediator branch: it
// should freeze matching amounts on both the inbound and outbound ledgers
// and forward a Request with the fee already deducted from leftFees.
func TestHandleRequestMediatorForwards(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)
	dest := testKey(0x04)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	notifier := &fakeNotifier{}
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, notifier, outbound)
	r.SetRate(downstream, meshwire.Rate{Add: 5}) // flat fee of 5

	inMc, _ := credit.MutualCredit(upstream, testCurrency)

	req := &meshwire.RequestSendFundsOp{
		RequestId:        cryptoops.RandomHash(),
		Route:            meshwire.FriendsRoute{upstream, self, downstream, dest},
		DestPayment:      meshwire.NewU128(100),
		TotalDestPayment: meshwire.NewU128(100),
		LeftFees:         meshwire.NewU128(50),
	}

	err := r.HandleRequest(upstream, testCurrency, inMc, req)
	require.NoError(t, err)
	require.Len(t, outbound.sent, 1)

	fwd, ok := outbound.sent[0].op.(*meshwire.RequestSendFundsOp)
	require.True(t, ok)
	require.Equal(t, downstream, outbound.sent[0].friend)
	require.Equal(t, mutualcredit.Uint128FromUint64(45), fwd.LeftFees)

	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.Equal(t, mutualcredit.Uint128FromUint64(150), inMc.RemotePendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(145), outMc.LocalPendingDebt)
	require.NoError(t, outMc.Invariant())
	require.NoError(t, inMc.Invariant())

	// The queued forward carries its ledger effect, so the move-token
	// builder can exclude the freeze until the message reaches the wire.
	require.NotNil(t, outbound.sent[0].effect)
	require.Equal(t, mutualcredit.EffectFreezeLocal, outbound.sent[0].effect.Kind)
	require.Equal(t, mutualcredit.Uint128FromUint64(145), outbound.sent[0].effect.Amount)
}

// TestHandleRequestCancelsWhenRequestsClosed refuses to mediate toward a
// hop that never opened the currency's requests, unwinding the inbound
// freeze and answering with a Cancel.
func TestHandleRequestCancelsWhenRequestsClosed(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)
	dest := testKey(0x04)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	outMc.RemoteRequestsOpen = false

	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)
	r.SetRate(downstream, meshwire.ZeroRate)

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	req := &meshwire.RequestSendFundsOp{
		RequestId:   cryptoops.RandomHash(),
		Route:       meshwire.FriendsRoute{upstream, self, downstream, dest},
		DestPayment: meshwire.NewU128(100),
		LeftFees:    meshwire.NewU128(10),
	}

	require.NoError(t, r.HandleRequest(upstream, testCurrency, inMc, req))
	require.Len(t, outbound.sent, 1)
	require.Equal(t, upstream, outbound.sent[0].friend)
	_, isCancel := outbound.sent[0].op.(*meshwire.CancelSendFundsOp)
	require.True(t, isCancel)
	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(0), outMc.LocalPendingDebt)
}

// TestHandleRequestDestinationMatchesInvoice exercises the terminal branch:
// a matching invoice should freeze destPayment+leftFees on the inbound
// ledger and
// record an inbound pending entry, with no forwarding.
func TestHandleRequestDestinationMatchesInvoice(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)

	credit := newFakeCredit().with(upstream, 1_000_000)
	invoices := &fakeInvoices{total: meshwire.NewU128(100), collected: meshwire.NewU128(0), found: true}
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, invoices, &fakeNotifier{}, outbound)

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	requestId := cryptoops.RandomHash()
	req := &meshwire.RequestSendFundsOp{
		RequestId:        requestId,
		Route:            meshwire.FriendsRoute{upstream, self},
		DestPayment:      meshwire.NewU128(40),
		TotalDestPayment: meshwire.NewU128(100),
		LeftFees:         meshwire.NewU128(10),
	}

	err := r.HandleRequest(upstream, testCurrency, inMc, req)
	require.NoError(t, err)
	require.Empty(t, outbound.sent)

	entry, ok := r.friend(upstream).Inbound[requestId]
	require.True(t, ok)
	require.Equal(t, RoleDestination, entry.Role)
	require.Equal(t, mutualcredit.Uint128FromUint64(50), inMc.RemotePendingDebt)
}

// TestHandleRequestRejectsInvoiceOverflow cancels a Request whose
// destPayment would push the invoice past its totalDestPayment, and leaves
// no residual freeze behind.
func TestHandleRequestRejectsInvoiceOverflow(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)

	credit := newFakeCredit().with(upstream, 1_000_000)
	invoices := &fakeInvoices{total: meshwire.NewU128(100), collected: meshwire.NewU128(90), found: true}
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, invoices, &fakeNotifier{}, outbound)

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	requestId := cryptoops.RandomHash()
	req := &meshwire.RequestSendFundsOp{
		RequestId:   requestId,
		Route:       meshwire.FriendsRoute{upstream, self},
		DestPayment: meshwire.NewU128(40),
		LeftFees:    meshwire.NewU128(10),
	}

	err := r.HandleRequest(upstream, testCurrency, inMc, req)
	require.NoError(t, err)
	require.Len(t, outbound.sent, 1)
	_, isCancel := outbound.sent[0].op.(*meshwire.CancelSendFundsOp)
	require.True(t, isCancel)

	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)
	_, hasEntry := r.friend(upstream).Inbound[requestId]
	require.False(t, hasEntry)
}

// TestHandleCancelForwardsBothWays checks that a Cancel received on the
// outbound side both unwinds that ledger and forwards toward the previous
// hop, and that the mirrored inbound entry is forwarded back toward the
// friend that sent the original Request.
func TestHandleCancelForwardsBothWays(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	notifier := &fakeNotifier{}
	r := NewRouter(self, credit, &fakeInvoices{}, notifier, outbound)

	requestId := cryptoops.RandomHash()
	route := meshwire.FriendsRoute{upstream, self, downstream}

	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.NoError(t, outMc.FreezeLocal(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(downstream).addOutbound(&PendingTransaction{
		RequestId:   requestId,
		Route:       route,
		Position:    1,
		Role:        RoleMediator,
		DestPayment: mutualcredit.Uint128FromUint64(100),
		LeftFees:    mutualcredit.Uint128FromUint64(10),
	}))

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	require.NoError(t, inMc.FreezeRemote(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(upstream).addInbound(&PendingTransaction{
		RequestId:   requestId,
		Route:       route,
		Position:    1,
		Role:        RoleMediator,
		DestPayment: mutualcredit.Uint128FromUint64(100),
		LeftFees:    mutualcredit.Uint128FromUint64(10),
	}))

	op := &meshwire.CancelSendFundsOp{RequestId: requestId}
	err := r.HandleCancel(downstream, testCurrency, outMc, op)
	require.NoError(t, err)

	require.Equal(t, mutualcredit.Uint128FromUint64(0), outMc.LocalPendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)

	var forwardedToUpstream, forwardedToOrigin bool
	for _, s := range outbound.sent {
		if c, ok := s.op.(*meshwire.CancelSendFundsOp); ok && c.RequestId == requestId {
			if s.friend == upstream {
				forwardedToUpstream = true
			}
			if s.friend == self {
				forwardedToOrigin = true
			}
		}
	}
	require.True(t, forwardedToUpstream, "cancel should forward to the previous hop on the outbound side")
	require.False(t, forwardedToOrigin)
	require.Empty(t, notifier.cancels)

	_, hasOut := r.friend(downstream).Outbound[requestId]
	require.False(t, hasOut)
	_, hasIn := r.friend(upstream).Inbound[requestId]
	require.False(t, hasIn)
}

// TestHandleCollectSettlesBothLedgers verifies a Collect commits the exact
// amount that was frozen (destPayment+fee) on both the outbound and the
// mirrored inbound ledger, leaving no residual pending debt.
func TestHandleCollectSettlesBothLedgers(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)

	srcPlain := cryptoops.RandomHash()
	destPlain := cryptoops.RandomHash()
	srcHashed := cryptoops.Hash(srcPlain[:])
	destHashed := cryptoops.Hash(destPlain[:])

	requestId := cryptoops.RandomHash()
	route := meshwire.FriendsRoute{upstream, self, downstream}

	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.NoError(t, outMc.FreezeLocal(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(downstream).addOutbound(&PendingTransaction{
		RequestId:      requestId,
		Route:          route,
		Position:       1,
		Role:           RoleMediator,
		SrcHashedLock:  srcHashed,
		DestHashedLock: destHashed,
		DestPayment:    mutualcredit.Uint128FromUint64(100),
		LeftFees:       mutualcredit.Uint128FromUint64(10),
	}))

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	require.NoError(t, inMc.FreezeRemote(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(upstream).addInbound(&PendingTransaction{
		RequestId:      requestId,
		Route:          route,
		Position:       1,
		Role:           RoleMediator,
		SrcHashedLock:  srcHashed,
		DestHashedLock: destHashed,
		DestPayment:    mutualcredit.Uint128FromUint64(100),
		LeftFees:       mutualcredit.Uint128FromUint64(10),
	}))

	op := &meshwire.CollectSendFundsOp{RequestId: requestId, SrcPlainLock: srcPlain, DestPlainLock: destPlain}
	err := r.HandleCollect(downstream, testCurrency, outMc, op)
	require.NoError(t, err)

	require.Equal(t, mutualcredit.Uint128FromUint64(0), outMc.LocalPendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(10), outMc.OutFees)
	require.Equal(t, mutualcredit.Uint128FromUint64(10), inMc.InFees)
}

// TestHandleCollectRejectsLockMismatch ensures a Collect whose revealed
// preimages don't hash to the recorded locks is rejected outright.
func TestHandleCollectRejectsLockMismatch(t *testing.T) {
	self := testKey(0x01)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(downstream, 1_000_000)
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, &fakeOutbound{})

	requestId := cryptoops.RandomHash()
	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.NoError(t, r.friend(downstream).addOutbound(&PendingTransaction{
		RequestId:      requestId,
		Route:          meshwire.FriendsRoute{self, downstream},
		Position:       0,
		Role:           RoleOrigin,
		SrcHashedLock:  cryptoops.RandomHash(),
		DestHashedLock: cryptoops.RandomHash(),
		DestPayment:    mutualcredit.Uint128FromUint64(10),
	}))

	op := &meshwire.CollectSendFundsOp{RequestId: requestId, SrcPlainLock: cryptoops.RandomHash(), DestPlainLock: cryptoops.RandomHash()}
	err := r.HandleCollect(downstream, testCurrency, outMc, op)
	require.ErrorIs(t, err, ErrLockMismatch)
}

// TestHandleRequestDuplicateRequestId rejects, as a protocol violation, a
// second Request reusing a requestId already pending from the same friend
// (spec §4.4: "duplicates from the same direction are a protocol
// violation"). The violation surfaces as an ApplyOp error rather than a
// quiet Cancel, so the caller's ReceiveMoveToken fails the whole move and
// raises an Inconsistency (spec §7).
func TestHandleRequestDuplicateRequestId(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)
	r.SetRate(downstream, meshwire.ZeroRate)

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	requestId := cryptoops.RandomHash()
	req := &meshwire.RequestSendFundsOp{
		RequestId:   requestId,
		Route:       meshwire.FriendsRoute{upstream, self, downstream},
		DestPayment: meshwire.NewU128(10),
		LeftFees:    meshwire.NewU128(5),
	}

	require.NoError(t, r.HandleRequest(upstream, testCurrency, inMc, req))
	outbound.sent = nil

	err := r.HandleRequest(upstream, testCurrency, inMc, req)
	require.ErrorIs(t, err, ErrDuplicateRequestId)
	require.Empty(t, outbound.sent)
}

// TestHandleRequestDuplicateRequestIdCrossFriend rejects a requestId reused
// by a different friend than the one that first claimed it: spec §4.4 makes
// requestId "globally unique across the node", not merely unique within one
// friend's own inbound index.
func TestHandleRequestDuplicateRequestIdCrossFriend(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	otherUpstream := testKey(0x04)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(upstream, 1_000_000).with(otherUpstream, 1_000_000).with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)
	r.SetRate(downstream, meshwire.ZeroRate)

	requestId := cryptoops.RandomHash()
	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	req := &meshwire.RequestSendFundsOp{
		RequestId:   requestId,
		Route:       meshwire.FriendsRoute{upstream, self, downstream},
		DestPayment: meshwire.NewU128(10),
		LeftFees:    meshwire.NewU128(5),
	}
	require.NoError(t, r.HandleRequest(upstream, testCurrency, inMc, req))
	outbound.sent = nil

	otherMc, _ := credit.MutualCredit(otherUpstream, testCurrency)
	otherReq := &meshwire.RequestSendFundsOp{
		RequestId:   requestId,
		Route:       meshwire.FriendsRoute{otherUpstream, self, downstream},
		DestPayment: meshwire.NewU128(10),
		LeftFees:    meshwire.NewU128(5),
	}
	err := r.HandleRequest(otherUpstream, testCurrency, otherMc, otherReq)
	require.ErrorIs(t, err, ErrDuplicateRequestId)
	require.Empty(t, outbound.sent)
}

type fakeSigner struct {
	sig       meshwire.Signature
	issued    []meshwire.HashResult
	issuedTo  []meshwire.PublicKey
	cancelled []meshwire.HashResult
}

func (f *fakeSigner) SignResponse(_ []byte) meshwire.Signature {
	return f.sig
}

func (f *fakeSigner) OnResponseIssued(friend meshwire.PublicKey, _ meshwire.Currency, requestId, _ meshwire.HashResult, _ mutualcredit.U128) {
	f.issued = append(f.issued, requestId)
	f.issuedTo = append(f.issuedTo, friend)
}

func (f *fakeSigner) OnResponseCancelled(requestId meshwire.HashResult) {
	f.cancelled = append(f.cancelled, requestId)
}

// TestHandleRequestDestinationSignsResponse checks that, once a
// ResponseSigner is wired in, the destination branch answers a matching
// Request with a signed Response sent back to the friend it arrived from.
func TestHandleRequestDestinationSignsResponse(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)

	credit := newFakeCredit().with(upstream, 1_000_000)
	invoices := &fakeInvoices{total: meshwire.NewU128(100), collected: meshwire.NewU128(0), found: true}
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, invoices, &fakeNotifier{}, outbound)
	signer := &fakeSigner{sig: meshwire.Signature{0xAB}}
	r.SetSigner(signer)

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	requestId := cryptoops.RandomHash()
	req := &meshwire.RequestSendFundsOp{
		RequestId:   requestId,
		Route:       meshwire.FriendsRoute{upstream, self},
		DestPayment: meshwire.NewU128(40),
		LeftFees:    meshwire.NewU128(10),
	}

	require.NoError(t, r.HandleRequest(upstream, testCurrency, inMc, req))
	require.Len(t, outbound.sent, 1)
	require.Equal(t, upstream, outbound.sent[0].friend)
	resp, ok := outbound.sent[0].op.(*meshwire.ResponseSendFundsOp)
	require.True(t, ok)
	require.Equal(t, requestId, resp.RequestId)
	require.Equal(t, signer.sig, resp.Signature)

	entry := r.friend(upstream).Inbound[requestId]
	require.NotEqual(t, meshwire.HashResult{}, entry.DestPlainLock)
	require.Equal(t, entry.DestHashedLock, resp.DestHashedLock)

	require.Equal(t, []meshwire.HashResult{requestId}, signer.issued)
	require.Equal(t, []meshwire.PublicKey{upstream}, signer.issuedTo)
}

// TestInitiateCollectSettlesAndForwards covers the destination-originated
// Collect path: paymentengine calls InitiateCollect once a MultiCommit
// validates, and the router must commit the inbound freeze and emit the
// CollectSendFundsOp back toward the origin.
func TestInitiateCollectSettlesAndForwards(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)

	credit := newFakeCredit().with(upstream, 1_000_000)
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)

	srcPlain := cryptoops.RandomHash()
	destPlain := cryptoops.RandomHash()
	srcHashed := cryptoops.Hash(srcPlain[:])
	destHashed := cryptoops.Hash(destPlain[:])
	requestId := cryptoops.RandomHash()

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	require.NoError(t, inMc.FreezeRemote(mutualcredit.Uint128FromUint64(50)))
	require.NoError(t, r.friend(upstream).addInbound(&PendingTransaction{
		RequestId:      requestId,
		Route:          meshwire.FriendsRoute{upstream, self},
		Position:       1,
		Role:           RoleDestination,
		SrcHashedLock:  srcHashed,
		DestHashedLock: destHashed,
		DestPlainLock:  destPlain,
		DestPayment:    mutualcredit.Uint128FromUint64(40),
		LeftFees:       mutualcredit.Uint128FromUint64(10),
	}))

	err := r.InitiateCollect(upstream, testCurrency, requestId, srcPlain)
	require.NoError(t, err)

	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(10), inMc.InFees)
	_, hasEntry := r.friend(upstream).Inbound[requestId]
	require.False(t, hasEntry)

	require.Len(t, outbound.sent, 1)
	require.Equal(t, upstream, outbound.sent[0].friend)
	collect, ok := outbound.sent[0].op.(*meshwire.CollectSendFundsOp)
	require.True(t, ok)
	require.Equal(t, srcPlain, collect.SrcPlainLock)
	require.Equal(t, destPlain, collect.DestPlainLock)
}

// TestHandleCancelForwardPropagatesFromOrigin exercises the buyer-abort
// path of spec §8 scenario 4: a mediator receiving a Cancel from its
// upstream friend (no matching outbound entry for that friend) must unwind
// both halves of the transaction and forward the Cancel downstream instead
// of backward.
func TestHandleCancelForwardPropagatesFromOrigin(t *testing.T) {
	self := testKey(0x01)
	upstream := testKey(0x02)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(upstream, 1_000_000).with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	r := NewRouter(self, credit, &fakeInvoices{}, &fakeNotifier{}, outbound)

	requestId := cryptoops.RandomHash()
	route := meshwire.FriendsRoute{upstream, self, downstream}

	inMc, _ := credit.MutualCredit(upstream, testCurrency)
	require.NoError(t, inMc.FreezeRemote(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(upstream).addInbound(&PendingTransaction{
		RequestId:   requestId,
		Route:       route,
		Position:    1,
		Role:        RoleMediator,
		DestPayment: mutualcredit.Uint128FromUint64(100),
		LeftFees:    mutualcredit.Uint128FromUint64(10),
	}))

	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.NoError(t, outMc.FreezeLocal(mutualcredit.Uint128FromUint64(110)))
	require.NoError(t, r.friend(downstream).addOutbound(&PendingTransaction{
		RequestId:   requestId,
		Route:       route,
		Position:    1,
		Role:        RoleMediator,
		DestPayment: mutualcredit.Uint128FromUint64(100),
		LeftFees:    mutualcredit.Uint128FromUint64(10),
	}))

	op := &meshwire.CancelSendFundsOp{RequestId: requestId}
	err := r.HandleCancel(upstream, testCurrency, inMc, op)
	require.NoError(t, err)

	require.Equal(t, mutualcredit.Uint128FromUint64(0), inMc.RemotePendingDebt)
	require.Equal(t, mutualcredit.Uint128FromUint64(0), outMc.LocalPendingDebt)
	_, hasIn := r.friend(upstream).Inbound[requestId]
	require.False(t, hasIn)
	_, hasOut := r.friend(downstream).Outbound[requestId]
	require.False(t, hasOut)

	require.Len(t, outbound.sent, 1)
	require.Equal(t, downstream, outbound.sent[0].friend)
	_, isCancel := outbound.sent[0].op.(*meshwire.CancelSendFundsOp)
	require.True(t, isCancel)
}

// TestHandleCancelAfterCollectIsViolation covers spec §4.4's "a Cancel that
// arrives after a Collect is a protocol violation": once the outbound entry
// settled via HandleCollect, a Cancel for the same requestId must surface
// an error (which the enclosing move-token reception turns into an
// Inconsistency) rather than being ignored as a replay.
func TestHandleCancelAfterCollectIsViolation(t *testing.T) {
	self := testKey(0x01)
	downstream := testKey(0x03)

	credit := newFakeCredit().with(downstream, 1_000_000)
	outbound := &fakeOutbound{}
	notifier := &fakeNotifier{}
	r := NewRouter(self, credit, &fakeInvoices{}, notifier, outbound)

	srcPlain := cryptoops.RandomHash()
	destPlain := cryptoops.RandomHash()
	requestId := cryptoops.RandomHash()

	outMc, _ := credit.MutualCredit(downstream, testCurrency)
	require.NoError(t, outMc.FreezeLocal(mutualcredit.Uint128FromUint64(10)))
	require.NoError(t, r.friend(downstream).addOutbound(&PendingTransaction{
		RequestId:      requestId,
		Route:          meshwire.FriendsRoute{self, downstream},
		Position:       0,
		Role:           RoleOrigin,
		SrcHashedLock:  cryptoops.Hash(srcPlain[:]),
		DestHashedLock: cryptoops.Hash(destPlain[:]),
		DestPayment:    mutualcredit.Uint128FromUint64(10),
	}))

	collect := &meshwire.CollectSendFundsOp{RequestId: requestId, SrcPlainLock: srcPlain, DestPlainLock: destPlain}
	require.NoError(t, r.HandleCollect(downstream, testCurrency, outMc, collect))
	require.Len(t, notifier.collects, 1)

	// Replaying the Collect is a no-op...
	require.NoError(t, r.HandleCollect(downstream, testCurrency, outMc, collect))
	require.Len(t, notifier.collects, 1)

	// ...but a Cancel for the settled transaction is a violation.
	err := r.HandleCancel(downstream, testCurrency, outMc, &meshwire.CancelSendFundsOp{RequestId: requestId})
	require.ErrorIs(t, err, ErrCollectAfterCancel)
}
