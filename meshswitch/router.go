package meshswitch

import (
	"errors"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/tokenchannel"
)

// MutualCreditLookup resolves the live ledger for a (friend, currency)
// pair so the router can freeze capacity on an outgoing hop while
// processing an inbound one. Implemented by funder in production; tests
// supply a small in-memory stand-in.
type MutualCreditLookup interface {
	MutualCredit(friend meshwire.PublicKey, currency meshwire.Currency) (*mutualcredit.MutualCredit, bool)
}

// InvoiceLookup resolves an Open invoice matching a destination Request,
// implemented by paymentengine.
type InvoiceLookup interface {
	LookupOpenInvoice(currency meshwire.Currency, invoiceHash meshwire.HashResult) (totalDestPayment, collected mutualcredit.U128, ok bool)
}

// PaymentNotifier is how the router hands results back to paymentengine
// when this node is the transaction's origin. OnResponse carries the full
// signed payload (not just destHashedLock) because the buyer needs
// randNonce and signature verbatim to later assemble a Commit proving the
// Response came from the seller.
type PaymentNotifier interface {
	OnResponse(requestId, destHashedLock, randNonce meshwire.HashResult, signature meshwire.Signature)
	OnCancel(requestId meshwire.HashResult)
	OnCollect(requestId meshwire.HashResult, srcPlainLock, destPlainLock meshwire.HashResult)
}

// OutboundSender enqueues an operation to be carried in the named friend's
// next outbound MoveToken, implemented by funder. effect records the ledger
// mutation the router already applied to that friend's ledger for this
// operation (nil when the operation carries none), so the move-token
// builder can exclude still-queued effects from the infoHash until their
// operation actually reaches the wire.
type OutboundSender interface {
	Enqueue(friend meshwire.PublicKey, currency meshwire.Currency, op meshwire.Operation, effect *mutualcredit.PendingEffect)
}

// ResponseSigner signs a destination's FUNDS_RESPONSE digest with this
// node's seller identity key, implemented by paymentengine. A Router with
// no signer configured still records the destination-side pending entry
// but cannot emit the signed Response back to the sender.
//
// OnResponseIssued fires right after a Response is actually signed and
// enqueued, naming the friend, currency, and matched invoice the triggering
// Request arrived on. paymentengine uses this both to remember which
// channel a later MultiCommit's InitiateCollect call belongs to (the
// invoice alone carries no routing detail) and to reserve destPayment
// against the invoice's collected total at the same point LookupOpenInvoice
// accepted it. The single cooperative dispatch loop these calls run inside
// makes that reservation race-free without LookupOpenInvoice itself having
// to be a check-and-set.
type ResponseSigner interface {
	SignResponse(digest []byte) meshwire.Signature
	OnResponseIssued(friend meshwire.PublicKey, currency meshwire.Currency, requestId, invoiceHash meshwire.HashResult, destPayment mutualcredit.U128)

	// OnResponseCancelled fires when a request this node already answered
	// with a Response is cancelled before its Collect, releasing the
	// destPayment reserved against the matched invoice.
	OnResponseCancelled(requestId meshwire.HashResult)
}

var (
	// ErrNotInRoute is returned when this node's public key is absent from
	// an inbound Request's route.
	ErrNotInRoute = errors.New("meshswitch: this node is not present in the route")
	// ErrNoMatchingPending is returned when an inbound Response, or a
	// locally initiated Cancel or Collect, references a requestId with no
	// matching pending entry. An inbound Cancel or Collect for an unknown
	// requestId is ignored instead.
	ErrNoMatchingPending = errors.New("meshswitch: no matching pending transaction")
	// ErrCollectAfterCancel flags an inbound Cancel arriving for a
	// requestId already settled by a Collect, a protocol violation
	// per spec §4.4 ("A Cancel that arrives after a Collect is a protocol
	// violation").
	ErrCollectAfterCancel = errors.New("meshswitch: collect/cancel arrived after entry already settled")
	// ErrLeftFeesUnderflow is returned when the mediator's own fee would
	// exceed the leftFees budget carried by the Request.
	ErrLeftFeesUnderflow = errors.New("meshswitch: leftFees underflow")
	// ErrLockMismatch is returned when a Collect's revealed preimages do
	// not hash to the locks recorded at Response time.
	ErrLockMismatch = errors.New("meshswitch: revealed preimage does not match recorded hash lock")
	// ErrRequestsClosed is returned by InitiateRequest when the first hop
	// has not opened the currency's requests toward this node.
	ErrRequestsClosed = errors.New("meshswitch: friend has not opened requests for this currency")
)

// Router owns the per-friend pending-transaction indexes and implements
// the dispatch algorithm of spec §4.4.
type Router struct {
	LocalPk meshwire.PublicKey

	pending map[meshwire.PublicKey]*friendPending
	rates   map[meshwire.PublicKey]meshwire.Rate

	// requestOwners claims each inbound requestId's owning friend node-wide,
	// across every friend's own index, per spec §4.4's "requestId is
	// globally unique across the node". A friendPending's own Inbound map
	// alone only ever sees requests from one friend, so it cannot by itself
	// catch the same requestId arriving a second time from a different
	// friend.
	requestOwners map[meshwire.HashResult]meshwire.PublicKey

	// collected remembers requestIds whose outbound entry settled via a
	// Collect, distinguishing a replayed Cancel (a no-op) from a Cancel
	// arriving after a Collect, which spec §4.4 makes a protocol violation.
	// A fresh inbound claim of the same requestId clears the marker, since
	// that is a legitimate reuse of a concluded id.
	collected map[meshwire.HashResult]struct{}

	credit   MutualCreditLookup
	invoices InvoiceLookup
	notifier PaymentNotifier
	outbound OutboundSender
	signer   ResponseSigner
}

// NewRouter constructs a Router for localPk, wiring its collaborators.
func NewRouter(localPk meshwire.PublicKey, credit MutualCreditLookup, invoices InvoiceLookup, notifier PaymentNotifier, outbound OutboundSender) *Router {
	return &Router{
		LocalPk:       localPk,
		pending:       make(map[meshwire.PublicKey]*friendPending),
		rates:         make(map[meshwire.PublicKey]meshwire.Rate),
		requestOwners: make(map[meshwire.HashResult]meshwire.PublicKey),
		collected:     make(map[meshwire.HashResult]struct{}),
		credit:        credit,
		invoices:      invoices,
		notifier:      notifier,
		outbound:      outbound,
	}
}

// claimInbound registers requestId as now owned by fromFriend's inbound
// slot, node-wide. It reports false if the id is already claimed, whether
// by fromFriend (a same-direction replay) or by any other friend (a reused
// id masquerading as a different transaction); both are a protocol
// violation per spec §4.4.
func (r *Router) claimInbound(fromFriend meshwire.PublicKey, requestId meshwire.HashResult) bool {
	if _, ok := r.requestOwners[requestId]; ok {
		return false
	}
	delete(r.collected, requestId)
	r.requestOwners[requestId] = fromFriend
	return true
}

// releaseInbound frees requestId for reuse once its inbound entry is gone
// (aborted before an entry was ever recorded, cancelled, or collected).
func (r *Router) releaseInbound(requestId meshwire.HashResult) {
	delete(r.requestOwners, requestId)
}

// SetRate configures the mediation fee schedule charged on the hop toward
// friend.
func (r *Router) SetRate(friend meshwire.PublicKey, rate meshwire.Rate) {
	r.rates[friend] = rate
}

// SetSigner wires paymentengine's seller identity into the Router so
// destination-role Requests can be answered with a signed Response.
func (r *Router) SetSigner(signer ResponseSigner) {
	r.signer = signer
}

func (r *Router) friend(pk meshwire.PublicKey) *friendPending {
	fp, ok := r.pending[pk]
	if !ok {
		fp = newFriendPending()
		r.pending[pk] = fp
	}
	return fp
}

// Applier returns a tokenchannel.OpApplier bound to messages received from
// fromFriend, for use as the OpApplier argument to
// tokenchannel.Channel.ReceiveMoveToken.
func (r *Router) Applier(fromFriend meshwire.PublicKey) tokenchannel.OpApplier {
	return &routerApplier{router: r, from: fromFriend}
}

type routerApplier struct {
	router *Router
	from   meshwire.PublicKey
}

func (a *routerApplier) ApplyOp(currency meshwire.Currency, mc *mutualcredit.MutualCredit, op meshwire.Operation) error {
	switch o := op.(type) {
	case *meshwire.RequestSendFundsOp:
		return a.router.HandleRequest(a.from, currency, mc, o)
	case *meshwire.ResponseSendFundsOp:
		return a.router.HandleResponse(a.from, currency, o)
	case *meshwire.CancelSendFundsOp:
		return a.router.HandleCancel(a.from, currency, mc, o)
	case *meshwire.CollectSendFundsOp:
		return a.router.HandleCollect(a.from, currency, mc, o)
	case *meshwire.SetRemoteMaxDebtOp:
		// The peer raised the debt ceiling it extends to us; on our mirror
		// of the ledger that ceiling is localMaxDebt.
		mc.SetLocalMaxDebt(o.MaxDebt)
		return nil
	case *meshwire.EnableRequestsOp:
		// The peer declared its side open to receive requests; our mirror
		// of that flag is remoteRequestsOpen.
		mc.SetRemoteRequestsOpen(true)
		return nil
	case *meshwire.DisableRequestsOp:
		mc.SetRemoteRequestsOpen(false)
		return nil
	default:
		return errors.New("meshswitch: unknown operation")
	}
}

// HandleRequest implements spec §4.4's "On inbound RequestSendFunds".
func (r *Router) HandleRequest(fromFriend meshwire.PublicKey, currency meshwire.Currency, mc *mutualcredit.MutualCredit, op *meshwire.RequestSendFundsOp) error {
	if err := op.Route.Validate(); err != nil {
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	pos := op.Route.IndexOf(r.LocalPk)
	if pos < 0 {
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	// The sender may only push requests through this channel once this side
	// declared the currency open (our EnableRequests op, mirrored here as
	// localRequestsOpen). A request through a closed currency is cancelled,
	// not treated as a violation, since the close may simply not have
	// reached the sender yet.
	if !mc.LocalRequestsOpen {
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	// requestId uniqueness is checked node-wide, before any freezing work,
	// so a reused id never touches the ledger (spec §4.4: "requestId is
	// globally unique across the node"; duplicates are a protocol
	// violation, reported like any other ApplyOp failure so the enclosing
	// MoveToken fails and raises an Inconsistency per spec §7, rather than
	// the silent per-hop Cancel used for this node's own routing
	// decisions).
	if !r.claimInbound(fromFriend, op.RequestId) {
		return ErrDuplicateRequestId
	}

	inboundEntry := &PendingTransaction{
		RequestId:        op.RequestId,
		Currency:         currency,
		Route:            op.Route,
		Position:         pos,
		SrcHashedLock:    op.SrcHashedLock,
		DestPayment:      op.DestPayment,
		TotalDestPayment: op.TotalDestPayment,
		InvoiceHash:      op.InvoiceHash,
		LeftFees:         op.LeftFees,
	}

	// Mirror the sender's own freeze onto our view of this ledger before
	// doing anything else: destPayment+LeftFees is the exact amount the
	// sender froze on their outgoing side, so this hop's inbound ledger
	// must carry the same reservation (spec §4.4/§8's freeze invariant).
	inboundFrozen, err := inboundEntry.FrozenAmount()
	if err != nil {
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}
	if err := mc.FreezeRemote(inboundFrozen); err != nil {
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	next, hasNext := op.Route.NextHop(pos)
	if !hasNext {
		// Destination.
		inboundEntry.Role = RoleDestination
		if ok := r.matchInvoice(currency, op); !ok {
			_ = mc.UnfreezeRemote(inboundFrozen)
			r.releaseInbound(op.RequestId)
			r.cancel(fromFriend, currency, op.RequestId)
			return nil
		}

		destPlainLock := cryptoops.RandomHash()
		destHashedLock := cryptoops.Hash(destPlainLock[:])
		randNonce := cryptoops.RandomHash()
		sigDigest := BuildResponseDigest(op.RequestId, randNonce, op.SrcHashedLock, destHashedLock, op.DestPayment, op.TotalDestPayment, op.InvoiceHash, currency)

		inboundEntry.DestHashedLock = destHashedLock
		inboundEntry.DestPlainLock = destPlainLock
		if err := r.friend(fromFriend).addInbound(inboundEntry); err != nil {
			_ = mc.UnfreezeRemote(inboundFrozen)
			r.releaseInbound(op.RequestId)
			r.cancel(fromFriend, currency, op.RequestId)
			return nil
		}
		if r.signer != nil {
			sig := r.signer.SignResponse(sigDigest)
			r.outbound.Enqueue(fromFriend, currency, &meshwire.ResponseSendFundsOp{
				RequestId:      op.RequestId,
				DestHashedLock: destHashedLock,
				RandNonce:      randNonce,
				Signature:      sig,
			}, nil)
			r.signer.OnResponseIssued(fromFriend, currency, op.RequestId, op.InvoiceHash, op.DestPayment)
		}
		return nil
	}

	// Mediator.
	inboundEntry.Role = RoleMediator
	rate := r.rates[next]
	// Rate.Apply operates on the low 64 bits of destPayment; payments
	// exceeding 2^64 units in a single currency are out of scope for the
	// configured fee schedules this system ships with.
	fee := rate.Apply(op.DestPayment.Lo)
	if fee == meshwire.InfFee || fee > op.LeftFees.Lo {
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}
	feeAmount := mutualcredit.Uint128FromUint64(fee)
	leftFeesPrime, err := mutualcredit.SubChecked(op.LeftFees, feeAmount)
	if err != nil {
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	// The amount extended to the next hop is destPayment+leftFees' (spec
	// §4.4 step 3, literally); it generally differs from inboundFrozen,
	// and that's fine: each side's freeze is released independently at
	// Collect/Cancel time using its own entry's stored LeftFees, so the
	// two never need to match.
	outboundEntry := &PendingTransaction{
		RequestId:        op.RequestId,
		Currency:         currency,
		Route:            op.Route,
		Position:         pos,
		Role:             RoleMediator,
		SrcHashedLock:    op.SrcHashedLock,
		DestPayment:      op.DestPayment,
		TotalDestPayment: op.TotalDestPayment,
		InvoiceHash:      op.InvoiceHash,
		LeftFees:         leftFeesPrime,
	}
	outboundFrozen, err := outboundEntry.FrozenAmount()
	if err != nil {
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	outMc, ok := r.credit.MutualCredit(next, currency)
	if !ok || !outMc.RemoteRequestsOpen {
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}
	if err := outMc.FreezeLocal(outboundFrozen); err != nil {
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	if err := r.friend(fromFriend).addInbound(inboundEntry); err != nil {
		_ = outMc.UnfreezeLocal(outboundFrozen)
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	if err := r.friend(next).addOutbound(outboundEntry); err != nil {
		_ = outMc.UnfreezeLocal(outboundFrozen)
		_ = mc.UnfreezeRemote(inboundFrozen)
		r.releaseInbound(op.RequestId)
		r.cancel(fromFriend, currency, op.RequestId)
		return nil
	}

	r.outbound.Enqueue(next, currency, &meshwire.RequestSendFundsOp{
		RequestId:        op.RequestId,
		SrcHashedLock:    op.SrcHashedLock,
		Route:            op.Route,
		DestPayment:      op.DestPayment,
		TotalDestPayment: op.TotalDestPayment,
		InvoiceHash:      op.InvoiceHash,
		LeftFees:         leftFeesPrime,
	}, &mutualcredit.PendingEffect{Kind: mutualcredit.EffectFreezeLocal, Amount: outboundFrozen})
	return nil
}

// InitiateRequest creates the outbound pending entry for a transaction this
// node itself originates, freezing destPayment+leftFees on the first hop's
// ledger and enqueuing the Request. Used by paymentengine's buyer side,
// which has no inbound op to mirror since it conjures the transaction
// locally rather than receiving it from a friend.
func (r *Router) InitiateRequest(firstHop meshwire.PublicKey, currency meshwire.Currency, op *meshwire.RequestSendFundsOp) error {
	freezeAmount, err := mutualcredit.AddChecked(op.DestPayment, op.LeftFees)
	if err != nil {
		return err
	}
	outMc, ok := r.credit.MutualCredit(firstHop, currency)
	if !ok {
		return ErrNoMatchingPending
	}
	if !outMc.RemoteRequestsOpen {
		return ErrRequestsClosed
	}
	if err := outMc.FreezeLocal(freezeAmount); err != nil {
		return err
	}
	entry := &PendingTransaction{
		RequestId:        op.RequestId,
		Currency:         currency,
		Route:            op.Route,
		Position:         op.Route.IndexOf(r.LocalPk),
		Role:             RoleOrigin,
		SrcHashedLock:    op.SrcHashedLock,
		DestPayment:      op.DestPayment,
		TotalDestPayment: op.TotalDestPayment,
		InvoiceHash:      op.InvoiceHash,
		LeftFees:         op.LeftFees,
	}
	if err := r.friend(firstHop).addOutbound(entry); err != nil {
		_ = outMc.UnfreezeLocal(freezeAmount)
		return err
	}
	r.outbound.Enqueue(firstHop, currency, op, &mutualcredit.PendingEffect{Kind: mutualcredit.EffectFreezeLocal, Amount: freezeAmount})
	return nil
}

// InitiateCancel aborts a transaction this node originated before any
// Collect came back: the origin-side entry point of spec §8 scenario 4's
// forward-propagating Cancel. It releases the origin's own outgoing freeze
// and pushes the Cancel toward the first hop; each mediator's HandleCancel
// then unwinds its two halves and continues forward.
func (r *Router) InitiateCancel(firstHop meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult) error {
	fp := r.friend(firstHop)
	entry, ok := fp.Outbound[requestId]
	if !ok || entry.Role != RoleOrigin {
		return ErrNoMatchingPending
	}
	var effect *mutualcredit.PendingEffect
	if outMc, found := r.credit.MutualCredit(firstHop, currency); found {
		if freezeAmount, err := entry.FrozenAmount(); err == nil {
			if outMc.UnfreezeLocal(freezeAmount) == nil {
				effect = &mutualcredit.PendingEffect{Kind: mutualcredit.EffectUnfreezeLocal, Amount: freezeAmount}
			}
		}
	}
	delete(fp.Outbound, requestId)
	r.outbound.Enqueue(firstHop, currency, &meshwire.CancelSendFundsOp{RequestId: requestId}, effect)
	return nil
}

// InitiateCollect is called by paymentengine's seller side once a
// MultiCommit validates: it commits this node's own inbound freeze
// (destPayment+leftFees) on the ledger shared with the friend that sent
// the original Request, then emits the CollectSendFundsOp carrying both
// preimages back toward the origin. Valid only for a destination-role
// inbound entry (the Request terminated at this node).
func (r *Router) InitiateCollect(friend meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult, srcPlainLock meshwire.HashResult) error {
	fp := r.friend(friend)
	entry, ok := fp.Inbound[requestId]
	if !ok || entry.Role != RoleDestination {
		return ErrNoMatchingPending
	}
	inMc, found := r.credit.MutualCredit(friend, currency)
	if !found {
		return ErrNoMatchingPending
	}
	if err := inMc.CommitRemoteToLocal(entry.DestPayment, entry.LeftFees); err != nil {
		return err
	}
	delete(fp.Inbound, requestId)
	r.releaseInbound(requestId)
	r.outbound.Enqueue(friend, currency, &meshwire.CollectSendFundsOp{
		RequestId:     requestId,
		SrcPlainLock:  srcPlainLock,
		DestPlainLock: entry.DestPlainLock,
	}, &mutualcredit.PendingEffect{Kind: mutualcredit.EffectCommitRemoteToLocal, Amount: entry.DestPayment, Fee: entry.LeftFees})
	return nil
}

// matchInvoice checks the destination-side acceptance condition of spec
// §4.4 step 2: "this_request.destPayment + invoice.collected ≤
// invoice.totalDestPayment".
func (r *Router) matchInvoice(currency meshwire.Currency, op *meshwire.RequestSendFundsOp) bool {
	total, collected, found := r.invoices.LookupOpenInvoice(currency, op.InvoiceHash)
	if !found {
		return false
	}
	sum, err := mutualcredit.AddChecked(op.DestPayment, collected)
	if err != nil {
		return false
	}
	return sum.Cmp(total) <= 0
}

func (r *Router) cancel(friend meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult) {
	r.outbound.Enqueue(friend, currency, &meshwire.CancelSendFundsOp{RequestId: requestId}, nil)
}

// HandleResponse implements spec §4.4's "On inbound ResponseSendFundsOp".
func (r *Router) HandleResponse(fromFriend meshwire.PublicKey, currency meshwire.Currency, op *meshwire.ResponseSendFundsOp) error {
	entry, ok := r.friend(fromFriend).Outbound[op.RequestId]
	if !ok {
		return ErrNoMatchingPending
	}
	entry.DestHashedLock = op.DestHashedLock

	if entry.Role == RoleOrigin {
		r.notifier.OnResponse(op.RequestId, op.DestHashedLock, op.RandNonce, op.Signature)
		return nil
	}

	prevHop, hasPrev := entry.Route.PrevHop(entry.Position)
	if !hasPrev {
		return ErrNotInRoute
	}
	r.outbound.Enqueue(prevHop, currency, &meshwire.ResponseSendFundsOp{
		RequestId:      op.RequestId,
		DestHashedLock: op.DestHashedLock,
		RandNonce:      op.RandNonce,
		Signature:      op.Signature,
	}, nil)
	return nil
}

// HandleCancel implements spec §4.4's "On inbound CancelSendFundsOp". A
// Cancel normally propagates backward toward the origin: the friend we
// extended the transaction to gave up, so the matching outbound entry
// unwinds and the Cancel continues to the previous hop. A buyer that aborts
// after receiving a Response instead propagates its Cancel forward from the
// origin (spec §8 scenario 4), arriving from the friend that sent us the
// original Request; then the inbound entry unwinds and the Cancel continues
// to the next hop. A Cancel for a requestId that already settled via a
// Collect is a protocol violation; one for an entirely unknown requestId is
// an idempotent replay and ignored.
func (r *Router) HandleCancel(fromFriend meshwire.PublicKey, currency meshwire.Currency, mc *mutualcredit.MutualCredit, op *meshwire.CancelSendFundsOp) error {
	fp := r.friend(fromFriend)

	if outEntry, ok := fp.Outbound[op.RequestId]; ok {
		if freezeAmount, err := outEntry.FrozenAmount(); err == nil {
			_ = mc.UnfreezeLocal(freezeAmount)
		}
		delete(fp.Outbound, op.RequestId)

		if outEntry.Role == RoleOrigin {
			r.notifier.OnCancel(op.RequestId)
			return nil
		}
		if prevHop, hasPrev := outEntry.Route.PrevHop(outEntry.Position); hasPrev {
			r.releaseInboundHalf(prevHop, currency, op.RequestId)
		}
		return nil
	}

	if inEntry, ok := fp.Inbound[op.RequestId]; ok {
		if freezeAmount, err := inEntry.FrozenAmount(); err == nil {
			_ = mc.UnfreezeRemote(freezeAmount)
		}
		delete(fp.Inbound, op.RequestId)
		r.releaseInbound(op.RequestId)

		if inEntry.Role == RoleDestination {
			if r.signer != nil {
				r.signer.OnResponseCancelled(op.RequestId)
			}
			return nil
		}
		next, hasNext := inEntry.Route.NextHop(inEntry.Position)
		if !hasNext {
			return nil
		}
		nfp := r.friend(next)
		outEntry, forwarded := nfp.Outbound[op.RequestId]
		if !forwarded {
			return nil
		}
		var effect *mutualcredit.PendingEffect
		if outMc, found := r.credit.MutualCredit(next, currency); found {
			if freezeAmount, err := outEntry.FrozenAmount(); err == nil {
				if outMc.UnfreezeLocal(freezeAmount) == nil {
					effect = &mutualcredit.PendingEffect{Kind: mutualcredit.EffectUnfreezeLocal, Amount: freezeAmount}
				}
			}
		}
		delete(nfp.Outbound, op.RequestId)
		r.outbound.Enqueue(next, currency, &meshwire.CancelSendFundsOp{RequestId: op.RequestId}, effect)
		return nil
	}

	if _, wasCollected := r.collected[op.RequestId]; wasCollected {
		return ErrCollectAfterCancel
	}
	return nil
}

// releaseInboundHalf unwinds prevHop's inbound half of a transaction this
// node had forwarded, and propagates the Cancel backward to it.
func (r *Router) releaseInboundHalf(prevHop meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult) {
	pfp := r.friend(prevHop)
	entry, ok := pfp.Inbound[requestId]
	if !ok {
		return
	}
	var effect *mutualcredit.PendingEffect
	if inMc, found := r.credit.MutualCredit(prevHop, currency); found {
		if freezeAmount, err := entry.FrozenAmount(); err == nil {
			if inMc.UnfreezeRemote(freezeAmount) == nil {
				effect = &mutualcredit.PendingEffect{Kind: mutualcredit.EffectUnfreezeRemote, Amount: freezeAmount}
			}
		}
	}
	delete(pfp.Inbound, requestId)
	r.releaseInbound(requestId)
	r.outbound.Enqueue(prevHop, currency, &meshwire.CancelSendFundsOp{RequestId: requestId}, effect)
}

// HandleCollect implements spec §4.4's "On inbound CollectSendFundsOp".
// Collect only ever propagates backward from the destination (which
// originates it locally via InitiateCollect, never via this inbound
// handler), so the inbound half settled here always belongs to the
// upstream friend the Collect is forwarded to next.
func (r *Router) HandleCollect(fromFriend meshwire.PublicKey, currency meshwire.Currency, mc *mutualcredit.MutualCredit, op *meshwire.CollectSendFundsOp) error {
	fp := r.friend(fromFriend)
	outEntry, ok := fp.Outbound[op.RequestId]
	if !ok {
		// Idempotent retry protection: a Collect with no matching pending
		// entry is silently ignored (spec §4.4 tie-break note).
		return nil
	}

	gotSrcHash := cryptoops.Hash(op.SrcPlainLock[:])
	gotDestHash := cryptoops.Hash(op.DestPlainLock[:])
	if gotSrcHash != outEntry.SrcHashedLock || gotDestHash != outEntry.DestHashedLock {
		return ErrLockMismatch
	}

	if err := mc.CommitLocalToRemote(outEntry.DestPayment, outEntry.LeftFees); err != nil {
		return err
	}
	delete(fp.Outbound, op.RequestId)
	r.collected[op.RequestId] = struct{}{}

	if outEntry.Role == RoleOrigin {
		r.notifier.OnCollect(op.RequestId, op.SrcPlainLock, op.DestPlainLock)
		return nil
	}
	prevHop, hasPrev := outEntry.Route.PrevHop(outEntry.Position)
	if !hasPrev {
		return nil
	}
	pfp := r.friend(prevHop)
	entry, ok := pfp.Inbound[op.RequestId]
	if !ok {
		return nil
	}
	var effect *mutualcredit.PendingEffect
	if inMc, found := r.credit.MutualCredit(prevHop, currency); found {
		if inMc.CommitRemoteToLocal(entry.DestPayment, entry.LeftFees) == nil {
			effect = &mutualcredit.PendingEffect{Kind: mutualcredit.EffectCommitRemoteToLocal, Amount: entry.DestPayment, Fee: entry.LeftFees}
		}
	}
	delete(pfp.Inbound, op.RequestId)
	r.releaseInbound(op.RequestId)
	r.outbound.Enqueue(prevHop, currency, &meshwire.CollectSendFundsOp{
		RequestId:     op.RequestId,
		SrcPlainLock:  op.SrcPlainLock,
		DestPlainLock: op.DestPlainLock,
	}, effect)
	return nil
}

// BuildResponseDigest reproduces the signed payload described by spec
// §4.4 step 2: "FUNDS_RESPONSE" || hash(requestId || randNonce) ||
// srcHashedLock || destHashedLock || destPayment || totalDestPayment ||
// invoiceHash || currency. Exported so paymentengine's CommitInvoice can
// independently recompute the same digest from a buyer-supplied Commit and
// verify it was genuinely produced by this node's seller identity, without
// the router having to remember per-request signing state on its behalf.
func BuildResponseDigest(requestId, randNonce, srcHashedLock, destHashedLock meshwire.HashResult, destPayment, totalDestPayment mutualcredit.U128, invoiceHash meshwire.HashResult, currency meshwire.Currency) []byte {
	inner := cryptoops.Hash(requestId[:], randNonce[:])
	var destBuf, totalBuf [16]byte
	putU128(destBuf[:], destPayment)
	putU128(totalBuf[:], totalDestPayment)
	h := cryptoops.Hash(
		[]byte("FUNDS_RESPONSE"),
		inner[:],
		srcHashedLock[:],
		destHashedLock[:],
		destBuf[:],
		totalBuf[:],
		invoiceHash[:],
		[]byte(currency),
	)
	return h[:]
}

func putU128(b []byte, v mutualcredit.U128) {
	hi, lo := v.Hi, v.Lo
	for i := 7; i >= 0; i-- {
		b[i] = byte(hi)
		hi >>= 8
	}
	for i := 15; i >= 8; i-- {
		b[i] = byte(lo)
		lo >>= 8
	}
}
