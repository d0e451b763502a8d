// Package paymentengine implements the buyer and seller halves of payment
// orchestration (spec §4.6): invoices, payments, and their transitions
// through the pending-transaction machinery exposed by meshswitch. It is
// grounded on zpay32/invoice.go's Invoice struct shape (mandatory fields
// alongside optional ones guarded by accessor methods) and on
// htlcswitch/switch_control.go's Grounded/InFlight/Completed state
// machine, recast here as an invoice's Open/Committed/Cancelled and a
// payment's InProgress/Success/Cancelled transitions.
package paymentengine

import (
	"sync"

	goerrors "github.com/go-errors/errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshlog"
	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

var log = meshlog.Logger("PMNT")

// InvoiceStatus is the seller-side lifecycle stage of one Invoice, spec
// §3's `status ∈ {Open, Committed, Cancelled}`.
type InvoiceStatus uint8

const (
	InvoiceOpen InvoiceStatus = iota
	InvoiceCommitted
	InvoiceCancelled
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceOpen:
		return "Open"
	case InvoiceCommitted:
		return "Committed"
	case InvoiceCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Invoice is the seller-side record of spec §3: `(invoiceId, currency,
// totalDestPayment, collected, status)`.
type Invoice struct {
	InvoiceId        meshwire.HashResult
	Currency         meshwire.Currency
	TotalDestPayment mutualcredit.U128
	Collected        mutualcredit.U128
	Status           InvoiceStatus
}

// Sentinel errors for invoice lifecycle faults: plain package-level
// sentinels via go-errors/errors, in the same style htlcswitch declares
// ErrChannelLinkNotFound et al.
var (
	ErrInvoiceExists        = goerrors.New("paymentengine: invoice already exists")
	ErrInvoiceNotFound      = goerrors.New("paymentengine: invoice not found")
	ErrInvoiceNotOpen       = goerrors.New("paymentengine: invoice is not open")
	ErrUnsupportedCurrency  = goerrors.New("paymentengine: currency not configured with any friend")
	ErrCommitInvalidLock    = goerrors.New("paymentengine: commit srcPlainLock/signature does not match the issued response")
	ErrCommitSumMismatch    = goerrors.New("paymentengine: commit destPayment sum does not equal invoice total")
	ErrCommitUnknownRequest = goerrors.New("paymentengine: commit references a requestId this node never answered")
)

// CurrencySupport reports whether a currency tag is configured with at
// least one friend, implemented by funder.Manager. AddInvoice uses it to
// reject invoices for currencies this node has no channel for at all
// (spec's supplemental multi-currency-invoice-rejection feature).
type CurrencySupport interface {
	SupportsCurrency(currency meshwire.Currency) bool
}

type invoiceKey struct {
	Currency  meshwire.Currency
	InvoiceId meshwire.HashResult
}

// matchedResponse remembers which friend and invoice a signed Response
// belongs to, keyed by requestId. meshswitch.Router's ResponseSigner hooks
// are the only source of this routing detail: the Invoice itself carries
// no per-request state, so without this map CommitInvoice would have
// nowhere to send the resulting Collect.
type matchedResponse struct {
	Friend      meshwire.PublicKey
	Currency    meshwire.Currency
	InvoiceId   meshwire.HashResult
	DestPayment mutualcredit.U128
}

// Invoices is the seller half of PaymentEngine. It creates and cancels
// invoices, answers destination-side Requests with signed Responses
// (implementing meshswitch.ResponseSigner), and validates buyer-submitted
// MultiCommits.
type Invoices struct {
	mu sync.Mutex

	priv *btcec.PrivateKey

	currencies CurrencySupport

	byKey   map[invoiceKey]*Invoice
	matched map[meshwire.HashResult]matchedResponse

	router *meshswitch.Router
}

// NewInvoices constructs an empty seller registry signing Responses with
// priv. currencies may be nil, disabling the unsupported-currency check
// (useful in tests that don't wire a funder.Manager).
func NewInvoices(priv *btcec.PrivateKey, currencies CurrencySupport) *Invoices {
	return &Invoices{
		priv:       priv,
		currencies: currencies,
		byKey:      make(map[invoiceKey]*Invoice),
		matched:    make(map[meshwire.HashResult]matchedResponse),
	}
}

// BindRouter wires the meshswitch.Router this registry answers Requests
// through and later issues Collects on. Invoices and Router are
// constructed independently and reference each other afterward, the same
// two-step pattern funder.Manager.AddFriend uses for its own
// collaborators.
func (inv *Invoices) BindRouter(r *meshswitch.Router) {
	inv.router = r
}

// AddInvoice opens a new Open invoice, per spec §4.6.
func (inv *Invoices) AddInvoice(invoiceId meshwire.HashResult, currency meshwire.Currency, totalDestPayment mutualcredit.U128) (*Invoice, error) {
	if !currency.Valid() {
		return nil, ErrUnsupportedCurrency
	}
	if inv.currencies != nil && !inv.currencies.SupportsCurrency(currency) {
		return nil, ErrUnsupportedCurrency
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	key := invoiceKey{Currency: currency, InvoiceId: invoiceId}
	if _, ok := inv.byKey[key]; ok {
		return nil, ErrInvoiceExists
	}

	i := &Invoice{
		InvoiceId:        invoiceId,
		Currency:         currency,
		TotalDestPayment: totalDestPayment,
		Status:           InvoiceOpen,
	}
	inv.byKey[key] = i
	log.Debugf("invoice %x opened currency=%s total=%s", invoiceId[:4], currency, totalDestPayment)
	return i, nil
}

// CancelInvoice moves an Open invoice to Cancelled; new Requests matching
// it will be refused by Router.matchInvoice once Status != Open.
func (inv *Invoices) CancelInvoice(invoiceId meshwire.HashResult, currency meshwire.Currency) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.byKey[invoiceKey{Currency: currency, InvoiceId: invoiceId}]
	if !ok {
		return ErrInvoiceNotFound
	}
	if i.Status == InvoiceCommitted {
		return ErrInvoiceNotOpen
	}
	i.Status = InvoiceCancelled
	return nil
}

// LookupOpenInvoice implements meshswitch.InvoiceLookup.
func (inv *Invoices) LookupOpenInvoice(currency meshwire.Currency, invoiceHash meshwire.HashResult) (mutualcredit.U128, mutualcredit.U128, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.byKey[invoiceKey{Currency: currency, InvoiceId: invoiceHash}]
	if !ok || i.Status != InvoiceOpen {
		return mutualcredit.ZeroU128, mutualcredit.ZeroU128, false
	}
	return i.TotalDestPayment, i.Collected, true
}

// SignResponse implements meshswitch.ResponseSigner, signing the digest
// Router built for a matched destination Request.
func (inv *Invoices) SignResponse(digest []byte) meshwire.Signature {
	return cryptoops.Sign(inv.priv, digest)
}

// OnResponseIssued implements meshswitch.ResponseSigner. It runs
// synchronously inside the same single-threaded dispatch that accepted
// the match, so reserving destPayment against the invoice's collected
// total here is race-free without LookupOpenInvoice itself needing to be
// a check-and-set call.
func (inv *Invoices) OnResponseIssued(friend meshwire.PublicKey, currency meshwire.Currency, requestId, invoiceHash meshwire.HashResult, destPayment mutualcredit.U128) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.byKey[invoiceKey{Currency: currency, InvoiceId: invoiceHash}]
	if !ok {
		return
	}
	if sum, err := mutualcredit.AddChecked(i.Collected, destPayment); err == nil {
		i.Collected = sum
	}
	inv.matched[requestId] = matchedResponse{Friend: friend, Currency: currency, InvoiceId: invoiceHash, DestPayment: destPayment}
}

// OnResponseCancelled implements meshswitch.ResponseSigner: a request this
// node already answered was cancelled before its Collect, so the
// destPayment reserved against the invoice's collected total is released
// and the remembered routing detail dropped. Without this, an abandoned
// route attempt would permanently shrink the invoice's remaining headroom.
func (inv *Invoices) OnResponseCancelled(requestId meshwire.HashResult) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	matched, ok := inv.matched[requestId]
	if !ok {
		return
	}
	delete(inv.matched, requestId)

	i, ok := inv.byKey[invoiceKey{Currency: matched.Currency, InvoiceId: matched.InvoiceId}]
	if !ok {
		return
	}
	if v, err := mutualcredit.SubChecked(i.Collected, matched.DestPayment); err == nil {
		i.Collected = v
	}
}

// Commit is one buyer-revealed preimage for a Response this node issued,
// carrying enough of the original Response payload for CommitInvoice to
// independently rebuild and verify the digest (spec §4.6: "identical
// scheme to the Response's signature, signed by the seller itself"). A
// srcPlainLock that doesn't hash to the srcHashedLock this node actually
// signed against makes the rebuilt digest diverge from what was signed,
// so the signature check below enforces both validation bullets at once.
type Commit struct {
	RequestId      meshwire.HashResult
	SrcPlainLock   meshwire.HashResult
	DestHashedLock meshwire.HashResult
	RandNonce      meshwire.HashResult
	DestPayment    mutualcredit.U128
	Signature      meshwire.Signature
}

// MultiCommit is the out-of-band settlement instruction a buyer delivers
// to a seller once it holds enough successful Responses to cover an
// invoice's totalDestPayment.
type MultiCommit struct {
	InvoiceId meshwire.HashResult
	Currency  meshwire.Currency
	Commits   []Commit
}

// CommitInvoice validates a MultiCommit per spec §4.6's four bullets and,
// if valid, issues a CollectSendFundsOp for each matched pending
// transaction and closes the invoice.
func (inv *Invoices) CommitInvoice(mc MultiCommit) error {
	pub := inv.priv.PubKey()

	inv.mu.Lock()
	i, ok := inv.byKey[invoiceKey{Currency: mc.Currency, InvoiceId: mc.InvoiceId}]
	if !ok {
		inv.mu.Unlock()
		return ErrInvoiceNotFound
	}
	if i.Status != InvoiceOpen {
		inv.mu.Unlock()
		return ErrInvoiceNotOpen
	}

	type resolved struct {
		commit Commit
		friend meshwire.PublicKey
	}
	resolvedCommits := make([]resolved, 0, len(mc.Commits))
	sum := mutualcredit.ZeroU128

	for _, c := range mc.Commits {
		matched, ok := inv.matched[c.RequestId]
		if !ok || matched.Currency != mc.Currency || matched.InvoiceId != mc.InvoiceId {
			inv.mu.Unlock()
			return ErrCommitUnknownRequest
		}

		srcHashedLock := cryptoops.Hash(c.SrcPlainLock[:])
		digest := meshswitch.BuildResponseDigest(
			c.RequestId, c.RandNonce, srcHashedLock, c.DestHashedLock,
			c.DestPayment, i.TotalDestPayment, i.InvoiceId, i.Currency,
		)
		if !cryptoops.Verify(pub, digest, c.Signature) {
			inv.mu.Unlock()
			return ErrCommitInvalidLock
		}

		var err error
		sum, err = mutualcredit.AddChecked(sum, c.DestPayment)
		if err != nil {
			inv.mu.Unlock()
			return ErrCommitSumMismatch
		}
		resolvedCommits = append(resolvedCommits, resolved{commit: c, friend: matched.Friend})
	}

	if sum.Cmp(i.TotalDestPayment) != 0 {
		inv.mu.Unlock()
		return ErrCommitSumMismatch
	}

	i.Status = InvoiceCommitted
	for _, rc := range resolvedCommits {
		delete(inv.matched, rc.commit.RequestId)
	}
	inv.mu.Unlock()

	for _, rc := range resolvedCommits {
		if err := inv.router.InitiateCollect(rc.friend, mc.Currency, rc.commit.RequestId, rc.commit.SrcPlainLock); err != nil {
			log.Errorf("initiate collect failed for request %x: %v", rc.commit.RequestId[:4], err)
		}
	}
	log.Debugf("invoice %x committed, %d collects issued", i.InvoiceId[:4], len(resolvedCommits))
	return nil
}
