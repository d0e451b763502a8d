// Package paymentengine (buyer half). Grounded on the same
// htlcswitch/switch_control.go ControlTower state machine as the seller
// half in invoice.go, here recast as a Payment's InProgress/Success/
// Cancelled transitions and a Transaction's Sent/Responded/Cancelled/
// Collected transitions (spec §4.6, buyer side).
package paymentengine

import (
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// PaymentStatus is the buyer-side lifecycle stage of one Payment, spec §3's
// `status ∈ {InProgress, Success(Receipt,ack), Cancelled(ack), NotFound}`.
type PaymentStatus uint8

const (
	PaymentInProgress PaymentStatus = iota
	PaymentSuccess
	PaymentCancelled
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentInProgress:
		return "InProgress"
	case PaymentSuccess:
		return "Success"
	case PaymentCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// TransactionState is one route attempt's progress toward a Collect, spec
// §3's `state ∈ {Sent, Responded(lock, signature), Cancelled, Collected}`.
type TransactionState uint8

const (
	TxSent TransactionState = iota
	TxResponded
	TxCancelled
	TxCollected
)

// Transaction is the buyer-side record of one route attempt within a
// Payment.
type Transaction struct {
	RequestId meshwire.HashResult
	Route     meshwire.FriendsRoute
	Currency  meshwire.Currency

	DestPayment mutualcredit.U128
	Fees        mutualcredit.U128

	State TransactionState

	// SrcPlainLock is minted locally when the transaction is created and
	// handed to the origin's own outgoing hash lock; revealed to the
	// seller in a Commit once this transaction is chosen to settle the
	// invoice.
	SrcPlainLock  meshwire.HashResult
	SrcHashedLock meshwire.HashResult

	// Fields only populated once a Response arrives.
	DestHashedLock meshwire.HashResult
	RandNonce      meshwire.HashResult
	Signature      meshwire.Signature

	// Fields only populated once a Collect arrives.
	DestPlainLockFromSeller meshwire.HashResult
}

// Receipt is the self-contained signed artefact proving a specific invoice
// was paid, produced deterministically from a Collected Transaction's
// stored Response+Collect fields (spec §4.6: "need no further network
// access to verify").
type Receipt struct {
	RequestId      meshwire.HashResult
	InvoiceId      meshwire.HashResult
	Currency       meshwire.Currency
	DestPayment    mutualcredit.U128
	SrcPlainLock   meshwire.HashResult
	DestHashedLock meshwire.HashResult
	RandNonce      meshwire.HashResult
	Signature      meshwire.Signature
}

// Verify checks that the receipt's embedded Response signature validates
// against destPub, the one piece of external state a Receipt still needs to
// be independently checked (spec §4.6's "self-contained" claim is about
// needing no further *network* access, not no public key at all). totalAtResponse
// is the invoice's totalDestPayment as it stood when the Response was
// signed, since BuildResponseDigest binds it.
func (r Receipt) Verify(destPub *btcec.PublicKey, totalAtResponse mutualcredit.U128) bool {
	srcHashedLock := cryptoops.Hash(r.SrcPlainLock[:])
	digest := meshswitch.BuildResponseDigest(r.RequestId, r.RandNonce, srcHashedLock, r.DestHashedLock, r.DestPayment, totalAtResponse, r.InvoiceId, r.Currency)
	return cryptoops.Verify(destPub, digest, r.Signature)
}

// Payment is the buyer-side record of spec §3: `(paymentId, invoiceId,
// currency, totalDestPayment, destPublicKey, transactions, status)`.
type Payment struct {
	PaymentId        meshwire.HashResult
	InvoiceId        meshwire.HashResult
	Currency         meshwire.Currency
	TotalDestPayment mutualcredit.U128
	DestPublicKey    meshwire.PublicKey

	Transactions map[meshwire.HashResult]*Transaction
	Status       PaymentStatus

	Receipts []Receipt

	// CreatedAt drives the buyer-side payment_ttl expiry: an InProgress
	// payment whose MultiCommit was never built is abandoned once it
	// outlives the configured ttl (spec §5).
	CreatedAt time.Time

	// committed is set once BuildMultiCommit has handed a MultiCommit out.
	// From that point the payment must never auto-cancel: the seller may
	// already be collecting against it (spec §5, "a Payment never
	// auto-cancels after a Commit has been handed out").
	committed bool

	// acked is set once the application has consumed the terminal status
	// via AckClosePayment, marking the Payment eligible for garbage
	// collection (spec §3: "destroyed after the application acks the
	// terminal status").
	acked bool
}

var (
	ErrPaymentExists      = goerrors.New("paymentengine: payment already exists")
	ErrPaymentNotFound    = goerrors.New("paymentengine: payment not found")
	ErrTransactionExists  = goerrors.New("paymentengine: transaction already exists")
	ErrTransactionUnknown = goerrors.New("paymentengine: transaction not found on this payment")
	ErrNotTerminal        = goerrors.New("paymentengine: payment has not reached a terminal status")
)

// RequestSender originates and aborts route attempts through the pending-
// transaction machinery, implemented by meshswitch.Router.
type RequestSender interface {
	InitiateRequest(firstHop meshwire.PublicKey, currency meshwire.Currency, op *meshwire.RequestSendFundsOp) error
	InitiateCancel(firstHop meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult) error
}

// Payments is the buyer half of PaymentEngine: creates payments and their
// constituent per-route transactions, and reacts to meshswitch.Router's
// PaymentNotifier callbacks for transactions this node originated.
type Payments struct {
	mu sync.Mutex

	byId      map[meshwire.HashResult]*Payment
	byRequest map[meshwire.HashResult]meshwire.HashResult // requestId -> paymentId

	router RequestSender
}

// NewPayments constructs an empty buyer registry.
func NewPayments(router RequestSender) *Payments {
	return &Payments{
		byId:      make(map[meshwire.HashResult]*Payment),
		byRequest: make(map[meshwire.HashResult]meshwire.HashResult),
		router:    router,
	}
}

// CreatePayment allocates an in-progress payment, spec §4.6.
func (p *Payments) CreatePayment(paymentId, invoiceId meshwire.HashResult, currency meshwire.Currency, totalDestPayment mutualcredit.U128, destPublicKey meshwire.PublicKey) (*Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byId[paymentId]; ok {
		return nil, ErrPaymentExists
	}
	pay := &Payment{
		PaymentId:        paymentId,
		InvoiceId:        invoiceId,
		Currency:         currency,
		TotalDestPayment: totalDestPayment,
		DestPublicKey:    destPublicKey,
		Transactions:     make(map[meshwire.HashResult]*Transaction),
		Status:           PaymentInProgress,
		CreatedAt:        time.Now(),
	}
	p.byId[paymentId] = pay
	return pay, nil
}

// CreateTransaction enqueues a Request along route for one of a payment's
// constituent route attempts, spec §4.6's CreateTransaction.
func (p *Payments) CreateTransaction(paymentId meshwire.HashResult, requestId meshwire.HashResult, route meshwire.FriendsRoute, destPayment, fees mutualcredit.U128) error {
	p.mu.Lock()
	pay, ok := p.byId[paymentId]
	if !ok {
		p.mu.Unlock()
		return ErrPaymentNotFound
	}
	if _, exists := pay.Transactions[requestId]; exists {
		p.mu.Unlock()
		return ErrTransactionExists
	}

	srcPlainLock := cryptoops.RandomHash()
	srcHashedLock := cryptoops.Hash(srcPlainLock[:])

	tx := &Transaction{
		RequestId:     requestId,
		Route:         route,
		Currency:      pay.Currency,
		DestPayment:   destPayment,
		Fees:          fees,
		State:         TxSent,
		SrcPlainLock:  srcPlainLock,
		SrcHashedLock: srcHashedLock,
	}
	pay.Transactions[requestId] = tx
	p.byRequest[requestId] = paymentId
	p.mu.Unlock()

	op := &meshwire.RequestSendFundsOp{
		RequestId:        requestId,
		SrcHashedLock:    srcHashedLock,
		Route:            route,
		DestPayment:      destPayment,
		TotalDestPayment: pay.TotalDestPayment,
		InvoiceHash:      pay.InvoiceId,
		LeftFees:         fees,
	}
	firstHop, ok := route.NextHop(0)
	if !ok {
		return goerrors.New("paymentengine: route has no first hop")
	}
	return p.router.InitiateRequest(firstHop, pay.Currency, op)
}

// OnResponse implements meshswitch.PaymentNotifier: a Response reached the
// origin for requestId, so the matching Transaction transitions to
// Responded and remembers the signed payload for a later Commit.
func (p *Payments) OnResponse(requestId, destHashedLock, randNonce meshwire.HashResult, signature meshwire.Signature) {
	p.mu.Lock()
	defer p.mu.Unlock()

	paymentId, ok := p.byRequest[requestId]
	if !ok {
		return
	}
	pay := p.byId[paymentId]
	tx, ok := pay.Transactions[requestId]
	if !ok {
		return
	}
	tx.State = TxResponded
	tx.DestHashedLock = destHashedLock
	tx.RandNonce = randNonce
	tx.Signature = signature
}

// OnCancel implements meshswitch.PaymentNotifier. If every transaction on
// the payment has now cancelled with no funds pending, the payment itself
// transitions to Cancelled (spec §4.6).
func (p *Payments) OnCancel(requestId meshwire.HashResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	paymentId, ok := p.byRequest[requestId]
	if !ok {
		return
	}
	pay := p.byId[paymentId]
	tx, ok := pay.Transactions[requestId]
	if !ok {
		return
	}
	tx.State = TxCancelled
	delete(p.byRequest, requestId)

	if pay.Status != PaymentInProgress {
		return
	}
	for _, t := range pay.Transactions {
		if t.State != TxCancelled {
			return
		}
	}
	pay.Status = PaymentCancelled
}

// OnCollect implements meshswitch.PaymentNotifier: a Collect swept back to
// the origin for requestId, completing that transaction and producing a
// Receipt.
func (p *Payments) OnCollect(requestId meshwire.HashResult, srcPlainLock, destPlainLock meshwire.HashResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	paymentId, ok := p.byRequest[requestId]
	if !ok {
		return
	}
	pay := p.byId[paymentId]
	tx, ok := pay.Transactions[requestId]
	if !ok {
		return
	}
	tx.State = TxCollected
	tx.DestPlainLockFromSeller = destPlainLock
	delete(p.byRequest, requestId)

	receipt := Receipt{
		RequestId:      requestId,
		InvoiceId:      pay.InvoiceId,
		Currency:       pay.Currency,
		DestPayment:    tx.DestPayment,
		SrcPlainLock:   srcPlainLock,
		DestHashedLock: tx.DestHashedLock,
		RandNonce:      tx.RandNonce,
		Signature:      tx.Signature,
	}
	pay.Receipts = append(pay.Receipts, receipt)

	collected := mutualcredit.ZeroU128
	for _, t := range pay.Transactions {
		if t.State == TxCollected {
			if sum, err := mutualcredit.AddChecked(collected, t.DestPayment); err == nil {
				collected = sum
			}
		}
	}
	if collected.Cmp(pay.TotalDestPayment) >= 0 {
		pay.Status = PaymentSuccess
	}
}

// BuildMultiCommit composes one Commit per Responded transaction whose
// cumulative destPayment covers the invoice's totalDestPayment, spec
// §4.6's "the buyer composes a MultiCommit... and delivers it out-of-band
// to the seller". Returns the commits without mutating any transaction
// state; the transactions only advance to Collected once the
// corresponding Collect actually arrives via OnCollect.
func (p *Payments) BuildMultiCommit(paymentId meshwire.HashResult) (MultiCommit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pay, ok := p.byId[paymentId]
	if !ok {
		return MultiCommit{}, ErrPaymentNotFound
	}

	var commits []Commit
	sum := mutualcredit.ZeroU128
	for _, tx := range pay.Transactions {
		if tx.State != TxResponded {
			continue
		}
		if sum.Cmp(pay.TotalDestPayment) >= 0 {
			break
		}
		sum, _ = mutualcredit.AddChecked(sum, tx.DestPayment)
		commits = append(commits, Commit{
			RequestId:      tx.RequestId,
			SrcPlainLock:   tx.SrcPlainLock,
			DestHashedLock: tx.DestHashedLock,
			RandNonce:      tx.RandNonce,
			DestPayment:    tx.DestPayment,
			Signature:      tx.Signature,
		})
	}
	if sum.Cmp(pay.TotalDestPayment) != 0 {
		return MultiCommit{}, ErrNotTerminal
	}
	pay.committed = true
	return MultiCommit{InvoiceId: pay.InvoiceId, Currency: pay.Currency, Commits: commits}, nil
}

// CancelPayment abandons an in-progress payment before a MultiCommit has
// been handed out, issuing a forward-propagating Cancel for every route
// attempt still pending (spec §8 scenario 4: "Cancel propagates forward
// from the buyer"). Refused once committed, since cancelling then would
// break the atomicity the Commit promised the seller.
func (p *Payments) CancelPayment(paymentId meshwire.HashResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked(paymentId)
}

func (p *Payments) cancelLocked(paymentId meshwire.HashResult) error {
	pay, ok := p.byId[paymentId]
	if !ok {
		return ErrPaymentNotFound
	}
	if pay.committed {
		return ErrNotTerminal
	}

	for _, tx := range pay.Transactions {
		if tx.State != TxSent && tx.State != TxResponded {
			continue
		}
		if firstHop, ok := tx.Route.NextHop(0); ok {
			if err := p.router.InitiateCancel(firstHop, pay.Currency, tx.RequestId); err != nil {
				log.Warnf("payment %x: cancel request %x: %v", paymentId[:4], tx.RequestId[:4], err)
			}
		}
		tx.State = TxCancelled
		delete(p.byRequest, tx.RequestId)
	}
	pay.Status = PaymentCancelled
	return nil
}

// ExpireStale abandons every InProgress payment older than ttl whose
// MultiCommit was never built, the buyer half of spec §5's payment_ttl.
// Driven from the node's timer tick.
func (p *Payments) ExpireStale(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for id, pay := range p.byId {
		if pay.Status != PaymentInProgress || pay.committed {
			continue
		}
		if pay.CreatedAt.After(cutoff) {
			continue
		}
		if err := p.cancelLocked(id); err != nil {
			log.Warnf("payment %x: expire: %v", id[:4], err)
		}
	}
}

// RequestClosePayment polls a Payment, returning its current status and
// every receipt collected so far; while the payment is still InProgress
// that may be only some of them, or none.
func (p *Payments) RequestClosePayment(paymentId meshwire.HashResult) (PaymentStatus, []Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pay, ok := p.byId[paymentId]
	if !ok {
		return 0, nil, ErrPaymentNotFound
	}
	return pay.Status, pay.Receipts, nil
}

// AckClosePayment acknowledges a terminal payment status, permitting
// garbage collection (spec §3: "destroyed after the application acks the
// terminal status").
func (p *Payments) AckClosePayment(paymentId meshwire.HashResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pay, ok := p.byId[paymentId]
	if !ok {
		return ErrPaymentNotFound
	}
	if pay.Status == PaymentInProgress {
		return ErrNotTerminal
	}
	pay.acked = true
	delete(p.byId, paymentId)
	return nil
}
