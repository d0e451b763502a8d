package meshwire

import (
	"fmt"
	"io"

	"github.com/meshcredit/corenet/mutualcredit"
)

// U128 re-exports the core's unsigned 128-bit integer type so that wire
// messages can carry debts/payments without meshwire depending on
// mutualcredit's ledger logic, only its numeric representation.
type U128 = mutualcredit.U128

// NewU128 constructs a wire U128 from a plain uint64, for callers (and
// tests) that don't otherwise need the mutualcredit package in scope.
func NewU128(v uint64) U128 {
	return mutualcredit.Uint128FromUint64(v)
}

// OperationType tags the concrete kind of a per-currency move-token
// operation, exactly the list in spec §4.3.
type OperationType uint8

const (
	OpRequestSendFunds OperationType = iota
	OpResponseSendFunds
	OpCancelSendFunds
	OpCollectSendFunds
	OpSetRemoteMaxDebt
	OpEnableRequests
	OpDisableRequests
)

func (t OperationType) String() string {
	switch t {
	case OpRequestSendFunds:
		return "RequestSendFunds"
	case OpResponseSendFunds:
		return "ResponseSendFunds"
	case OpCancelSendFunds:
		return "CancelSendFunds"
	case OpCollectSendFunds:
		return "CollectSendFunds"
	case OpSetRemoteMaxDebt:
		return "SetRemoteMaxDebt"
	case OpEnableRequests:
		return "EnableRequests"
	case OpDisableRequests:
		return "DisableRequests"
	default:
		return "Unknown"
	}
}

// Operation is a single move-token log entry for one currency.
type Operation interface {
	OpType() OperationType
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// RequestSendFundsOp opens a new pending transaction along route.
type RequestSendFundsOp struct {
	RequestId        HashResult
	SrcHashedLock    HashResult
	Route            FriendsRoute
	DestPayment      U128
	TotalDestPayment U128
	InvoiceHash      HashResult
	LeftFees         U128
}

func (o *RequestSendFundsOp) OpType() OperationType { return OpRequestSendFunds }

func (o *RequestSendFundsOp) Encode(w io.Writer) error {
	if err := writeHash(w, o.RequestId); err != nil {
		return err
	}
	if err := writeHash(w, o.SrcHashedLock); err != nil {
		return err
	}
	if err := writeRoute(w, o.Route); err != nil {
		return err
	}
	if err := writeU128(w, o.DestPayment); err != nil {
		return err
	}
	if err := writeU128(w, o.TotalDestPayment); err != nil {
		return err
	}
	if err := writeHash(w, o.InvoiceHash); err != nil {
		return err
	}
	return writeU128(w, o.LeftFees)
}

func (o *RequestSendFundsOp) Decode(r io.Reader) error {
	var err error
	if o.RequestId, err = readHash(r); err != nil {
		return err
	}
	if o.SrcHashedLock, err = readHash(r); err != nil {
		return err
	}
	if o.Route, err = readRoute(r); err != nil {
		return err
	}
	if o.DestPayment, err = readU128(r); err != nil {
		return err
	}
	if o.TotalDestPayment, err = readU128(r); err != nil {
		return err
	}
	if o.InvoiceHash, err = readHash(r); err != nil {
		return err
	}
	o.LeftFees, err = readU128(r)
	return err
}

// ResponseSendFundsOp is the destination's signed acceptance of a Request.
type ResponseSendFundsOp struct {
	RequestId      HashResult
	DestHashedLock HashResult
	RandNonce      HashResult
	Signature      Signature
}

func (o *ResponseSendFundsOp) OpType() OperationType { return OpResponseSendFunds }

func (o *ResponseSendFundsOp) Encode(w io.Writer) error {
	if err := writeHash(w, o.RequestId); err != nil {
		return err
	}
	if err := writeHash(w, o.DestHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, o.RandNonce); err != nil {
		return err
	}
	return writeSig(w, o.Signature)
}

func (o *ResponseSendFundsOp) Decode(r io.Reader) error {
	var err error
	if o.RequestId, err = readHash(r); err != nil {
		return err
	}
	if o.DestHashedLock, err = readHash(r); err != nil {
		return err
	}
	if o.RandNonce, err = readHash(r); err != nil {
		return err
	}
	o.Signature, err = readSig(r)
	return err
}

// CancelSendFundsOp aborts a pending transaction, unfreezing credits.
type CancelSendFundsOp struct {
	RequestId HashResult
}

func (o *CancelSendFundsOp) OpType() OperationType { return OpCancelSendFunds }

func (o *CancelSendFundsOp) Encode(w io.Writer) error { return writeHash(w, o.RequestId) }

func (o *CancelSendFundsOp) Decode(r io.Reader) error {
	var err error
	o.RequestId, err = readHash(r)
	return err
}

// CollectSendFundsOp sweeps a committed payment back along the route.
type CollectSendFundsOp struct {
	RequestId     HashResult
	SrcPlainLock  HashResult
	DestPlainLock HashResult
}

func (o *CollectSendFundsOp) OpType() OperationType { return OpCollectSendFunds }

func (o *CollectSendFundsOp) Encode(w io.Writer) error {
	if err := writeHash(w, o.RequestId); err != nil {
		return err
	}
	if err := writeHash(w, o.SrcPlainLock); err != nil {
		return err
	}
	return writeHash(w, o.DestPlainLock)
}

func (o *CollectSendFundsOp) Decode(r io.Reader) error {
	var err error
	if o.RequestId, err = readHash(r); err != nil {
		return err
	}
	if o.SrcPlainLock, err = readHash(r); err != nil {
		return err
	}
	o.DestPlainLock, err = readHash(r)
	return err
}

// SetRemoteMaxDebtOp updates the debt ceiling this side extends its peer.
type SetRemoteMaxDebtOp struct {
	MaxDebt U128
}

func (o *SetRemoteMaxDebtOp) OpType() OperationType { return OpSetRemoteMaxDebt }
func (o *SetRemoteMaxDebtOp) Encode(w io.Writer) error { return writeU128(w, o.MaxDebt) }
func (o *SetRemoteMaxDebtOp) Decode(r io.Reader) error {
	v, err := readU128(r)
	o.MaxDebt = v
	return err
}

// EnableRequestsOp opens this side's requests for the currency.
type EnableRequestsOp struct{}

func (o *EnableRequestsOp) OpType() OperationType   { return OpEnableRequests }
func (o *EnableRequestsOp) Encode(w io.Writer) error { return nil }
func (o *EnableRequestsOp) Decode(r io.Reader) error { return nil }

// DisableRequestsOp closes this side's requests for the currency.
type DisableRequestsOp struct{}

func (o *DisableRequestsOp) OpType() OperationType   { return OpDisableRequests }
func (o *DisableRequestsOp) Encode(w io.Writer) error { return nil }
func (o *DisableRequestsOp) Decode(r io.Reader) error { return nil }

// NewEmptyOp allocates the zero value for a given operation type, the
// meshwire analogue of lnwire.makeEmptyMessage's type switch.
func NewEmptyOp(t OperationType) (Operation, error) {
	switch t {
	case OpRequestSendFunds:
		return &RequestSendFundsOp{}, nil
	case OpResponseSendFunds:
		return &ResponseSendFundsOp{}, nil
	case OpCancelSendFunds:
		return &CancelSendFundsOp{}, nil
	case OpCollectSendFunds:
		return &CollectSendFundsOp{}, nil
	case OpSetRemoteMaxDebt:
		return &SetRemoteMaxDebtOp{}, nil
	case OpEnableRequests:
		return &EnableRequestsOp{}, nil
	case OpDisableRequests:
		return &DisableRequestsOp{}, nil
	default:
		return nil, fmt.Errorf("meshwire: unknown operation type %d", t)
	}
}

// CurrencyOperations batches the ordered operations for a single currency
// within one move-token message.
type CurrencyOperations struct {
	Currency Currency
	Ops      []Operation
}
