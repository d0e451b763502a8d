// Package control implements the application-facing command surface (spec
// §6): a tagged union of configuration and payment commands, each carrying
// an application-supplied request id, fed into node.Node and acknowledged
// through a report channel. Grounded on rpcserver.go's request/response RPC
// handler shape (one method per mutating call, a typed request struct, a
// report delivered back to the caller) recast here as plain Go values
// rather than generated protobuf, since no RPC transport is in this core's
// scope (spec §1 Out-of-scope).
package control

import (
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/paymentengine"
)

// CommandKind tags the concrete command carried by a Command value.
type CommandKind uint8

const (
	CmdAddFriend CommandKind = iota
	CmdRemoveFriend
	CmdSetFriendName
	CmdSetFriendRelays
	CmdSetFriendCurrencyRate
	CmdSetFriendCurrencyMaxDebt
	CmdOpenFriendCurrency
	CmdCloseFriendCurrency
	CmdRemoveFriendCurrency
	CmdEnableFriend
	CmdDisableFriend
	CmdResetFriendChannel

	CmdAddInvoice
	CmdCancelInvoice
	CmdCommitInvoice
	CmdCreatePayment
	CmdCreateTransaction
	CmdRequestClosePayment
	CmdAckClosePayment
)

func (k CommandKind) String() string {
	switch k {
	case CmdAddFriend:
		return "AddFriend"
	case CmdRemoveFriend:
		return "RemoveFriend"
	case CmdSetFriendName:
		return "SetFriendName"
	case CmdSetFriendRelays:
		return "SetFriendRelays"
	case CmdSetFriendCurrencyRate:
		return "SetFriendCurrencyRate"
	case CmdSetFriendCurrencyMaxDebt:
		return "SetFriendCurrencyMaxDebt"
	case CmdOpenFriendCurrency:
		return "OpenFriendCurrency"
	case CmdCloseFriendCurrency:
		return "CloseFriendCurrency"
	case CmdRemoveFriendCurrency:
		return "RemoveFriendCurrency"
	case CmdEnableFriend:
		return "EnableFriend"
	case CmdDisableFriend:
		return "DisableFriend"
	case CmdResetFriendChannel:
		return "ResetFriendChannel"
	case CmdAddInvoice:
		return "AddInvoice"
	case CmdCancelInvoice:
		return "CancelInvoice"
	case CmdCommitInvoice:
		return "CommitInvoice"
	case CmdCreatePayment:
		return "CreatePayment"
	case CmdCreateTransaction:
		return "CreateTransaction"
	case CmdRequestClosePayment:
		return "RequestClosePayment"
	case CmdAckClosePayment:
		return "AckClosePayment"
	default:
		return "Unknown"
	}
}

// Command is one application-submitted mutation, tagged by Kind with the
// fields relevant to that kind populated; the rest stay zero. A flat struct
// (rather than N concrete types behind an interface) mirrors the single
// generated request-message-per-RPC shape rpcserver.go consumes, minus the
// protobuf generation step.
type Command struct {
	RequestId string
	Kind      CommandKind

	Friend      meshwire.PublicKey
	Name        string
	Relays      []meshwire.PublicKey
	Currency    meshwire.Currency
	Rate        meshwire.Rate
	MaxDebt     mutualcredit.U128
	RequestOpen bool

	InvoiceId        meshwire.HashResult
	TotalDestPayment mutualcredit.U128
	MultiCommit      paymentengine.MultiCommit

	PaymentId     meshwire.HashResult
	DestPublicKey meshwire.PublicKey
	TxRequestId   meshwire.HashResult
	Route         meshwire.FriendsRoute
	DestPayment   mutualcredit.U128
	Fees          mutualcredit.U128
}

// Report is the acknowledgement Node emits for a submitted Command, tagged
// back to it by RequestId (spec §6: "the core acknowledges by emitting a
// report mutation tagged with that id").
type Report struct {
	RequestId string
	Err       error

	// Populated only for commands whose application-visible result is
	// more than success/failure.
	PaymentStatus paymentengine.PaymentStatus
	Receipts      []paymentengine.Receipt
}

// Envelope is one command in flight: the Command itself plus the one-shot
// reply slot Node's dispatch loop must fill exactly once via Respond.
type Envelope struct {
	Command Command
	reply   chan Report
}

// Respond delivers rpt back to the Submit caller blocked on this envelope.
// Must be called exactly once per Envelope received from Tower.Recv.
func (e Envelope) Respond(rpt Report) {
	e.reply <- rpt
}

// DefaultQueueDepth bounds how many submitted-but-undispatched commands the
// Tower will buffer before Submit blocks the caller (spec §5's bounded
// input-queue back-pressure, applied here to the control-command source).
const DefaultQueueDepth = 256

// Tower is the in-process command/report bus between the application layer
// and Node's single dispatch loop, grounded on htlcswitch/switch_control.go's
// ControlTower naming (there: settle/fail bookkeeping; here: command
// intake), repurposed as a bounded mailbox rather than a persistence-backed
// index since commands are transient requests, not durable payment state.
type Tower struct {
	envelopes chan Envelope
}

// NewTower constructs a Tower with the default queue depth.
func NewTower() *Tower {
	return &Tower{envelopes: make(chan Envelope, DefaultQueueDepth)}
}

// Recv exposes the inbound envelope stream for Node's dispatch loop to
// select on.
func (t *Tower) Recv() <-chan Envelope {
	return t.envelopes
}

// Submit enqueues cmd and blocks until the dispatch loop (reading via Recv)
// has produced a Report for it. The dispatch loop is expected to run
// continuously for Submit to ever return.
func (t *Tower) Submit(cmd Command) Report {
	reply := make(chan Report, 1)
	t.envelopes <- Envelope{Command: cmd, reply: reply}
	return <-reply
}
