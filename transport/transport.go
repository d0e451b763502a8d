// Package transport declares the collaborators this core consumes but does
// not implement: the encrypted per-friend byte stream, the relay rendezvous
// service, and the index-server route/capacity feed (spec §1, §6). All
// three are pure interfaces, grounded on chainntfs/chainntfs.go's
// notifier-style contract: a concrete implementation registers intent and
// is driven by events delivered on channels, rather than the core polling
// it synchronously.
package transport

import (
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// EncryptedChannel is an ordered, authenticated, bidirectional byte stream
// to one friend, with periodic rekeying and keep-alive handled beneath this
// interface (spec §6: "the core treats it as a reliable in-order message
// channel"). The core never dials or accepts directly; it only Sends and
// Recvs framed meshwire.Message values and reacts to Closed.
type EncryptedChannel interface {
	// Send queues msg for delivery to the peer. Implementations should
	// not block the caller indefinitely; a slow or disconnected peer is
	// reported via Closed rather than by Send hanging.
	Send(msg meshwire.Message) error

	// Recv delivers every message the peer sends, in order, until the
	// channel is closed. The core reads it from one goroutine per
	// channel (node.forwardInbound), which forwards each message into its
	// single dispatch loop.
	Recv() <-chan meshwire.Message

	// Closed fires (possibly more than once is never promised, but at
	// least once) when the underlying stream drops. The core remembers
	// the last unacknowledged MoveToken and retransmits once a fresh
	// EncryptedChannel for the same friend is registered (spec §6).
	Closed() <-chan struct{}

	// Close releases the underlying stream.
	Close() error
}

// RelayOp is the single rendezvous operation a RelayClient accepts (spec
// §6: "A single operation Listen | Accept(peerPk) | Connect(peerPk)").
type RelayOp uint8

const (
	RelayListen RelayOp = iota
	RelayAccept
	RelayConnect
)

// RelayClient provides the rendezvous transport by which one friend listens
// and the other initiates, consumed only; the core never implements a
// relay itself (spec §1 Out-of-scope, §6).
type RelayClient interface {
	// Do issues op against peerPk (ignored for RelayListen).
	Do(op RelayOp, peerPk meshwire.PublicKey) error

	// Incoming delivers a notification for every peer that successfully
	// rendezvous-connects to this node while RelayListen is active.
	Incoming() <-chan meshwire.PublicKey
}

// CapacitySummary is one periodic report the core emits toward the index
// server: this friend's currently usable send/receive capacity and the
// mediation rate charged on the outgoing hop (spec §6).
type CapacitySummary struct {
	Friend       meshwire.PublicKey
	Currency     meshwire.Currency
	SendCapacity mutualcredit.U128
	RecvCapacity mutualcredit.U128
	Rate         meshwire.Rate
}

// RouteReply answers an earlier route request with one candidate route and
// the capacity the index server believes is available along it. The core
// treats a reply with a stale or now-invalid route as ordinary input: it
// simply produces a Cancel once tried (spec §6: "stale routes simply yield
// Cancels").
type RouteReply struct {
	Route    meshwire.FriendsRoute
	Capacity mutualcredit.U128
}

// IndexClient is the route-discovery federation collaborator, consumed
// only. The core publishes summaries and reads route replies; no ordering
// guarantee is assumed between the two (spec §6).
type IndexClient interface {
	// PublishSummary reports one friend/currency's current capacity and
	// rate to the index federation.
	PublishSummary(summary CapacitySummary) error

	// RequestRoute asks the index federation for a route from this node
	// to dest carrying at least amount of currency. Replies arrive later
	// on Replies(), not as a return value, since route discovery may
	// involve a federated, multi-hop query.
	RequestRoute(dest meshwire.PublicKey, currency meshwire.Currency, amount mutualcredit.U128) error

	// Replies delivers every RouteReply as it becomes available.
	Replies() <-chan RouteReply
}
