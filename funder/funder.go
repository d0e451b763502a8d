// Package funder owns each friend's live token channel together with its
// outbound operation queue, batching queued operations into MoveToken
// messages bounded by MaxOpsPerToken and tracking resend-on-reconnect
// idempotency by the last token handed to the network layer. Grounded on
// peer.go's outgoingQueue/sendQueue double-buffering: one list per friend
// fed by Enqueue, drained into wire messages by BuildNext.
package funder

import (
	"container/list"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/time/rate"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/tokenchannel"
)

// MaxOpsPerToken bounds how many operations a single outbound MoveToken
// batches before the rest spill into the next one, keeping any individual
// message's encoded size predictable (spec §4.5).
const MaxOpsPerToken = 64

// ErrUnknownFriend is returned by any per-friend operation naming a friend
// the Manager has not been told about via AddFriend.
var ErrUnknownFriend = errors.New("funder: unknown friend")

// ErrNotLive is returned by BuildNext when the friend's connection is
// currently paused (spec §4.5's liveness pause/resume).
var ErrNotLive = errors.New("funder: friend is not live")

// ErrRateLimited is returned by BuildNext when the friend's outbound rate
// limiter has no tokens left.
var ErrRateLimited = errors.New("funder: outbound rate limit exceeded")

type queuedOp struct {
	currency meshwire.Currency
	op       meshwire.Operation

	// effect is the ledger mutation the router already applied for this
	// operation, nil for operations with no enqueue-time ledger change.
	// Effects still sitting in the queue are excluded from every infoHash
	// computed before their operation reaches the wire.
	effect *mutualcredit.PendingEffect
}

// friendState bundles one friend's channel, queue, and liveness/limiter
// state, mirroring peer.go's per-peer bundle of channel state and send
// queue rather than splitting them across separate registries.
type friendState struct {
	channel *tokenchannel.Channel
	queue   *list.List

	live bool

	limiter *rate.Limiter

	// lastSentNewToken is the newToken of the most recently built
	// MoveToken, kept so a reconnect can resend the identical message
	// instead of rebuilding (and thus re-consuming) the queue.
	lastSentNewToken meshwire.Signature
	lastSentMsg      *meshwire.MoveToken

	// pendingCurrencyDiff and pendingRelayDiff are symmetric-difference
	// toggle sets consumed by the next BuildNext call, the queue-side
	// counterpart of tokenchannel's xorCurrencySet/xorRelaySet: queuing
	// the same entry twice cancels it back out before it is ever sent.
	pendingCurrencyDiff []meshwire.Currency
	pendingRelayDiff    []meshwire.PublicKey
}

// Manager owns every friend's channel and outbound queue for this node.
type Manager struct {
	friends map[meshwire.PublicKey]*friendState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{friends: make(map[meshwire.PublicKey]*friendState)}
}

// AddFriend registers a friend's live channel, starting live with an
// unlimited-by-default rate limiter (RateLimit configures it afterward).
func (m *Manager) AddFriend(pk meshwire.PublicKey, ch *tokenchannel.Channel) {
	m.friends[pk] = &friendState{
		channel: ch,
		queue:   list.New(),
		live:    true,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// RemoveFriend drops a friend and its queued operations entirely.
func (m *Manager) RemoveFriend(pk meshwire.PublicKey) {
	delete(m.friends, pk)
}

// RateLimit configures friend's outbound MoveToken rate limiter as a
// token bucket of the given rate and burst size, guarding against a
// misbehaving local application flooding one friend with operations
// (supplemental to spec.md's distillation; present in the original
// funder crate).
func (m *Manager) RateLimit(pk meshwire.PublicKey, ratePerSec float64, burst int) error {
	fs, ok := m.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	fs.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	return nil
}

// SetLive marks friend's connection up or down. While down, BuildNext
// refuses to drain the queue (spec §4.5's pause-on-liveness-loss), but
// Enqueue keeps accepting operations.
func (m *Manager) SetLive(pk meshwire.PublicKey, live bool) error {
	fs, ok := m.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	fs.live = live
	return nil
}

// Enqueue appends op for friend's next outbound MoveToken. Implements
// meshswitch.OutboundSender and never blocks or fails, matching peer.go's
// queueMsg which never blocks the caller on a slow peer: the queue is
// unbounded, an op for a friend the Manager does not know is dropped, and
// rate limiting is applied later, by BuildNext.
func (m *Manager) Enqueue(friend meshwire.PublicKey, currency meshwire.Currency, op meshwire.Operation, effect *mutualcredit.PendingEffect) {
	fs, ok := m.friends[friend]
	if !ok {
		return
	}
	fs.queue.PushBack(queuedOp{currency: currency, op: op, effect: effect})
}

// EnqueueCurrencyDiff toggles currency into (or out of) friend's next
// outbound MoveToken's currency diff, opening or closing that currency on
// the channel depending on whether it is already queued (spec §4.5's
// currency open/close, driven here from the control surface).
func (m *Manager) EnqueueCurrencyDiff(friend meshwire.PublicKey, currency meshwire.Currency) error {
	fs, ok := m.friends[friend]
	if !ok {
		return ErrUnknownFriend
	}
	fs.pendingCurrencyDiff = toggleCurrency(fs.pendingCurrencyDiff, currency)
	return nil
}

// EnqueueRelayDiff toggles relay into (or out of) friend's next outbound
// MoveToken's relay diff.
func (m *Manager) EnqueueRelayDiff(friend meshwire.PublicKey, relay meshwire.PublicKey) error {
	fs, ok := m.friends[friend]
	if !ok {
		return ErrUnknownFriend
	}
	fs.pendingRelayDiff = togglePublicKey(fs.pendingRelayDiff, relay)
	return nil
}

func toggleCurrency(s []meshwire.Currency, c meshwire.Currency) []meshwire.Currency {
	for i, x := range s {
		if x == c {
			return append(s[:i], s[i+1:]...)
		}
	}
	return append(s, c)
}

func togglePublicKey(s []meshwire.PublicKey, pk meshwire.PublicKey) []meshwire.PublicKey {
	for i, x := range s {
		if x == pk {
			return append(s[:i], s[i+1:]...)
		}
	}
	return append(s, pk)
}

func hasCurrency(s []meshwire.Currency, c meshwire.Currency) bool {
	for _, x := range s {
		if x == c {
			return true
		}
	}
	return false
}

// queuedEffects collects the ledger effects of every operation still in the
// queue, the set both BuildMoveToken and ReceiveMoveToken must exclude from
// their infoHash computations.
func queuedEffects(fs *friendState) []tokenchannel.CurrencyEffect {
	var out []tokenchannel.CurrencyEffect
	for e := fs.queue.Front(); e != nil; e = e.Next() {
		q := e.Value.(queuedOp)
		if q.effect == nil {
			continue
		}
		out = append(out, tokenchannel.CurrencyEffect{Currency: q.currency, Effect: *q.effect})
	}
	return out
}

// QueuedEffects reports friend's still-queued ledger effects, handed by the
// node's dispatch loop to ReceiveMoveToken so an inbound token's infoHash is
// checked against state the peer can actually derive.
func (m *Manager) QueuedEffects(pk meshwire.PublicKey) []tokenchannel.CurrencyEffect {
	fs, ok := m.friends[pk]
	if !ok {
		return nil
	}
	return queuedEffects(fs)
}

// MutualCredit implements meshswitch.MutualCreditLookup by reading from
// the friend's live channel state.
func (m *Manager) MutualCredit(friend meshwire.PublicKey, currency meshwire.Currency) (*mutualcredit.MutualCredit, bool) {
	fs, ok := m.friends[friend]
	if !ok {
		return nil, false
	}
	mc, ok := fs.channel.Currencies[currency]
	if !ok {
		mc = mutualcredit.New()
		fs.channel.Currencies[currency] = mc
	}
	return mc, true
}

// SupportsCurrency implements paymentengine.CurrencySupport: it reports
// whether at least one friend's channel already carries a ledger for
// currency, the basis for AddInvoice's rejection of invoices for a
// currency this node has never configured with anyone (spec's
// multi-currency-invoice-rejection supplement).
func (m *Manager) SupportsCurrency(currency meshwire.Currency) bool {
	for _, fs := range m.friends {
		if _, ok := fs.channel.Currencies[currency]; ok {
			return true
		}
	}
	return false
}

// Channel returns friend's live token channel, for callers (e.g. node's
// inbound-message dispatch) that need to call ReceiveMoveToken directly.
func (m *Manager) Channel(friend meshwire.PublicKey) (*tokenchannel.Channel, bool) {
	fs, ok := m.friends[friend]
	if !ok {
		return nil, false
	}
	return fs.channel, true
}

// BuildNext drains up to MaxOpsPerToken queued operations for friend,
// grouped by currency preserving arrival order within each currency, and
// signs the next MoveToken; the channel itself advances only when the
// caller commits it with tokenchannel.Channel.CommitSent. Returns ok=false when there is
// nothing to send: the queue is empty, or this side does not currently
// hold the token.
//
// If the previous call's MoveToken was never acknowledged (no
// ReceiveMoveToken round-trip observed since), BuildNext resends the
// identical cached message instead of consuming more of the queue:
// the resend-on-reconnect idempotency required by spec §4.5.
func (m *Manager) BuildNext(priv *btcec.PrivateKey, friend meshwire.PublicKey) (*meshwire.MoveToken, bool, error) {
	fs, ok := m.friends[friend]
	if !ok {
		return nil, false, ErrUnknownFriend
	}
	if !fs.live {
		return nil, false, ErrNotLive
	}
	if fs.lastSentMsg != nil {
		return fs.lastSentMsg, true, nil
	}
	// Not holding the token is an ordinary wait state, not an error; the
	// queue stays intact until the token comes back (spec §4.5).
	if fs.channel.Direction != tokenchannel.Outgoing {
		return nil, false, nil
	}
	hasWork := fs.queue.Len() > 0 || len(fs.pendingCurrencyDiff) > 0 || len(fs.pendingRelayDiff) > 0
	if !hasWork {
		return nil, false, nil
	}
	if !fs.limiter.Allow() {
		return nil, false, ErrRateLimited
	}

	byCurrency := make(map[meshwire.Currency][]meshwire.Operation)
	var order []meshwire.Currency
	taken := 0
	for taken < MaxOpsPerToken {
		front := fs.queue.Front()
		if front == nil {
			break
		}
		fs.queue.Remove(front)
		q := front.Value.(queuedOp)
		if _, seen := byCurrency[q.currency]; !seen {
			order = append(order, q.currency)
		}
		byCurrency[q.currency] = append(byCurrency[q.currency], q.op)
		taken++
	}

	var currenciesOps []meshwire.CurrencyOperations
	for _, c := range order {
		currenciesOps = append(currenciesOps, meshwire.CurrencyOperations{Currency: c, Ops: byCurrency[c]})
	}

	// A batched operation may belong to a currency the channel has not
	// activated yet (the ledger was created lazily on first routing use);
	// fold such currencies into the diff so the peer opens them before
	// applying the batch, mirroring MutualCredit's lazy creation.
	currenciesDiff := fs.pendingCurrencyDiff
	for _, c := range order {
		if _, active := fs.channel.Currencies[c]; !active && !hasCurrency(currenciesDiff, c) {
			currenciesDiff = append(currenciesDiff, c)
		}
	}
	relaysDiff := fs.pendingRelayDiff

	msg, err := fs.channel.BuildMoveToken(priv, currenciesOps, currenciesDiff, relaysDiff, queuedEffects(fs))
	if err != nil {
		return nil, false, err
	}
	fs.pendingCurrencyDiff = nil
	fs.pendingRelayDiff = nil
	fs.lastSentNewToken = msg.NewToken
	fs.lastSentMsg = msg
	return msg, true, nil
}

// AckMoveToken clears the cached resend buffer once the peer's own
// MoveToken acknowledges newToken, permitting the
// next BuildNext call to drain fresh queue contents instead of resending.
func (m *Manager) AckMoveToken(friend meshwire.PublicKey, newToken meshwire.Signature) error {
	fs, ok := m.friends[friend]
	if !ok {
		return ErrUnknownFriend
	}
	if fs.lastSentMsg != nil && fs.lastSentNewToken == newToken {
		fs.lastSentMsg = nil
	}
	return nil
}

// HasPending reports whether friend has queued operations or an
// unacknowledged outbound MoveToken waiting to be sent/resent.
func (m *Manager) HasPending(friend meshwire.PublicKey) bool {
	fs, ok := m.friends[friend]
	if !ok {
		return false
	}
	return fs.lastSentMsg != nil || fs.queue.Len() > 0
}

// KeepAliveDue reports whether it has been at least interval since
// friend's channel last advanced, the trigger for sending an unsolicited
// KeepAlive to hold the connection open (spec §4.5).
func (m *Manager) KeepAliveDue(friend meshwire.PublicKey, since time.Time, interval time.Duration) bool {
	return time.Since(since) >= interval
}
