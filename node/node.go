// Package node wires every other package into the single cooperative task
// described by spec §5: one goroutine draining a merged, bounded select
// loop over inbound friend messages, control commands, timer ticks, and
// index-server events. Grounded on htlcswitch/switch.go's htlcForwarder
// main loop for the dispatch shape and lnd.go's top-level wiring for how
// the collaborators are constructed and handed to each other.
package node

import (
	"errors"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/meshcredit/corenet/control"
	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/funder"
	"github.com/meshcredit/corenet/meshlog"
	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/paymentengine"
	"github.com/meshcredit/corenet/persistence"
	"github.com/meshcredit/corenet/tokenchannel"
	"github.com/meshcredit/corenet/transport"
)

var log = meshlog.Logger("NODE")

var (
	// ErrFriendExists is returned by AddFriend when the friend is already
	// registered.
	ErrFriendExists = errors.New("node: friend already registered")
	// ErrUnknownFriend is returned by any friend-scoped operation naming a
	// friend this node has never been told about.
	ErrUnknownFriend = errors.New("node: unknown friend")
	// ErrFriendNotConnected is returned by a send attempt when no live
	// transport.EncryptedChannel has been registered for the friend yet.
	ErrFriendNotConnected = errors.New("node: friend has no connected transport channel")
	// ErrUnknownCommand is returned for a control.Command whose Kind this
	// build does not recognize.
	ErrUnknownCommand = errors.New("node: unknown command kind")
	// ErrFatalStore is reported for every command once a persistence write
	// has failed: continuing to mutate state that can no longer be durably
	// recorded would risk mis-accounting, so the node halts all outbound
	// traffic instead (spec §7, "Persistence failure: fatal").
	ErrFatalStore = errors.New("node: persistence failure, node halted")
)

// Config bundles Node's fixed, deployment-time parameters, mirroring the
// plain struct lnd.go's Config carries (mostly durations and a database
// path) rather than a flag-parsing layer of its own.
type Config struct {
	PrivateKey *btcec.PrivateKey
	DBPath     string

	// KDFCost is the bcrypt work factor applied to lock-preimage
	// derivations costly enough to be routed through cryptoPool rather
	// than computed inline (spec §5/§9, Open Question #1).
	KDFCost int
	// CheapKDFCost is the threshold below which a KDF call runs inline on
	// the dispatch loop instead of being handed to the worker pool; a
	// job at or under this cost is assumed fast enough not to stall the
	// loop behind it.
	CheapKDFCost int
	// Workers bounds cryptoPool's worker count. Zero means
	// runtime.GOMAXPROCS(0), spec §5's default.
	Workers int

	TickInterval      time.Duration
	KeepAliveInterval time.Duration
	LivenessTimeout   time.Duration

	// PaymentTTL bounds how long an uncommitted buyer-side payment may
	// stay in progress before it is abandoned with forward Cancels
	// (spec §5's payment_ttl).
	PaymentTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.KDFCost == 0 {
		c.KDFCost = cryptoops.DefaultKDFCost
	}
	if c.CheapKDFCost == 0 {
		c.CheapKDFCost = 4
	}
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.TickInterval == 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 90 * time.Second
	}
	if c.PaymentTTL == 0 {
		c.PaymentTTL = 5 * time.Minute
	}
}

// routerRef breaks the construction cycle between meshswitch.Router (which
// needs a PaymentNotifier at construction) and paymentengine.Payments
// (which needs a RequestSender at construction): Payments is built against
// this empty shell first, then once Router exists rr.r is filled in before
// the dispatch loop ever runs.
type routerRef struct {
	r *meshswitch.Router
}

func (rr *routerRef) InitiateRequest(firstHop meshwire.PublicKey, currency meshwire.Currency, op *meshwire.RequestSendFundsOp) error {
	return rr.r.InitiateRequest(firstHop, currency, op)
}

func (rr *routerRef) InitiateCancel(firstHop meshwire.PublicKey, currency meshwire.Currency, requestId meshwire.HashResult) error {
	return rr.r.InitiateCancel(firstHop, currency, requestId)
}

// friendLink is one friend's runtime bookkeeping that lives outside the
// persisted channel state: its live transport, liveness bookkeeping, and
// the bookkeeping trySend needs to tell a freshly built MoveToken from a
// funder-cached resend.
type friendLink struct {
	pk      meshwire.PublicKey
	name    string
	enabled bool

	channel transport.EncryptedChannel

	lastActivity time.Time

	// lastCommittedToken is the NewToken of the last MoveToken this side
	// both built and committed via tokenchannel.Channel.CommitSent.
	// trySend compares funder.BuildNext's return value against this to
	// decide whether the message is fresh (commit, then send) or a cached
	// resend (send only). See trySend.
	lastCommittedToken meshwire.Signature
}

type friendInbound struct {
	friend meshwire.PublicKey
	msg    meshwire.Message
}

// Node is the single cooperative task orchestrating one credit network
// participant: every collaborator package plus the friend roster and the
// fan-in channel its dispatch loop selects on.
type Node struct {
	cfg     Config
	localPk meshwire.PublicKey

	store    *persistence.Store
	funder   *funder.Manager
	router   *meshswitch.Router
	invoices *paymentengine.Invoices
	payments *paymentengine.Payments
	tower    *control.Tower
	pool     *cryptoPool

	relay transport.RelayClient
	index transport.IndexClient

	// rates mirrors what has been handed to router.SetRate, kept here
	// too since meshswitch.Router exposes no getter and capacity
	// summaries need to report the rate alongside the capacity.
	rates map[meshwire.PublicKey]meshwire.Rate

	friends map[meshwire.PublicKey]*friendLink
	plex    chan friendInbound

	// fatal is set when a persistence write fails; from then on the node
	// answers every command with ErrFatalStore and emits nothing outbound.
	fatal bool

	quit chan struct{}
	done chan struct{}
}

// Open constructs a Node backed by the bbolt database at cfg.DBPath,
// restoring every previously persisted friend and its channel snapshot,
// and wires tower/relay/index as this node's application-facing and
// network-facing collaborators. relay and index may be nil if this
// deployment does not use them.
func Open(cfg Config, tower *control.Tower, relay transport.RelayClient, index transport.IndexClient) (*Node, error) {
	cfg.setDefaults()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	localPk := meshwire.NewPublicKey(cfg.PrivateKey.PubKey())

	fm := funder.NewManager()
	invoices := paymentengine.NewInvoices(cfg.PrivateKey, fm)
	rr := &routerRef{}
	payments := paymentengine.NewPayments(rr)
	router := meshswitch.NewRouter(localPk, fm, invoices, payments, fm)
	rr.r = router
	invoices.BindRouter(router)
	router.SetSigner(invoices)

	n := &Node{
		cfg:      cfg,
		localPk:  localPk,
		store:    store,
		funder:   fm,
		router:   router,
		invoices: invoices,
		payments: payments,
		tower:    tower,
		pool:     newCryptoPool(cfg.Workers),
		relay:    relay,
		index:    index,
		rates:    make(map[meshwire.PublicKey]meshwire.Rate),
		friends:  make(map[meshwire.PublicKey]*friendLink),
		plex:     make(chan friendInbound, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := n.restoreFriends(); err != nil {
		store.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) restoreFriends() error {
	recs, err := n.store.ListFriends()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		ch := tokenchannel.New(n.localPk, rec.Friend)
		if snap, ok, err := n.store.LoadTokenChannel(rec.Friend); err != nil {
			return err
		} else if ok {
			ch = tokenchannel.Restore(snap)
		}
		n.funder.AddFriend(rec.Friend, ch)
		if err := n.funder.SetLive(rec.Friend, rec.Enabled); err != nil {
			return err
		}
		n.friends[rec.Friend] = &friendLink{
			pk:           rec.Friend,
			enabled:      rec.Enabled,
			lastActivity: time.Now(),
		}
	}
	return nil
}

// ConnectFriend registers a live transport.EncryptedChannel for an already
// known friend (one created via the AddFriend control command), starting a
// goroutine that forwards everything the peer sends into the dispatch
// loop's plex channel. The application layer calls this once it has turned
// a relay rendezvous (or any other transport-establishment path) into a
// live stream; Node itself never dials or accepts (spec §6).
func (n *Node) ConnectFriend(pk meshwire.PublicKey, ch transport.EncryptedChannel) error {
	link, ok := n.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	link.channel = ch
	link.lastActivity = time.Now()

	// Resend anything committed-but-unacknowledged from before the last
	// disconnect or restart. Peers recognize a repeated newToken as a
	// no-op, so this is safe to do unconditionally (spec §4.7).
	pending, err := n.store.PendingOutbox(pk)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if err := ch.Send(msg); err != nil {
			log.Warnf("friend %s: outbox resend: %v", pk, err)
			break
		}
	}

	go n.forwardInbound(pk, ch)
	return nil
}

func (n *Node) forwardInbound(pk meshwire.PublicKey, ch transport.EncryptedChannel) {
	for {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				return
			}
			select {
			case n.plex <- friendInbound{friend: pk, msg: msg}:
			case <-n.quit:
				return
			}
		case <-ch.Closed():
			return
		case <-n.quit:
			return
		}
	}
}

// Run drains the merged dispatch loop until Close is called. It is meant
// to be the only goroutine that ever touches funder/router/invoices/
// payments/persisted channel state, matching spec §5's "single
// cooperative task" model.
func (n *Node) Run() {
	defer close(n.done)

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-n.plex:
			n.handleFriendMessage(in.friend, in.msg)

		case env := <-n.tower.Recv():
			env.Respond(n.handleCommand(env.Command))

		case pk := <-n.relayIncoming():
			log.Infof("relay: incoming connection from %s", pk)

		case reply := <-n.indexReplies():
			log.Debugf("index: route reply for %s capacity=%s", reply.Route, reply.Capacity)

		case <-ticker.C:
			n.onTick()

		case <-n.quit:
			return
		}
	}
}

// Close stops the dispatch loop and releases the underlying store and
// worker pool. Safe to call whether or not Run is currently executing.
func (n *Node) Close() error {
	close(n.quit)
	n.pool.Close()
	return n.store.Close()
}

func (n *Node) relayIncoming() <-chan meshwire.PublicKey {
	if n.relay == nil {
		return nil
	}
	return n.relay.Incoming()
}

func (n *Node) indexReplies() <-chan transport.RouteReply {
	if n.index == nil {
		return nil
	}
	return n.index.Replies()
}

// onTick drives every friend's outbound send path and keep-alive/capacity
// reporting once per TickInterval, the timer-driven half of spec §5's
// merged select loop.
func (n *Node) onTick() {
	if n.fatal {
		return
	}
	n.payments.ExpireStale(n.cfg.PaymentTTL)

	now := time.Now()
	for pk, link := range n.friends {
		if !link.enabled {
			continue
		}

		// A friend silent past the liveness timeout pauses funder's
		// outbound drain until it produces traffic again (spec §5).
		if link.channel != nil && now.Sub(link.lastActivity) > n.cfg.LivenessTimeout {
			_ = n.funder.SetLive(pk, false)
		}

		n.trySend(pk)

		if link.channel != nil && n.funder.KeepAliveDue(pk, link.lastActivity, n.cfg.KeepAliveInterval) {
			if err := link.channel.Send(&meshwire.KeepAlive{}); err != nil {
				log.Warnf("friend %s: keepalive send: %v", pk, err)
			} else {
				link.lastActivity = now
			}
		}

		n.publishCapacity(pk)
	}
}

// trySend asks funder for the next outbound MoveToken (fresh or a cached
// resend), commits this side's own channel state exactly once per fresh
// message, persists that advance, and only then transmits, following the
// persist-before-emit ordering of spec §4.7.
func (n *Node) trySend(pk meshwire.PublicKey) {
	link, ok := n.friends[pk]
	if !ok {
		return
	}
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return
	}

	msg, ok, err := n.funder.BuildNext(n.cfg.PrivateKey, pk)
	if err != nil {
		if !errors.Is(err, funder.ErrNotLive) {
			log.Warnf("friend %s: build move token: %v", pk, err)
		}
		return
	}
	if !ok {
		return
	}

	if msg.NewToken != link.lastCommittedToken {
		ch.CommitSent(msg)
		link.lastCommittedToken = msg.NewToken

		// Persist the advance and the message itself in one transaction,
		// before anything reaches the transport: a crash between here and
		// the Send is recovered by ConnectFriend's outbox resend.
		muts, err := n.friendMutations(pk)
		if err != nil {
			log.Errorf("friend %s: snapshot after commit: %v", pk, err)
			return
		}
		outboxMut, err := persistence.PutOutboxEntry(pk, ch.MoveTokenCounter, msg)
		if err != nil {
			log.Errorf("friend %s: encode outbox entry: %v", pk, err)
			return
		}
		if err := n.storeApply(append(muts, outboxMut)); err != nil {
			return
		}
	}

	if link.channel == nil {
		return
	}
	if err := link.channel.Send(msg); err != nil {
		log.Warnf("friend %s: send move token: %v", pk, err)
		return
	}
	link.lastActivity = time.Now()
}

func (n *Node) send(pk meshwire.PublicKey, msg meshwire.Message) error {
	link, ok := n.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	if link.channel == nil {
		return ErrFriendNotConnected
	}
	return link.channel.Send(msg)
}

// friendMutations builds the mutation pair (enabled flag + full channel
// snapshot) that records one friend's current state.
func (n *Node) friendMutations(pk meshwire.PublicKey) ([]persistence.Mutation, error) {
	link, ok := n.friends[pk]
	if !ok {
		return nil, ErrUnknownFriend
	}
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return nil, ErrUnknownFriend
	}
	chanMut, err := persistence.PutTokenChannel(pk, ch.Snapshot())
	if err != nil {
		return nil, err
	}
	return []persistence.Mutation{
		persistence.PutFriend(pk, link.enabled),
		chanMut,
	}, nil
}

// persistFriend writes a friend's enabled flag and full channel snapshot
// in one atomic batch (persistence.Store.Apply), the unit node uses
// whenever a friend's channel state advances.
func (n *Node) persistFriend(pk meshwire.PublicKey) error {
	muts, err := n.friendMutations(pk)
	if err != nil {
		return err
	}
	return n.storeApply(muts)
}

// storeApply commits a mutation batch, treating any failure as fatal per
// spec §7: the node stops emitting outbound traffic and reports
// ErrFatalStore for every further command.
func (n *Node) storeApply(muts []persistence.Mutation) error {
	if err := n.store.Apply(muts); err != nil {
		n.fatal = true
		log.Criticalf("persistence failure, halting outbound traffic: %v", err)
		return err
	}
	return nil
}

// publishCapacity reports every active currency's debt ceilings to the
// index federation as a coarse capacity signal (spec §6); computing the
// precise remaining headroom after frozen/pending debt is left to a future
// refinement, since no operation in this build currently consumes that
// precision.
func (n *Node) publishCapacity(pk meshwire.PublicKey) {
	if n.index == nil {
		return
	}
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return
	}
	rate := n.rates[pk]
	for cur, mc := range ch.Currencies {
		summary := transport.CapacitySummary{
			Friend:       pk,
			Currency:     cur,
			SendCapacity: mc.RemoteMaxDebt,
			RecvCapacity: mc.LocalMaxDebt,
			Rate:         rate,
		}
		if err := n.index.PublishSummary(summary); err != nil {
			log.Warnf("friend %s: publish capacity summary: %v", pk, err)
		}
	}
}

// DeriveSlow runs cryptoops.KDF at cfg.KDFCost, executing inline for a
// cost at or under cfg.CheapKDFCost and otherwise offloading to the
// bounded worker pool so one expensive derivation never stalls the
// dispatch loop behind it (spec §5's CPU-offload requirement).
func (n *Node) DeriveSlow(preimage []byte) ([]byte, error) {
	return n.pool.Derive(preimage, n.cfg.KDFCost, n.cfg.CheapKDFCost)
}
