// Package tokenchannel implements the bilateral move-token state machine of
// one friendship: strictly alternating token ownership, the five-step
// reception algorithm, and inconsistency/reset handling. It is grounded on
// lnd's lnwallet/channel.go commitment-advance protocol (ProcessChanSyncMsg,
// ReceiveNewCommitment), generalized from a revocable HTLC commitment chain
// to a simpler strictly-alternating signed-token handoff.
package tokenchannel

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// Direction records which side currently holds the token and may therefore
// originate the next MoveToken.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

var (
	// ErrBadSignature is returned when newToken does not verify under the
	// sender's public key.
	ErrBadSignature = errors.New("tokenchannel: invalid token signature")
	// ErrTokenMismatch is returned when the message's oldToken does not
	// equal this channel's lastToken (spec §4.3 step 1).
	ErrTokenMismatch = errors.New("tokenchannel: oldToken does not match lastToken")
	// ErrUnknownCurrency is returned when an operations batch references a
	// currency not present in the active set after the diff is applied.
	ErrUnknownCurrency = errors.New("tokenchannel: operation batch references unknown currency")
	// ErrInfoHashMismatch is returned when the recomputed infoHash disagrees
	// with the value carried on the wire.
	ErrInfoHashMismatch = errors.New("tokenchannel: infoHash mismatch")
	// ErrInconsistent is returned by ReceiveMoveToken when the channel is
	// already in the Inconsistent state and must be reset first.
	ErrInconsistent = errors.New("tokenchannel: channel is inconsistent, reset required")
	// ErrNotOutgoing is returned when a local send is attempted while this
	// side does not hold the token.
	ErrNotOutgoing = errors.New("tokenchannel: local side does not hold the token")
)

// OpApplier implements the per-operation business logic (freeze/commit
// decisions, routing reactions) that sits above the mechanical token
// advance. Channel calls it once per operation, in order, within a single
// currency's ledger; returning an error aborts the entire move as required
// by spec §4.3 step 3 ("if any operation fails, the entire move is
// rejected").
type OpApplier interface {
	ApplyOp(currency meshwire.Currency, mc *mutualcredit.MutualCredit, op meshwire.Operation) error
}

// CurrencyEffect pairs a queued ledger effect with the currency it applies
// to, the shape funder reports its undrained outbound queue in. Effects of
// operations that are queued but not yet carried by a MoveToken live in the
// local ledger only; both BuildMoveToken and ReceiveMoveToken exclude them
// before computing the infoHash, since the peer cannot know about them yet.
type CurrencyEffect struct {
	Currency meshwire.Currency
	Effect   mutualcredit.PendingEffect
}

// Channel is the per-friend, per-direction move-token state machine. Each
// side of a friendship holds its own independent Channel value; there is no
// shared object between the two peers, only the protocol that keeps their
// two copies in lockstep.
type Channel struct {
	LocalPk  meshwire.PublicKey
	RemotePk meshwire.PublicKey

	Direction            Direction
	LastToken            meshwire.Signature
	MoveTokenCounter     uint64
	InconsistencyCounter uint64

	Currencies   map[meshwire.Currency]*mutualcredit.MutualCredit
	LocalRelays  []meshwire.PublicKey
	RemoteRelays []meshwire.PublicKey

	Inconsistent bool
	PendingReset *meshwire.ResetTerms
}

// New creates the initial state of a fresh friendship channel, deriving the
// zero-th token and starting direction deterministically from the two
// public keys so both sides agree without a handshake round-trip (spec
// §4.3, "Initial token").
func New(localPk, remotePk meshwire.PublicKey) *Channel {
	return &Channel{
		LocalPk:    localPk,
		RemotePk:   remotePk,
		Direction:  InitialDirection(localPk, remotePk),
		LastToken:  InitialToken(localPk, remotePk),
		Currencies: make(map[meshwire.Currency]*mutualcredit.MutualCredit),
	}
}

// InitialToken computes the deterministic zero-th token shared by both
// sides: the hash of the two public keys in canonical (smaller-first)
// order. It is intentionally not a real signature: spec §4.3 is explicit
// that "both sides compute the same value without signing".
func InitialToken(a, b meshwire.PublicKey) meshwire.Signature {
	lower, higher := a, b
	if b.Less(a) {
		lower, higher = b, a
	}
	h := cryptoops.Hash(lower[:], higher[:])
	var sig meshwire.Signature
	copy(sig[:], h[:])
	return sig
}

// InitialDirection reports which side starts as Outgoing: the side whose
// public key compares lexicographically smaller (spec §4.3).
func InitialDirection(local, remote meshwire.PublicKey) Direction {
	if local.Less(remote) {
		return Outgoing
	}
	return Incoming
}

func xorCurrencySet(active map[meshwire.Currency]*mutualcredit.MutualCredit, diff []meshwire.Currency) {
	for _, cur := range diff {
		if _, ok := active[cur]; ok {
			delete(active, cur)
		} else {
			active[cur] = mutualcredit.New()
		}
	}
}

func xorRelaySet(current []meshwire.PublicKey, diff []meshwire.PublicKey) []meshwire.PublicKey {
	present := make(map[meshwire.PublicKey]bool, len(current))
	for _, pk := range current {
		present[pk] = true
	}
	for _, pk := range diff {
		present[pk] = !present[pk]
	}
	out := make([]meshwire.PublicKey, 0, len(present))
	for pk, in := range present {
		if in {
			out = append(out, pk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// snapshotCurrencies deep-copies the active ledgers, used to roll back a
// rejected move atomically (spec §4.3: "single pass, atomic").
func snapshotCurrencies(in map[meshwire.Currency]*mutualcredit.MutualCredit) map[meshwire.Currency]*mutualcredit.MutualCredit {
	out := make(map[meshwire.Currency]*mutualcredit.MutualCredit, len(in))
	for cur, mc := range in {
		snap := mc.Snapshot()
		out[cur] = &snap
	}
	return out
}

// applyLocalConfigOp folds the sender-side half of a queued configuration
// operation into this side's own ledger: the exact mirror of what
// routerApplier does on the receiving side. Funds operations are absent
// here deliberately: their ledger effects were applied at the moment the
// router queued them (freeze at forward time, commit at collect time), so
// only the three pure-config operations still act at build/commit time.
func applyLocalConfigOp(mc *mutualcredit.MutualCredit, op meshwire.Operation) {
	switch o := op.(type) {
	case *meshwire.SetRemoteMaxDebtOp:
		mc.SetRemoteMaxDebt(o.MaxDebt)
	case *meshwire.EnableRequestsOp:
		mc.SetLocalRequestsOpen(true)
	case *meshwire.DisableRequestsOp:
		mc.SetLocalRequestsOpen(false)
	}
}

// revertQueuedEffects removes every still-queued operation's ledger effect
// from the scratch state, yielding the state the peer can actually derive.
func revertQueuedEffects(currencies map[meshwire.Currency]*mutualcredit.MutualCredit, queued []CurrencyEffect) error {
	for _, qe := range queued {
		mc, ok := currencies[qe.Currency]
		if !ok {
			continue
		}
		if err := qe.Effect.Revert(mc); err != nil {
			return err
		}
	}
	return nil
}

func reapplyQueuedEffects(currencies map[meshwire.Currency]*mutualcredit.MutualCredit, queued []CurrencyEffect) error {
	for _, qe := range queued {
		mc, ok := currencies[qe.Currency]
		if !ok {
			continue
		}
		if err := qe.Effect.Apply(mc); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveMoveToken implements the five-step reception algorithm of spec
// §4.3 verbatim. senderPub must be the remote friend's public key. applier
// supplies the per-operation business logic (see OpApplier). queued holds
// the ledger effects of this side's own not-yet-sent operations, which the
// peer cannot know about and which are therefore excluded from the infoHash
// comparison and restored afterward. On any failure the channel's ledgers
// are left exactly as they were before the call; the caller is responsible
// for reacting to the returned inconsistency-class errors by calling
// DetectInconsistency.
func (c *Channel) ReceiveMoveToken(msg *meshwire.MoveToken, senderPub meshwire.PublicKey, applier OpApplier, queued []CurrencyEffect) error {
	if c.Inconsistent {
		return ErrInconsistent
	}

	// Step 1: verify newToken and oldToken.
	if msg.OldToken != c.LastToken {
		return ErrTokenMismatch
	}
	digest := hashMoveTokenFields(msg, c.MoveTokenCounter+1)
	pub, err := senderPub.Parse()
	if err != nil {
		return ErrBadSignature
	}
	if !cryptoops.Verify(pub, digest, msg.NewToken) {
		return ErrBadSignature
	}

	// Work on a scratch copy so a mid-pass failure leaves c untouched, and
	// strip this side's own queued-but-unsent effects so the hash check
	// compares the state both sides can actually derive.
	scratchCurrencies := snapshotCurrencies(c.Currencies)
	if err := revertQueuedEffects(scratchCurrencies, queued); err != nil {
		return err
	}

	// Step 2: apply currenciesDiff (symmetric difference).
	xorCurrencySet(scratchCurrencies, msg.CurrenciesDiff)

	// Step 3: apply each currency's operations in order.
	for _, co := range msg.CurrenciesOps {
		mc, ok := scratchCurrencies[co.Currency]
		if !ok {
			return ErrUnknownCurrency
		}
		for _, op := range co.Ops {
			if err := applier.ApplyOp(co.Currency, mc, op); err != nil {
				return err
			}
			if err := mc.Invariant(); err != nil {
				return err
			}
		}
	}

	scratchRelays := xorRelaySet(c.RemoteRelays, msg.RelaysDiff)

	// Step 4: recompute infoHash over the post-application state.
	gotInfoHash := c.computeInfoHash(scratchCurrencies, c.LocalRelays, scratchRelays, c.MoveTokenCounter+1)
	if gotInfoHash != msg.InfoHash {
		return ErrInfoHashMismatch
	}

	// Step 5: restore the local queued effects and commit the advance.
	if err := reapplyQueuedEffects(scratchCurrencies, queued); err != nil {
		return err
	}
	c.Currencies = scratchCurrencies
	c.RemoteRelays = scratchRelays
	c.MoveTokenCounter++
	c.LastToken = msg.NewToken
	c.Direction = Outgoing
	return nil
}

// BuildMoveToken assembles and signs the next outbound MoveToken from a
// drained batch of per-currency operations (the shape Funder hands it).
// queued holds the effects of operations still left in the queue after this
// batch, excluded from the infoHash the same way ReceiveMoveToken excludes
// them. Only valid while this side holds the token.
func (c *Channel) BuildMoveToken(priv *btcec.PrivateKey, currenciesOps []meshwire.CurrencyOperations, currenciesDiff []meshwire.Currency, relaysDiff []meshwire.PublicKey, queued []CurrencyEffect) (*meshwire.MoveToken, error) {
	if c.Direction != Outgoing {
		return nil, ErrNotOutgoing
	}

	scratchCurrencies := snapshotCurrencies(c.Currencies)
	if err := revertQueuedEffects(scratchCurrencies, queued); err != nil {
		return nil, err
	}
	xorCurrencySet(scratchCurrencies, currenciesDiff)
	for _, co := range currenciesOps {
		mc, ok := scratchCurrencies[co.Currency]
		if !ok {
			return nil, ErrUnknownCurrency
		}
		for _, op := range co.Ops {
			applyLocalConfigOp(mc, op)
		}
	}
	scratchRelays := xorRelaySet(c.LocalRelays, relaysDiff)

	msg := &meshwire.MoveToken{
		OldToken:       c.LastToken,
		CurrenciesOps:  currenciesOps,
		CurrenciesDiff: currenciesDiff,
		RelaysDiff:     relaysDiff,
		InfoHash:       c.computeInfoHash(scratchCurrencies, scratchRelays, c.RemoteRelays, c.MoveTokenCounter+1),
	}
	digest := hashMoveTokenFields(msg, c.MoveTokenCounter+1)
	msg.NewToken = cryptoops.Sign(priv, digest)
	return msg, nil
}

// CommitSent applies this side's own half of a MoveToken it just built and
// handed to the transport layer: folds in the currency/relay diffs and the
// batch's config operations, advances lastToken/moveTokenCounter to the
// values the message's infoHash was computed against, and flips Direction
// to Incoming. This is the mirror image of ReceiveMoveToken's steps 2/3/5,
// needed because BuildMoveToken only signs the message: it deliberately
// leaves c untouched so a cached resend never double-advances the channel.
// The caller (node's send path) must call this exactly once per freshly
// built message, and never again for a resend of an already-committed
// cached message.
func (c *Channel) CommitSent(msg *meshwire.MoveToken) {
	xorCurrencySet(c.Currencies, msg.CurrenciesDiff)
	for _, co := range msg.CurrenciesOps {
		mc, ok := c.Currencies[co.Currency]
		if !ok {
			continue
		}
		for _, op := range co.Ops {
			applyLocalConfigOp(mc, op)
		}
	}
	c.LocalRelays = xorRelaySet(c.LocalRelays, msg.RelaysDiff)
	c.MoveTokenCounter++
	c.LastToken = msg.NewToken
	c.Direction = Incoming
}

// hashMoveTokenFields hashes every MoveToken field except newToken itself,
// together with the counter the signature is bound to, matching spec
// §4.3's "newToken = Sign(sender, hash(all previous fields ||
// moveTokenCounter+1))".
func hashMoveTokenFields(msg *meshwire.MoveToken, counter uint64) []byte {
	var buf bytes.Buffer
	buf.Write(msg.OldToken[:])
	for _, co := range msg.CurrenciesOps {
		buf.WriteString(string(co.Currency))
		for _, op := range co.Ops {
			buf.WriteByte(byte(op.OpType()))
			_ = op.Encode(&buf)
		}
	}
	for _, cur := range msg.CurrenciesDiff {
		buf.WriteString(string(cur))
	}
	for _, pk := range msg.RelaysDiff {
		buf.Write(pk[:])
	}
	buf.Write(msg.InfoHash[:])
	var counterBuf [8]byte
	putUint64(counterBuf[:], counter)
	buf.Write(counterBuf[:])

	h := cryptoops.Hash(buf.Bytes())
	return h[:]
}

// computeInfoHash hashes the post-application state: sorted per-currency
// balances/counters, both sides' relay sets, and the move-token counter,
// matching spec §4.3's "hash of (balances, counters, etc.)". The two sides
// of a friendship hold mirror-image ledgers (one side's balance is the
// negation of the other's, local/remote field pairs swapped), so both must
// derive the identical hash from opposite perspectives: every field is
// written from the perspective of the side whose public key compares
// smaller. The side actually holding that perspective writes its fields
// as-is; the other side negates its balance and swaps each local/remote
// pair.
func (c *Channel) computeInfoHash(currencies map[meshwire.Currency]*mutualcredit.MutualCredit, localRelays, remoteRelays []meshwire.PublicKey, counter uint64) meshwire.HashResult {
	flip := !c.LocalPk.Less(c.RemotePk)

	var buf bytes.Buffer
	sortedCurs := make([]meshwire.Currency, 0, len(currencies))
	for cur := range currencies {
		sortedCurs = append(sortedCurs, cur)
	}
	sort.Slice(sortedCurs, func(i, j int) bool { return sortedCurs[i] < sortedCurs[j] })

	for _, cur := range sortedCurs {
		mc := currencies[cur]
		buf.WriteString(string(cur))
		if !flip {
			writeI128(&buf, mc.Balance)
			writeU128(&buf, mc.LocalMaxDebt)
			writeU128(&buf, mc.RemoteMaxDebt)
			writeU128(&buf, mc.LocalPendingDebt)
			writeU128(&buf, mc.RemotePendingDebt)
			writeU128(&buf, mc.InFees)
			writeU128(&buf, mc.OutFees)
			writeBool(&buf, mc.LocalRequestsOpen)
			writeBool(&buf, mc.RemoteRequestsOpen)
		} else {
			writeI128(&buf, mc.Balance.Neg())
			writeU128(&buf, mc.RemoteMaxDebt)
			writeU128(&buf, mc.LocalMaxDebt)
			writeU128(&buf, mc.RemotePendingDebt)
			writeU128(&buf, mc.LocalPendingDebt)
			writeU128(&buf, mc.OutFees)
			writeU128(&buf, mc.InFees)
			writeBool(&buf, mc.RemoteRequestsOpen)
			writeBool(&buf, mc.LocalRequestsOpen)
		}
	}

	lowerRelays, higherRelays := localRelays, remoteRelays
	if flip {
		lowerRelays, higherRelays = remoteRelays, localRelays
	}
	writeUvarintW(&buf, uint64(len(lowerRelays)))
	for _, pk := range lowerRelays {
		buf.Write(pk[:])
	}
	writeUvarintW(&buf, uint64(len(higherRelays)))
	for _, pk := range higherRelays {
		buf.Write(pk[:])
	}

	var counterBuf [8]byte
	putUint64(counterBuf[:], counter)
	buf.Write(counterBuf[:])

	return cryptoops.Hash(buf.Bytes())
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
