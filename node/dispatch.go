package node

import (
	"time"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/persistence"
	"github.com/meshcredit/corenet/tokenchannel"
)

// handleFriendMessage is the inbound half of the dispatch loop: every
// message a connected friend sends arrives here via the plex channel,
// dispatched by concrete type exactly as htlcswitch's plexHandler switches
// on lnwire.Message.
func (n *Node) handleFriendMessage(pk meshwire.PublicKey, msg meshwire.Message) {
	link, ok := n.friends[pk]
	if !ok {
		return
	}
	link.lastActivity = time.Now()
	if link.enabled {
		// Any traffic from the peer proves it back alive, resuming a
		// liveness-paused outbound drain.
		_ = n.funder.SetLive(pk, true)
	}

	ch, ok := n.funder.Channel(pk)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case *meshwire.MoveToken:
		n.handleMoveToken(pk, ch, m)
	case *meshwire.MoveTokenRequest:
		n.handleMoveTokenRequest(pk, ch, m)
	case *meshwire.ResetTerms:
		n.handleResetTerms(pk, ch, m)
	case *meshwire.InconsistencyError:
		n.handleInconsistencyError(pk, ch, m)
	case *meshwire.KeepAlive:
		// No further action; lastActivity was already bumped above.
	}
}

// handleMoveToken runs the five-step reception algorithm and, on success,
// acknowledges our own previously-sent token (msg.OldToken is exactly the
// newToken value funder cached as lastSentNewToken, since both sides'
// lastToken agreed before this exchange). A replay of the MoveToken already
// accepted is ignored; any other failure raises an inconsistency rather
// than silently dropping the message, per spec §4.3's "any failure during
// reception is a protocol violation requiring reset".
func (n *Node) handleMoveToken(pk meshwire.PublicKey, ch *tokenchannel.Channel, msg *meshwire.MoveToken) {
	// A resent copy of the MoveToken we last accepted carries the newToken
	// we already hold as LastToken: no state change, no inconsistency.
	if msg.NewToken == ch.LastToken {
		return
	}
	applier := n.router.Applier(pk)
	oldToken := msg.OldToken
	seqAcked := ch.MoveTokenCounter

	if err := ch.ReceiveMoveToken(msg, pk, applier, n.funder.QueuedEffects(pk)); err != nil {
		log.Warnf("friend %s: move token rejected: %v", pk, err)
		n.raiseInconsistency(pk, ch)
		return
	}

	// The peer advancing past our last token acknowledges it: clear the
	// resend cache and the durable outbox entry in the same transaction as
	// the channel snapshot.
	_ = n.funder.AckMoveToken(pk, oldToken)
	muts, err := n.friendMutations(pk)
	if err != nil {
		log.Errorf("friend %s: snapshot after receive: %v", pk, err)
		return
	}
	muts = append(muts, persistence.DeleteOutboxEntry(pk, seqAcked))
	if err := n.storeApply(muts); err != nil {
		log.Errorf("friend %s: persist after receive: %v", pk, err)
	}
}

// raiseInconsistency transitions the channel per DetectInconsistency,
// persists it, and offers our terms to the peer.
func (n *Node) raiseInconsistency(pk meshwire.PublicKey, ch *tokenchannel.Channel) {
	terms := ch.DetectInconsistency(n.cfg.PrivateKey)
	if err := n.persistFriend(pk); err != nil {
		log.Errorf("friend %s: persist after inconsistency: %v", pk, err)
	}
	if err := n.send(pk, &meshwire.InconsistencyError{LocalResetTerms: *terms}); err != nil {
		log.Warnf("friend %s: send inconsistency error: %v", pk, err)
	}
}

// handleMoveTokenRequest answers a peer that wants the token: when
// TokenWanted is set and we hold the token (Outgoing), it runs trySend,
// which sends a MoveToken only if funder has something to build for pk.
func (n *Node) handleMoveTokenRequest(pk meshwire.PublicKey, ch *tokenchannel.Channel, msg *meshwire.MoveTokenRequest) {
	if !msg.TokenWanted {
		return
	}
	if ch.Direction != tokenchannel.Outgoing {
		return
	}
	n.trySend(pk)
}

// handleResetTerms adopts whichever side's reset offer wins the tie-break
// once the peer sends its own ResetTerms, independent of whether we
// detected the inconsistency ourselves first.
func (n *Node) handleResetTerms(pk meshwire.PublicKey, ch *tokenchannel.Channel, remote *meshwire.ResetTerms) {
	n.resolveReset(pk, ch, remote)
}

// handleInconsistencyError is the usual trigger for a reset: the peer
// rejected our last MoveToken and is offering its own terms alongside the
// rejection.
func (n *Node) handleInconsistencyError(pk meshwire.PublicKey, ch *tokenchannel.Channel, msg *meshwire.InconsistencyError) {
	n.resolveReset(pk, ch, &msg.LocalResetTerms)
}

// resolveReset implements spec §4.3/§7's symmetric reset: both sides
// independently compute the same winner via tokenchannel.WinningTerms, and
// the losing side alone re-sends a confirming MoveToken built from the
// reset token, so the winner simply waits.
func (n *Node) resolveReset(pk meshwire.PublicKey, ch *tokenchannel.Channel, remote *meshwire.ResetTerms) {
	local := ch.PendingReset
	if local == nil {
		local = ch.DetectInconsistency(n.cfg.PrivateKey)
	}

	weWin := tokenchannel.WinningTerms(local, remote, n.localPk, pk)
	winner := remote
	if weWin {
		winner = local
	}

	// Adopting the peer's terms means adopting balances written from the
	// peer's perspective; AcceptReset negates them back into ours.
	ch.AcceptReset(winner, !weWin)
	if weWin {
		ch.Direction = tokenchannel.Incoming
	} else {
		ch.Direction = tokenchannel.Outgoing
	}

	if err := n.persistFriend(pk); err != nil {
		log.Errorf("friend %s: persist after reset: %v", pk, err)
	}
	if !weWin {
		n.trySend(pk)
	}
}
