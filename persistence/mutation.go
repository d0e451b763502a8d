package persistence

import (
	"bytes"
	"encoding/binary"

	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/paymentengine"
	"github.com/meshcredit/corenet/tokenchannel"
)

// The constructors below are the only place outside of store.go that knows
// how a bucket's keys are shaped; their caller, node.Node, builds a batch of
// Mutations and hands it to Store.Apply, mirroring channeldb/db.go's
// per-operation key-construction-by-concatenation style (e.g.
// MarkChannelAsOpen's chanPoint-derived key).

// --- friends ---

// PutFriend records a known friend and whether its channel is currently
// enabled (spec's EnableFriend/DisableFriend control, §4.8).
func PutFriend(pk meshwire.PublicKey, enabled bool) Mutation {
	var v byte
	if enabled {
		v = 1
	}
	return Mutation{Bucket: friendsBucket, Key: append([]byte(nil), pk[:]...), Value: []byte{v}}
}

// DeleteFriend removes a friend entirely (spec's RemoveFriend).
func DeleteFriend(pk meshwire.PublicKey) Mutation {
	return Mutation{Bucket: friendsBucket, Key: append([]byte(nil), pk[:]...), Value: nil}
}

// FriendEnabled decodes the value PutFriend wrote.
func FriendEnabled(raw []byte) bool {
	return len(raw) == 1 && raw[0] != 0
}

// --- token channels ---

// PutTokenChannel persists one friend's full channel snapshot, keyed by the
// remote friend's public key (one channel per friend, spec §1).
func PutTokenChannel(pk meshwire.PublicKey, snap tokenchannel.Snapshot) (Mutation, error) {
	v, err := encodeToBytes(snap.Encode)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Bucket: tokenChannelBucket, Key: append([]byte(nil), pk[:]...), Value: v}, nil
}

// DeleteTokenChannel drops a friend's persisted channel state.
func DeleteTokenChannel(pk meshwire.PublicKey) Mutation {
	return Mutation{Bucket: tokenChannelBucket, Key: append([]byte(nil), pk[:]...), Value: nil}
}

// DecodeTokenChannel reverses PutTokenChannel.
func DecodeTokenChannel(raw []byte) (tokenchannel.Snapshot, error) {
	var snap tokenchannel.Snapshot
	err := snap.Decode(bytes.NewReader(raw))
	return snap, err
}

// --- pending transactions ---

// pendingTxKey concatenates the owning friend, a direction byte (0 =
// inbound, 1 = outbound), and the requestId, since a requestId is only
// unique within one friend's one direction (spec §4.4).
func pendingTxKey(friend meshwire.PublicKey, outbound bool, requestId meshwire.HashResult) []byte {
	key := make([]byte, 0, meshwire.PublicKeySize+1+32)
	key = append(key, friend[:]...)
	if outbound {
		key = append(key, 1)
	} else {
		key = append(key, 0)
	}
	key = append(key, requestId[:]...)
	return key
}

// PutPendingTx persists one in-flight transaction entry on a friend's
// inbound or outbound index.
func PutPendingTx(friend meshwire.PublicKey, outbound bool, pt *meshswitch.PendingTransaction) (Mutation, error) {
	var buf bytes.Buffer
	if err := encodePendingTxBuf(&buf, pt); err != nil {
		return Mutation{}, err
	}
	return Mutation{
		Bucket: pendingTxBucket,
		Key:    pendingTxKey(friend, outbound, pt.RequestId),
		Value:  buf.Bytes(),
	}, nil
}

// DeletePendingTx removes a resolved (cancelled or collected) entry.
func DeletePendingTx(friend meshwire.PublicKey, outbound bool, requestId meshwire.HashResult) Mutation {
	return Mutation{Bucket: pendingTxBucket, Key: pendingTxKey(friend, outbound, requestId), Value: nil}
}

// DecodePendingTx reverses PutPendingTx's encoding.
func DecodePendingTx(raw []byte) (*meshswitch.PendingTransaction, error) {
	return decodePendingTxBuf(bytes.NewReader(raw))
}

// --- invoices ---

func invoiceKeyBytes(currency meshwire.Currency, invoiceId meshwire.HashResult) []byte {
	key := make([]byte, 0, len(currency)+32)
	key = append(key, []byte(currency)...)
	key = append(key, invoiceId[:]...)
	return key
}

// PutInvoice persists a seller-side invoice keyed by (currency, invoiceId).
func PutInvoice(inv *paymentengine.Invoice) (Mutation, error) {
	var buf bytes.Buffer
	if err := encodeInvoiceBuf(&buf, inv); err != nil {
		return Mutation{}, err
	}
	return Mutation{
		Bucket: invoiceBucket,
		Key:    invoiceKeyBytes(inv.Currency, inv.InvoiceId),
		Value:  buf.Bytes(),
	}, nil
}

// DeleteInvoice drops a settled or cancelled invoice's persisted record.
func DeleteInvoice(currency meshwire.Currency, invoiceId meshwire.HashResult) Mutation {
	return Mutation{Bucket: invoiceBucket, Key: invoiceKeyBytes(currency, invoiceId), Value: nil}
}

// DecodeInvoice reverses PutInvoice.
func DecodeInvoice(raw []byte) (*paymentengine.Invoice, error) {
	return decodeInvoiceBuf(bytes.NewReader(raw))
}

// --- payments ---

// PutPayment persists a buyer-side payment keyed by paymentId, including
// its constituent transactions and any receipts collected so far. The
// payment's application-ack flag and CreatedAt ttl clock are deliberately
// not part of this record: both are in-memory bookkeeping private to
// paymentengine.Payments. A restarted node simply asks the application to
// re-ack a terminal payment it finds still on disk, and an in-progress one
// restarts its ttl from the restore.
func PutPayment(p *paymentengine.Payment, transactions []*paymentengine.Transaction) (Mutation, error) {
	var buf bytes.Buffer
	if err := encodePaymentBuf(&buf, p, transactions); err != nil {
		return Mutation{}, err
	}
	return Mutation{Bucket: paymentBucket, Key: append([]byte(nil), p.PaymentId[:]...), Value: buf.Bytes()}, nil
}

// DeletePayment drops a payment's persisted record once it is acked.
func DeletePayment(paymentId meshwire.HashResult) Mutation {
	return Mutation{Bucket: paymentBucket, Key: append([]byte(nil), paymentId[:]...), Value: nil}
}

// DecodedPayment is PutPayment's inverse: the Payment value plus its
// transactions as a separate slice; Payment.Transactions itself is not
// filled in.
type DecodedPayment struct {
	Payment      paymentengine.Payment
	Transactions []paymentengine.Transaction
}

// DecodePayment reverses PutPayment.
func DecodePayment(raw []byte) (*DecodedPayment, error) {
	return decodePaymentBuf(bytes.NewReader(raw))
}

// --- outbox: not-yet-acknowledged outbound wire messages ---

func outboxKey(friend meshwire.PublicKey, seq uint64) []byte {
	key := make([]byte, 0, meshwire.PublicKeySize+8)
	key = append(key, friend[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}

// PutOutboxEntry persists one outbound message this node has sent but not
// yet seen acknowledged, so a crash-and-restart can resend it rather than
// silently losing it (spec §4.5's resend-on-reconnect, extended to survive
// a process restart rather than only a connection drop).
func PutOutboxEntry(friend meshwire.PublicKey, seq uint64, msg meshwire.Message) (Mutation, error) {
	var buf bytes.Buffer
	if err := meshwire.WriteMessage(&buf, msg); err != nil {
		return Mutation{}, err
	}
	return Mutation{Bucket: outboxBucket, Key: outboxKey(friend, seq), Value: buf.Bytes()}, nil
}

// DeleteOutboxEntry removes an entry once the peer's ack is observed.
func DeleteOutboxEntry(friend meshwire.PublicKey, seq uint64) Mutation {
	return Mutation{Bucket: outboxBucket, Key: outboxKey(friend, seq), Value: nil}
}

// DecodeOutboxEntry reverses PutOutboxEntry.
func DecodeOutboxEntry(raw []byte) (meshwire.Message, error) {
	return meshwire.ReadMessage(bytes.NewReader(raw))
}
