package meshwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType tags the top-level friend-to-friend message, the meshwire
// analogue of lnwire.MessageType.
type MessageType uint16

const (
	MsgMoveToken MessageType = iota
	MsgMoveTokenRequest
	MsgInconsistencyError
	MsgResetTerms
	MsgKeepAlive
)

func (t MessageType) String() string {
	switch t {
	case MsgMoveToken:
		return "MoveToken"
	case MsgMoveTokenRequest:
		return "MoveTokenRequest"
	case MsgInconsistencyError:
		return "InconsistencyError"
	case MsgResetTerms:
		return "ResetTerms"
	case MsgKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// MaxMessagePayload bounds a single framed message, guarding a peer from
// forcing unbounded buffer growth on its counterparty (spec §9: bounded
// route length and bounded currency tag feed into a bounded worst-case
// move-token size; this is the hard ceiling on top of that).
const MaxMessagePayload = 1 << 20 // 1 MiB

// Message is a top-level friend-to-friend wire message, mirroring lnwire's
// Message interface (Decode/Encode/MsgType), minus MaxPayloadLength since
// WriteMessage and ReadMessage apply the one MaxMessagePayload bound to
// every type.
type Message interface {
	MsgType() MessageType
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// FriendMessage is the union of every message type exchanged over one
// friend's EncryptedChannel; any concrete type above satisfies it.
type FriendMessage = Message

// MoveToken carries the per-currency operation log that advances the
// channel's token from oldToken to newToken (spec §4.3).
type MoveToken struct {
	OldToken       Signature
	CurrenciesOps  []CurrencyOperations
	CurrenciesDiff []Currency
	RelaysDiff     []PublicKey
	InfoHash       HashResult
	NewToken       Signature
}

func (m *MoveToken) MsgType() MessageType { return MsgMoveToken }

func (m *MoveToken) Encode(w io.Writer) error {
	if err := writeSig(w, m.OldToken); err != nil {
		return err
	}
	if err := writeUvarintW(w, uint64(len(m.CurrenciesOps))); err != nil {
		return err
	}
	for _, co := range m.CurrenciesOps {
		if err := writeCurrency(w, co.Currency); err != nil {
			return err
		}
		if err := writeUvarintW(w, uint64(len(co.Ops))); err != nil {
			return err
		}
		for _, op := range co.Ops {
			if _, err := w.Write([]byte{byte(op.OpType())}); err != nil {
				return err
			}
			if err := op.Encode(w); err != nil {
				return err
			}
		}
	}
	if err := writeUvarintW(w, uint64(len(m.CurrenciesDiff))); err != nil {
		return err
	}
	for _, c := range m.CurrenciesDiff {
		if err := writeCurrency(w, c); err != nil {
			return err
		}
	}
	if err := writeUvarintW(w, uint64(len(m.RelaysDiff))); err != nil {
		return err
	}
	for _, pk := range m.RelaysDiff {
		if _, err := w.Write(pk[:]); err != nil {
			return err
		}
	}
	if err := writeHash(w, m.InfoHash); err != nil {
		return err
	}
	return writeSig(w, m.NewToken)
}

func (m *MoveToken) Decode(r io.Reader) error {
	var err error
	if m.OldToken, err = readSig(r); err != nil {
		return err
	}
	n, err := readUvarintR(r)
	if err != nil {
		return err
	}
	m.CurrenciesOps = make([]CurrencyOperations, n)
	for i := range m.CurrenciesOps {
		cur, err := readCurrency(r)
		if err != nil {
			return err
		}
		numOps, err := readUvarintR(r)
		if err != nil {
			return err
		}
		ops := make([]Operation, numOps)
		for j := range ops {
			var tagBuf [1]byte
			if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
				return err
			}
			op, err := NewEmptyOp(OperationType(tagBuf[0]))
			if err != nil {
				return err
			}
			if err := op.Decode(r); err != nil {
				return err
			}
			ops[j] = op
		}
		m.CurrenciesOps[i] = CurrencyOperations{Currency: cur, Ops: ops}
	}

	numDiff, err := readUvarintR(r)
	if err != nil {
		return err
	}
	m.CurrenciesDiff = make([]Currency, numDiff)
	for i := range m.CurrenciesDiff {
		if m.CurrenciesDiff[i], err = readCurrency(r); err != nil {
			return err
		}
	}

	numRelays, err := readUvarintR(r)
	if err != nil {
		return err
	}
	m.RelaysDiff = make([]PublicKey, numRelays)
	for i := range m.RelaysDiff {
		if _, err := io.ReadFull(r, m.RelaysDiff[i][:]); err != nil {
			return err
		}
	}

	if m.InfoHash, err = readHash(r); err != nil {
		return err
	}
	m.NewToken, err = readSig(r)
	return err
}

// MoveTokenRequest with TokenWanted set tells the peer that this side wants
// the token. A peer that holds the token answers by sending its next
// MoveToken when it has queued work; otherwise it sends nothing.
type MoveTokenRequest struct {
	TokenWanted bool
}

func (m *MoveTokenRequest) MsgType() MessageType { return MsgMoveTokenRequest }

func (m *MoveTokenRequest) Encode(w io.Writer) error {
	var b byte
	if m.TokenWanted {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func (m *MoveTokenRequest) Decode(r io.Reader) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	m.TokenWanted = buf[0] != 0
	return nil
}

// CurrencyBalance is one (currency, expectedBalance) entry of a ResetTerms
// offer, matching spec §3/§6's "balanceForReset: [(Currency, i128)]": one
// entry per currency active on the channel at the moment of inconsistency,
// not a single scalar.
type CurrencyBalance struct {
	Currency Currency
	Balance  I128Wire
}

// ResetTerms is offered by one side after an inconsistency is detected; the
// peer accepts by sending back a MoveToken built from resetToken/
// balanceForReset (spec §7).
type ResetTerms struct {
	ResetToken           Signature
	InconsistencyCounter uint64
	BalanceForReset      []CurrencyBalance
}

func (m *ResetTerms) MsgType() MessageType { return MsgResetTerms }

func (m *ResetTerms) Encode(w io.Writer) error {
	if err := writeSig(w, m.ResetToken); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.InconsistencyCounter); err != nil {
		return err
	}
	if err := writeUvarintW(w, uint64(len(m.BalanceForReset))); err != nil {
		return err
	}
	for _, cb := range m.BalanceForReset {
		if err := writeCurrency(w, cb.Currency); err != nil {
			return err
		}
		if err := writeI128(w, cb.Balance); err != nil {
			return err
		}
	}
	return nil
}

func (m *ResetTerms) Decode(r io.Reader) error {
	var err error
	if m.ResetToken, err = readSig(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &m.InconsistencyCounter); err != nil {
		return err
	}
	n, err := readUvarintR(r)
	if err != nil {
		return err
	}
	m.BalanceForReset = make([]CurrencyBalance, n)
	for i := range m.BalanceForReset {
		cur, err := readCurrency(r)
		if err != nil {
			return err
		}
		bal, err := readI128(r)
		if err != nil {
			return err
		}
		m.BalanceForReset[i] = CurrencyBalance{Currency: cur, Balance: bal}
	}
	return nil
}

// InconsistencyError is sent when a received MoveToken fails validation
// against the local channel state; it carries this side's own ResetTerms
// so the peer can weigh them against its own (spec §7).
type InconsistencyError struct {
	LocalResetTerms ResetTerms
}

func (m *InconsistencyError) MsgType() MessageType { return MsgInconsistencyError }

func (m *InconsistencyError) Encode(w io.Writer) error {
	return m.LocalResetTerms.Encode(w)
}

func (m *InconsistencyError) Decode(r io.Reader) error {
	return m.LocalResetTerms.Decode(r)
}

// KeepAlive carries no payload; it exists purely to keep an EncryptedChannel
// from being reaped as idle.
type KeepAlive struct{}

func (m *KeepAlive) MsgType() MessageType   { return MsgKeepAlive }
func (m *KeepAlive) Encode(w io.Writer) error { return nil }
func (m *KeepAlive) Decode(r io.Reader) error { return nil }

// NewEmptyMessage allocates the zero value for a message type, mirroring
// lnwire.makeEmptyMessage's type switch.
func NewEmptyMessage(t MessageType) (Message, error) {
	switch t {
	case MsgMoveToken:
		return &MoveToken{}, nil
	case MsgMoveTokenRequest:
		return &MoveTokenRequest{}, nil
	case MsgInconsistencyError:
		return &InconsistencyError{}, nil
	case MsgResetTerms:
		return &ResetTerms{}, nil
	case MsgKeepAlive:
		return &KeepAlive{}, nil
	default:
		return nil, fmt.Errorf("meshwire: unknown message type %d", t)
	}
}

// WriteMessage frames msg as [4-byte big-endian length][2-byte type][payload]
// and writes it to w, mirroring lnwire.WriteMessage's framing convention.
func WriteMessage(w io.Writer, msg Message) error {
	var payload bytes.Buffer
	if err := msg.Encode(&payload); err != nil {
		return err
	}
	if payload.Len() > MaxMessagePayload {
		return fmt.Errorf("meshwire: encoded message too large: %d bytes", payload.Len())
	}

	var header [6]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(payload.Len()+2))
	binary.BigEndian.PutUint16(header[4:6], uint16(msg.MsgType()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

// ReadMessage reverses WriteMessage, mirroring lnwire.ReadMessage.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 2 || total > MaxMessagePayload+2 {
		return nil, fmt.Errorf("meshwire: invalid message length %d", total)
	}

	var typeBuf [2]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}
	msgType := MessageType(binary.BigEndian.Uint16(typeBuf[:]))

	payload := make([]byte, total-2)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	msg, err := NewEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return msg, nil
}

// --- shared field codecs used by both message.go and ops.go ---

func writeHash(w io.Writer, h HashResult) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (HashResult, error) {
	var h HashResult
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeSig(w io.Writer, s Signature) error {
	_, err := w.Write(s[:])
	return err
}

func readSig(r io.Reader) (Signature, error) {
	var s Signature
	_, err := io.ReadFull(r, s[:])
	return s, err
}

func writeCurrency(w io.Writer, c Currency) error {
	if err := writeUvarintW(w, uint64(len(c))); err != nil {
		return err
	}
	_, err := w.Write([]byte(c))
	return err
}

func readCurrency(r io.Reader) (Currency, error) {
	n, err := readUvarintR(r)
	if err != nil {
		return "", err
	}
	if n > MaxCurrencyLen {
		return "", fmt.Errorf("meshwire: currency tag too long: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return Currency(buf), nil
}

func writeRoute(w io.Writer, route FriendsRoute) error {
	if err := writeUvarintW(w, uint64(len(route))); err != nil {
		return err
	}
	for _, pk := range route {
		if _, err := w.Write(pk[:]); err != nil {
			return err
		}
	}
	return nil
}

func readRoute(r io.Reader) (FriendsRoute, error) {
	n, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	if n > MaxRouteLen {
		return nil, fmt.Errorf("meshwire: route too long: %d", n)
	}
	route := make(FriendsRoute, n)
	for i := range route {
		if _, err := io.ReadFull(r, route[i][:]); err != nil {
			return nil, err
		}
	}
	return route, nil
}

// writeU128/readU128 serialize U128 (an alias for uint128.Uint128) as two
// big-endian uint64 halves, high word first.
func writeU128(w io.Writer, v U128) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], v.Hi)
	binary.BigEndian.PutUint64(buf[8:16], v.Lo)
	_, err := w.Write(buf[:])
	return err
}

func readU128(r io.Reader) (U128, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return U128{}, err
	}
	return U128{
		Hi: binary.BigEndian.Uint64(buf[0:8]),
		Lo: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// I128Wire is the sign+magnitude wire encoding of a signed 128-bit balance:
// one sign byte followed by the 128-bit magnitude.
type I128Wire struct {
	Neg bool
	Mag U128
}

func writeI128(w io.Writer, v I128Wire) error {
	var signByte byte
	if v.Neg {
		signByte = 1
	}
	if _, err := w.Write([]byte{signByte}); err != nil {
		return err
	}
	return writeU128(w, v.Mag)
}

func readI128(r io.Reader) (I128Wire, error) {
	var signBuf [1]byte
	if _, err := io.ReadFull(r, signBuf[:]); err != nil {
		return I128Wire{}, err
	}
	mag, err := readU128(r)
	if err != nil {
		return I128Wire{}, err
	}
	return I128Wire{Neg: signBuf[0] != 0, Mag: mag}, nil
}

func writeUvarintW(w io.Writer, v uint64) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	_, err := w.Write(tmp[:n])
	return err
}

func readUvarintR(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReaderAdapter{r}
	}
	return binary.ReadUvarint(br)
}

// byteReaderAdapter lets readUvarintR accept a plain io.Reader (such as the
// net.Conn passed to ReadMessage's inner payload reader) without requiring
// every caller to wrap it in a bufio.Reader themselves.
type byteReaderAdapter struct {
	io.Reader
}

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b, buf[:])
	return buf[0], err
}
