package tokenchannel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// Snapshot is a persistence-friendly, fully value-typed copy of a Channel,
// used by the persistence façade to serialize channel state into the
// durable store and to restore it on crash recovery (spec §1, §4.7).
type Snapshot struct {
	LocalPk  meshwire.PublicKey
	RemotePk meshwire.PublicKey

	Direction            Direction
	LastToken            meshwire.Signature
	MoveTokenCounter     uint64
	InconsistencyCounter uint64

	Currencies   map[meshwire.Currency]mutualcredit.MutualCredit
	LocalRelays  []meshwire.PublicKey
	RemoteRelays []meshwire.PublicKey

	Inconsistent bool
	PendingReset *meshwire.ResetTerms
}

// Snapshot captures the channel's current state as a value copy with no
// aliasing back into the live Channel.
func (c *Channel) Snapshot() Snapshot {
	currencies := make(map[meshwire.Currency]mutualcredit.MutualCredit, len(c.Currencies))
	for cur, mc := range c.Currencies {
		currencies[cur] = mc.Snapshot()
	}
	relays := append([]meshwire.PublicKey(nil), c.RemoteRelays...)
	localRelays := append([]meshwire.PublicKey(nil), c.LocalRelays...)

	return Snapshot{
		LocalPk:              c.LocalPk,
		RemotePk:             c.RemotePk,
		Direction:            c.Direction,
		LastToken:            c.LastToken,
		MoveTokenCounter:     c.MoveTokenCounter,
		InconsistencyCounter: c.InconsistencyCounter,
		Currencies:           currencies,
		LocalRelays:          localRelays,
		RemoteRelays:         relays,
		Inconsistent:         c.Inconsistent,
		PendingReset:         c.PendingReset,
	}
}

// Restore rebuilds a live Channel from a persisted Snapshot.
func Restore(s Snapshot) *Channel {
	currencies := make(map[meshwire.Currency]*mutualcredit.MutualCredit, len(s.Currencies))
	for cur, mc := range s.Currencies {
		mcCopy := mc
		currencies[cur] = &mcCopy
	}

	return &Channel{
		LocalPk:              s.LocalPk,
		RemotePk:             s.RemotePk,
		Direction:            s.Direction,
		LastToken:            s.LastToken,
		MoveTokenCounter:     s.MoveTokenCounter,
		InconsistencyCounter: s.InconsistencyCounter,
		Currencies:           currencies,
		LocalRelays:          append([]meshwire.PublicKey(nil), s.LocalRelays...),
		RemoteRelays:         append([]meshwire.PublicKey(nil), s.RemoteRelays...),
		Inconsistent:         s.Inconsistent,
		PendingReset:         s.PendingReset,
	}
}

// DebugDump renders the channel's full state for logging, mirroring the
// teacher's pervasive use of spew.Sdump for structured debug output
// (htlcswitch/switch.go, peer.go).
func (c *Channel) DebugDump() string {
	return fmt.Sprintf("channel %s<->%s dir=%s counter=%d inconsistent=%v\n%s",
		c.LocalPk, c.RemotePk, c.Direction, c.MoveTokenCounter, c.Inconsistent,
		spew.Sdump(c.Currencies))
}

// Encode serializes the snapshot for the durable store, following the same
// manual length-prefixed field encoding meshwire uses for its own messages
// rather than a reflection-based codec.
func (s Snapshot) Encode(w io.Writer) error {
	if err := writePk(w, s.LocalPk); err != nil {
		return err
	}
	if err := writePk(w, s.RemotePk); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(s.Direction)}); err != nil {
		return err
	}
	if err := writeSig(w, s.LastToken); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, s.MoveTokenCounter); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, s.InconsistencyCounter); err != nil {
		return err
	}

	if err := writeUvarintW(w, uint64(len(s.Currencies))); err != nil {
		return err
	}
	for cur, mc := range s.Currencies {
		if err := writeCurrency(w, cur); err != nil {
			return err
		}
		if err := writeMutualCredit(w, mc); err != nil {
			return err
		}
	}

	if err := writePkSlice(w, s.LocalRelays); err != nil {
		return err
	}
	if err := writePkSlice(w, s.RemoteRelays); err != nil {
		return err
	}

	var inconsistentByte byte
	if s.Inconsistent {
		inconsistentByte = 1
	}
	if _, err := w.Write([]byte{inconsistentByte}); err != nil {
		return err
	}

	if s.PendingReset == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return s.PendingReset.Encode(w)
}

// Decode reverses Encode.
func (s *Snapshot) Decode(r io.Reader) error {
	var err error
	if s.LocalPk, err = readPk(r); err != nil {
		return err
	}
	if s.RemotePk, err = readPk(r); err != nil {
		return err
	}
	var dirBuf [1]byte
	if _, err := io.ReadFull(r, dirBuf[:]); err != nil {
		return err
	}
	s.Direction = Direction(dirBuf[0])
	if s.LastToken, err = readSig(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &s.MoveTokenCounter); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &s.InconsistencyCounter); err != nil {
		return err
	}

	numCurrencies, err := readUvarintR(r)
	if err != nil {
		return err
	}
	s.Currencies = make(map[meshwire.Currency]mutualcredit.MutualCredit, numCurrencies)
	for i := uint64(0); i < numCurrencies; i++ {
		cur, err := readCurrency(r)
		if err != nil {
			return err
		}
		mc, err := readMutualCredit(r)
		if err != nil {
			return err
		}
		s.Currencies[cur] = mc
	}

	if s.LocalRelays, err = readPkSlice(r); err != nil {
		return err
	}
	if s.RemoteRelays, err = readPkSlice(r); err != nil {
		return err
	}

	var inconsistentBuf [1]byte
	if _, err := io.ReadFull(r, inconsistentBuf[:]); err != nil {
		return err
	}
	s.Inconsistent = inconsistentBuf[0] != 0

	var hasResetBuf [1]byte
	if _, err := io.ReadFull(r, hasResetBuf[:]); err != nil {
		return err
	}
	if hasResetBuf[0] == 0 {
		s.PendingReset = nil
		return nil
	}
	s.PendingReset = &meshwire.ResetTerms{}
	return s.PendingReset.Decode(r)
}

// --- field codecs, mirroring meshwire's own unexported write*/read* helpers
// (message.go, ops.go); duplicated here rather than exported from meshwire
// since this snapshot format is this package's own persistence concern. ---

func writePk(w io.Writer, pk meshwire.PublicKey) error {
	_, err := w.Write(pk[:])
	return err
}

func readPk(r io.Reader) (meshwire.PublicKey, error) {
	var pk meshwire.PublicKey
	_, err := io.ReadFull(r, pk[:])
	return pk, err
}

func writePkSlice(w io.Writer, pks []meshwire.PublicKey) error {
	if err := writeUvarintW(w, uint64(len(pks))); err != nil {
		return err
	}
	for _, pk := range pks {
		if err := writePk(w, pk); err != nil {
			return err
		}
	}
	return nil
}

func readPkSlice(r io.Reader) ([]meshwire.PublicKey, error) {
	n, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	pks := make([]meshwire.PublicKey, n)
	for i := range pks {
		if pks[i], err = readPk(r); err != nil {
			return nil, err
		}
	}
	return pks, nil
}

func writeSig(w io.Writer, s meshwire.Signature) error {
	_, err := w.Write(s[:])
	return err
}

func readSig(r io.Reader) (meshwire.Signature, error) {
	var s meshwire.Signature
	_, err := io.ReadFull(r, s[:])
	return s, err
}

func writeCurrency(w io.Writer, c meshwire.Currency) error {
	if err := writeUvarintW(w, uint64(len(c))); err != nil {
		return err
	}
	_, err := w.Write([]byte(c))
	return err
}

func readCurrency(r io.Reader) (meshwire.Currency, error) {
	n, err := readUvarintR(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return meshwire.Currency(buf), nil
}

func writeU128(w io.Writer, v mutualcredit.U128) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], v.Hi)
	binary.BigEndian.PutUint64(buf[8:16], v.Lo)
	_, err := w.Write(buf[:])
	return err
}

func readU128(r io.Reader) (mutualcredit.U128, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return mutualcredit.U128{}, err
	}
	return mutualcredit.U128{
		Hi: binary.BigEndian.Uint64(buf[0:8]),
		Lo: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

func writeI128(w io.Writer, v mutualcredit.I128) error {
	var signByte byte
	if v.IsNeg() {
		signByte = 1
	}
	if _, err := w.Write([]byte{signByte}); err != nil {
		return err
	}
	return writeU128(w, v.Mag())
}

func readI128(r io.Reader) (mutualcredit.I128, error) {
	var signBuf [1]byte
	if _, err := io.ReadFull(r, signBuf[:]); err != nil {
		return mutualcredit.I128{}, err
	}
	mag, err := readU128(r)
	if err != nil {
		return mutualcredit.I128{}, err
	}
	return mutualcredit.NewI128(signBuf[0] != 0, mag), nil
}

func writeMutualCredit(w io.Writer, mc mutualcredit.MutualCredit) error {
	if err := writeI128(w, mc.Balance); err != nil {
		return err
	}
	if err := writeU128(w, mc.LocalMaxDebt); err != nil {
		return err
	}
	if err := writeU128(w, mc.RemoteMaxDebt); err != nil {
		return err
	}
	if err := writeU128(w, mc.LocalPendingDebt); err != nil {
		return err
	}
	if err := writeU128(w, mc.RemotePendingDebt); err != nil {
		return err
	}
	if err := writeU128(w, mc.InFees); err != nil {
		return err
	}
	if err := writeU128(w, mc.OutFees); err != nil {
		return err
	}
	var flags byte
	if mc.LocalRequestsOpen {
		flags |= 1
	}
	if mc.RemoteRequestsOpen {
		flags |= 2
	}
	_, err := w.Write([]byte{flags})
	return err
}

func readMutualCredit(r io.Reader) (mutualcredit.MutualCredit, error) {
	var mc mutualcredit.MutualCredit
	var err error
	if mc.Balance, err = readI128(r); err != nil {
		return mc, err
	}
	if mc.LocalMaxDebt, err = readU128(r); err != nil {
		return mc, err
	}
	if mc.RemoteMaxDebt, err = readU128(r); err != nil {
		return mc, err
	}
	if mc.LocalPendingDebt, err = readU128(r); err != nil {
		return mc, err
	}
	if mc.RemotePendingDebt, err = readU128(r); err != nil {
		return mc, err
	}
	if mc.InFees, err = readU128(r); err != nil {
		return mc, err
	}
	if mc.OutFees, err = readU128(r); err != nil {
		return mc, err
	}
	var flagsBuf [1]byte
	if _, err := io.ReadFull(r, flagsBuf[:]); err != nil {
		return mc, err
	}
	mc.LocalRequestsOpen = flagsBuf[0]&1 != 0
	mc.RemoteRequestsOpen = flagsBuf[0]&2 != 0
	return mc, nil
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

// byteReaderAdapter lets readUvarintR accept a plain io.Reader, mirroring
// meshwire's own adapter of the same name and purpose.
type byteReaderAdapter struct {
	io.Reader
}

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b, buf[:])
	return buf[0], err
}
