package persistence

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
)

// Field codecs below mirror meshwire's own unexported write*/read* helpers
// (meshwire/message.go) and tokenchannel's copy of the same idiom
// (tokenchannel/snapshot.go): every package that needs to put one of these
// value types on the wire or on disk carries its own small set of encoders
// rather than sharing a reflection-based codec across package boundaries.

func writePk(w io.Writer, pk meshwire.PublicKey) error {
	_, err := w.Write(pk[:])
	return err
}

func readPk(r io.Reader) (meshwire.PublicKey, error) {
	var pk meshwire.PublicKey
	_, err := io.ReadFull(r, pk[:])
	return pk, err
}

func writeHash(w io.Writer, h meshwire.HashResult) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (meshwire.HashResult, error) {
	var h meshwire.HashResult
	_, err := io.ReadFull(r, h[:])
	return h, err
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

func writeRoute(w io.Writer, route meshwire.FriendsRoute) error {
	if err := writeUvarintW(w, uint64(len(route))); err != nil {
		return err
	}
	for _, pk := range route {
		if err := writePk(w, pk); err != nil {
			return err
		}
	}
	return nil
}

func readRoute(r io.Reader) (meshwire.FriendsRoute, error) {
	n, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	route := make(meshwire.FriendsRoute, n)
	for i := range route {
		if route[i], err = readPk(r); err != nil {
			return nil, err
		}
	}
	return route, nil
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

// byteReaderAdapter lets readUvarintR accept a plain io.Reader.
type byteReaderAdapter struct {
	io.Reader
}

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b, buf[:])
	return buf[0], err
}

// encodeToBytes runs enc against a fresh buffer and returns its bytes,
// the small helper every Put* constructor below uses to turn a domain
// value into a Mutation.Value.
func encodeToBytes(enc func(w io.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := enc(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
