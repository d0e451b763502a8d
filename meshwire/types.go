// Package meshwire defines the bit-exact, length-prefixed wire messages
// exchanged between two friends, and the small value types (public keys,
// currencies, rates, routes) that those messages carry. Message framing
// mirrors lnd's lnwire package: a fixed-size type tag followed by a
// type-specific Encode/Decode payload.
package meshwire

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PublicKeySize is the length in bytes of a compressed secp256k1 public key.
const PublicKeySize = 33

// PublicKey identifies a node on the credit network. It is the compressed
// encoding of a secp256k1 point, exactly as btcec.PublicKey.SerializeCompressed
// produces.
type PublicKey [PublicKeySize]byte

// NewPublicKey compresses a btcec public key into the wire representation.
func NewPublicKey(pub *btcec.PublicKey) PublicKey {
	var pk PublicKey
	copy(pk[:], pub.SerializeCompressed())
	return pk
}

// Parse decodes the compressed point back into a *btcec.PublicKey.
func (p PublicKey) Parse() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(p[:])
}

// Less reports whether p sorts before other in the tie-break ordering used
// by the initial-token derivation and by inconsistency-reset tie-breaking
// (spec: "ties break on lexicographically smaller public key").
func (p PublicKey) Less(other PublicKey) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// String returns a short hex preview, useful for logs.
func (p PublicKey) String() string {
	return fmt.Sprintf("%x", p[:4])
}

// Hex returns the full hex encoding of the compressed key.
func (p PublicKey) Hex() string {
	return fmt.Sprintf("%x", p[:])
}

// SignatureSize is the length in bytes of a fixed-size signature as carried
// on the wire (the move-token "token" itself is a value of this type): one
// recovery-id header byte followed by the 64-byte (R||S) compact ECDSA
// signature, in the exact format btcec's SignCompact/RecoverCompact
// produce and consume.
const SignatureSize = 65

// Signature is a fixed-size serialized ECDSA signature in compact form,
// matching the "512-bit signature" sizing in the spec (the 64-byte R||S
// core, plus one recovery header byte).
type Signature [SignatureSize]byte

// IsZero reports whether this is the zero signature, used as a sentinel for
// "no token yet" in tests and for the deterministic initial token.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// HashResult is a 256-bit hash output (infoHash, requestId's size class,
// hash-lock commitments).
type HashResult [32]byte

// Currency is a short opaque text tag; equality is by bytes, per spec.
type Currency string

// MaxCurrencyLen bounds a currency tag the way a short asset ticker would
// be bounded; prevents a hostile peer from bloating the active-currency set.
const MaxCurrencyLen = 32

// Valid reports whether the currency tag meets the length bound.
func (c Currency) Valid() bool {
	return len(c) > 0 && len(c) <= MaxCurrencyLen
}

// InfFee is the sentinel fee value representing an infinite/blocking fee,
// per spec §3 ("a fee of ∞ is represented as a sentinel and blocks
// mediation").
const InfFee = ^uint64(0)

// Rate is the mediation fee schedule for one outgoing hop: the fee charged
// to forward one unit of payment is mul*destPayment/2^32 + add, computed
// with saturating arithmetic.
type Rate struct {
	Mul uint32
	Add uint32
}

// ZeroRate never blocks and never charges a fee.
var ZeroRate = Rate{}

// Apply computes the mediator fee for forwarding destPayment units along
// this hop, saturating rather than overflowing, per spec §3/§9.
func (r Rate) Apply(destPayment uint64) uint64 {
	// mul * destPayment may overflow 64 bits; widen to 128 bits via two
	// 64-bit halves before shifting right by 32.
	hi, lo := bitsMul64(uint64(r.Mul), destPayment)
	// (hi:lo) >> 32
	shifted := (hi << 32) | (lo >> 32)
	if hi>>32 != 0 {
		// overflowed even after the shift; saturate.
		return InfFee
	}
	sum := shifted + uint64(r.Add)
	if sum < shifted {
		return InfFee
	}
	return sum
}

// Blocks reports whether this rate blocks mediation entirely (infinite fee).
func (r Rate) Blocks() bool {
	return r == Rate{Mul: ^uint32(0), Add: ^uint32(0)}
}

// bitsMul64 returns the 128-bit product of x*y as (hi, lo), avoiding a
// dependency on math/bits only for readability at call sites above.
func bitsMul64(x, y uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	x0, x1 := x&mask32, x>>32
	y0, y1 := y&mask32, y>>32

	t := x0 * y0
	w0 := t & mask32
	k := t >> 32

	t = x1*y0 + k
	w1 := t & mask32
	w2 := t >> 32

	t = x0*y1 + w1
	k = t >> 32

	hi = x1*y1 + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}

// MaxRouteLen bounds the number of hops a route may contain (spec §4.4:
// "Route length is bounded (e.g., 64 hops)").
const MaxRouteLen = 64

// FriendsRoute is an ordered sequence of public keys with no adjacent
// duplicates; the first element is the payment's origin, the last its
// destination.
type FriendsRoute []PublicKey

// ErrRouteTooLong is returned by Validate when a route exceeds MaxRouteLen.
var ErrRouteTooLong = fmt.Errorf("route exceeds maximum hop count")

// ErrRouteAdjacentDup is returned by Validate when two consecutive hops
// repeat the same public key.
var ErrRouteAdjacentDup = fmt.Errorf("route contains adjacent duplicate hop")

// ErrRouteLoop is returned by Validate when a public key appears more than
// once in the route (spec §4.4 loop detection), except the special case of
// an explicit self-loop, which is forbidden separately by ErrRouteSelfLoop.
var ErrRouteLoop = fmt.Errorf("route visits the same node more than once")

// ErrRouteSelfLoop is returned when a route's origin equals its destination.
var ErrRouteSelfLoop = fmt.Errorf("route is a self-loop")

// ErrRouteTooShort is returned for a route with fewer than two hops.
var ErrRouteTooShort = fmt.Errorf("route must contain at least source and destination")

// Validate enforces the route-shape invariants from spec §3/§4.4.
func (r FriendsRoute) Validate() error {
	if len(r) < 2 {
		return ErrRouteTooShort
	}
	if len(r) > MaxRouteLen {
		return ErrRouteTooLong
	}
	if r[0] == r[len(r)-1] {
		return ErrRouteSelfLoop
	}
	seen := make(map[PublicKey]struct{}, len(r))
	for i, hop := range r {
		if i > 0 && r[i-1] == hop {
			return ErrRouteAdjacentDup
		}
		if _, ok := seen[hop]; ok {
			return ErrRouteLoop
		}
		seen[hop] = struct{}{}
	}
	return nil
}

// IndexOf returns the position of pk within the route, or -1 if absent.
func (r FriendsRoute) IndexOf(pk PublicKey) int {
	for i, hop := range r {
		if hop == pk {
			return i
		}
	}
	return -1
}

// NextHop returns the public key following pos in the route, and whether
// one exists (false when pos is the last hop).
func (r FriendsRoute) NextHop(pos int) (PublicKey, bool) {
	if pos+1 >= len(r) {
		return PublicKey{}, false
	}
	return r[pos+1], true
}

// PrevHop returns the public key preceding pos in the route, and whether
// one exists (false when pos is the first hop, i.e. the origin).
func (r FriendsRoute) PrevHop(pos int) (PublicKey, bool) {
	if pos <= 0 {
		return PublicKey{}, false
	}
	return r[pos-1], true
}

