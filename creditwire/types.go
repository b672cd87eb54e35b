// Package creditwire defines the logical wire framing for the token channel
// protocol: currencies, requests/responses/cancels, move tokens and their
// hashed token info. Byte layout is pinned here (the spec delegates it to a
// single reference serializer, see canonical.go); the cryptographic
// primitives that sign and verify these frames are out of scope and consumed
// as the identity package's interfaces.
package creditwire

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// PublicKey is the fixed-width compressed secp256k1 public key identifying a
// friend.
type PublicKey [33]byte

func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Less reports whether p is the canonical "low" key relative to other. The
// low key initializes its token channel in ConsistentOut; see
// tokenchannel.New.
func (p PublicKey) Less(other PublicKey) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// Signature is an opaque, variable-length signature over a canonical byte
// buffer. The concrete encoding (DER, compact, ...) is up to the identity
// service; the core never inspects it beyond byte-equality and verification.
type Signature []byte

func (s Signature) Equal(other Signature) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// HashResult is the fixed 32-byte output of the hash primitive.
type HashResult [32]byte

func (h HashResult) String() string {
	return hex.EncodeToString(h[:])
}

// Hash returns H(data), the one hash primitive the core relies on.
func Hash(data []byte) HashResult {
	return HashResult(chainhash.HashH(data))
}

// HashLock returns hash_lock(plain), the preimage-resistant commitment used
// for a request's source lock.
func HashLock(plain [32]byte) HashResult {
	return Hash(plain[:])
}

// Currency is a short opaque tag, e.g. "FST".
type Currency string

// RequestID uniquely identifies a request across the union of a mutual
// credit's pending_local_requests and pending_remote_requests tables.
type RequestID [16]byte

func (r RequestID) String() string {
	return hex.EncodeToString(r[:])
}

// NewRequestID generates a fresh, caller-supplied request_id for a
// locally-originated request. Unlike the teacher's HTLC indices (assigned by
// the DB as a monotonic counter), this protocol's request_id is picked by
// the sender up front, so it needs real randomness rather than a sequence.
func NewRequestID() RequestID {
	var id RequestID
	copy(id[:], uuid.New()[:])
	return id
}

// Route is the ordered list of hops a request travels, source first.
type Route struct {
	PublicKeys []PublicKey
}

// DestinationKey returns the public key of the final hop on the route, used
// to verify a Response's signature.
func (r Route) DestinationKey() (PublicKey, error) {
	if len(r.PublicKeys) == 0 {
		return PublicKey{}, fmt.Errorf("creditwire: empty route has no destination")
	}
	return r.PublicKeys[len(r.PublicKeys)-1], nil
}
