// Package identity is the capability boundary for the one cryptographic
// collaborator the core needs: a signer bound to a fixed private key,
// reachable by request-reply (spec.md §6). The core never inspects a
// signature's bytes beyond treating it as an opaque Signature; it is
// produced and verified entirely behind this interface.
package identity

import (
	"github.com/creditmesh/tcd/creditwire"
)

// Client is the identity service contract. A single Client instance is
// shared across every friend loop (spec.md §5); concurrent requests are
// permitted and independent.
type Client interface {
	// RequestSignature returns a deterministic signature over buff under
	// the client's fixed private key.
	RequestSignature(buff []byte) (creditwire.Signature, error)

	// PublicKey returns the public key this client signs for.
	PublicKey() creditwire.PublicKey
}

// Verifier checks a signature against a message and a claimed public key.
// Kept distinct from Client because verification never needs a private key
// and is typically cheap enough to call inline rather than through a
// request-reply round trip.
type Verifier interface {
	Verify(sig creditwire.Signature, msg []byte, pubKey creditwire.PublicKey) bool
}
