package identity

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/creditmesh/tcd/creditwire"
)

// ECDSAClient is the production identity.Client: a single secp256k1 private
// key, signing deterministically over whatever canonical buffer it is
// asked to sign. Mirrors the shape of lnwallet's Signer, narrowed to the one
// method this protocol needs.
type ECDSAClient struct {
	priv *btcec.PrivateKey
	pub  creditwire.PublicKey
}

// NewECDSAClient wraps a private key as an identity.Client.
func NewECDSAClient(priv *btcec.PrivateKey) *ECDSAClient {
	var pub creditwire.PublicKey
	copy(pub[:], priv.PubKey().SerializeCompressed())
	return &ECDSAClient{priv: priv, pub: pub}
}

func (c *ECDSAClient) PublicKey() creditwire.PublicKey {
	return c.pub
}

func (c *ECDSAClient) RequestSignature(buff []byte) (creditwire.Signature, error) {
	digest := creditwire.Hash(buff)
	sig := ecdsa.Sign(c.priv, digest[:])
	return creditwire.Signature(sig.Serialize()), nil
}

// ECDSAVerifier implements identity.Verifier against the same DER encoding
// ECDSAClient produces.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(sig creditwire.Signature, msg []byte, pubKey creditwire.PublicKey) bool {
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubKey[:])
	if err != nil {
		return false
	}
	digest := creditwire.Hash(msg)
	return parsedSig.Verify(digest[:], pub)
}

// ParsePublicKey decodes a compressed secp256k1 public key into the wire
// representation, validating that it lies on the curve.
func ParsePublicKey(b []byte) (creditwire.PublicKey, error) {
	if len(b) != 33 {
		return creditwire.PublicKey{}, fmt.Errorf("identity: public key must be 33 bytes, got %d", len(b))
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return creditwire.PublicKey{}, err
	}
	var pk creditwire.PublicKey
	copy(pk[:], b)
	return pk, nil
}
