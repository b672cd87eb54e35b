package identity

import (
	"github.com/creditmesh/tcd/creditwire"
)

// MockClient is a deterministic, non-cryptographic identity.Client for
// tests: it "signs" by hashing the public key into the buffer, which is
// enough to exercise every code path that only cares that signatures are
// stable and distinguishable per-key, without pulling curve arithmetic into
// unit tests of the token channel and router. Mirrors htlcswitch/mock.go's
// approach of standing in for a real collaborator with the cheapest
// behaviorally-equivalent fake.
type MockClient struct {
	pub creditwire.PublicKey
}

// NewMockClient builds a MockClient for the given public key. Tests
// typically derive the key deterministically (e.g. from a byte fill) since
// no private material is actually used.
func NewMockClient(pub creditwire.PublicKey) *MockClient {
	return &MockClient{pub: pub}
}

func (m *MockClient) PublicKey() creditwire.PublicKey {
	return m.pub
}

func (m *MockClient) RequestSignature(buff []byte) (creditwire.Signature, error) {
	combined := append(append([]byte{}, m.pub[:]...), buff...)
	digest := creditwire.Hash(combined)
	return creditwire.Signature(digest[:]), nil
}

// MockVerifier verifies signatures produced by MockClient.
type MockVerifier struct{}

func (MockVerifier) Verify(sig creditwire.Signature, msg []byte, pubKey creditwire.PublicKey) bool {
	expected, err := (&MockClient{pub: pubKey}).RequestSignature(msg)
	if err != nil {
		return false
	}
	return sig.Equal(expected)
}
