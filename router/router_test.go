package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
	"github.com/creditmesh/tcd/tcdb"
	"github.com/creditmesh/tcd/tokenchannel"
)

func keyFromByte(b byte) creditwire.PublicKey {
	var k creditwire.PublicKey
	k[0] = b
	return k
}

func u128(v uint64) creditwire.Uint128 {
	return creditwire.Uint128{Lo: v}
}

// node builds a Router backed by its own tcdb and mock sinks, plumbed with
// a MockClient/MockVerifier identity pair keyed to self.
type node struct {
	r        *Router
	self     creditwire.PublicKey
	payments *mockPaymentSink
	invoices *mockInvoiceSink
}

func newNode(t *testing.T, self creditwire.PublicKey) *node {
	t.Helper()
	db, err := tcdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	payments := newMockPaymentSink()
	invoices := newMockInvoiceSink()

	r := New(&Config{
		SelfKey:               self,
		DB:                    db,
		Signer:                identity.NewMockClient(self),
		Verifier:              identity.MockVerifier{},
		MaxOperationsInBatch:  10,
		PaymentSink:           payments,
		InvoiceSink:           invoices,
	})
	return &node{r: r, self: self, payments: payments, invoices: invoices}
}

// link registers a and b as direct friends of each other and activates a
// currency on both sides via two direct move tokens (one per direction,
// each toggling that side's own active-local flag), then hands the token
// back with a third, empty move so the lower key ends ConsistentIn and can
// send next. Currency
// activation is a policy decision this package deliberately doesn't own
// (see Router.desiredCurrenciesDiff), so the test drives the underlying
// token channels directly rather than through CollectAndSend/HandleIncoming
// — those same *TokenChannel instances are the ones the router holds, so
// the router sees the result on its next call.
func link(t *testing.T, a, b *node, currency creditwire.Currency, limits tokenchannel.CurrencyLimits) {
	t.Helper()

	tcA, err := a.r.RegisterFriend(b.self)
	require.NoError(t, err)
	tcB, err := b.r.RegisterFriend(a.self)
	require.NoError(t, err)

	tcA.SetCurrencyLimits(currency, limits)
	tcB.SetCurrencyLimits(currency, limits)

	// The higher public key starts ConsistentIn and so is the side that
	// may drive the first real move token.
	sender, receiver := tcA, tcB
	if a.self.Less(b.self) {
		sender, receiver = tcB, tcA
	}

	diff := []creditwire.Currency{currency}

	mt, _, err := sender.HandleOutMoveToken(nil, diff)
	require.NoError(t, err)
	_, err = receiver.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)

	// receiver now holds the token (ConsistentIn) and toggles its own
	// active-local flag back, bringing both sides' MC to life.
	mt, _, err = receiver.HandleOutMoveToken(nil, diff)
	require.NoError(t, err)
	_, err = sender.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)

	// sender holds the token again; an empty move passes it to receiver
	// (the lower key), the side every caller of link sends from first.
	mt, _, err = sender.HandleOutMoveToken(nil, nil)
	require.NoError(t, err)
	_, err = receiver.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)

	require.NoError(t, a.r.cfg.DB.SaveTokenChannel(tcA))
	require.NoError(t, b.r.cfg.DB.SaveTokenChannel(tcB))
}

func TestRegisterFriend_PersistsAcrossReload(t *testing.T) {
	self, remote := keyFromByte(0xAA), keyFromByte(0xBB)
	n := newNode(t, self)

	tc1, err := n.r.RegisterFriend(remote)
	require.NoError(t, err)

	// A second Router instance over the same DB must load the same
	// genesis rather than creating a fresh friend row.
	n2 := &node{r: New(&Config{
		SelfKey: self, DB: n.r.cfg.DB, Signer: identity.NewMockClient(self),
		Verifier: identity.MockVerifier{}, PaymentSink: n.payments, InvoiceSink: n.invoices,
	})}
	tc2, err := n2.r.RegisterFriend(remote)
	require.NoError(t, err)

	require.Equal(t, tc1.Status, tc2.Status)
}

func TestThreeHopPayment_SettlesBackToPayer(t *testing.T) {
	alice := newNode(t, keyFromByte(0x10))
	bob := newNode(t, keyFromByte(0x20))
	carol := newNode(t, keyFromByte(0x30))

	limits := tokenchannel.CurrencyLimits{LocalMaxDebt: u128(1000), RemoteMaxDebt: u128(1000)}
	link(t, alice, bob, "FST", limits)
	link(t, bob, carol, "FST", limits)

	preimage := [32]byte{0x42}
	hashed := creditwire.HashLock(preimage)
	reqID := creditwire.RequestID{0x01}

	req := &creditwire.McRequest{
		RequestID:        reqID,
		SrcHashedLock:    hashed,
		Route:            creditwire.Route{PublicKeys: []creditwire.PublicKey{alice.self, bob.self, carol.self}},
		DestPayment:      u128(50),
		TotalDestPayment: u128(50),
	}

	require.NoError(t, alice.r.OriginateRequest("FST", req))

	// Alice -> Bob: request travels forward.
	mt, _, _, err := alice.r.CollectAndSend(bob.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	_, err = bob.r.HandleIncoming(alice.self, mt)
	require.NoError(t, err)

	// Bob -> Carol: forwarded onward since Carol is the final hop.
	mt, _, _, err = bob.r.CollectAndSend(carol.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	_, err = carol.r.HandleIncoming(bob.self, mt)
	require.NoError(t, err)
	require.Contains(t, carol.invoices.received, reqID)

	// Carol settles: enqueue the Response herself (standing in for the
	// invoice layer) and send it back to Bob.
	resp := &creditwire.McResponse{RequestID: reqID, SrcPlainLock: preimage}
	sig, err := carol.r.cfg.Signer.RequestSignature(creditwire.ResponseSignatureBuff(req, resp))
	require.NoError(t, err)
	resp.Signature = sig
	require.NoError(t, carol.r.cfg.DB.PushBack(bob.self, tcdb.QueueBackwards,
		creditwire.CurrencyOperation{Currency: "FST", Operation: resp}))

	mt, _, _, err = carol.r.CollectAndSend(bob.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	_, err = bob.r.HandleIncoming(carol.self, mt)
	require.NoError(t, err)

	// Bob -> Alice: the Response is relayed backwards automatically.
	mt, _, _, err = bob.r.CollectAndSend(alice.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	_, err = alice.r.HandleIncoming(bob.self, mt)
	require.NoError(t, err)

	got, ok := alice.payments.settled[reqID]
	require.True(t, ok)
	require.Equal(t, preimage, got)
}

func TestDispatchRequest_UnknownNextHop_CancelsBackwards(t *testing.T) {
	alice := newNode(t, keyFromByte(0x10))
	bob := newNode(t, keyFromByte(0x20))

	limits := tokenchannel.CurrencyLimits{LocalMaxDebt: u128(1000), RemoteMaxDebt: u128(1000)}
	link(t, alice, bob, "FST", limits)

	stranger := keyFromByte(0x99)
	reqID := creditwire.RequestID{0x02}
	req := &creditwire.McRequest{
		RequestID:     reqID,
		SrcHashedLock: creditwire.HashLock([32]byte{0x01}),
		Route:         creditwire.Route{PublicKeys: []creditwire.PublicKey{alice.self, bob.self, stranger}},
		DestPayment:   u128(10),
	}
	require.NoError(t, alice.r.OriginateRequest("FST", req))

	mt, _, _, err := alice.r.CollectAndSend(bob.self)
	require.NoError(t, err)
	_, err = bob.r.HandleIncoming(alice.self, mt)
	require.NoError(t, err)

	empty, err := bob.r.cfg.DB.IsEmpty(alice.self, tcdb.QueueBackwards)
	require.NoError(t, err)
	require.False(t, empty)

	item, err := bob.r.cfg.DB.PopFront(alice.self, tcdb.QueueBackwards)
	require.NoError(t, err)
	cancel, ok := item.Operation.(*creditwire.McCancel)
	require.True(t, ok)
	require.Equal(t, reqID, cancel.RequestID)
	require.Equal(t, bob.self, cancel.ReportingKey)
}

// A Request that exceeds the sender's own credit line never reaches
// HandleOutMoveToken's signed batch; it's a Recoverable condition
// (spec.md §7), reported back to the originator instead of flipping
// anything Inconsistent.
func TestOriginateRequest_OverLocalCreditBound_CancelledLocally(t *testing.T) {
	alice := newNode(t, keyFromByte(0x10))
	bob := newNode(t, keyFromByte(0x20))

	limits := tokenchannel.CurrencyLimits{LocalMaxDebt: u128(100), RemoteMaxDebt: u128(100)}
	link(t, alice, bob, "FST", limits)

	reqID := creditwire.RequestID{0x03}
	req := &creditwire.McRequest{
		RequestID:     reqID,
		SrcHashedLock: creditwire.HashLock([32]byte{0x01}),
		Route:         creditwire.Route{PublicKeys: []creditwire.PublicKey{alice.self, bob.self}},
		DestPayment:   u128(1000),
	}
	require.NoError(t, alice.r.OriginateRequest("FST", req))

	mt, _, _, err := alice.r.CollectAndSend(bob.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	require.Empty(t, mt.CurrenciesOperations)

	key, ok := alice.payments.cancelled[reqID]
	require.True(t, ok)
	require.Equal(t, alice.self, key)
}

// Symmetrically, a forwarded Request that exceeds the receiver's own
// remote_max_debt is recoverably rejected on the inbound side: the batch
// still applies (the channel stays Consistent), and a Cancel is owed
// straight back to whichever friend sent it.
func TestHandleIncoming_OverRemoteCreditBound_CancelsBackToSender(t *testing.T) {
	alice := newNode(t, keyFromByte(0x10))
	bob := newNode(t, keyFromByte(0x20))

	aliceLimits := tokenchannel.CurrencyLimits{LocalMaxDebt: u128(1000), RemoteMaxDebt: u128(1000)}
	link(t, alice, bob, "FST", aliceLimits)

	tcBob, err := bob.r.RegisterFriend(alice.self)
	require.NoError(t, err)
	tcBob.SetCurrencyLimits("FST", tokenchannel.CurrencyLimits{LocalMaxDebt: u128(1000), RemoteMaxDebt: u128(10)})
	require.NoError(t, bob.r.cfg.DB.SaveTokenChannel(tcBob))

	reqID := creditwire.RequestID{0x04}
	req := &creditwire.McRequest{
		RequestID:     reqID,
		SrcHashedLock: creditwire.HashLock([32]byte{0x01}),
		Route:         creditwire.Route{PublicKeys: []creditwire.PublicKey{alice.self, bob.self}},
		DestPayment:   u128(500),
	}
	require.NoError(t, alice.r.OriginateRequest("FST", req))

	mt, _, _, err := alice.r.CollectAndSend(bob.self)
	require.NoError(t, err)
	require.NotNil(t, mt)
	require.NotEmpty(t, mt.CurrenciesOperations)

	result, err := bob.r.HandleIncoming(alice.self, mt)
	require.NoError(t, err)
	require.Equal(t, tokenchannel.InApplied, result.Kind)

	empty, err := bob.r.cfg.DB.IsEmpty(alice.self, tcdb.QueueBackwards)
	require.NoError(t, err)
	require.False(t, empty)

	item, err := bob.r.cfg.DB.PopFront(alice.self, tcdb.QueueBackwards)
	require.NoError(t, err)
	cancel, ok := item.Operation.(*creditwire.McCancel)
	require.True(t, ok)
	require.Equal(t, reqID, cancel.RequestID)
	require.Equal(t, bob.self, cancel.ReportingKey)
}
