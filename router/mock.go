package router

import (
	"sync"

	"github.com/creditmesh/tcd/creditwire"
)

// mockPaymentSink records every terminal payment outcome this node
// originated, for assertion in tests. Mirrors htlcswitch/mock.go's approach
// of a minimal recording stand-in rather than a full collaborator.
type mockPaymentSink struct {
	mu        sync.Mutex
	settled   map[creditwire.RequestID][32]byte
	cancelled map[creditwire.RequestID]creditwire.PublicKey
}

func newMockPaymentSink() *mockPaymentSink {
	return &mockPaymentSink{
		settled:   make(map[creditwire.RequestID][32]byte),
		cancelled: make(map[creditwire.RequestID]creditwire.PublicKey),
	}
}

func (m *mockPaymentSink) Settled(id creditwire.RequestID, preimage [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[id] = preimage
}

func (m *mockPaymentSink) Cancelled(id creditwire.RequestID, reportingKey creditwire.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[id] = reportingKey
}

// mockInvoiceSink records every Request addressed to this node.
type mockInvoiceSink struct {
	mu       sync.Mutex
	received map[creditwire.RequestID]*creditwire.McRequest
}

func newMockInvoiceSink() *mockInvoiceSink {
	return &mockInvoiceSink{received: make(map[creditwire.RequestID]*creditwire.McRequest)}
}

func (m *mockInvoiceSink) Received(currency creditwire.Currency, req *creditwire.McRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[req.RequestID] = req
}
