package mutualcredit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
)

func keyFromByte(b byte) creditwire.PublicKey {
	var pk creditwire.PublicKey
	pk[0] = b
	return pk
}

func newTestMC() (*MutualCredit, creditwire.PublicKey, creditwire.PublicKey) {
	a := keyFromByte(0x01)
	b := keyFromByte(0x02)
	return New(a, b, creditwire.Currency("FST")), a, b
}

func testRequest(id byte, dest creditwire.PublicKey) *creditwire.McRequest {
	var rid creditwire.RequestID
	rid[0] = id

	var plain [32]byte
	plain[0] = id

	return &creditwire.McRequest{
		RequestID:        rid,
		SrcHashedLock:    creditwire.HashLock(plain),
		Route:            creditwire.Route{PublicKeys: []creditwire.PublicKey{keyFromByte(0x01), dest}},
		DestPayment:      creditwire.Uint128{},
		TotalDestPayment: creditwire.Uint128{},
		LeftFees:         creditwire.Uint128{},
	}
}

// Invariant 1 (spec.md §8): a request is only ever accepted when the credit
// bound holds; otherwise queueing it yields RequestCancelled with
// ErrInsufficientCredit (spec.md §7 Recoverable), never a state mutation.
func TestAddOutgoingRequest_CreditBound(t *testing.T) {
	mc, _, b := newTestMC()

	req := testRequest(1, b)
	req.DestPayment = uint128From64(100)

	outcome, err := mc.AddOutgoingRequest(req, uint128From64(50))
	require.Equal(t, ErrInsufficientCredit, err)
	require.Equal(t, RequestCancelled, outcome)
	require.True(t, mc.LocalPendingDebt.IsZero())
	require.Empty(t, mc.PendingLocalRequests)
}

func TestAddOutgoingRequest_Applied(t *testing.T) {
	mc, _, b := newTestMC()

	req := testRequest(1, b)
	req.DestPayment = uint128From64(30)

	outcome, err := mc.AddOutgoingRequest(req, uint128From64(50))
	require.NoError(t, err)
	require.Equal(t, RequestApplied, outcome)
	require.Equal(t, uint128From64(30).String(), mc.LocalPendingDebt.String())
	require.Contains(t, mc.PendingLocalRequests, req.RequestID)
}

// Scenario S2 (spec.md §8): Request then Cancel restores the ledger to its
// starting state exactly.
func TestRequestThenCancel_RestoresState(t *testing.T) {
	mc, _, b := newTestMC()

	req := testRequest(2, b)
	req.DestPayment = uint128From64(15)

	_, err := mc.AddOutgoingRequest(req, uint128From64(100))
	require.NoError(t, err)
	require.False(t, mc.LocalPendingDebt.IsZero())

	err = mc.ReceiveCancel(&creditwire.McCancel{RequestID: req.RequestID})
	require.NoError(t, err)

	require.True(t, mc.IsZeroed())
	require.Empty(t, mc.PendingLocalRequests)
}

// Scenario S3 (spec.md §8): after A requests 15 from B and B settles it, A's
// balance ends at +15 and B's mirrored ledger ends at -15.
func TestRequestThenSettle_MovesBalance(t *testing.T) {
	destKey := keyFromByte(0x02)
	client := identity.NewMockClient(destKey)
	verifier := identity.MockVerifier{}

	// B's view: the request arrives as incoming (against remote_max_debt),
	// decreasing B's eventual balance by 15 once settled.
	mcB, _, _ := newTestMC()
	req := testRequest(3, destKey)
	req.DestPayment = uint128From64(15)

	outcome, err := mcB.ReceiveRequest(req, uint128From64(100))
	require.NoError(t, err)
	require.Equal(t, RequestApplied, outcome)

	var plain [32]byte
	plain[0] = 3
	buff := creditwire.ResponseSignatureBuff(req, &creditwire.McResponse{RequestID: req.RequestID, SrcPlainLock: plain})
	sig, err := client.RequestSignature(buff)
	require.NoError(t, err)

	resp := &creditwire.McResponse{RequestID: req.RequestID, SrcPlainLock: plain, Signature: sig}

	err = mcB.SettleResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "-15", mcB.Balance.String())
	require.True(t, mcB.RemotePendingDebt.IsZero())

	// A's view: the same request traveled out against local_max_debt; once
	// A receives B's response, A's balance moves to +15.
	mcA, _, _ := newTestMC()
	outcomeA, err := mcA.AddOutgoingRequest(req, uint128From64(100))
	require.NoError(t, err)
	require.Equal(t, RequestApplied, outcomeA)

	err = mcA.ReceiveResponse(resp, verifier)
	require.NoError(t, err)
	require.Equal(t, "15", mcA.Balance.String())
	require.True(t, mcA.LocalPendingDebt.IsZero())
}

func TestReceiveResponse_LockMismatch(t *testing.T) {
	destKey := keyFromByte(0x02)
	mcA, _, _ := newTestMC()
	req := testRequest(4, destKey)
	req.DestPayment = uint128From64(10)

	_, err := mcA.AddOutgoingRequest(req, uint128From64(100))
	require.NoError(t, err)

	var wrongPlain [32]byte
	wrongPlain[0] = 0xff
	resp := &creditwire.McResponse{RequestID: req.RequestID, SrcPlainLock: wrongPlain}

	err = mcA.ReceiveResponse(resp, identity.MockVerifier{})
	require.ErrorIs(t, err, ErrLockMismatch)
}

func TestDuplicateRequestID_Rejected(t *testing.T) {
	mc, _, b := newTestMC()
	req := testRequest(5, b)
	req.DestPayment = uint128From64(5)

	outcome, err := mc.AddOutgoingRequest(req, uint128From64(100))
	require.NoError(t, err)
	require.Equal(t, RequestApplied, outcome)

	_, err = mc.AddOutgoingRequest(req, uint128From64(100))
	require.ErrorIs(t, err, ErrDuplicateRequestID)
}

func TestUnknownRequestID_Cancel(t *testing.T) {
	mc, _, _ := newTestMC()
	var rid creditwire.RequestID
	rid[0] = 0x99

	err := mc.CancelRequest(&creditwire.McCancel{RequestID: rid})
	require.ErrorIs(t, err, ErrUnknownRequestID)
}

func uint128From64(v uint64) creditwire.Uint128 {
	return creditwire.Uint128{Lo: v}
}
