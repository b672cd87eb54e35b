// Package mutualcredit implements the per-(friend,currency) ledger: the
// balances and pending-debt bookkeeping a token channel's ConsistentIn/
// ConsistentOut state machine drives operations through. It has no I/O of
// its own — every method here is a pure state transition over an in-memory
// MutualCredit, the same shape lnwallet.LightningChannel drives its
// updateLog/commitmentChain through in memory before the caller persists
// the result inside a DB transaction (here, tokenchannel does that).
package mutualcredit

import (
	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
)

// RequestOutcome is the result of attempting to queue a Request.
type RequestOutcome int

const (
	// RequestApplied means the request was accepted and is now pending.
	RequestApplied RequestOutcome = iota

	// RequestCancelled means the request was not applied; the returned
	// error says why. With ErrInsufficientCredit the credit bound would
	// have been exceeded, and a synthetic Cancel should be sent back
	// rather than applying the request, so the upstream hop can fail fast
	// (spec.md §4.1).
	RequestCancelled
)

// MutualCredit is the ledger for one (friend, currency) pair.
type MutualCredit struct {
	LocalPublicKey  creditwire.PublicKey
	RemotePublicKey creditwire.PublicKey
	Currency        creditwire.Currency

	Balance           creditwire.Int128
	LocalPendingDebt  creditwire.Uint128
	RemotePendingDebt creditwire.Uint128
	InFees            creditwire.Uint128
	OutFees           creditwire.Uint128

	PendingLocalRequests  map[creditwire.RequestID]*creditwire.McRequest
	PendingRemoteRequests map[creditwire.RequestID]*creditwire.McRequest
}

// New creates a fresh, zeroed MutualCredit for a currency that has just
// entered both sides' active sets (spec.md §3 Lifecycle).
func New(local, remote creditwire.PublicKey, currency creditwire.Currency) *MutualCredit {
	return &MutualCredit{
		LocalPublicKey:        local,
		RemotePublicKey:       remote,
		Currency:              currency,
		PendingLocalRequests:  make(map[creditwire.RequestID]*creditwire.McRequest),
		PendingRemoteRequests: make(map[creditwire.RequestID]*creditwire.McRequest),
	}
}

// Clone returns an independent copy, so a caller can stage speculative
// mutations (an inbound batch application) and discard them on failure
// without touching the original. Mirrors the snapshot lnwallet.LightningChannel
// keeps of its update logs before a commitment is signed.
func (mc *MutualCredit) Clone() *MutualCredit {
	clone := &MutualCredit{
		LocalPublicKey:        mc.LocalPublicKey,
		RemotePublicKey:       mc.RemotePublicKey,
		Currency:              mc.Currency,
		Balance:               mc.Balance,
		LocalPendingDebt:      mc.LocalPendingDebt,
		RemotePendingDebt:     mc.RemotePendingDebt,
		InFees:                mc.InFees,
		OutFees:               mc.OutFees,
		PendingLocalRequests:  make(map[creditwire.RequestID]*creditwire.McRequest, len(mc.PendingLocalRequests)),
		PendingRemoteRequests: make(map[creditwire.RequestID]*creditwire.McRequest, len(mc.PendingRemoteRequests)),
	}
	for k, v := range mc.PendingLocalRequests {
		clone.PendingLocalRequests[k] = v
	}
	for k, v := range mc.PendingRemoteRequests {
		clone.PendingRemoteRequests[k] = v
	}
	return clone
}

// IsZeroed reports whether the ledger has no outstanding balance or pending
// debt, the precondition for a currency to be removed from either active
// set (spec.md §3 invariants).
func (mc *MutualCredit) IsZeroed() bool {
	return mc.Balance.IsZero() &&
		mc.LocalPendingDebt.IsZero() &&
		mc.RemotePendingDebt.IsZero()
}

func (mc *MutualCredit) hasPendingID(id creditwire.RequestID) bool {
	if _, ok := mc.PendingLocalRequests[id]; ok {
		return true
	}
	_, ok := mc.PendingRemoteRequests[id]
	return ok
}

func (mc *MutualCredit) reservedAmount(req *creditwire.McRequest) (creditwire.Uint128, error) {
	return creditwire.AddChecked(req.DestPayment, req.LeftFees)
}

// AddOutgoingRequest applies a Request this side originated or is
// forwarding onward, checking it against localMaxDebt. Mirrors
// LightningChannel.AddHTLC.
func (mc *MutualCredit) AddOutgoingRequest(req *creditwire.McRequest,
	localMaxDebt creditwire.Uint128) (RequestOutcome, error) {

	return mc.addRequest(req, localMaxDebt, true)
}

// ReceiveRequest applies a Request the remote side originated or forwarded
// to us, checking it against remoteMaxDebt. Mirrors
// LightningChannel.ReceiveHTLC.
func (mc *MutualCredit) ReceiveRequest(req *creditwire.McRequest,
	remoteMaxDebt creditwire.Uint128) (RequestOutcome, error) {

	return mc.addRequest(req, remoteMaxDebt, false)
}

func (mc *MutualCredit) addRequest(req *creditwire.McRequest, maxDebt creditwire.Uint128,
	local bool) (RequestOutcome, error) {

	if mc.hasPendingID(req.RequestID) {
		return RequestCancelled, ErrDuplicateRequestID
	}

	reserved, err := mc.reservedAmount(req)
	if err != nil {
		return RequestCancelled, creditwire.ErrArithmeticOverflow
	}

	if local {
		newPending, err := creditwire.AddChecked(mc.LocalPendingDebt, reserved)
		if err != nil {
			return RequestCancelled, creditwire.ErrArithmeticOverflow
		}

		// balance - new_local_pending_debt >= -local_max_debt
		if !mc.Balance.SubUint128(newPending).GreaterOrEqualNeg(maxDebt) {
			return RequestCancelled, ErrInsufficientCredit
		}

		mc.LocalPendingDebt = newPending
		mc.PendingLocalRequests[req.RequestID] = req
		return RequestApplied, nil
	}

	newPending, err := creditwire.AddChecked(mc.RemotePendingDebt, reserved)
	if err != nil {
		return RequestCancelled, creditwire.ErrArithmeticOverflow
	}

	// balance + new_remote_pending_debt <= remote_max_debt
	if !mc.Balance.AddUint128(newPending).LessOrEqual(maxDebt) {
		return RequestCancelled, ErrInsufficientCredit
	}

	mc.RemotePendingDebt = newPending
	mc.PendingRemoteRequests[req.RequestID] = req
	return RequestApplied, nil
}

// SettleResponse constructs the outgoing Response to a request this side
// is holding in PendingRemoteRequests (the remote asked us to pay; we now
// answer). Mirrors LightningChannel.SettleHTLC. The caller is responsible
// for obtaining resp.Signature from the identity service before calling
// this (the signature buffer is ResponseSignatureBuff(req, resp)).
func (mc *MutualCredit) SettleResponse(resp *creditwire.McResponse) error {
	req, ok := mc.PendingRemoteRequests[resp.RequestID]
	if !ok {
		return ErrUnknownRequestID
	}
	if creditwire.HashLock(resp.SrcPlainLock) != req.SrcHashedLock {
		return ErrLockMismatch
	}

	reserved, err := mc.reservedAmount(req)
	if err != nil {
		return creditwire.ErrArithmeticOverflow
	}

	mc.RemotePendingDebt = mc.RemotePendingDebt.Sub(reserved)
	mc.Balance = mc.Balance.SubUint128(reserved)
	delete(mc.PendingRemoteRequests, resp.RequestID)
	return nil
}

// ReceiveResponse applies an incoming Response settling a request this side
// is holding in PendingLocalRequests (we sent/forwarded the request; the
// remote now answers). Verifies the lock preimage and the signature over
// ResponseSignatureBuff under the request's original destination key.
// Mirrors LightningChannel.ReceiveHTLCSettle.
func (mc *MutualCredit) ReceiveResponse(resp *creditwire.McResponse,
	verifier identity.Verifier) error {

	req, ok := mc.PendingLocalRequests[resp.RequestID]
	if !ok {
		return ErrUnknownRequestID
	}
	if creditwire.HashLock(resp.SrcPlainLock) != req.SrcHashedLock {
		return ErrLockMismatch
	}

	destKey, err := req.Route.DestinationKey()
	if err != nil {
		return err
	}
	buff := creditwire.ResponseSignatureBuff(req, resp)
	if !verifier.Verify(resp.Signature, buff, destKey) {
		return ErrSignatureInvalid
	}

	reserved, err := mc.reservedAmount(req)
	if err != nil {
		return creditwire.ErrArithmeticOverflow
	}

	mc.LocalPendingDebt = mc.LocalPendingDebt.Sub(reserved)
	mc.Balance = mc.Balance.AddUint128(reserved)
	delete(mc.PendingLocalRequests, resp.RequestID)
	return nil
}

// CancelRequest constructs the outgoing Cancel for a request this side is
// holding in PendingRemoteRequests. Balance is unchanged. Mirrors
// LightningChannel.FailHTLC.
func (mc *MutualCredit) CancelRequest(cancel *creditwire.McCancel) error {
	req, ok := mc.PendingRemoteRequests[cancel.RequestID]
	if !ok {
		return ErrUnknownRequestID
	}
	reserved, err := mc.reservedAmount(req)
	if err != nil {
		return creditwire.ErrArithmeticOverflow
	}
	mc.RemotePendingDebt = mc.RemotePendingDebt.Sub(reserved)
	delete(mc.PendingRemoteRequests, cancel.RequestID)
	return nil
}

// ReceiveCancel applies an incoming Cancel against PendingLocalRequests.
// Mirrors LightningChannel.ReceiveFailHTLC.
func (mc *MutualCredit) ReceiveCancel(cancel *creditwire.McCancel) error {
	req, ok := mc.PendingLocalRequests[cancel.RequestID]
	if !ok {
		return ErrUnknownRequestID
	}
	reserved, err := mc.reservedAmount(req)
	if err != nil {
		return creditwire.ErrArithmeticOverflow
	}
	mc.LocalPendingDebt = mc.LocalPendingDebt.Sub(reserved)
	delete(mc.PendingLocalRequests, cancel.RequestID)
	return nil
}
