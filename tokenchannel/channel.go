// Package tokenchannel implements the signed move-token chain that keeps two
// friends' mutual credit ledgers synchronized: ConsistentIn/ConsistentOut/
// Inconsistent, batch application, and reset recovery (spec.md §4.2). It
// drives mutualcredit.MutualCredit the same way lnwallet.LightningChannel
// drives its HTLC update logs — in memory, atomically, with the caller
// responsible for persisting the result inside one DB transaction.
package tokenchannel

import (
	"fmt"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
	"github.com/creditmesh/tcd/mutualcredit"
)

// CurrencyState is the per-currency slice of a token channel's state: the
// ledger itself (once active on both sides) plus each side's activation
// flag and credit configuration.
type CurrencyState struct {
	MC           *mutualcredit.MutualCredit
	Limits       CurrencyLimits
	ActiveLocal  bool
	ActiveRemote bool
}

// TokenChannel is the per-friend move-token state machine.
type TokenChannel struct {
	LocalPublicKey  creditwire.PublicKey
	RemotePublicKey creditwire.PublicKey
	Signer          identity.Client

	Status Status

	// lastIncomingHash is hash(last applied inbound MoveToken), used only
	// to recognize a byte-identical retransmit while ConsistentIn.
	lastIncomingHash creditwire.HashResult

	// lastIncomingToken is the NewToken of the last applied inbound
	// MoveToken: the value chained forward as the next outbound
	// MoveToken's OldToken.
	lastIncomingToken creditwire.Signature

	// lastOutgoingMoveToken is the MoveToken we are holding unacknowledged
	// while ConsistentOut.
	lastOutgoingMoveToken *creditwire.MoveToken

	localResetTerms  *creditwire.ResetTerms
	remoteResetTerms *creditwire.ResetTerms

	MoveTokenCounter creditwire.Uint128

	Currencies map[creditwire.Currency]*CurrencyState
}

// New builds a token channel at its deterministic genesis (spec.md §4.2
// Canonical ordering, §8 S1): both peers derive the same initial MoveToken
// from the ordered pair of public keys without communicating, with the low
// key's side starting ConsistentOut and the high key's side ConsistentIn.
func New(local, remote creditwire.PublicKey, signer identity.Client) *TokenChannel {
	tc := &TokenChannel{
		LocalPublicKey:  local,
		RemotePublicKey: remote,
		Signer:          signer,
		Currencies:      make(map[creditwire.Currency]*CurrencyState),
	}

	if local.Less(remote) {
		genesis := &creditwire.MoveToken{
			OldToken: creditwire.InitialTokenFromPublicKey(local),
			NewToken: creditwire.InitialTokenFromPublicKey(remote),
		}
		tc.Status = StatusConsistentOut
		tc.lastOutgoingMoveToken = genesis
		return tc
	}

	genesis := &creditwire.MoveToken{
		OldToken: creditwire.InitialTokenFromPublicKey(remote),
		NewToken: creditwire.InitialTokenFromPublicKey(local),
	}
	tc.Status = StatusConsistentIn
	tc.lastIncomingHash = creditwire.HashMoveToken(genesis)
	tc.lastIncomingToken = genesis.NewToken
	return tc
}

// SetCurrencyLimits configures the credit bounds for a currency, creating
// its CurrencyState if this is the first mention of it.
func (tc *TokenChannel) SetCurrencyLimits(c creditwire.Currency, limits CurrencyLimits) {
	st := tc.state(c)
	st.Limits = limits
}

func (tc *TokenChannel) state(c creditwire.Currency) *CurrencyState {
	st, ok := tc.Currencies[c]
	if !ok {
		st = &CurrencyState{}
		tc.Currencies[c] = st
	}
	return st
}

// HandleInMoveToken dispatches an inbound MoveToken per the channel's
// current status (spec.md §4.2 Inbound path).
func (tc *TokenChannel) HandleInMoveToken(newMt *creditwire.MoveToken,
	verifier identity.Verifier) (*InResult, error) {

	switch tc.Status {
	case StatusConsistentIn:
		if creditwire.HashMoveToken(newMt) == tc.lastIncomingHash {
			return &InResult{Kind: InDuplicate}, nil
		}
		return tc.flipInconsistent()

	case StatusConsistentOut:
		mtOut := tc.lastOutgoingMoveToken
		switch {
		case newMt.OldToken.Equal(mtOut.NewToken):
			newCounter, err := creditwire.AddChecked(tc.MoveTokenCounter, creditwire.Uint128{Lo: 1})
			if err != nil {
				return nil, ErrCounterOverflow
			}
			return tc.applyInbound(newMt, verifier, newCounter)
		case mtOut.OldToken.Equal(newMt.NewToken):
			return &InResult{Kind: InRetransmitOutgoing, Retransmit: mtOut}, nil
		default:
			return tc.flipInconsistent()
		}

	case StatusInconsistent:
		if tc.localResetTerms != nil && newMt.OldToken.Equal(tc.localResetTerms.ResetToken) {
			return tc.applyInbound(newMt, verifier, tc.localResetTerms.MoveTokenCounter)
		}
		return &InResult{Kind: InIgnored, ResetTerms: tc.localResetTerms}, nil

	default:
		return nil, fmt.Errorf("tokenchannel: unknown status %v", tc.Status)
	}
}

// applyInbound verifies and commits a received batch atomically: either
// every check passes and Currencies/MoveTokenCounter/lastIncoming* advance
// together, or nothing is mutated and the channel flips Inconsistent.
func (tc *TokenChannel) applyInbound(newMt *creditwire.MoveToken, verifier identity.Verifier,
	newCounter creditwire.Uint128) (*InResult, error) {

	sigBuff := creditwire.MoveTokenSignatureBuff(newMt, newMt.InfoHash)
	if !verifier.Verify(newMt.NewToken, sigBuff, tc.RemotePublicKey) {
		return tc.flipInconsistent()
	}

	clone := tc.cloneCurrencies()

	if err := applyCurrenciesDiff(clone, newMt.CurrenciesDiff, tc.LocalPublicKey, tc.RemotePublicKey, false); err != nil {
		return tc.flipInconsistent()
	}

	// A Recoverable condition (spec.md §7) doesn't abort the batch: the op
	// simply isn't applied, and a Cancel owed straight back to the sender
	// of this very batch takes its place in Rejected. Genuinely fatal
	// conditions (anything else applyRemoteOp returns) still flip the
	// whole channel Inconsistent, same as before.
	var applied, rejected []creditwire.CurrencyOperation
	for _, co := range newMt.CurrenciesOperations {
		st, ok := clone[co.Currency]
		if !ok || st.MC == nil {
			return tc.flipInconsistent()
		}
		cancel, err := applyRemoteOp(st.MC, co.Operation, st.Limits.RemoteMaxDebt, verifier)
		if err != nil {
			return tc.flipInconsistent()
		}
		if cancel != nil {
			rejected = append(rejected, creditwire.CurrencyOperation{Currency: co.Currency, Operation: cancel})
			continue
		}
		applied = append(applied, co)
	}

	balancesHash := hashBalancesFromClone(clone, true)
	expected := creditwire.HashTokenInfo(tc.RemotePublicKey, tc.LocalPublicKey, creditwire.TokenInfo{
		BalancesHash:     balancesHash,
		MoveTokenCounter: newCounter,
	})
	if expected != newMt.InfoHash {
		return tc.flipInconsistent()
	}

	tc.Currencies = clone
	tc.MoveTokenCounter = newCounter
	tc.lastIncomingHash = creditwire.HashMoveToken(newMt)
	tc.lastIncomingToken = newMt.NewToken
	tc.Status = StatusConsistentIn
	tc.localResetTerms = nil
	tc.remoteResetTerms = nil

	return &InResult{Kind: InApplied, Incoming: applied, Rejected: rejected}, nil
}

// HandleOutMoveToken builds the next outgoing MoveToken from a collected
// batch of operations and a currencies diff (spec.md §4.2 Outbound path).
// Only valid while ConsistentIn: that is the only status in which this side
// holds the token and may speak next.
func (tc *TokenChannel) HandleOutMoveToken(ops []creditwire.CurrencyOperation,
	currenciesDiff []creditwire.Currency) (*creditwire.MoveToken, []creditwire.CurrencyOperation, error) {

	if tc.Status != StatusConsistentIn {
		return nil, nil, ErrNotConsistentOut
	}

	clone := tc.cloneCurrencies()

	if err := applyCurrenciesDiff(clone, currenciesDiff, tc.LocalPublicKey, tc.RemotePublicKey, true); err != nil {
		return nil, nil, err
	}

	// Same Recoverable/Chain-fatal split as the inbound path: a rejected
	// Request never touched the ledger and is dropped from the signed
	// batch, with its Cancel handed back to the caller for routing
	// upstream instead.
	var applied, rejected []creditwire.CurrencyOperation
	for _, co := range ops {
		st, ok := clone[co.Currency]
		if !ok || st.MC == nil {
			return nil, nil, ErrInvalidOperation
		}
		cancel, err := applyLocalOp(st.MC, co.Operation, st.Limits.LocalMaxDebt)
		if err != nil {
			return nil, nil, err
		}
		if cancel != nil {
			rejected = append(rejected, creditwire.CurrencyOperation{Currency: co.Currency, Operation: cancel})
			continue
		}
		applied = append(applied, co)
	}

	for c, st := range clone {
		if st.Limits.MarkedForRemoval && st.MC != nil && st.MC.IsZeroed() {
			st.ActiveLocal = false
			refreshMC(st, tc.LocalPublicKey, tc.RemotePublicKey, c)
		}
	}

	newCounter, err := creditwire.AddChecked(tc.MoveTokenCounter, creditwire.Uint128{Lo: 1})
	if err != nil {
		return nil, nil, ErrCounterOverflow
	}

	balancesHash := hashBalancesFromClone(clone, false)
	infoHash := creditwire.HashTokenInfo(tc.LocalPublicKey, tc.RemotePublicKey, creditwire.TokenInfo{
		BalancesHash:     balancesHash,
		MoveTokenCounter: newCounter,
	})

	mt := &creditwire.MoveToken{
		OldToken:             tc.lastIncomingToken,
		CurrenciesOperations: applied,
		CurrenciesDiff:       currenciesDiff,
		InfoHash:             infoHash,
	}

	sig, err := tc.Signer.RequestSignature(creditwire.MoveTokenSignatureBuff(mt, infoHash))
	if err != nil {
		return nil, nil, err
	}
	mt.NewToken = sig

	tc.Currencies = clone
	tc.MoveTokenCounter = newCounter
	tc.lastOutgoingMoveToken = mt
	tc.Status = StatusConsistentOut

	return mt, rejected, nil
}

// flipInconsistent issues fresh local reset terms over a snapshot of every
// active currency's balance and fees, per spec.md §4.2 Inconsistency
// recovery: the counter skips one ahead of the current value since the peer
// may have independently signed counter+1 already.
func (tc *TokenChannel) flipInconsistent() (*InResult, error) {
	resetCounter, err := creditwire.AddChecked(tc.MoveTokenCounter, creditwire.Uint128{Lo: 2})
	if err != nil {
		return nil, ErrCounterOverflow
	}

	buff := creditwire.ResetTokenSignatureBuff(tc.LocalPublicKey, tc.RemotePublicKey, resetCounter)
	sig, err := tc.Signer.RequestSignature(buff)
	if err != nil {
		return nil, err
	}

	balances := make(map[creditwire.Currency]creditwire.ResetBalance)
	for c, st := range tc.Currencies {
		if st.MC != nil {
			balances[c] = creditwire.ResetBalance{
				Balance: st.MC.Balance,
				InFees:  st.MC.InFees,
				OutFees: st.MC.OutFees,
			}
		}
	}

	terms := &creditwire.ResetTerms{
		ResetToken:       sig,
		MoveTokenCounter: resetCounter,
		ResetBalances:    balances,
	}

	tc.Status = StatusInconsistent
	tc.localResetTerms = terms

	return &InResult{Kind: InChainInconsistent, ResetTerms: terms}, nil
}

// RemoteResetTerms returns the remote's last announced reset terms, if any
// have been recorded for this inconsistency episode.
func (tc *TokenChannel) RemoteResetTerms() *creditwire.ResetTerms {
	return tc.remoteResetTerms
}

// RecordRemoteResetTerms stores the remote's reset terms once announced, so
// a higher layer can decide whether to accept them by sending a MoveToken
// whose old_token is the remote's reset_token.
func (tc *TokenChannel) RecordRemoteResetTerms(terms *creditwire.ResetTerms) {
	tc.remoteResetTerms = terms
}

// LocalResetTerms returns this side's current reset terms, if Inconsistent.
func (tc *TokenChannel) LocalResetTerms() *creditwire.ResetTerms {
	return tc.localResetTerms
}

// OutgoingMoveToken returns the MoveToken held unacknowledged while
// ConsistentOut, or nil otherwise.
func (tc *TokenChannel) OutgoingMoveToken() *creditwire.MoveToken {
	return tc.lastOutgoingMoveToken
}

func (tc *TokenChannel) cloneCurrencies() map[creditwire.Currency]*CurrencyState {
	clone := make(map[creditwire.Currency]*CurrencyState, len(tc.Currencies))
	for c, st := range tc.Currencies {
		cp := &CurrencyState{
			Limits:       st.Limits,
			ActiveLocal:  st.ActiveLocal,
			ActiveRemote: st.ActiveRemote,
		}
		if st.MC != nil {
			cp.MC = st.MC.Clone()
		}
		clone[c] = cp
	}
	return clone
}

// applyCurrenciesDiff applies a symmetric-difference toggle to either the
// local or the remote active set. The in-use removal guard
// (ErrCanNotRemoveCurrencyInUse) is spec.md §4.2's "Applying a received
// batch" step 2 — it only runs for an inbound diff, over the receiver's own
// active-local set; the router is trusted to have already decided an
// outbound removal is safe, so the outbound toggle is unconditional (spec.md
// §8 S6 exercises exactly this asymmetry: the proposer does not self-check).
func applyCurrenciesDiff(clone map[creditwire.Currency]*CurrencyState, diff []creditwire.Currency,
	localPK, remotePK creditwire.PublicKey, toggleLocal bool) error {

	for _, c := range diff {
		st, ok := clone[c]
		if !ok {
			st = &CurrencyState{}
			clone[c] = st
		}

		if toggleLocal {
			st.ActiveLocal = !st.ActiveLocal
		} else {
			if st.ActiveRemote {
				if st.ActiveLocal && (st.MC == nil || !st.MC.IsZeroed()) {
					return ErrCanNotRemoveCurrencyInUse
				}
				st.ActiveRemote = false
			} else {
				st.ActiveRemote = true
			}
		}

		refreshMC(st, localPK, remotePK, c)
	}
	return nil
}

// refreshMC creates or tears down a currency's ledger depending on whether
// it is now active on both sides: MC existence is a pure consequence of the
// two active sets intersecting (spec.md §9(i)).
func refreshMC(st *CurrencyState, localPK, remotePK creditwire.PublicKey, c creditwire.Currency) {
	if st.ActiveLocal && st.ActiveRemote {
		if st.MC == nil {
			st.MC = mutualcredit.New(localPK, remotePK, c)
		}
		return
	}
	st.MC = nil
}

func hashBalancesFromClone(clone map[creditwire.Currency]*CurrencyState, flip bool) creditwire.HashResult {
	var balances []creditwire.CurrencyBalance
	for c, st := range clone {
		if st.MC == nil {
			continue
		}
		b := st.MC.Balance
		if flip {
			b = b.Neg()
		}
		balances = append(balances, creditwire.CurrencyBalance{Currency: c, Balance: b})
	}
	return creditwire.HashBalances(balances)
}

// applyRemoteOp applies one operation from a received batch, where "remote"
// means the op was authored by the peer (spec.md §4.2 step 3): a Request is
// checked against remote_max_debt and reserved in PendingRemoteRequests; a
// Response/Cancel settles an entry we ourselves placed in
// PendingLocalRequests when we forwarded the original request.
// A Recoverable outcome (spec.md §7: InsufficientCredit, LockMismatch,
// UnknownRequestId) never reaches the caller as an error here; it comes back
// as a synthetic Cancel (Request case) or is silently dropped (Response/
// Cancel cases, where there is no fresh request_id to build a Cancel from).
// Only genuinely Chain-fatal conditions are returned as err.
func applyRemoteOp(mc *mutualcredit.MutualCredit, op creditwire.Operation,
	remoteMaxDebt creditwire.Uint128, verifier identity.Verifier) (*creditwire.McCancel, error) {

	switch o := op.(type) {
	case *creditwire.McRequest:
		_, err := mc.ReceiveRequest(o, remoteMaxDebt)
		if err == mutualcredit.ErrInsufficientCredit {
			return &creditwire.McCancel{RequestID: o.RequestID, ReportingKey: mc.LocalPublicKey}, nil
		}
		return nil, err
	case *creditwire.McResponse:
		err := mc.ReceiveResponse(o, verifier)
		if err == mutualcredit.ErrUnknownRequestID || err == mutualcredit.ErrLockMismatch {
			return nil, nil
		}
		return nil, err
	case *creditwire.McCancel:
		err := mc.ReceiveCancel(o)
		if err == mutualcredit.ErrUnknownRequestID {
			return nil, nil
		}
		return nil, err
	default:
		return nil, ErrInvalidOperation
	}
}

// applyLocalOp applies one operation we are originating or forwarding
// (spec.md §4.2 Outbound path step 1): a Request is checked against
// local_max_debt and reserved in PendingLocalRequests; a Response/Cancel
// settles an entry the peer placed in PendingRemoteRequests.
// Symmetric to applyRemoteOp: a Recoverable outcome comes back as a
// synthetic Cancel (Request case, built against our own credit bound) or is
// silently dropped (Response/Cancel), never as a Chain-fatal error.
func applyLocalOp(mc *mutualcredit.MutualCredit, op creditwire.Operation,
	localMaxDebt creditwire.Uint128) (*creditwire.McCancel, error) {

	switch o := op.(type) {
	case *creditwire.McRequest:
		_, err := mc.AddOutgoingRequest(o, localMaxDebt)
		if err == mutualcredit.ErrInsufficientCredit {
			return &creditwire.McCancel{RequestID: o.RequestID, ReportingKey: mc.LocalPublicKey}, nil
		}
		return nil, err
	case *creditwire.McResponse:
		err := mc.SettleResponse(o)
		if err == mutualcredit.ErrUnknownRequestID || err == mutualcredit.ErrLockMismatch {
			return nil, nil
		}
		return nil, err
	case *creditwire.McCancel:
		err := mc.CancelRequest(o)
		if err == mutualcredit.ErrUnknownRequestID {
			return nil, nil
		}
		return nil, err
	default:
		return nil, ErrInvalidOperation
	}
}
