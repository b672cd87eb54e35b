package tokenchannel

import "github.com/creditmesh/tcd/creditwire"

// Status is the token channel's three-way state, mirroring the
// ConsistentIn/ConsistentOut/Inconsistent split spec.md §4.2 describes.
// Only the fields relevant to the current Status are meaningful on
// TokenChannel at any one time; this follows the same "tagged state plus
// guarded fields" shape contractcourt uses for its channel-arbitrator FSM
// rather than a closed sum type, since Go has no enum-with-payload.
type Status int

const (
	// StatusConsistentIn means the last move token we processed came in;
	// we hold the remote's signature and owe them (or a retransmit of)
	// the next outgoing MoveToken.
	StatusConsistentIn Status = iota

	// StatusConsistentOut means we hold an outgoing MoveToken the remote
	// has not yet acknowledged.
	StatusConsistentOut

	// StatusInconsistent means the chain broke; only a reset acceptance
	// can bring the channel back to Consistent.
	StatusInconsistent
)

func (s Status) String() string {
	switch s {
	case StatusConsistentIn:
		return "consistent_in"
	case StatusConsistentOut:
		return "consistent_out"
	case StatusInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// CurrencyLimits is the per-currency credit configuration a token channel
// consults when applying operations; held alongside the channel rather than
// fetched externally since it is per-(friend, currency), same granularity
// as the mutual credit itself.
type CurrencyLimits struct {
	LocalMaxDebt     creditwire.Uint128
	RemoteMaxDebt    creditwire.Uint128
	MarkedForRemoval bool
}

// InResultKind discriminates the outcome of HandleInMoveToken.
type InResultKind int

const (
	InDuplicate InResultKind = iota
	InChainInconsistent
	InApplied
	InRetransmitOutgoing
	InIgnored
)

// InResult is the result of feeding an inbound MoveToken to the channel.
type InResult struct {
	Kind InResultKind

	// Set when Kind == InChainInconsistent or InIgnored: the reset terms
	// now announced to the remote.
	ResetTerms *creditwire.ResetTerms

	// Set when Kind == InRetransmitOutgoing: replay this exact message.
	Retransmit *creditwire.MoveToken

	// Set when Kind == InApplied: the operations just committed, for the
	// router to dispatch (requests to forward, responses/cancels to
	// match against upstream pending state).
	Incoming []creditwire.CurrencyOperation

	// Set when Kind == InApplied: synthetic Cancels for operations the peer
	// sent that the MC engine recoverably rejected (credit-bound misses,
	// not protocol violations) rather than applied — spec.md §7
	// Recoverable. These never reach Incoming's per-op dispatch; the router
	// owes them straight back to the friend that sent this batch, not to
	// whatever upstream friend an id happens to be tracked against.
	Rejected []creditwire.CurrencyOperation
}
