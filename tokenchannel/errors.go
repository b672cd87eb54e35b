package tokenchannel

import "github.com/go-errors/errors"

// Errors of the token channel layer. An inbound batch that fails a
// chain-fatal check (spec.md §7) flips the channel to Inconsistent and is
// reported as InChainInconsistent rather than as one of these errors.
// HandleOutMoveToken returns ErrInvalidOperation for an operation on a
// currency with no ledger, and both handlers return ErrCounterOverflow;
// either leaves the channel's status unchanged.
var (
	ErrInvalidSignature             = errors.New("tokenchannel: invalid move token signature")
	ErrInvalidTokenInfo             = errors.New("tokenchannel: info_hash does not match computed TokenInfo")
	ErrInvalidOperation             = errors.New("tokenchannel: operation rejected by mutual credit engine")
	ErrCanNotRemoveCurrencyInUse    = errors.New("tokenchannel: currency removal refused, still in use")
	ErrDuplicateRequestID           = errors.New("tokenchannel: duplicate request id across currencies")
	ErrCounterOverflow              = errors.New("tokenchannel: move token counter overflow")
)

// ErrNotConsistentOut is returned by HandleOutMoveToken when the channel is
// not currently in ConsistentIn, the only status from which an outbound
// batch may be constructed.
var ErrNotConsistentOut = errors.New("tokenchannel: channel not in consistent_in, cannot build outgoing move token")
