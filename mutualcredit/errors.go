package mutualcredit

import "errors"

// ErrInsufficientCredit, ErrUnknownRequestID and ErrLockMismatch are
// Recoverable (spec.md §7): tokenchannel never lets these escape as a
// chain-fatal condition. A Request rejected with ErrInsufficientCredit comes
// back as a synthetic Cancel; ErrUnknownRequestID/ErrLockMismatch surfacing
// from a Response or Cancel are dropped, since there is no request_id to
// build a fresh Cancel from. ErrDuplicateRequestID and ErrSignatureInvalid
// are Chain-fatal: in an inbound batch they flip the channel Inconsistent;
// in an outbound batch they are returned to the caller of
// HandleOutMoveToken and the channel is left unchanged.
var (
	ErrInsufficientCredit = errors.New("mutualcredit: insufficient credit")
	ErrUnknownRequestID   = errors.New("mutualcredit: unknown request id")
	ErrDuplicateRequestID = errors.New("mutualcredit: duplicate request id")
	ErrLockMismatch       = errors.New("mutualcredit: src_plain_lock does not match stored hash")
	ErrSignatureInvalid   = errors.New("mutualcredit: response signature invalid")
)
