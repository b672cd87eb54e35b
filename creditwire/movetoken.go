package creditwire

// MoveToken is the signed batch message that advances a token channel's
// chain by one link. Mirrors lnwire's CommitSig/RevokeAndAck combined into a
// single message, since this protocol has no separate revocation step.
type MoveToken struct {
	// OldToken is the new_token of the previous MoveToken in the chain,
	// or the canonical initial token for a fresh channel.
	OldToken Signature

	// CurrenciesOperations is the ordered batch of operations this
	// MoveToken applies, each paired with the currency it applies to.
	CurrenciesOperations []CurrencyOperation

	// CurrenciesDiff is the symmetric-difference update to the sender's
	// active-currency set.
	CurrenciesDiff []Currency

	// InfoHash is H(sender_pk || receiver_pk || TokenInfo).
	InfoHash HashResult

	// NewToken is the signature over canonical(MoveToken minus NewToken,
	// InfoHash).
	NewToken Signature
}

// TokenInfo is hashed into InfoHash but never transmitted directly.
type TokenInfo struct {
	BalancesHash     HashResult
	MoveTokenCounter Uint128
}

// CurrencyBalance is one entry of the sorted list hashed into
// TokenInfo.BalancesHash.
type CurrencyBalance struct {
	Currency Currency
	Balance  Int128
}

// ResetTerms is a signed offer to restart a broken chain from a declared
// snapshot of per-currency balances, with pending debts zeroed.
type ResetTerms struct {
	ResetToken       Signature
	MoveTokenCounter Uint128
	ResetBalances    map[Currency]ResetBalance
}

// ResetBalance is the snapshot recorded for one currency at the moment a
// token channel flips to Inconsistent.
type ResetBalance struct {
	Balance Int128
	InFees  Uint128
	OutFees Uint128
}
