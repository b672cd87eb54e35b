package tokenchannel

import (
	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
)

// Snapshot is the exported, serializable projection of a TokenChannel's
// private chain-linking fields. tcdb persists one of these per friend
// alongside the exported Status/MoveTokenCounter/Currencies so a channel can
// be rebuilt exactly as it stood across a process restart, the same role
// channeldb.OpenChannel plays for lnwallet.LightningChannel.
type Snapshot struct {
	LastIncomingHash      creditwire.HashResult
	LastIncomingToken     creditwire.Signature
	LastOutgoingMoveToken *creditwire.MoveToken
	LocalResetTerms       *creditwire.ResetTerms
	RemoteResetTerms      *creditwire.ResetTerms
}

// Snapshot captures the fields a store needs but cannot reach directly.
func (tc *TokenChannel) Snapshot() Snapshot {
	return Snapshot{
		LastIncomingHash:      tc.lastIncomingHash,
		LastIncomingToken:     tc.lastIncomingToken,
		LastOutgoingMoveToken: tc.lastOutgoingMoveToken,
		LocalResetTerms:       tc.localResetTerms,
		RemoteResetTerms:      tc.remoteResetTerms,
	}
}

// Restore rebuilds a TokenChannel from its persisted parts. Unlike New, it
// does not derive genesis state — the caller supplies everything, typically
// read back from tcdb.
func Restore(local, remote creditwire.PublicKey, signer identity.Client, status Status,
	counter creditwire.Uint128, currencies map[creditwire.Currency]*CurrencyState,
	snap Snapshot) *TokenChannel {

	if currencies == nil {
		currencies = make(map[creditwire.Currency]*CurrencyState)
	}

	return &TokenChannel{
		LocalPublicKey:        local,
		RemotePublicKey:       remote,
		Signer:                signer,
		Status:                status,
		MoveTokenCounter:      counter,
		Currencies:            currencies,
		lastIncomingHash:      snap.LastIncomingHash,
		lastIncomingToken:     snap.LastIncomingToken,
		lastOutgoingMoveToken: snap.LastOutgoingMoveToken,
		localResetTerms:       snap.LocalResetTerms,
		remoteResetTerms:      snap.RemoteResetTerms,
	}
}
