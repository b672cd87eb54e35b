package tcdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
	"github.com/creditmesh/tcd/tokenchannel"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func keyFromByte(b byte) creditwire.PublicKey {
	var k creditwire.PublicKey
	k[0] = b
	return k
}

func TestAddFriend_DuplicateRejected(t *testing.T) {
	db := openTestDB(t)
	remote := keyFromByte(0xBB)

	require.NoError(t, db.AddFriend(remote))
	require.ErrorIs(t, db.AddFriend(remote), ErrFriendExists)
}

func TestSaveLoadTokenChannel_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	local, remote := keyFromByte(0xAA), keyFromByte(0xBB)
	signer := identity.NewMockClient(local)

	require.NoError(t, db.AddFriend(remote))

	tc := tokenchannel.New(local, remote, signer)
	tc.SetCurrencyLimits("FST", tokenchannel.CurrencyLimits{
		LocalMaxDebt:  creditwire.Uint128{Lo: 100},
		RemoteMaxDebt: creditwire.Uint128{Lo: 100},
	})
	require.NoError(t, db.SaveTokenChannel(tc))

	loaded, err := db.LoadTokenChannel(local, remote, signer)
	require.NoError(t, err)
	require.Equal(t, tc.Status, loaded.Status)
	require.Equal(t, tc.MoveTokenCounter.String(), loaded.MoveTokenCounter.String())

	st, ok := loaded.Currencies["FST"]
	require.True(t, ok)
	require.Equal(t, uint64(100), st.Limits.LocalMaxDebt.Lo)
}

func TestSaveLoadTokenChannel_AfterRoundTripAdvancesChain(t *testing.T) {
	db := openTestDB(t)
	local, remote := keyFromByte(0xAA), keyFromByte(0xBB)
	signerLocal := identity.NewMockClient(local)
	signerRemote := identity.NewMockClient(remote)

	require.NoError(t, db.AddFriend(remote))

	// local is the low key here (0xAA < 0xBB), so it starts ConsistentOut;
	// the in-memory peer on the other side starts ConsistentIn and sends
	// the first real move token, matching every tokenchannel test's flow.
	tcLocal := tokenchannel.New(local, remote, signerLocal)
	tcRemote := tokenchannel.New(remote, local, signerRemote)

	diff := []creditwire.Currency{"FST"}
	mt, _, err := tcRemote.HandleOutMoveToken(nil, diff)
	require.NoError(t, err)

	_, err = tcLocal.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)
	require.Equal(t, tokenchannel.StatusConsistentIn, tcLocal.Status)

	require.NoError(t, db.SaveTokenChannel(tcLocal))

	loaded, err := db.LoadTokenChannel(local, remote, signerLocal)
	require.NoError(t, err)
	require.Equal(t, tokenchannel.StatusConsistentIn, loaded.Status)
	require.Equal(t, tcLocal.MoveTokenCounter.String(), loaded.MoveTokenCounter.String())

	_, ok := loaded.Currencies["FST"]
	require.True(t, ok)

	// The reloaded channel must still recognize a retransmit of mt as a
	// duplicate, proving lastIncomingHash survived the round trip.
	result, err := loaded.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)
	require.Equal(t, tokenchannel.InDuplicate, result.Kind)
}

func TestRemoveFriend_CascadesQueues(t *testing.T) {
	db := openTestDB(t)
	remote := keyFromByte(0xCC)
	require.NoError(t, db.AddFriend(remote))

	item := creditwire.CurrencyOperation{
		Currency: "FST",
		Operation: &creditwire.McCancel{
			RequestID: creditwire.RequestID{0x01},
		},
	}
	require.NoError(t, db.PushBack(remote, QueueBackwards, item))

	require.NoError(t, db.RemoveFriend(remote))

	_, err := db.PopFront(remote, QueueBackwards)
	require.ErrorIs(t, err, ErrFriendNotFound)
}

func TestQueue_FIFOAndUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	remote := keyFromByte(0xDD)
	require.NoError(t, db.AddFriend(remote))

	id1 := creditwire.RequestID{0x01}
	id2 := creditwire.RequestID{0x02}

	first := creditwire.CurrencyOperation{Currency: "FST", Operation: &creditwire.McCancel{RequestID: id1}}
	second := creditwire.CurrencyOperation{Currency: "FST", Operation: &creditwire.McCancel{RequestID: id2}}

	empty, err := db.IsEmpty(remote, QueueUserRequests)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, db.PushBack(remote, QueueUserRequests, first))
	require.NoError(t, db.PushBack(remote, QueueUserRequests, second))

	// Re-pushing a request id already queued anywhere for this friend
	// violates the store's unique index (spec.md §4.4).
	dup := creditwire.CurrencyOperation{Currency: "FST", Operation: &creditwire.McCancel{RequestID: id1}}
	require.ErrorIs(t, db.PushBack(remote, QueueBackwards, dup), ErrDuplicateRequestID)

	out1, err := db.PopFront(remote, QueueUserRequests)
	require.NoError(t, err)
	require.Equal(t, id1, out1.Operation.ID())

	out2, err := db.PopFront(remote, QueueUserRequests)
	require.NoError(t, err)
	require.Equal(t, id2, out2.Operation.ID())

	_, err = db.PopFront(remote, QueueUserRequests)
	require.ErrorIs(t, err, ErrQueueEmpty)

	// id1 was popped, so it is free to reuse in another queue now.
	require.NoError(t, db.PushBack(remote, QueueBackwards, dup))
}

func TestFetchMutualCredit_AfterRoundTrip(t *testing.T) {
	db := openTestDB(t)
	local, remote := keyFromByte(0xAA), keyFromByte(0xBB)
	signerLocal := identity.NewMockClient(local)
	signerRemote := identity.NewMockClient(remote)

	require.NoError(t, db.AddFriend(remote))

	tcLocal := tokenchannel.New(local, remote, signerLocal)
	tcRemote := tokenchannel.New(remote, local, signerRemote)

	diff := []creditwire.Currency{"FST"}
	mt, _, err := tcRemote.HandleOutMoveToken(nil, diff)
	require.NoError(t, err)
	_, err = tcLocal.HandleInMoveToken(mt, identity.MockVerifier{})
	require.NoError(t, err)

	// local echoes the diff back, activating FST on its own side too; only
	// then does a ledger exist for it.
	_, _, err = tcLocal.HandleOutMoveToken(nil, diff)
	require.NoError(t, err)

	require.NoError(t, db.SaveTokenChannel(tcLocal))

	mc, err := db.FetchMutualCredit(local, remote, "FST")
	require.NoError(t, err)
	require.True(t, mc.IsZeroed())

	_, err = db.FetchMutualCredit(local, remote, "NOPE")
	require.ErrorIs(t, err, ErrMCNotFound)
}
