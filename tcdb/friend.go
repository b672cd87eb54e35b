package tcdb

import (
	"go.etcd.io/bbolt"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
	"github.com/creditmesh/tcd/mutualcredit"
	"github.com/creditmesh/tcd/tokenchannel"
)

// AddFriend registers a new friend row. It must be called once before any
// SaveTokenChannel/PushBack call for that remote key.
func (d *DB) AddFriend(remote creditwire.PublicKey) error {
	return d.Update(func(tx *bbolt.Tx) error {
		friends, err := tx.CreateBucketIfNotExists(friendsBucketKey)
		if err != nil {
			return err
		}
		key := friendKey(remote)
		if friends.Bucket(key) != nil {
			return ErrFriendExists
		}
		_, err = friends.CreateBucket(key)
		return err
	})
}

// RemoveFriend deletes a friend row and everything nested under it — its
// token channel snapshot, every currency's mutual-credit ledger, and its
// pending queues — in one transaction (spec.md §4.4 cascade requirement).
func (d *DB) RemoveFriend(remote creditwire.PublicKey) error {
	return d.Update(func(tx *bbolt.Tx) error {
		friends := tx.Bucket(friendsBucketKey)
		if friends == nil {
			return ErrNoFriends
		}
		key := friendKey(remote)
		if friends.Bucket(key) == nil {
			return ErrFriendNotFound
		}
		return friends.DeleteBucket(key)
	})
}

// FetchFriends lists every registered friend's public key.
func (d *DB) FetchFriends() ([]creditwire.PublicKey, error) {
	var keys []creditwire.PublicKey
	err := d.View(func(tx *bbolt.Tx) error {
		friends := tx.Bucket(friendsBucketKey)
		if friends == nil {
			return nil
		}
		return friends.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			var pk creditwire.PublicKey
			copy(pk[:], name)
			keys = append(keys, pk)
			return nil
		})
	})
	return keys, err
}

// SaveTokenChannel persists the full state of a token channel: its status,
// counter and chain-linking snapshot, plus every currency's activation
// flags, limits and ledger. All of it commits in a single transaction, so a
// crash mid-write leaves either the old or the new state, never a mix
// (spec.md §5 "a failed transaction leaves no observable state change").
func (d *DB) SaveTokenChannel(tc *tokenchannel.TokenChannel) error {
	return d.Update(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, tc.RemotePublicKey)
		if err != nil {
			return err
		}

		blob, err := serializeSnapshot(tc.Status, tc.MoveTokenCounter, tc.Snapshot())
		if err != nil {
			return err
		}
		if err := friend.Put(tcKey, blob); err != nil {
			return err
		}

		currencies, err := friend.CreateBucketIfNotExists(currenciesKey)
		if err != nil {
			return err
		}
		mcBucket, err := friend.CreateBucketIfNotExists(mcKey)
		if err != nil {
			return err
		}

		for c, st := range tc.Currencies {
			stBlob, err := serializeCurrencyState(st)
			if err != nil {
				return err
			}
			if err := currencies.Put([]byte(c), stBlob); err != nil {
				return err
			}

			if st.MC == nil {
				if err := mcBucket.Delete([]byte(c)); err != nil {
					return err
				}
				continue
			}
			mcBlob, err := serializeMutualCredit(st.MC)
			if err != nil {
				return err
			}
			if err := mcBucket.Put([]byte(c), mcBlob); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTokenChannel rebuilds a token channel from its persisted state. local
// and signer are supplied by the caller since they are runtime identities,
// never serialized.
func (d *DB) LoadTokenChannel(local, remote creditwire.PublicKey,
	signer identity.Client) (*tokenchannel.TokenChannel, error) {

	var (
		status     tokenchannel.Status
		counter    creditwire.Uint128
		snap       tokenchannel.Snapshot
		currencies = make(map[creditwire.Currency]*tokenchannel.CurrencyState)
	)

	err := d.View(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, remote)
		if err != nil {
			return err
		}

		blob := friend.Get(tcKey)
		if blob == nil {
			return ErrMetaNotFound
		}
		status, counter, snap, err = deserializeSnapshot(blob)
		if err != nil {
			return err
		}

		currenciesBucket := friend.Bucket(currenciesKey)
		if currenciesBucket == nil {
			return nil
		}
		mcBucket := friend.Bucket(mcKey)

		return currenciesBucket.ForEach(func(k, v []byte) error {
			st, err := deserializeCurrencyState(v)
			if err != nil {
				return err
			}
			currency := creditwire.Currency(k)

			if mcBucket != nil {
				if mcBlob := mcBucket.Get(k); mcBlob != nil {
					mc, err := deserializeMutualCredit(local, remote, currency, mcBlob)
					if err != nil {
						return err
					}
					st.MC = mc
				}
			}
			currencies[currency] = st
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return tokenchannel.Restore(local, remote, signer, status, counter, currencies, snap), nil
}

// FetchMutualCredit reads a single currency's ledger directly, without
// rebuilding the whole token channel — used by read-only balance queries.
func (d *DB) FetchMutualCredit(local, remote creditwire.PublicKey,
	currency creditwire.Currency) (*mutualcredit.MutualCredit, error) {

	var mc *mutualcredit.MutualCredit
	err := d.View(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, remote)
		if err != nil {
			return err
		}
		mcBucket := friend.Bucket(mcKey)
		if mcBucket == nil {
			return ErrMCNotFound
		}
		blob := mcBucket.Get([]byte(currency))
		if blob == nil {
			return ErrMCNotFound
		}
		mc, err = deserializeMutualCredit(local, remote, currency, blob)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mc, nil
}
