package tcdb

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/creditmesh/tcd/creditwire"
)

// QueueKind names one of the three pending-operation queues a friend carries
// (spec.md §4.3 dispatch priority: backwards, user-requests,
// forwarded-requests, in that order).
type QueueKind byte

const (
	QueueBackwards QueueKind = iota
	QueueUserRequests
	QueueForwardedRequests
)

var queueBucketNames = map[QueueKind][]byte{
	QueueBackwards:         []byte("backwards"),
	QueueUserRequests:      []byte("user_requests"),
	QueueForwardedRequests: []byte("forwarded_requests"),
}

func (k QueueKind) bucketName() ([]byte, error) {
	name, ok := queueBucketNames[k]
	if !ok {
		return nil, fmt.Errorf("tcdb: unknown queue kind %d", k)
	}
	return name, nil
}

// PushBack appends an operation to the tail of one of a friend's pending
// queues, inside one transaction that also enforces the store-wide
// request_id uniqueness index (spec.md §4.4).
func (d *DB) PushBack(remote creditwire.PublicKey, kind QueueKind, item creditwire.CurrencyOperation) error {
	return d.Update(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, remote)
		if err != nil {
			return err
		}

		idx, err := friend.CreateBucketIfNotExists(requestIndexKey)
		if err != nil {
			return err
		}
		idKey := item.Operation.ID()
		if existing := idx.Get(idKey[:]); existing != nil {
			return ErrDuplicateRequestID
		}

		queues, err := friend.CreateBucketIfNotExists(queuesKey)
		if err != nil {
			return err
		}
		name, err := kind.bucketName()
		if err != nil {
			return err
		}
		qb, err := queues.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}

		seq, err := qb.NextSequence()
		if err != nil {
			return err
		}
		seqKey := seqToKey(seq)

		var buf bytes.Buffer
		if err := writeCurrencyOperation(&buf, item); err != nil {
			return err
		}
		if err := qb.Put(seqKey, buf.Bytes()); err != nil {
			return err
		}

		indexValue := append([]byte{byte(kind)}, seqKey...)
		return idx.Put(idKey[:], indexValue)
	})
}

// PopFront removes and returns the head of one of a friend's pending queues.
// Returns ErrQueueEmpty if nothing is queued.
func (d *DB) PopFront(remote creditwire.PublicKey, kind QueueKind) (*creditwire.CurrencyOperation, error) {
	var item creditwire.CurrencyOperation

	err := d.Update(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, remote)
		if err != nil {
			return err
		}
		queues := friend.Bucket(queuesKey)
		if queues == nil {
			return ErrQueueEmpty
		}
		name, err := kind.bucketName()
		if err != nil {
			return err
		}
		qb := queues.Bucket(name)
		if qb == nil {
			return ErrQueueEmpty
		}

		k, v := qb.Cursor().First()
		if k == nil {
			return ErrQueueEmpty
		}

		decoded, err := readCurrencyOperation(bytes.NewReader(v))
		if err != nil {
			return err
		}
		item = decoded

		if err := qb.Delete(k); err != nil {
			return err
		}
		if idx := friend.Bucket(requestIndexKey); idx != nil {
			idKey := item.Operation.ID()
			if err := idx.Delete(idKey[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// IsEmpty reports whether a friend's named queue currently has no entries.
func (d *DB) IsEmpty(remote creditwire.PublicKey, kind QueueKind) (bool, error) {
	empty := true
	err := d.View(func(tx *bbolt.Tx) error {
		friend, err := fetchFriendBucket(tx, remote)
		if err != nil {
			return err
		}
		queues := friend.Bucket(queuesKey)
		if queues == nil {
			return nil
		}
		name, err := kind.bucketName()
		if err != nil {
			return err
		}
		qb := queues.Bucket(name)
		if qb == nil {
			return nil
		}
		k, _ := qb.Cursor().First()
		empty = k == nil
		return nil
	})
	return empty, err
}

func seqToKey(seq uint64) []byte {
	var key [8]byte
	byteOrder.PutUint64(key[:], seq)
	return key[:]
}
