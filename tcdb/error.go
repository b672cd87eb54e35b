package tcdb

import "errors"

var (
	// ErrNoDBExists is returned by Open's callers' earlier probe; Open
	// itself creates the file if missing, mirroring channeldb.Open.
	ErrNoDBExists = errors.New("tcdb: database has not yet been created")

	ErrMetaNotFound = errors.New("tcdb: unable to locate meta information")

	ErrFriendNotFound  = errors.New("tcdb: friend not found")
	ErrFriendExists    = errors.New("tcdb: friend already exists")
	ErrNoFriends       = errors.New("tcdb: no friends exist")
	ErrCurrencyInUse   = errors.New("tcdb: currency still in use by an open mutual credit")
	ErrMCNotFound      = errors.New("tcdb: mutual credit not found")

	// ErrQueueEmpty is returned by PopFront on an empty queue.
	ErrQueueEmpty = errors.New("tcdb: queue is empty")

	// ErrDuplicateRequestID is the store-enforced unique index across all
	// queues on one side of a channel within one friend (spec.md §4.4).
	ErrDuplicateRequestID = errors.New("tcdb: request id already present in another queue for this friend")
)
