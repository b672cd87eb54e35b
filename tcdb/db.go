// Package tcdb is the persistence layer for the token-channel core: one
// bbolt database per node, one nested bucket per friend, holding that
// friend's move-token chain state, per-currency mutual-credit ledgers, and
// pending-operation queues. It plays the role channeldb plays for
// lnwallet.LightningChannel — the core itself (tokenchannel, mutualcredit)
// is a pure in-memory state machine; tcdb is what makes its transitions
// durable across restarts, one bbolt transaction per friend (spec.md §4.4,
// §5 "per-friend linearizability").
package tcdb

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"go.etcd.io/bbolt"

	"github.com/creditmesh/tcd/creditwire"
)

const (
	dbName           = "tcd.db"
	dbFilePermission = 0600
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

var (
	metaBucketKey    = []byte("meta")
	metaVersionKey   = []byte("db-version")
	friendsBucketKey = []byte("friends")

	tcKey           = []byte("tc")
	currenciesKey   = []byte("currencies")
	mcKey           = []byte("mc")
	queuesKey       = []byte("queues")
	requestIndexKey = []byte("request-index")
)

// migration mutates a prior schema version's bucket layout into the next.
type migration func(tx *bbolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every schema version in order. The base version requires
// no migration; later entries would run their migration against a database
// still at an earlier number.
var dbVersions = []version{
	{number: 0, migration: nil},
}

// DB is the primary datastore for the token-channel core.
type DB struct {
	*bbolt.DB
	dbPath string
}

// Open opens (creating if necessary) the tcd database at dbPath, applying
// any pending schema migrations.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := createDB(dbPath); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: bdb, dbPath: dbPath}
	if err := db.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

func createDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return err
	}
	defer bdb.Close()

	return bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket(friendsBucketKey); err != nil {
			return err
		}
		meta, err := tx.CreateBucket(metaBucketKey)
		if err != nil {
			return err
		}
		var versionBytes [4]byte
		byteOrder.PutUint32(versionBytes[:], getLatestDBVersion(dbVersions))
		return meta.Put(metaVersionKey, versionBytes[:])
	})
}

// syncVersions applies any migrations needed to bring an existing database
// up to the latest schema version, inside one transaction.
func (d *DB) syncVersions(versions []version) error {
	current, err := d.currentVersion()
	if err != nil {
		return err
	}

	latest := getLatestDBVersion(versions)
	if current == latest {
		return nil
	}

	log.Infof("tcdb: migrating schema from version %d to %d", current, latest)

	return d.Update(func(tx *bbolt.Tx) error {
		for _, v := range versions {
			if v.number <= current || v.migration == nil {
				continue
			}
			if err := v.migration(tx); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucketKey)
		var versionBytes [4]byte
		byteOrder.PutUint32(versionBytes[:], latest)
		return meta.Put(metaVersionKey, versionBytes[:])
	})
}

func (d *DB) currentVersion() (uint32, error) {
	var v uint32
	err := d.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketKey)
		if meta == nil {
			return ErrMetaNotFound
		}
		raw := meta.Get(metaVersionKey)
		if raw == nil {
			return ErrMetaNotFound
		}
		v = byteOrder.Uint32(raw)
		return nil
	})
	return v, err
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// Wipe deletes all friends and their nested state in one transaction,
// leaving an empty but initialized database behind.
func (d *DB) Wipe() error {
	return d.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(friendsBucketKey); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(friendsBucketKey)
		return err
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func friendKey(remote creditwire.PublicKey) []byte {
	k := make([]byte, len(remote))
	copy(k, remote[:])
	return k
}

func fetchFriendBucket(tx *bbolt.Tx, remote creditwire.PublicKey) (*bbolt.Bucket, error) {
	friends := tx.Bucket(friendsBucketKey)
	if friends == nil {
		return nil, ErrNoFriends
	}
	friend := friends.Bucket(friendKey(remote))
	if friend == nil {
		return nil, ErrFriendNotFound
	}
	return friend, nil
}
