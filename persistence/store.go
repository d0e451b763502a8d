// Package persistence is the durable transaction log for one node's state:
// friends, per-currency token-channel ledgers, pending transactions,
// invoices, payments, and not-yet-acknowledged outbound messages. It wraps
// go.etcd.io/bbolt, the maintained fork of the boltdb/bolt package
// channeldb/db.go builds on, keeping the same bucket-per-concern layout and
// single-transaction-per-mutation-batch atomicity guarantee.
package persistence

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/meshcredit/corenet/meshlog"
)

var log = meshlog.Logger("PRST")

const (
	dbFileName       = "corenet.db"
	dbFilePermission = 0600
)

// Top-level buckets, one per concern, mirroring channeldb/db.go's
// openChannelBucket/invoiceBucket/nodeInfoBucket split.
var (
	friendsBucket      = []byte("friends")
	tokenChannelBucket = []byte("token-channel")
	pendingTxBucket    = []byte("pending-tx")
	invoiceBucket      = []byte("invoice")
	paymentBucket      = []byte("payment")
	outboxBucket       = []byte("outbox")
	metaBucket         = []byte("meta")

	topLevelBuckets = [][]byte{
		friendsBucket, tokenChannelBucket, pendingTxBucket,
		invoiceBucket, paymentBucket, outboxBucket, metaBucket,
	}
)

// schemaVersion is the only version this store understands. Per spec, schema
// migrations are out of scope: Open refuses to operate on a database stamped
// with any other version rather than attempting to migrate it.
const schemaVersion = 0

var metaVersionKey = []byte("schema-version")

// ErrSchemaMismatch is returned by Open when an existing database was
// stamped with a schema version this build does not understand.
var ErrSchemaMismatch = fmt.Errorf("persistence: database schema version does not match this build")

// Store is the primary datastore for one corenet node, exactly the role
// channeldb.DB plays for lnd: every other package reaches its durable state
// through here rather than opening bbolt directly.
type Store struct {
	*bolt.DB
	path string
}

// Open opens (creating if necessary) the bbolt database at dbPath/corenet.db,
// establishing the top-level buckets and checking the schema version.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dbPath, dbFileName)

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	s := &Store{DB: bdb, path: path}
	if err := s.initBuckets(); err != nil {
		bdb.Close()
		return nil, err
	}
	if err := s.checkSchema(); err != nil {
		bdb.Close()
		return nil, err
	}
	log.Infof("opened store at %s", path)
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.Update(func(tx *bolt.Tx) error {
		for _, b := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) checkSchema() error {
	return s.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		raw := meta.Get(metaVersionKey)
		if raw == nil {
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], schemaVersion)
			return meta.Put(metaVersionKey, buf[:])
		}
		if binary.BigEndian.Uint32(raw) != schemaVersion {
			return ErrSchemaMismatch
		}
		return nil
	})
}

// Wipe deletes every bucket's contents in a single atomic transaction,
// recreating the empty buckets and re-stamping the schema version
// afterward: the persistence-layer equivalent of a factory reset, grounded
// on channeldb.DB.Wipe's delete-then-recreate pattern.
func (s *Store) Wipe() error {
	if err := s.Update(func(tx *bolt.Tx) error {
		for _, b := range topLevelBuckets {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := s.initBuckets(); err != nil {
		return err
	}
	return s.checkSchema()
}

// Mutation is one Put or Delete against a named top-level bucket. A nil
// Value marks a delete. Domain packages build Mutations through the
// constructors in mutation.go rather than poking at bucket names directly.
type Mutation struct {
	Bucket []byte
	Key    []byte
	Value  []byte
}

// Apply commits an ordered batch of mutations inside a single bbolt
// transaction, atomic by construction. This is exactly channeldb/db.go's
// pattern of wrapping a whole logical operation (e.g. MarkChannelAsOpen)
// in one db.Update call rather than one transaction per Put.
func (s *Store) Apply(muts []Mutation) error {
	return s.Update(func(tx *bolt.Tx) error {
		for _, m := range muts {
			b := tx.Bucket(m.Bucket)
			if b == nil {
				return fmt.Errorf("persistence: unknown bucket %q", m.Bucket)
			}
			if m.Value == nil {
				if err := b.Delete(m.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(m.Key, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// View runs fn against bucket in a read-only transaction, returning an
// "unknown bucket" error if bucket was never one of the top-level buckets.
func (s *Store) View(bucket []byte, fn func(b *bolt.Bucket) error) error {
	return s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("persistence: unknown bucket %q", bucket)
		}
		return fn(b)
	})
}

// Get is a convenience read for the common case of fetching a single key
// from a single bucket; returns (nil, false) if absent.
func (s *Store) Get(bucket, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.View(bucket, func(b *bolt.Bucket) error {
		v := b.Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, out != nil, err
}
