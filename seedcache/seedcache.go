// Package seedcache implements replset.SeedStore on top of a bbolt database
// file, so that the members a Manager has discovered survive a restart.
//
// A Store is safe for concurrent use, bbolt serializes writes and readers see
// a consistent snapshot.
package seedcache

import (
	"time"

	"github.com/joomcode/errorx"
	bolt "go.etcd.io/bbolt"

	"github.com/mediocregopher/replset"
)

var (
	// Errors is the namespace all errors returned from this package belong
	// to.
	Errors = replset.Errors.NewSubNamespace("seedcache")

	// ErrStore wraps errors returned by the underlying database.
	ErrStore = Errors.NewType("store")

	// ErrCorrupt is returned when a stored address can't be parsed.
	ErrCorrupt = Errors.NewType("corrupt")
)

// DefaultBucket is the bucket addresses are kept in when Opts.Bucket isn't
// set.
const DefaultBucket = "replset_seeds"

// Opts are optional parameters to Open.
type Opts struct {
	// Bucket is the name of the bucket addresses are kept in. Multiple
	// replica sets can share a single database file by using different
	// buckets.
	//
	// Defaults to DefaultBucket.
	Bucket string

	// Timeout is how long Open waits to acquire the lock on the database
	// file, which is held by any other process which has it open.
	//
	// Defaults to 1 second.
	Timeout time.Duration
}

// Store is a replset.SeedStore backed by a bbolt database.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

var _ replset.SeedStore = new(Store)

// Open opens, or creates, the database file at the given path.
func Open(path string, opts *Opts) (*Store, error) {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.Bucket == "" {
		o.Bucket = DefaultBucket
	}
	if o.Timeout == 0 {
		o.Timeout = time.Second
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: o.Timeout})
	if err != nil {
		return nil, ErrStore.Wrap(err, "opening %q", path)
	}

	s := &Store{db: db, bucket: []byte(o.Bucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, ErrStore.Wrap(err, "creating bucket %q", o.Bucket)
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return ErrStore.Wrap(err, "closing")
	}
	return nil
}

// LoadSeeds implements the method for the replset.SeedStore interface.
// Addresses are returned in sorted order.
func (s *Store) LoadSeeds() ([]replset.Addr, error) {
	var addrs []replset.Addr
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			addr, err := replset.ParseAddr(string(k))
			if err != nil {
				return ErrCorrupt.Wrap(err, "bucket %q", s.bucket)
			}
			addrs = append(addrs, addr)
			return nil
		})
	})
	if errorx.IsOfType(err, ErrCorrupt) {
		return nil, err
	} else if err != nil {
		return nil, ErrStore.Wrap(err, "loading seeds")
	}
	return addrs, nil
}

// SaveSeeds implements the method for the replset.SeedStore interface. The
// stored addresses are replaced in a single transaction.
func (s *Store) SaveSeeds(addrs []replset.Addr) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) != nil {
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(s.bucket)
		if err != nil {
			return err
		}

		// the value is when the address was last seen, for anyone inspecting
		// the file by hand
		now, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			if err := b.Put([]byte(addr.String()), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ErrStore.Wrap(err, "saving %d seeds", len(addrs))
	}
	return nil
}
