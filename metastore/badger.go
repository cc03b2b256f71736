package metastore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// BadgerOptions configures BadgerDB
type BadgerOptions struct {
	SyncWrites   bool
	BlockCacheMB int64 // Block cache size (default: 8MB)
	InMemory     bool  // Only for testing!
}

// BadgerStore implements MetaStore using BadgerDB
type BadgerStore struct {
	db     *badger.DB
	path   string
	closed atomic.Bool
}

var _ MetaStore = (*BadgerStore)(nil)

// NewBadgerStore opens or creates a BadgerDB-backed store at path
func NewBadgerStore(path string, opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts.SyncWrites = opts.SyncWrites
	badgerOpts.Logger = nil // Disable badger's default logging

	blockCache := int64(8 << 20)
	if opts.BlockCacheMB > 0 {
		blockCache = opts.BlockCacheMB << 20
	}
	badgerOpts.BlockCacheSize = blockCache

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	log.Info().Str("path", path).Bool("in_memory", opts.InMemory).Msg("Badger metastore opened")
	return &BadgerStore{db: db, path: path}, nil
}

func (s *BadgerStore) CreateCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := clusterKey(rec.Name)
		_, err := txn.Get(key)
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) PutCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(clusterKey(rec.Name), data)
	})
}

func (s *BadgerStore) GetCluster(name string) (*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var rec *ClusterRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(clusterKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) DeleteCluster(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(clusterKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) ListClusters() ([]*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []*ClusterRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(clusterPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return fmt.Errorf("key %s: %w", item.Key(), err)
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *BadgerStore) ClusterStates() (map[string]int, error) {
	recs, err := s.ListClusters()
	if err != nil {
		return nil, err
	}
	return countStates(recs), nil
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
