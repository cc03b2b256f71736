package metastore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// PebbleOptions configures Pebble
type PebbleOptions struct {
	CacheSizeMB int64 // Block cache size (default: 8MB)
	SyncWrites  bool  // fsync every write
}

// PebbleStore implements MetaStore using Pebble
type PebbleStore struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions

	// Serializes check-then-set in CreateCluster
	createMu sync.Mutex
	closed   atomic.Bool
}

var _ MetaStore = (*PebbleStore)(nil)

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebbleStore opens or creates a Pebble-backed store at path
func NewPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	cacheSize := opts.CacheSizeMB << 20
	if cacheSize <= 0 {
		cacheSize = 8 << 20
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Info().Str("path", path).Msg("Pebble metastore opened")
	return &PebbleStore{db: db, path: path, writeOpts: writeOpts}, nil
}

func (s *PebbleStore) CreateCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	key := clusterKey(rec.Name)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return ErrExists
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.db.Set(key, data, s.writeOpts)
}

func (s *PebbleStore) PutCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	return s.db.Set(clusterKey(rec.Name), data, s.writeOpts)
}

func (s *PebbleStore) GetCluster(name string) (*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	val, closer, err := s.db.Get(clusterKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return decodeRecord(val)
}

func (s *PebbleStore) DeleteCluster(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Delete(clusterKey(name), s.writeOpts)
}

func (s *PebbleStore) ListClusters() ([]*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	prefix := []byte(clusterPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*ClusterRecord
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(val)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *PebbleStore) ClusterStates() (map[string]int, error) {
	recs, err := s.ListClusters()
	if err != nil {
		return nil, err
	}
	return countStates(recs), nil
}

func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the exclusive upper bound for keys sharing prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
