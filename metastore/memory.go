package metastore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps sealed records in memory. Contents are lost on Close.
type MemoryStore struct {
	records *xsync.MapOf[string, []byte]
	closed  atomic.Bool
}

var _ MetaStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: xsync.NewMapOf[string, []byte]()}
}

func (s *MemoryStore) CreateCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, loaded := s.records.LoadOrStore(rec.Name, data); loaded {
		return ErrExists
	}
	return nil
}

func (s *MemoryStore) PutCluster(rec *ClusterRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.records.Store(rec.Name, data)
	return nil
}

func (s *MemoryStore) GetCluster(name string) (*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data, ok := s.records.Load(name)
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRecord(data)
}

func (s *MemoryStore) DeleteCluster(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.records.Delete(name)
	return nil
}

func (s *MemoryStore) ListClusters() ([]*ClusterRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var (
		out     []*ClusterRecord
		iterErr error
	)
	s.records.Range(func(_ string, data []byte) bool {
		rec, err := decodeRecord(data)
		if err != nil {
			iterErr = err
			return false
		}
		out = append(out, rec)
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ClusterStates() (map[string]int, error) {
	recs, err := s.ListClusters()
	if err != nil {
		return nil, err
	}
	return countStates(recs), nil
}

func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.records.Clear()
	return nil
}
