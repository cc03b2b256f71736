// Package metastore is the orchestrator-local registry of known clusters. It
// enforces cluster name uniqueness and lets the daemon list and resolve clusters
// without contacting any instance.
package metastore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/maxpert/gradm/cfg"
	"github.com/maxpert/gradm/encoding"
	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/telemetry"
)

var (
	ErrNotFound = errors.New("cluster record not found")
	ErrExists   = errors.New("cluster record already exists")
	ErrCorrupt  = errors.New("cluster record is corrupt")
	ErrClosed   = errors.New("metastore is closed")
)

const clusterPrefix = "/cluster/"

// ClusterRecord is the locally persisted snapshot of a cluster
type ClusterRecord struct {
	Name      string             `msgpack:"name" json:"name"`
	GroupName string             `msgpack:"group_name" json:"group_name"`
	Members   []instance.Address `msgpack:"members" json:"members"`
	Primary   instance.Address   `msgpack:"primary" json:"primary"`
	State     string             `msgpack:"state" json:"state"`
	CreatedAt time.Time          `msgpack:"created_at" json:"created_at"`
	UpdatedAt time.Time          `msgpack:"updated_at" json:"updated_at"`
}

// MetaStore persists cluster records
type MetaStore interface {
	// CreateCluster stores a new record, failing with ErrExists when the name is taken
	CreateCluster(rec *ClusterRecord) error
	// PutCluster creates or replaces a record
	PutCluster(rec *ClusterRecord) error
	GetCluster(name string) (*ClusterRecord, error)
	DeleteCluster(name string) error
	// ListClusters returns every record ordered by name
	ListClusters() ([]*ClusterRecord, error)
	// ClusterStates counts records by state
	ClusterStates() (map[string]int, error)
	Close() error
}

// Open creates a store for the configured engine under dataDir
func Open(conf cfg.MetaStoreConfiguration, dataDir string) (MetaStore, error) {
	var (
		store MetaStore
		err   error
	)
	switch conf.Engine {
	case cfg.MetaStoreMemory:
		store = NewMemoryStore()
	case cfg.MetaStorePebble:
		store, err = NewPebbleStore(filepath.Join(dataDir, "meta_pebble"), PebbleOptions{
			CacheSizeMB: conf.CacheSizeMB,
			SyncWrites:  conf.SyncWrites,
		})
	case cfg.MetaStoreBadger:
		store, err = NewBadgerStore(filepath.Join(dataDir, "meta_badger"), BadgerOptions{
			BlockCacheMB: conf.CacheSizeMB,
			SyncWrites:   conf.SyncWrites,
		})
	default:
		return nil, fmt.Errorf("unknown metastore engine %q", conf.Engine)
	}
	if err != nil {
		return nil, err
	}
	return &recorded{inner: store}, nil
}

func clusterKey(name string) []byte {
	return []byte(clusterPrefix + name)
}

func encodeRecord(rec *ClusterRecord) ([]byte, error) {
	if rec.Name == "" {
		return nil, fmt.Errorf("cluster record requires a name")
	}
	return encoding.Seal(rec)
}

func decodeRecord(data []byte) (*ClusterRecord, error) {
	rec := &ClusterRecord{}
	if err := encoding.Open(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

func sortRecords(recs []*ClusterRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
}

func countStates(recs []*ClusterRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range recs {
		out[r.State]++
	}
	return out
}

// recorded counts operations per engine
type recorded struct {
	inner MetaStore
}

func (r *recorded) observe(op string, err error) {
	result := telemetry.Result(err)
	if errors.Is(err, ErrNotFound) {
		result = "not_found"
	}
	telemetry.MetaStoreOpsTotal.With(op, result).Inc()
}

func (r *recorded) CreateCluster(rec *ClusterRecord) error {
	err := r.inner.CreateCluster(rec)
	r.observe("create", err)
	return err
}

func (r *recorded) PutCluster(rec *ClusterRecord) error {
	err := r.inner.PutCluster(rec)
	r.observe("put", err)
	return err
}

func (r *recorded) GetCluster(name string) (*ClusterRecord, error) {
	rec, err := r.inner.GetCluster(name)
	r.observe("get", err)
	return rec, err
}

func (r *recorded) DeleteCluster(name string) error {
	err := r.inner.DeleteCluster(name)
	r.observe("delete", err)
	return err
}

func (r *recorded) ListClusters() ([]*ClusterRecord, error) {
	recs, err := r.inner.ListClusters()
	r.observe("list", err)
	return recs, err
}

func (r *recorded) ClusterStates() (map[string]int, error) {
	return r.inner.ClusterStates()
}

func (r *recorded) Close() error {
	return r.inner.Close()
}
