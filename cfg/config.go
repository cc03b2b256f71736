package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// MetaStoreEngine selects the backend for the local cluster registry
type MetaStoreEngine string

const (
	MetaStoreMemory MetaStoreEngine = "memory" // Lost on restart, used by tests
	MetaStorePebble MetaStoreEngine = "pebble" // Default on-disk engine
	MetaStoreBadger MetaStoreEngine = "badger" // Alternative on-disk engine
)

// SessionConfiguration controls how instance sessions are opened
type SessionConfiguration struct {
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	ReadTimeoutMS    int    `toml:"read_timeout_ms"`
	WriteTimeoutMS   int    `toml:"write_timeout_ms"`
	DefaultScheme    string `toml:"default_scheme"`
}

// MonitorConfiguration controls group state polling
type MonitorConfiguration struct {
	PollIntervalMS   int `toml:"poll_interval_ms"`
	DefaultTimeoutMS int `toml:"default_timeout_ms"`
}

// ClusterConfiguration controls membership policy
type ClusterConfiguration struct {
	MinMembers       int `toml:"min_members"`         // Remove fails when fewer would remain
	LockWaitTimeoutS int `toml:"lock_wait_timeout_s"` // Max wait for the per-cluster lock
}

// PrivilegesConfiguration points at an optional external privilege catalog
type PrivilegesConfiguration struct {
	CatalogPath string `toml:"catalog_path"` // Empty = built-in catalog
}

// MetaStoreConfiguration controls the local cluster registry
type MetaStoreConfiguration struct {
	Engine      MetaStoreEngine `toml:"engine"`
	CacheSizeMB int64           `toml:"cache_size_mb"`
	SyncWrites  bool            `toml:"sync_writes"`
}

// SinkConfiguration describes one membership event destination
type SinkConfiguration struct {
	Name           string   `toml:"name"`
	Type           string   `toml:"type"`   // "kafka", "nats" or "mock"
	Format         string   `toml:"format"` // "json" (default) or "msgpack"
	Brokers        []string `toml:"brokers"`
	NatsURL        string   `toml:"nats_url"`
	BatchSize      int      `toml:"batch_size"`
	TopicPrefix    string   `toml:"topic_prefix"`
	FilterClusters []string `toml:"filter_clusters"` // Glob patterns, empty = all
}

// PublisherConfiguration controls membership event publishing
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the HTTP administration endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Session    SessionConfiguration    `toml:"session"`
	Monitor    MonitorConfiguration    `toml:"monitor"`
	Cluster    ClusterConfiguration    `toml:"cluster"`
	Privileges PrivilegesConfiguration `toml:"privileges"`
	MetaStore  MetaStoreConfiguration  `toml:"metastore"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "gradm.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Config holds the active configuration, initialized with defaults
var Config = Default()

// Default returns a configuration populated with default values
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./gradm-data",

		Session: SessionConfiguration{
			ConnectTimeoutMS: 5000,
			ReadTimeoutMS:    10000,
			WriteTimeoutMS:   10000,
			DefaultScheme:    "mysql",
		},

		Monitor: MonitorConfiguration{
			PollIntervalMS:   500,
			DefaultTimeoutMS: 60000,
		},

		Cluster: ClusterConfiguration{
			MinMembers:       1,
			LockWaitTimeoutS: 30,
		},

		MetaStore: MetaStoreConfiguration{
			Engine:      MetaStorePebble,
			CacheSizeMB: 8,
			SyncWrites:  true,
		},

		Publisher: PublisherConfiguration{
			Enabled: false,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8686,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("gradm")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Session.ConnectTimeoutMS < 1 {
		return fmt.Errorf("session connect timeout must be >= 1ms")
	}
	if Config.Session.ReadTimeoutMS < 0 || Config.Session.WriteTimeoutMS < 0 {
		return fmt.Errorf("session read/write timeouts must be >= 0")
	}
	switch Config.Session.DefaultScheme {
	case "mysql", "mysqlx":
	default:
		return fmt.Errorf("invalid default scheme: %q", Config.Session.DefaultScheme)
	}

	if Config.Monitor.PollIntervalMS < 1 {
		return fmt.Errorf("monitor poll interval must be >= 1ms")
	}
	if Config.Monitor.DefaultTimeoutMS < Config.Monitor.PollIntervalMS {
		return fmt.Errorf("monitor default timeout (%dms) must be >= poll interval (%dms)",
			Config.Monitor.DefaultTimeoutMS, Config.Monitor.PollIntervalMS)
	}

	if Config.Cluster.MinMembers < 1 {
		return fmt.Errorf("cluster min_members must be >= 1")
	}
	if Config.Cluster.LockWaitTimeoutS < 1 {
		return fmt.Errorf("cluster lock wait timeout must be >= 1 second")
	}

	switch Config.MetaStore.Engine {
	case MetaStoreMemory, MetaStorePebble, MetaStoreBadger:
	default:
		return fmt.Errorf("invalid metastore engine: %q", Config.MetaStore.Engine)
	}
	if Config.MetaStore.CacheSizeMB < 0 {
		return fmt.Errorf("metastore cache size must be >= 0")
	}

	if Config.Publisher.Enabled {
		seen := make(map[string]bool, len(Config.Publisher.Sinks))
		for _, s := range Config.Publisher.Sinks {
			if s.Name == "" {
				return fmt.Errorf("publisher sink requires a name")
			}
			if seen[s.Name] {
				return fmt.Errorf("duplicate publisher sink name: %s", s.Name)
			}
			seen[s.Name] = true
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
