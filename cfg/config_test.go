package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero connect timeout", func(c *Configuration) { c.Session.ConnectTimeoutMS = 0 }},
		{"unknown scheme", func(c *Configuration) { c.Session.DefaultScheme = "postgres" }},
		{"zero poll interval", func(c *Configuration) { c.Monitor.PollIntervalMS = 0 }},
		{"timeout below poll interval", func(c *Configuration) {
			c.Monitor.PollIntervalMS = 1000
			c.Monitor.DefaultTimeoutMS = 10
		}},
		{"zero min members", func(c *Configuration) { c.Cluster.MinMembers = 0 }},
		{"zero lock wait", func(c *Configuration) { c.Cluster.LockWaitTimeoutS = 0 }},
		{"unknown engine", func(c *Configuration) { c.MetaStore.Engine = "bolt" }},
		{"negative cache", func(c *Configuration) { c.MetaStore.CacheSizeMB = -1 }},
		{"unnamed sink", func(c *Configuration) {
			c.Publisher.Enabled = true
			c.Publisher.Sinks = []SinkConfiguration{{Type: "mock"}}
		}},
		{"duplicate sink", func(c *Configuration) {
			c.Publisher.Enabled = true
			c.Publisher.Sinks = []SinkConfiguration{{Name: "a", Type: "mock"}, {Name: "a", Type: "mock"}}
		}},
		{"admin port out of range", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"unknown log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = Default()
			tt.mutate(Config)

			if err := Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidate_DisabledAdminIgnoresPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "gradm-test-load")

	Config = Default()
	Config.DataDir = tempDir
	Config.NodeID = 7

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Monitor.PollIntervalMS != 500 {
		t.Errorf("Expected default poll interval, got %d", Config.Monitor.PollIntervalMS)
	}
}

func TestLoad_DecodesFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "gradm.toml")
	content := `
node_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[monitor]
poll_interval_ms = 50

[cluster]
min_members = 2

[metastore]
engine = "badger"

[[publisher.sinks]]
name = "events"
type = "kafka"
brokers = ["localhost:9092"]
filter_clusters = ["prod-*"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node ID 42, got %d", Config.NodeID)
	}
	if Config.Monitor.PollIntervalMS != 50 {
		t.Errorf("Expected poll interval 50, got %d", Config.Monitor.PollIntervalMS)
	}
	if Config.Cluster.MinMembers != 2 {
		t.Errorf("Expected min members 2, got %d", Config.Cluster.MinMembers)
	}
	if Config.MetaStore.Engine != MetaStoreBadger {
		t.Errorf("Expected badger engine, got %s", Config.MetaStore.Engine)
	}
	if len(Config.Publisher.Sinks) != 1 || Config.Publisher.Sinks[0].FilterClusters[0] != "prod-*" {
		t.Errorf("Unexpected sinks: %+v", Config.Publisher.Sinks)
	}
	// Values absent from the file keep their defaults
	if Config.Session.DefaultScheme != "mysql" {
		t.Errorf("Expected default scheme to survive decode, got %q", Config.Session.DefaultScheme)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "gradm-test-data")

	Config = Default()
	Config.DataDir = tempDir
	Config.NodeID = 1

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "gradm-test-override")

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*AdminPortFlag = 9999

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*AdminPortFlag = 0
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
}

func TestIsAdminAuthEnabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if IsAdminAuthEnabled() {
		t.Error("Expected auth disabled without secret")
	}

	Config.Admin.Secret = "s3cret"
	if !IsAdminAuthEnabled() {
		t.Error("Expected auth enabled with secret")
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
