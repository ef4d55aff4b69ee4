// Package config handles loading and parsing of Cairn configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for Cairn.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// PublicURL is the externally reachable endpoint used when presigning URLs.
	// Derived from Host and Port when empty.
	PublicURL string `yaml:"public_url"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize is the largest single PUT body accepted.
	MaxObjectSize ByteSize `yaml:"max_object_size"`
}

// AuthConfig identifies the bucket owner. Requests are not signature-checked;
// the keys are used to presign URLs and to recognise the owner principal.
type AuthConfig struct {
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	OwnerID     string `yaml:"owner_id"`
	DisplayName string `yaml:"display_name"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds blob storage backend settings.
type StorageConfig struct {
	// Backend is one of "memory", "local", "sqlite", "aws", "gcp", "azure".
	Backend string       `yaml:"backend"`
	Memory  MemoryConfig `yaml:"memory"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
}

// MemoryConfig holds settings for the in-memory blob backend.
type MemoryConfig struct {
	// MaxSize caps the total bytes held in memory. Zero means unlimited.
	MaxSize ByteSize `yaml:"max_size"`
	// SnapshotPath, when set, persists blobs to a SQLite file.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotIntervalSeconds is the period between background snapshots.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// LocalConfig holds local filesystem backend settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// SQLiteConfig holds settings for the SQLite blob backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AWSConfig configures the AWS S3 gateway backend.
type AWSConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// GCPConfig configures the Google Cloud Storage gateway backend.
type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// AzureConfig configures the Azure Blob Storage gateway backend.
type AzureConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides https://{account}.blob.core.windows.net.
	AccountURL string `yaml:"account_url"`
	Prefix     string `yaml:"prefix"`
}

// EngineConfig tunes object and multipart behavior.
type EngineConfig struct {
	// MinPartSize is the smallest size allowed for every part but the last.
	MinPartSize ByteSize `yaml:"min_part_size"`
}

// LifecycleConfig controls the lifecycle rule sweeper.
type LifecycleConfig struct {
	// IntervalSeconds between sweeps. Zero disables the sweeper.
	IntervalSeconds int `yaml:"interval_seconds"`
	// MaxActionsPerRun bounds the work done by one sweep. Zero means unlimited.
	MaxActionsPerRun int `yaml:"max_actions_per_run"`
}

// SnapshotConfig controls catalog persistence.
type SnapshotConfig struct {
	// Path of the SQLite snapshot. Empty disables persistence.
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ByteSize is a size in bytes that may be written in YAML either as a plain
// integer or as a human readable string such as "5MiB" or "5 GB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := ParseSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String renders the size for logs.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseSize parses a human readable size. Bare integers are bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to cairn.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "cairn.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "cairn.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "local", "sqlite":
	case "aws":
		if c.Storage.AWS.Bucket == "" {
			return fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
	case "gcp":
		if c.Storage.GCP.Bucket == "" {
			return fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		if c.Storage.Azure.AccountURL == "" && c.Storage.Azure.Account == "" {
			return fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is 'azure'")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.MinPartSize < 0 {
		return fmt.Errorf("engine.min_part_size must not be negative")
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			ShutdownTimeout: 30,
			MaxObjectSize:   5 * 1024 * 1024 * 1024,
		},
		Auth: AuthConfig{
			AccessKey: "cairn",
			SecretKey: "cairn-secret",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/objects",
			},
			SQLite: SQLiteConfig{
				Path: "./data/blobs.db",
			},
		},
		Engine: EngineConfig{
			MinPartSize: 5 * 1024 * 1024,
		},
		Lifecycle: LifecycleConfig{
			IntervalSeconds: 3600,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Server.PublicURL == "" {
		host := cfg.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		cfg.Server.PublicURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = "cairn"
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = "cairn-secret"
	}
	if cfg.Auth.OwnerID == "" {
		cfg.Auth.OwnerID = cfg.Auth.AccessKey
	}
	if cfg.Auth.DisplayName == "" {
		cfg.Auth.DisplayName = cfg.Auth.OwnerID
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/blobs.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = cfg.Server.Region
	}
	if cfg.Storage.Azure.AccountURL == "" && cfg.Storage.Azure.Account != "" {
		cfg.Storage.Azure.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
	}
	if cfg.Engine.MinPartSize == 0 {
		cfg.Engine.MinPartSize = 5 * 1024 * 1024
	}
	if cfg.Snapshot.Path != "" && cfg.Snapshot.IntervalSeconds == 0 {
		cfg.Snapshot.IntervalSeconds = 60
	}
}
