// Package config provides configuration loading and management for the federation server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/telemetry"
)

// EnvPrefix is the prefix for the server's environment variables
const EnvPrefix = "FEDERATION"

const (
	// StorageTypeFile stores configurations as JSON files on the local filesystem
	StorageTypeFile = "file"

	// StorageTypeSQLite stores configurations in an embedded SQLite database
	StorageTypeSQLite = "sqlite"

	// StorageTypeDatabase stores configurations in PostgreSQL
	StorageTypeDatabase = "database"
)

const (
	// HistoryTypeMemory keeps query history in process memory
	HistoryTypeMemory = "memory"

	// HistoryTypeDatabase keeps query history in the SQL storage backend
	HistoryTypeDatabase = "database"
)

const (
	defaultFileStorageBaseDir = "./data"
	defaultSQLitePath         = "./data/federation.db"
	defaultMaxResults         = 500
	defaultSourceTimeout      = 10 * time.Second
	defaultMaxConcurrency     = 8
	defaultHistoryTimeout     = 5 * time.Second
	defaultBackendTimeout     = 30 * time.Second
	defaultHistoryMaxRecords  = 10000
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Storage    *StorageConfig    `yaml:"storage,omitempty"`
	Backends   *BackendsConfig   `yaml:"backends,omitempty"`
	Federation *FederationConfig `yaml:"federation,omitempty"`
	History    *HistoryConfig    `yaml:"history,omitempty"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`

	// Sources and Compositions are seeded into the store by the prime command
	Sources      []datasource.SingleSourceConfig `yaml:"sources,omitempty"`
	Compositions []datasource.MultiSourceConfig  `yaml:"compositions,omitempty"`
}

// StorageConfig selects the configuration store backend
type StorageConfig struct {
	// Type is one of file, sqlite or database. Defaults to file.
	Type string `yaml:"type,omitempty"`

	File     *FileStorageConfig `yaml:"file,omitempty"`
	SQLite   *SQLiteConfig      `yaml:"sqlite,omitempty"`
	Database *DatabaseConfig    `yaml:"database,omitempty"`
}

// FileStorageConfig defines file-based storage settings
type FileStorageConfig struct {
	// BaseDir is the directory holding the JSON snapshots
	BaseDir string `yaml:"baseDir,omitempty"`
}

// SQLiteConfig defines embedded database settings
type SQLiteConfig struct {
	// Path is the database file; ":memory:" is accepted for ephemeral use
	Path string `yaml:"path,omitempty"`
}

// DatabaseConfig defines PostgreSQL connection settings
type DatabaseConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// BackendsConfig maps search indexes to search backend endpoints
type BackendsConfig struct {
	// Default is the endpoint used for every index without an override
	Default *BackendEndpoint `yaml:"default,omitempty"`

	// Indexes overrides the endpoint per index name
	Indexes map[string]BackendEndpoint `yaml:"indexes,omitempty"`
}

// BackendEndpoint is an Elasticsearch-compatible search endpoint
type BackendEndpoint struct {
	// URL is the base URL of the search API, e.g. "http://es:9200"
	URL string `yaml:"url"`

	// Timeout bounds a single HTTP exchange
	Timeout string `yaml:"timeout,omitempty"`

	// Username and PasswordFile enable HTTP basic authentication
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"passwordFile,omitempty"`
}

// FederationConfig tunes the federation engine
type FederationConfig struct {
	// MaxResults caps the merged result length
	MaxResults int `yaml:"maxResults,omitempty"`

	// SourceLimit caps the rows requested from a single source.
	// Defaults to MaxResults.
	SourceLimit int `yaml:"sourceLimit,omitempty"`

	// SourceTimeout bounds each per-source query independently
	SourceTimeout string `yaml:"sourceTimeout,omitempty"`

	// MaxConcurrency bounds the in-flight per-source queries of one federation
	MaxConcurrency int `yaml:"maxConcurrency,omitempty"`

	// HistoryTimeout bounds the asynchronous history append
	HistoryTimeout string `yaml:"historyTimeout,omitempty"`
}

// HistoryConfig selects the history recorder backend
type HistoryConfig struct {
	// Type is memory or database. Database requires sqlite or database storage.
	Type string `yaml:"type,omitempty"`

	// MaxRecords bounds the in-memory history; older records are dropped first.
	// Zero means the default, a negative value disables the bound.
	MaxRecords int `yaml:"maxRecords,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from FEDERATION_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection URL with proper password handling.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String(), nil
}

// GetConnMaxLifetime parses ConnMaxLifetime, returning zero when unset
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	if d.ConnMaxLifetime == "" {
		return 0
	}
	lifetime, err := time.ParseDuration(d.ConnMaxLifetime)
	if err != nil {
		return 0
	}
	return lifetime
}

// GetPassword returns the basic-auth password of the endpoint, if configured
func (b *BackendEndpoint) GetPassword() (string, error) {
	if b.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Clean(b.PasswordFile))
	if err != nil {
		return "", fmt.Errorf("failed to read backend password from file %s: %w", b.PasswordFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// GetTimeout returns the endpoint timeout, using the default if unset
func (b *BackendEndpoint) GetTimeout() time.Duration {
	return parseDurationOr(b.Timeout, defaultBackendTimeout)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates configuration from YAML content
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetStorageType returns the storage type, using file if not specified
func (c *Config) GetStorageType() string {
	if c.Storage == nil || c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetFileStorageBaseDir returns the base directory of the file store
func (c *Config) GetFileStorageBaseDir() string {
	if c.Storage == nil || c.Storage.File == nil || c.Storage.File.BaseDir == "" {
		return defaultFileStorageBaseDir
	}
	return c.Storage.File.BaseDir
}

// GetSQLitePath returns the path of the embedded database
func (c *Config) GetSQLitePath() string {
	if c.Storage == nil || c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
		return defaultSQLitePath
	}
	return c.Storage.SQLite.Path
}

// GetHistoryType returns the history backend, defaulting to database when the
// store is SQL-backed and to memory otherwise
func (c *Config) GetHistoryType() string {
	if c.History != nil && c.History.Type != "" {
		return c.History.Type
	}
	if c.GetStorageType() == StorageTypeFile {
		return HistoryTypeMemory
	}
	return HistoryTypeDatabase
}

// GetHistoryMaxRecords returns the bound of the in-memory history, zero when unbounded
func (c *Config) GetHistoryMaxRecords() int {
	if c.History == nil || c.History.MaxRecords == 0 {
		return defaultHistoryMaxRecords
	}
	if c.History.MaxRecords < 0 {
		return 0
	}
	return c.History.MaxRecords
}

// GetMaxResults returns the merged result cap
func (c *Config) GetMaxResults() int {
	if c.Federation == nil || c.Federation.MaxResults <= 0 {
		return defaultMaxResults
	}
	return c.Federation.MaxResults
}

// GetSourceLimit returns the per-source row cap
func (c *Config) GetSourceLimit() int {
	if c.Federation == nil || c.Federation.SourceLimit <= 0 {
		return c.GetMaxResults()
	}
	return c.Federation.SourceLimit
}

// GetSourceTimeout returns the per-source timeout
func (c *Config) GetSourceTimeout() time.Duration {
	if c.Federation == nil {
		return defaultSourceTimeout
	}
	return parseDurationOr(c.Federation.SourceTimeout, defaultSourceTimeout)
}

// GetMaxConcurrency returns the per-federation concurrency bound
func (c *Config) GetMaxConcurrency() int {
	if c.Federation == nil || c.Federation.MaxConcurrency <= 0 {
		return defaultMaxConcurrency
	}
	return c.Federation.MaxConcurrency
}

// GetHistoryTimeout returns the timeout of the asynchronous history append
func (c *Config) GetHistoryTimeout() time.Duration {
	if c.Federation == nil {
		return defaultHistoryTimeout
	}
	return parseDurationOr(c.Federation.HistoryTimeout, defaultHistoryTimeout)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if err := c.validateFederation(); err != nil {
		return err
	}

	switch c.GetHistoryType() {
	case HistoryTypeMemory:
	case HistoryTypeDatabase:
		if c.GetStorageType() == StorageTypeFile {
			return fmt.Errorf("history.type %q requires sqlite or database storage", HistoryTypeDatabase)
		}
	default:
		return fmt.Errorf("history.type must be %s or %s, got %s", HistoryTypeMemory, HistoryTypeDatabase, c.History.Type)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return c.validateSeeds()
}

// validateStorage validates the storage section
func (c *Config) validateStorage() error {
	switch c.GetStorageType() {
	case StorageTypeFile, StorageTypeSQLite:
		return nil
	case StorageTypeDatabase:
		return validateDatabaseConfig(c.Storage.Database)
	default:
		return fmt.Errorf("storage.type must be one of %s, %s or %s, got %s",
			StorageTypeFile, StorageTypeSQLite, StorageTypeDatabase, c.Storage.Type)
	}
}

// validateDatabaseConfig validates PostgreSQL connection settings
func validateDatabaseConfig(db *DatabaseConfig) error {
	if db == nil {
		return fmt.Errorf("storage.database is required when storage.type is %s", StorageTypeDatabase)
	}
	if db.Host == "" {
		return fmt.Errorf("storage.database.host is required")
	}
	if db.Port <= 0 {
		return fmt.Errorf("storage.database.port is required")
	}
	if db.User == "" {
		return fmt.Errorf("storage.database.user is required")
	}
	if db.Database == "" {
		return fmt.Errorf("storage.database.database is required")
	}
	if db.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(db.ConnMaxLifetime); err != nil {
			return fmt.Errorf("storage.database.connMaxLifetime must be a valid duration: %w", err)
		}
	}
	return nil
}

// validateBackends validates the search backend endpoints
func (c *Config) validateBackends() error {
	if c.Backends == nil {
		return nil
	}
	if c.Backends.Default != nil {
		if err := validateEndpoint(c.Backends.Default, "backends.default"); err != nil {
			return err
		}
	}
	for index, endpoint := range c.Backends.Indexes {
		if err := validateEndpoint(&endpoint, fmt.Sprintf("backends.indexes[%s]", index)); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(endpoint *BackendEndpoint, prefix string) error {
	if endpoint.URL == "" {
		return fmt.Errorf("%s: url is required", prefix)
	}
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", prefix, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: url scheme must be http or https, got %q", prefix, u.Scheme)
	}
	if endpoint.Timeout != "" {
		if _, err := time.ParseDuration(endpoint.Timeout); err != nil {
			return fmt.Errorf("%s: timeout must be a valid duration: %w", prefix, err)
		}
	}
	return nil
}

// validateFederation validates the engine tuning
func (c *Config) validateFederation() error {
	f := c.Federation
	if f == nil {
		return nil
	}
	if f.MaxResults < 0 {
		return fmt.Errorf("federation.maxResults must not be negative")
	}
	if f.SourceLimit < 0 {
		return fmt.Errorf("federation.sourceLimit must not be negative")
	}
	if f.MaxConcurrency < 0 {
		return fmt.Errorf("federation.maxConcurrency must not be negative")
	}
	for key, value := range map[string]string{
		"sourceTimeout":  f.SourceTimeout,
		"historyTimeout": f.HistoryTimeout,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("federation.%s must be a valid duration (e.g., '5s'): %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("federation.%s must be positive", key)
		}
	}
	return nil
}

// validateSeeds validates the sources and compositions listed for priming
func (c *Config) validateSeeds() error {
	names := make(map[string]bool)
	for i := range c.Sources {
		src := c.Sources[i].Clone()
		src.Normalize()
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if names[src.Name] {
			return fmt.Errorf("sources[%d]: duplicate name '%s'", i, src.Name)
		}
		names[src.Name] = true
	}
	for i := range c.Compositions {
		comp := c.Compositions[i].Clone()
		comp.Normalize()
		if err := comp.Validate(); err != nil {
			return fmt.Errorf("compositions[%d]: %w", i, err)
		}
		if names[comp.Name] {
			return fmt.Errorf("compositions[%d]: duplicate name '%s'", i, comp.Name)
		}
		names[comp.Name] = true
	}
	return nil
}
