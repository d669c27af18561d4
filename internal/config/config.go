package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration engine
type Config struct {
	Source    SourceConfig    `yaml:"source" toml:"source"`
	Target    TargetConfig    `yaml:"target" toml:"target"`
	Migration MigrationConfig `yaml:"migration" toml:"migration"`
	Detection DetectionConfig `yaml:"detection" toml:"detection"`
	Retry     RetryConfig     `yaml:"retry" toml:"retry"`
	Alerts    AlertConfig     `yaml:"alerts" toml:"alerts"`
	Entities  []EntityConfig  `yaml:"entities" toml:"entities"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Profile   ProfileConfig   `yaml:"profile,omitempty" toml:"profile"`
}

// ProfileConfig holds optional profile metadata.
type ProfileConfig struct {
	Name        string `yaml:"name,omitempty" toml:"name"`
	Description string `yaml:"description,omitempty" toml:"description"`
}

// NotifyConfig holds notification settings. URLs use shoutrrr service syntax
// (slack://, discord://, smtp://, generic+https://, ...).
type NotifyConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	URLs      []string `yaml:"urls" toml:"urls"`
	TimeoutMs int      `yaml:"timeout_ms" toml:"timeout_ms"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// SourceConfig holds legacy database connection settings
type SourceConfig struct {
	Type            string `yaml:"type" toml:"type"` // "mssql", "postgres" or "mysql" (default: mssql)
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	Database        string `yaml:"database" toml:"database"`
	User            string `yaml:"user" toml:"user"`
	Password        string `yaml:"password" toml:"password"`
	Schema          string `yaml:"schema" toml:"schema"`
	SSLMode         string `yaml:"ssl_mode" toml:"ssl_mode"`                   // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert" toml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt" toml:"encrypt"`                     // MSSQL: disable, false, true (default: true)
	TLS             string `yaml:"tls" toml:"tls"`                             // MySQL: true, false, skip-verify, preferred (default: preferred)
}

// TargetConfig holds redesigned (PostgreSQL) database connection settings
type TargetConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Database string `yaml:"database" toml:"database"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	Schema   string `yaml:"schema" toml:"schema"`
	SSLMode  string `yaml:"ssl_mode" toml:"ssl_mode"`
}

// MigrationConfig holds execution behavior settings
type MigrationConfig struct {
	BatchSize            int    `yaml:"batch_size" toml:"batch_size"`
	MaxRetryAttempts     *int   `yaml:"max_retry_attempts" toml:"max_retry_attempts"`
	CheckpointInterval   int    `yaml:"checkpoint_interval" toml:"checkpoint_interval"` // batches between checkpoints
	ParallelEntityLimit  int    `yaml:"parallel_entity_limit" toml:"parallel_entity_limit"`
	TimeoutMs            int64  `yaml:"timeout_ms" toml:"timeout_ms"` // per-entity wall clock budget
	EnableValidation     bool   `yaml:"enable_validation" toml:"enable_validation"`
	ValidationSampleSize int    `yaml:"validation_sample_size" toml:"validation_sample_size"`
	FailOnCycle          bool   `yaml:"fail_on_cycle" toml:"fail_on_cycle"`
	DataDir              string `yaml:"data_dir" toml:"data_dir"`
	StateFile            string `yaml:"state_file" toml:"state_file"` // YAML state instead of SQLite
	MaxSourceConnections int    `yaml:"max_source_connections" toml:"max_source_connections"`
	MaxTargetConnections int    `yaml:"max_target_connections" toml:"max_target_connections"`
}

// DetectionConfig holds change detection settings
type DetectionConfig struct {
	TimestampField   string   `yaml:"timestamp_field" toml:"timestamp_field"`
	ContentHashField string   `yaml:"content_hash_field" toml:"content_hash_field"`
	HashAlgorithm    string   `yaml:"hash_algorithm" toml:"hash_algorithm"` // md5, sha1, sha256
	ExcludedFields   []string `yaml:"excluded_fields" toml:"excluded_fields"`
	ContentHashing   bool     `yaml:"content_hashing" toml:"content_hashing"`
	IncludeDeletes   bool     `yaml:"include_deletes" toml:"include_deletes"`
	SampleLimit      int      `yaml:"sample_limit" toml:"sample_limit"` // 0 scans the whole window
}

// RetryConfig holds backoff and circuit breaker settings
type RetryConfig struct {
	BaseDelayMs      int64 `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMs       int64 `yaml:"max_delay_ms" toml:"max_delay_ms"`
	BreakerThreshold int   `yaml:"breaker_threshold" toml:"breaker_threshold"`
	BreakerTimeoutMs int64 `yaml:"breaker_timeout_ms" toml:"breaker_timeout_ms"`
}

// AlertConfig holds progress alert thresholds
type AlertConfig struct {
	MinThroughput   float64 `yaml:"min_throughput" toml:"min_throughput"` // records/sec
	MaxMemoryMB     float64 `yaml:"max_memory_mb" toml:"max_memory_mb"`
	StallWindowMs   int64   `yaml:"stall_window_ms" toml:"stall_window_ms"`
	DedupWindowMs   int64   `yaml:"dedup_window_ms" toml:"dedup_window_ms"`
	ETADeviationMs  int64   `yaml:"eta_deviation_ms" toml:"eta_deviation_ms"`
	RetentionMs     int64   `yaml:"retention_ms" toml:"retention_ms"`
	PruneIntervalMs int64   `yaml:"prune_interval_ms" toml:"prune_interval_ms"`
}

// EntityConfig maps one entity type to its source and destination tables.
type EntityConfig struct {
	Name             string   `yaml:"name" toml:"name"`
	SourceTable      string   `yaml:"source_table" toml:"source_table"`
	DestinationTable string   `yaml:"destination_table" toml:"destination_table"`
	IDField          string   `yaml:"id_field" toml:"id_field"`
	TimestampField   string   `yaml:"timestamp_field" toml:"timestamp_field"` // overrides detection.timestamp_field
	Columns          []string `yaml:"columns" toml:"columns"`                 // empty copies every column
	DependsOn        []string `yaml:"depends_on" toml:"depends_on"`
	Priority         int      `yaml:"priority" toml:"priority"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML or TOML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a file with options. Files ending
// in .toml are parsed as TOML, everything else as YAML.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadTOML(data)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(&cfg)
}

// LoadTOML reads configuration from TOML bytes.
func LoadTOML(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".legacy-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// RetryAttempts returns the configured retry budget.
func (m MigrationConfig) RetryAttempts() int {
	if m.MaxRetryAttempts == nil {
		return 3
	}
	return *m.MaxRetryAttempts
}

// Entity returns the entity mapping with the given name.
func (c *Config) Entity(name string) (EntityConfig, bool) {
	for _, e := range c.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return EntityConfig{}, false
}

func (c *Config) applyDefaults() {
	// Source defaults
	if c.Source.Type == "" {
		c.Source.Type = "mssql"
	}
	if c.Source.Port == 0 {
		switch c.Source.Type {
		case "postgres":
			c.Source.Port = 5432
		case "mysql":
			c.Source.Port = 3306
		default:
			c.Source.Port = 1433
		}
	}
	if c.Source.Schema == "" {
		switch c.Source.Type {
		case "postgres":
			c.Source.Schema = "public"
		case "mssql":
			c.Source.Schema = "dbo"
		}
	}
	if c.Source.SSLMode == "" {
		c.Source.SSLMode = "require"
	}
	if c.Source.Encrypt == "" {
		c.Source.Encrypt = "true"
	}
	if c.Source.TLS == "" {
		c.Source.TLS = "preferred"
	}

	// Target defaults
	if c.Target.Port == 0 {
		c.Target.Port = 5432
	}
	if c.Target.Schema == "" {
		c.Target.Schema = "public"
	}
	if c.Target.SSLMode == "" {
		c.Target.SSLMode = "require"
	}

	// Execution defaults
	if c.Migration.BatchSize == 0 {
		c.Migration.BatchSize = 500
	}
	if c.Migration.MaxRetryAttempts == nil {
		n := 3
		c.Migration.MaxRetryAttempts = &n
	}
	if c.Migration.CheckpointInterval == 0 {
		c.Migration.CheckpointInterval = 10
	}
	if c.Migration.ParallelEntityLimit == 0 {
		c.Migration.ParallelEntityLimit = 4
	}
	if c.Migration.TimeoutMs == 0 {
		c.Migration.TimeoutMs = 30 * 60 * 1000
	}
	if c.Migration.ValidationSampleSize == 0 {
		c.Migration.ValidationSampleSize = 100
	}
	if c.Migration.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Migration.DataDir = filepath.Join(home, ".legacy-migrate")
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}
	c.Migration.StateFile = expandTilde(c.Migration.StateFile)
	if c.Migration.MaxSourceConnections == 0 {
		c.Migration.MaxSourceConnections = 2*c.Migration.ParallelEntityLimit + 2
	}
	if c.Migration.MaxTargetConnections == 0 {
		c.Migration.MaxTargetConnections = 2*c.Migration.ParallelEntityLimit + 2
	}

	// Detection defaults
	if c.Detection.TimestampField == "" {
		c.Detection.TimestampField = "updated_at"
	}
	if c.Detection.ContentHashField == "" {
		c.Detection.ContentHashField = "content_hash"
	}
	if c.Detection.HashAlgorithm == "" {
		c.Detection.HashAlgorithm = "sha256"
	}

	// Retry defaults
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.Retry.BreakerThreshold == 0 {
		c.Retry.BreakerThreshold = 5
	}
	if c.Retry.BreakerTimeoutMs == 0 {
		c.Retry.BreakerTimeoutMs = 60000
	}

	// Alert defaults
	if c.Alerts.MinThroughput == 0 {
		c.Alerts.MinThroughput = 100
	}
	if c.Alerts.MaxMemoryMB == 0 {
		c.Alerts.MaxMemoryMB = 2048
	}
	if c.Alerts.StallWindowMs == 0 {
		c.Alerts.StallWindowMs = 5 * 60 * 1000
	}
	if c.Alerts.DedupWindowMs == 0 {
		c.Alerts.DedupWindowMs = 5 * 60 * 1000
	}
	if c.Alerts.ETADeviationMs == 0 {
		c.Alerts.ETADeviationMs = 30 * 60 * 1000
	}
	if c.Alerts.RetentionMs == 0 {
		c.Alerts.RetentionMs = 24 * 60 * 60 * 1000
	}
	if c.Alerts.PruneIntervalMs == 0 {
		c.Alerts.PruneIntervalMs = 60 * 1000
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9464"
	}
	if c.Notify.TimeoutMs == 0 {
		c.Notify.TimeoutMs = 10000
	}

	for i := range c.Entities {
		if c.Entities[i].DestinationTable == "" {
			c.Entities[i].DestinationTable = c.Entities[i].SourceTable
		}
		if c.Entities[i].TimestampField == "" {
			c.Entities[i].TimestampField = c.Detection.TimestampField
		}
	}
}

// validate collects every violated constraint instead of stopping at the first.
func (c *Config) validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source.Host == "" {
		add("source.host is required")
	}
	if c.Source.Database == "" {
		add("source.database is required")
	}
	switch c.Source.Type {
	case "mssql", "postgres", "mysql":
	default:
		add("source.type must be 'mssql', 'postgres' or 'mysql', got '%s'", c.Source.Type)
	}
	if c.Target.Host == "" {
		add("target.host is required")
	}
	if c.Target.Database == "" {
		add("target.database is required")
	}

	errs = append(errs, c.Migration.Validate()...)

	switch c.Detection.HashAlgorithm {
	case "md5", "sha1", "sha256":
	default:
		add("detection.hash_algorithm must be md5, sha1 or sha256, got '%s'", c.Detection.HashAlgorithm)
	}

	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		add("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d) >= 0", c.Retry.MaxDelayMs, c.Retry.BaseDelayMs)
	}
	if c.Retry.BreakerThreshold < 1 {
		add("retry.breaker_threshold must be >= 1, got %d", c.Retry.BreakerThreshold)
	}

	if len(c.Entities) == 0 {
		add("at least one entity is required")
	}
	seen := make(map[string]bool)
	for i, e := range c.Entities {
		if e.Name == "" {
			add("entities[%d].name is required", i)
			continue
		}
		if seen[e.Name] {
			add("entities[%d]: duplicate entity %q", i, e.Name)
		}
		seen[e.Name] = true
		if e.SourceTable == "" {
			add("entities[%d] (%s): source_table is required", i, e.Name)
		}
		if e.IDField == "" {
			add("entities[%d] (%s): id_field is required", i, e.Name)
		}
	}

	return errors.Join(errs...)
}

// Validate checks the execution options against their allowed ranges and
// returns one error per violation.
func (m MigrationConfig) Validate() []error {
	var errs []error
	if m.BatchSize < 1 || m.BatchSize > 5000 {
		errs = append(errs, fmt.Errorf("migration.batch_size must be between 1 and 5000, got %d", m.BatchSize))
	}
	if r := m.RetryAttempts(); r < 0 || r > 10 {
		errs = append(errs, fmt.Errorf("migration.max_retry_attempts must be between 0 and 10, got %d", r))
	}
	if m.CheckpointInterval < 1 {
		errs = append(errs, fmt.Errorf("migration.checkpoint_interval must be >= 1, got %d", m.CheckpointInterval))
	}
	if m.ParallelEntityLimit < 1 || m.ParallelEntityLimit > 10 {
		errs = append(errs, fmt.Errorf("migration.parallel_entity_limit must be between 1 and 10, got %d", m.ParallelEntityLimit))
	}
	if m.TimeoutMs < 1000 {
		errs = append(errs, fmt.Errorf("migration.timeout_ms must be >= 1000, got %d", m.TimeoutMs))
	}
	if m.ValidationSampleSize < 1 || m.ValidationSampleSize > 10000 {
		errs = append(errs, fmt.Errorf("migration.validation_sample_size must be between 1 and 10000, got %d", m.ValidationSampleSize))
	}
	return errs
}

// SourceDSN returns the source database connection string
func (c *Config) SourceDSN() string {
	s := c.Source
	switch s.Type {
	case "postgres":
		return buildPostgresDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.SSLMode)
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = s.User
		mc.Passwd = s.Password
		mc.Net = "tcp"
		mc.Addr = s.Host + ":" + strconv.Itoa(s.Port)
		mc.DBName = s.Database
		mc.ParseTime = true
		mc.TLSConfig = s.TLS
		return mc.FormatDSN()
	default:
		return buildMSSQLDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.Encrypt, s.TrustServerCert)
	}
}

// TargetDSN returns the destination database connection string
func (c *Config) TargetDSN() string {
	t := c.Target
	return buildPostgresDSN(t.Host, t.Port, t.Database, t.User, t.Password, t.SSLMode)
}

func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	q := url.Values{}
	q.Set("database", database)
	q.Set("encrypt", encrypt)
	q.Set("TrustServerCertificate", strconv.FormatBool(trustServerCert))
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	sanitized.Source.Password = "[REDACTED]"
	sanitized.Target.Password = "[REDACTED]"

	if len(c.Notify.URLs) > 0 {
		sanitized.Notify.URLs = make([]string, len(c.Notify.URLs))
		for i := range c.Notify.URLs {
			sanitized.Notify.URLs[i] = "[REDACTED]"
		}
	}

	return &sanitized
}
