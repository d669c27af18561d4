package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
source:
  host: legacy-db
  database: crm
  user: reader
  password: secret
target:
  host: pg
  database: crm_v2
  user: writer
  password: secret
entities:
  - name: offices
    source_table: tbl_office
    destination_table: offices
    id_field: office_id
  - name: employees
    source_table: tbl_employee
    destination_table: employees
    id_field: employee_id
    depends_on: [offices]
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}

	if cfg.Source.Type != "mssql" || cfg.Source.Port != 1433 || cfg.Source.Schema != "dbo" {
		t.Errorf("unexpected source defaults: %+v", cfg.Source)
	}
	if cfg.Target.Port != 5432 || cfg.Target.Schema != "public" {
		t.Errorf("unexpected target defaults: %+v", cfg.Target)
	}
	if cfg.Migration.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.Migration.BatchSize)
	}
	if cfg.Migration.RetryAttempts() != 3 {
		t.Errorf("RetryAttempts() = %d, want 3", cfg.Migration.RetryAttempts())
	}
	if cfg.Migration.CheckpointInterval != 10 {
		t.Errorf("CheckpointInterval = %d, want 10", cfg.Migration.CheckpointInterval)
	}
	if cfg.Detection.HashAlgorithm != "sha256" {
		t.Errorf("HashAlgorithm = %q, want sha256", cfg.Detection.HashAlgorithm)
	}
	if cfg.Alerts.DedupWindowMs != 300000 {
		t.Errorf("DedupWindowMs = %d, want 300000", cfg.Alerts.DedupWindowMs)
	}

	e, ok := cfg.Entity("employees")
	if !ok {
		t.Fatal("expected employees entity")
	}
	if e.TimestampField != "updated_at" {
		t.Errorf("entity timestamp field = %q, want inherited updated_at", e.TimestampField)
	}
	if len(e.DependsOn) != 1 || e.DependsOn[0] != "offices" {
		t.Errorf("DependsOn = %v", e.DependsOn)
	}
}

func TestZeroRetryAttemptsIsKept(t *testing.T) {
	yml := minimalYAML + `
migration:
  max_retry_attempts: 0
`
	cfg, err := LoadBytes([]byte(yml))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if cfg.Migration.RetryAttempts() != 0 {
		t.Errorf("RetryAttempts() = %d, want 0", cfg.Migration.RetryAttempts())
	}
}

func TestValidateAggregatesViolations(t *testing.T) {
	yml := `
source:
  type: oracle
target:
  host: pg
migration:
  batch_size: 6000
  max_retry_attempts: 11
  checkpoint_interval: -1
  parallel_entity_limit: 20
  timeout_ms: 10
  validation_sample_size: 20000
detection:
  hash_algorithm: crc32
entities:
  - name: offices
  - name: offices
    source_table: t
    id_field: id
`
	_, err := LoadBytes([]byte(yml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	wantFragments := []string{
		"source.host is required",
		"source.database is required",
		"source.type must be",
		"target.database is required",
		"batch_size must be between 1 and 5000",
		"max_retry_attempts must be between 0 and 10",
		"checkpoint_interval must be >= 1",
		"parallel_entity_limit must be between 1 and 10",
		"timeout_ms must be >= 1000",
		"validation_sample_size must be between 1 and 10000",
		"hash_algorithm must be md5, sha1 or sha256",
		"source_table is required",
		"duplicate entity",
	}
	msg := err.Error()
	for _, frag := range wantFragments {
		if !strings.Contains(msg, frag) {
			t.Errorf("error missing %q:\n%s", frag, msg)
		}
	}
}

func TestMigrationConfigValidateBoundaries(t *testing.T) {
	zero := 0
	ten := 10
	tests := []struct {
		name    string
		cfg     MigrationConfig
		wantErr int
	}{
		{"lower bounds", MigrationConfig{BatchSize: 1, MaxRetryAttempts: &zero, CheckpointInterval: 1, ParallelEntityLimit: 1, TimeoutMs: 1000, ValidationSampleSize: 1}, 0},
		{"upper bounds", MigrationConfig{BatchSize: 5000, MaxRetryAttempts: &ten, CheckpointInterval: 500, ParallelEntityLimit: 10, TimeoutMs: 1 << 40, ValidationSampleSize: 10000}, 0},
		{"all zero", MigrationConfig{MaxRetryAttempts: &zero}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.Validate()
			if len(got) != tt.wantErr {
				t.Errorf("Validate() returned %d errors, want %d: %v", len(got), tt.wantErr, got)
			}
		})
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "migrate.toml")
	content := `
[source]
type = "mysql"
host = "legacy"
database = "crm"
user = "root"
password = "pw"

[target]
host = "pg"
database = "crm_v2"

[migration]
batch_size = 250
parallel_entity_limit = 2

[[entities]]
name = "offices"
source_table = "office"
id_field = "id"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithOptions(path, LoadOptions{SuppressWarnings: true})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.Source.Port != 3306 {
		t.Errorf("mysql default port = %d, want 3306", cfg.Source.Port)
	}
	if cfg.Migration.BatchSize != 250 || cfg.Migration.ParallelEntityLimit != 2 {
		t.Errorf("unexpected migration config: %+v", cfg.Migration)
	}
	if cfg.Entities[0].DestinationTable != "office" {
		t.Errorf("destination table should default to source table, got %q", cfg.Entities[0].DestinationTable)
	}

	dsn := cfg.SourceDSN()
	if !strings.HasPrefix(dsn, "root:pw@tcp(legacy:3306)/crm") || !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("unexpected mysql DSN: %s", dsn)
	}
}

func TestDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantPass string
	}{
		{"plain", "secret", "secret"},
		{"at sign", "pass@word", "pass%40word"},
		{"colon", "pass:word", "pass%3Aword"},
		{"slash", "pass/word", "pass%2Fword"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Source: SourceConfig{Type: "mssql", Host: "h", Port: 1433, Database: "db", User: "admin", Password: tt.password, Encrypt: "true"},
				Target: TargetConfig{Host: "pg", Port: 5432, Database: "db", User: "admin", Password: tt.password, SSLMode: "disable"},
			}

			src := cfg.SourceDSN()
			if !strings.Contains(src, "admin:"+tt.wantPass+"@h:1433") {
				t.Errorf("SourceDSN() = %s, want encoded password %s", src, tt.wantPass)
			}
			tgt := cfg.TargetDSN()
			if !strings.Contains(tgt, "admin:"+tt.wantPass+"@pg:5432/db?sslmode=disable") {
				t.Errorf("TargetDSN() = %s, want encoded password %s", tgt, tt.wantPass)
			}
		})
	}
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + `
notify:
  enabled: true
  urls: ["slack://token@channel"]
`))
	if err != nil {
		t.Fatal(err)
	}

	s := cfg.Sanitized()
	if s.Source.Password != "[REDACTED]" || s.Target.Password != "[REDACTED]" {
		t.Error("passwords should be redacted")
	}
	if s.Notify.URLs[0] != "[REDACTED]" {
		t.Error("notification URLs should be redacted")
	}
	if cfg.Notify.URLs[0] != "slack://token@channel" {
		t.Error("Sanitized must not modify the original config")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LEGACY_PASSWORD", "from-env")
	cfg, err := LoadBytes([]byte(strings.Replace(minimalYAML, "password: secret", "password: ${LEGACY_PASSWORD}", 1)))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Password != "from-env" {
		t.Errorf("Source.Password = %q, want from-env", cfg.Source.Password)
	}
}
