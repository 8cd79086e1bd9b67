package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Database.Engine != "json" || cfg.Database.Compression != "snappy" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Diagnostics.Mode != "console" {
		t.Errorf("Diagnostics.Mode = %q", cfg.Diagnostics.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
addr: 127.0.0.1:9000
database:
  engine: sqlite
  compression: zstd
diagnostics:
  mode: json
  debug: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Database.Engine != "sqlite" || cfg.Database.Compression != "zstd" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	// unset fields keep their defaults
	if cfg.Database.Name != "app" || cfg.Database.DataDir != "./data" {
		t.Errorf("defaults not applied: %+v", cfg.Database)
	}
	if !cfg.Diagnostics.Debug {
		t.Error("Debug should be true")
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Engine != "json" {
		t.Errorf("Engine = %q", cfg.Database.Engine)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("database:\n  engne: sqlite\n")); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCHEMADB_ENGINE":          "memory",
		"SCHEMADB_DB_NAME":         "notes",
		"SCHEMADB_ALLOWED_ORIGINS": "http://a,http://b",
		"SCHEMADB_DEBUG":           "true",
		"SCHEMADB_DATA_DIR":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Engine != "memory" || cfg.Database.Name != "notes" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.DataDir != "./data" {
		t.Errorf("empty variable should not override: %q", cfg.Database.DataDir)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.Diagnostics.Debug {
		t.Error("Debug should be true")
	}

	env["SCHEMADB_DEBUG"] = "maybe"
	if err := cfg.applyEnv(lookup); err == nil {
		t.Error("expected error for bad SCHEMADB_DEBUG")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"engine", func(c *Config) { c.Database.Engine = "leveldb" }, "database.engine"},
		{"compression", func(c *Config) { c.Database.Compression = "gzip" }, "database.compression"},
		{"mode", func(c *Config) { c.Diagnostics.Mode = "syslog" }, "diagnostics.mode"},
		{"api without endpoint", func(c *Config) { c.Diagnostics.Mode = "api" }, "api_endpoint"},
		{"api with endpoint", func(c *Config) {
			c.Diagnostics.Mode = "api"
			c.Diagnostics.APIEndpoint = "http://localhost/events"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSearchOrder(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(EnvConfigPath, "")

	cfg, path, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if path != "" || cfg.Database.Engine != "json" {
		t.Fatalf("expected defaults, got path=%q engine=%q", path, cfg.Database.Engine)
	}

	if err := os.WriteFile(ConfigFileName, []byte("database:\n  engine: memory\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != ConfigFileName || cfg.Database.Engine != "memory" {
		t.Fatalf("expected working directory file, got path=%q engine=%q", path, cfg.Database.Engine)
	}

	explicit := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(explicit, []byte("database:\n  engine: sqlite-pure\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, explicit)
	cfg, path, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if path != explicit || cfg.Database.Engine != "sqlite-pure" {
		t.Fatalf("expected explicit file, got path=%q engine=%q", path, cfg.Database.Engine)
	}

	t.Setenv("SCHEMADB_ENGINE", "memory")
	cfg, _, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Engine != "memory" {
		t.Errorf("env should override file, got %q", cfg.Database.Engine)
	}
}

func TestLoadFromPathErrors(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("database:\n  engine: leveldb\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromPath(bad); err == nil || !strings.Contains(err.Error(), "leveldb") {
		t.Errorf("expected engine error, got %v", err)
	}
}
