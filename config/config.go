// Package config loads the server configuration.
//
// Config file locations (priority order):
//  1. $SCHEMADB_CONFIG
//  2. ./schemadb.yaml
//
// With no file the defaults apply. SCHEMADB_* environment variables
// override whatever the file set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stevemurr/schemadb/diag"
	"github.com/stevemurr/schemadb/store"
)

const (
	// EnvConfigPath is the environment variable for an explicit config path
	EnvConfigPath = "SCHEMADB_CONFIG"
	// ConfigFileName is the default config file name
	ConfigFileName = "schemadb.yaml"

	envPrefix = "SCHEMADB_"
)

// Config is the server configuration.
type Config struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Database    DatabaseConfig    `yaml:"database"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// DatabaseConfig selects the storage engine and the database served.
type DatabaseConfig struct {
	Name        string `yaml:"name"`
	Schema      string `yaml:"schema"`
	Engine      string `yaml:"engine"`
	DataDir     string `yaml:"data_dir"`
	Compression string `yaml:"compression"`
}

// DiagnosticsConfig selects where diagnostic events go.
type DiagnosticsConfig struct {
	Mode        string `yaml:"mode"`
	Debug       bool   `yaml:"debug"`
	APIEndpoint string `yaml:"api_endpoint"`
	File        string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "0.0.0.0:8080"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.Database.Name == "" {
		c.Database.Name = "app"
	}
	if c.Database.Schema == "" {
		c.Database.Schema = "./schema.yaml"
	}
	if c.Database.Engine == "" {
		c.Database.Engine = "json"
	}
	if c.Database.DataDir == "" {
		c.Database.DataDir = "./data"
	}
	if c.Database.Compression == "" {
		c.Database.Compression = store.SnappyCompression.String()
	}
	if c.Diagnostics.Mode == "" {
		c.Diagnostics.Mode = string(diag.ModeConsole)
	}
}

// Load finds and loads the config file, or returns defaults if none is
// found. The returned path is empty when no file was read.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.applyEnv(os.LookupEnv); err != nil {
			return nil, "", err
		}
		return cfg, "", cfg.Validate()
	}
	cfg, err := LoadFromPath(path)
	return cfg, path, err
}

// LoadFromPath loads config from a specific path and applies environment
// overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML config and fills in defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and means all defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides fields from SCHEMADB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("DB_NAME", &c.Database.Name)
	str("SCHEMA", &c.Database.Schema)
	str("ENGINE", &c.Database.Engine)
	str("DATA_DIR", &c.Database.DataDir)
	str("COMPRESSION", &c.Database.Compression)
	str("DIAGNOSTICS", &c.Diagnostics.Mode)
	str("DIAGNOSTICS_ENDPOINT", &c.Diagnostics.APIEndpoint)
	str("DIAGNOSTICS_FILE", &c.Diagnostics.File)

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	if v, ok := lookup(envPrefix + "DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		c.Diagnostics.Debug = b
	}
	return nil
}

// Validate checks the values that can be checked without touching disk.
func (c *Config) Validate() error {
	switch c.Database.Engine {
	case "memory", "json", "sqlite", "sqlite-pure":
	default:
		return fmt.Errorf("database.engine: unknown engine %q", c.Database.Engine)
	}
	if _, err := store.ParseCompression(c.Database.Compression); err != nil {
		return fmt.Errorf("database.compression: %w", err)
	}
	mode, err := diag.ParseMode(c.Diagnostics.Mode)
	if err != nil {
		return fmt.Errorf("diagnostics.mode: %w", err)
	}
	if mode == diag.ModeAPI && c.Diagnostics.APIEndpoint == "" {
		return fmt.Errorf("diagnostics.api_endpoint: required for mode %q", mode)
	}
	return nil
}

// FindConfigPath returns the first config file found, or "".
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}
	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
