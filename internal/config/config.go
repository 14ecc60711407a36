// Package config holds the agent configuration read from rage.config.json.
//
// Durations are milliseconds, matching the file format.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rage-js/rage/internal/mirror"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// MinWait is the lower bound for interval and loopStartDelay, in milliseconds.
const MinWait = 5000

// Method selects the synchronization strategy.
type Method string

const (
	// PushAfterInterval pushes on a fixed timer.
	PushAfterInterval Method = "PAI"
	// NoInterval only pushes once, at shutdown.
	NoInterval Method = "NI"
	// PushOnUpdate pushes shortly after each local change.
	PushOnUpdate Method = "POU"
)

// DatabaseType selects the remote adapter.
type DatabaseType string

const (
	MongoDB DatabaseType = "MongoDB"
	DataAPI DatabaseType = "DataAPI"
)

type MethodSettings struct {
	Interval int `mapstructure:"interval" json:"interval"`
}

type DatabaseSettings struct {
	SecretKey          string   `mapstructure:"secretKey" json:"secretKey"`
	Endpoint           string   `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Dbs                []string `mapstructure:"dbs" json:"dbs"`
	ExcludeCollections []string `mapstructure:"excludeCollections" json:"excludeCollections"`
}

// CollectionSchema attaches field rules to one "database/collection".
type CollectionSchema struct {
	Collection string         `mapstructure:"collection" json:"collection"`
	Fields     []mirror.Field `mapstructure:"fields" json:"fields"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Exporter is "stdout" or "otlp".
	Exporter string `mapstructure:"exporter" json:"exporter"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty"`
}

// Config is the full agent configuration. It is immutable once an instance starts.
type Config struct {
	Method                   Method             `mapstructure:"method" json:"method"`
	MethodSpecificSettings   MethodSettings     `mapstructure:"methodSpecificSettings" json:"methodSpecificSettings"`
	DatabaseType             DatabaseType       `mapstructure:"databaseType" json:"databaseType"`
	DatabaseSpecificSettings DatabaseSettings   `mapstructure:"databaseSpecificSettings" json:"databaseSpecificSettings"`
	LoopStartDelay           int                `mapstructure:"loopStartDelay" json:"loopStartDelay"`
	OutDir                   string             `mapstructure:"outDir" json:"outDir"`
	FetchOnFirst             bool               `mapstructure:"fetchOnFirst" json:"fetchOnFirst"`
	Logger                   bool               `mapstructure:"logger" json:"logger"`
	LogLevel                 string             `mapstructure:"logLevel" json:"logLevel,omitempty"`
	LogFile                  string             `mapstructure:"logFile" json:"logFile,omitempty"`
	LedgerPath               string             `mapstructure:"ledgerPath" json:"ledgerPath,omitempty"`
	BatchSize                int                `mapstructure:"batchSize" json:"batchSize"`
	PushTimeout              int                `mapstructure:"pushTimeout" json:"pushTimeout"`
	ShutdownGrace            int                `mapstructure:"shutdownGrace" json:"shutdownGrace"`
	WatchFiles               bool               `mapstructure:"watchFiles" json:"watchFiles"`
	Debounce                 int                `mapstructure:"debounce" json:"debounce"`
	Schemas                  []CollectionSchema `mapstructure:"schemas" json:"schemas,omitempty"`
	Tracing                  TracingConfig      `mapstructure:"tracing" json:"tracing"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("method", string(PushAfterInterval))
	v.SetDefault("methodSpecificSettings.interval", 600000)
	v.SetDefault("databaseType", string(MongoDB))
	v.SetDefault("loopStartDelay", 10000)
	v.SetDefault("outDir", ".")
	v.SetDefault("fetchOnFirst", false)
	v.SetDefault("logger", true)
	v.SetDefault("logLevel", "info")
	v.SetDefault("batchSize", 500)
	v.SetDefault("pushTimeout", 30000)
	v.SetDefault("shutdownGrace", 3500)
	v.SetDefault("watchFiles", true)
	v.SetDefault("debounce", 1000)
	v.SetDefault("tracing.exporter", "stdout")
}

// Default returns the configuration a fresh project starts with.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds and enumerations.
func (c *Config) Validate() error {
	var problems []string

	switch c.Method {
	case PushAfterInterval, NoInterval, PushOnUpdate:
	default:
		problems = append(problems, fmt.Sprintf("unknown method %q (want PAI, NI or POU)", c.Method))
	}
	if c.MethodSpecificSettings.Interval < MinWait {
		problems = append(problems, fmt.Sprintf("interval must be at least %dms, got %d", MinWait, c.MethodSpecificSettings.Interval))
	}
	if c.LoopStartDelay < MinWait {
		problems = append(problems, fmt.Sprintf("loopStartDelay must be at least %dms, got %d", MinWait, c.LoopStartDelay))
	}

	switch c.DatabaseType {
	case MongoDB:
	case DataAPI:
		if c.DatabaseSpecificSettings.Endpoint == "" {
			problems = append(problems, "databaseSpecificSettings.endpoint is required for DataAPI")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown databaseType %q (want MongoDB or DataAPI)", c.DatabaseType))
	}

	if c.OutDir == "" {
		problems = append(problems, "outDir is required")
	}
	for _, db := range c.DatabaseSpecificSettings.Dbs {
		if db == "" || strings.ContainsAny(db, `/\`) || strings.HasPrefix(db, ".") {
			problems = append(problems, fmt.Sprintf("invalid database name %q", db))
		}
	}
	for _, e := range c.DatabaseSpecificSettings.ExcludeCollections {
		if _, _, ok := splitKey(e); !ok {
			problems = append(problems, fmt.Sprintf("excludeCollections entry %q must be database/collection", e))
		}
	}
	for _, s := range c.Schemas {
		if _, _, ok := splitKey(s.Collection); !ok {
			problems = append(problems, fmt.Sprintf("schema collection %q must be database/collection", s.Collection))
			continue
		}
		schema := mirror.Schema{Fields: s.Fields}
		if err := schema.Check(); err != nil {
			problems = append(problems, fmt.Sprintf("schema for %s: %v", s.Collection, err))
		}
	}
	if c.BatchSize < 0 || c.PushTimeout < 0 || c.ShutdownGrace < 0 || c.Debounce < 0 {
		problems = append(problems, "batchSize, pushTimeout, shutdownGrace and debounce must not be negative")
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		problems = append(problems, fmt.Sprintf("unknown tracing exporter %q", c.Tracing.Exporter))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Interval returns the push interval.
func (c *Config) Interval() time.Duration { return ms(c.MethodSpecificSettings.Interval) }

// StartDelay returns loopStartDelay.
func (c *Config) StartDelay() time.Duration { return ms(c.LoopStartDelay) }

// PushTimeoutDuration bounds the final push.
func (c *Config) PushTimeoutDuration() time.Duration { return ms(c.PushTimeout) }

// ShutdownGraceDuration is the wait between the final push and Stopped.
func (c *Config) ShutdownGraceDuration() time.Duration { return ms(c.ShutdownGrace) }

// DebounceDuration is how long POU waits for writes to settle.
func (c *Config) DebounceDuration() time.Duration { return ms(c.Debounce) }

// Ledger returns the ledger location, defaulting to outDir/.rage/ledger.db.
func (c *Config) Ledger() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.OutDir, ".rage", "ledger.db")
}

// Scope returns the mirror whitelist and blacklist.
func (c *Config) Scope() mirror.Scope {
	return mirror.Scope{
		Databases: c.DatabaseSpecificSettings.Dbs,
		Exclude:   c.DatabaseSpecificSettings.ExcludeCollections,
	}
}

// MirrorSchemas indexes the configured schemas by "database/collection".
func (c *Config) MirrorSchemas() map[string]*mirror.Schema {
	out := make(map[string]*mirror.Schema, len(c.Schemas))
	for _, s := range c.Schemas {
		out[s.Collection] = &mirror.Schema{Fields: s.Fields}
	}
	return out
}

func splitKey(key string) (db, collection string, ok bool) {
	db, collection, ok = strings.Cut(key, "/")
	return db, collection, ok && db != "" && collection != "" && !strings.Contains(collection, "/")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
