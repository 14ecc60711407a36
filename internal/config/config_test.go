package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/rage-js/rage/internal/mirror"
)

func validConfig() *Config {
	cfg := Default()
	cfg.DatabaseSpecificSettings = DatabaseSettings{
		SecretKey:          "mongodb://localhost:27017",
		Dbs:                []string{"shop"},
		ExcludeCollections: []string{"shop/sessions"},
	}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Method != PushAfterInterval {
		t.Errorf("Method = %q, want PAI", cfg.Method)
	}
	if cfg.Interval() != 10*time.Minute {
		t.Errorf("Interval = %v, want 10m", cfg.Interval())
	}
	if cfg.StartDelay() != 10*time.Second {
		t.Errorf("StartDelay = %v, want 10s", cfg.StartDelay())
	}
	if cfg.ShutdownGraceDuration() != 3500*time.Millisecond {
		t.Errorf("ShutdownGrace = %v", cfg.ShutdownGraceDuration())
	}
	if cfg.DatabaseType != MongoDB || cfg.OutDir != "." || !cfg.Logger || !cfg.WatchFiles {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{name: "defaults with databases", mutate: func(*Config) {}},
		{name: "minimum waits", mutate: func(c *Config) {
			c.MethodSpecificSettings.Interval = 5000
			c.LoopStartDelay = 5000
		}},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.MethodSpecificSettings.Interval = 4999 },
			wantErr: true,
			errMsg:  "interval must be at least 5000ms",
		},
		{
			name:    "loop start delay too short",
			mutate:  func(c *Config) { c.LoopStartDelay = 1000 },
			wantErr: true,
			errMsg:  "loopStartDelay must be at least 5000ms",
		},
		{
			name:    "unknown method",
			mutate:  func(c *Config) { c.Method = "SOMETIMES" },
			wantErr: true,
			errMsg:  `unknown method "SOMETIMES"`,
		},
		{name: "push on update", mutate: func(c *Config) { c.Method = PushOnUpdate }},
		{
			name:    "data api without endpoint",
			mutate:  func(c *Config) { c.DatabaseType = DataAPI },
			wantErr: true,
			errMsg:  "endpoint is required",
		},
		{
			name:    "unknown database type",
			mutate:  func(c *Config) { c.DatabaseType = "Postgres" },
			wantErr: true,
			errMsg:  "unknown databaseType",
		},
		{
			name:    "malformed exclusion",
			mutate:  func(c *Config) { c.DatabaseSpecificSettings.ExcludeCollections = []string{"sessions"} },
			wantErr: true,
			errMsg:  "must be database/collection",
		},
		{
			name:    "invalid database name",
			mutate:  func(c *Config) { c.DatabaseSpecificSettings.Dbs = []string{"../etc"} },
			wantErr: true,
			errMsg:  "invalid database name",
		},
		{
			name: "bad schema",
			mutate: func(c *Config) {
				c.Schemas = []CollectionSchema{{Collection: "shop/orders", Fields: []mirror.Field{{Name: "at", Type: "date"}}}}
			},
			wantErr: true,
			errMsg:  "schema for shop/orders",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: true,
			errMsg:  "unknown tracing exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func TestLoad_FromJSON(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("json")

	data := `{
		"method": "POU",
		"methodSpecificSettings": {"interval": 15000},
		"databaseType": "DataAPI",
		"databaseSpecificSettings": {
			"secretKey": "key",
			"endpoint": "https://data.example.com",
			"dbs": ["shop", "crm"],
			"excludeCollections": ["shop/sessions"]
		},
		"loopStartDelay": 7000,
		"outDir": "./mirror",
		"fetchOnFirst": true,
		"schemas": [
			{"collection": "shop/orders", "fields": [{"name": "total", "type": "number", "required": true}]}
		]
	}`
	if err := v.ReadConfig(strings.NewReader(data)); err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Method != PushOnUpdate || cfg.DatabaseType != DataAPI {
		t.Errorf("unexpected method/type %q/%q", cfg.Method, cfg.DatabaseType)
	}
	if cfg.Interval() != 15*time.Second || cfg.StartDelay() != 7*time.Second {
		t.Errorf("unexpected durations %v/%v", cfg.Interval(), cfg.StartDelay())
	}
	if !cfg.FetchOnFirst || cfg.BatchSize != 500 {
		t.Errorf("unexpected flags %+v", cfg)
	}

	scope := cfg.Scope()
	if !scope.Allows("crm", "leads") || scope.Allows("shop", "sessions") {
		t.Errorf("unexpected scope %+v", scope)
	}

	schemas := cfg.MirrorSchemas()
	orders := schemas["shop/orders"]
	if orders == nil || len(orders.Fields) != 1 || orders.Fields[0].Type != mirror.TypeNumber || !orders.Fields[0].Required {
		t.Errorf("schema not decoded: %+v", orders)
	}

	if got, want := cfg.Ledger(), filepath.Join("mirror", ".rage", "ledger.db"); got != want {
		t.Errorf("Ledger() = %q, want %q", got, want)
	}
}

func TestLoad_RejectsShortInterval(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("methodSpecificSettings.interval", 100)

	if _, err := Load(v); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
