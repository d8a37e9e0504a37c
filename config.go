package acctapi

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		NodeID          int64         `yaml:"node_id"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		ConnectionString string `yaml:"conn_str"`
		MaxConns         int32  `yaml:"max_conns"`
		MinConns         int32  `yaml:"min_conns"`
	} `yaml:"database"`
	Limits  LimitsConfig  `yaml:"limits"`
	Breaker BreakerConfig `yaml:"breaker"`
	Log     struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Seed SeedConfig `yaml:"seed"`
}

// LimitsConfig sizes the in-flight semaphores. Operations missing from
// PerOperation get Default.
type LimitsConfig struct {
	Default        int64            `yaml:"default"`
	PerOperation   map[string]int64 `yaml:"per_operation"`
	AcquireTimeout time.Duration    `yaml:"acquire_timeout"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

type SeedConfig struct {
	Users []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"users"`
	Accounts []struct {
		ID      string `yaml:"id"`
		OwnerID string `yaml:"owner_id"`
		Balance string `yaml:"balance"`
	} `yaml:"accounts"`
}

// LoadConfig decodes the YAML file at path and fills unset fields with
// defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err = yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3003"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 16
	}
	if c.Limits.Default == 0 {
		c.Limits.Default = 64
	}
	if c.Limits.AcquireTimeout == 0 {
		c.Limits.AcquireTimeout = 500 * time.Millisecond
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
