// Package config loads and validates relay configuration from file and
// environment.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/viper"

	"github.com/webxla/cnrelay/internal/backoff"
	"github.com/webxla/cnrelay/internal/proxysocks"
)

// PoolDescriptor identifies one upstream pool endpoint. Descriptors are
// immutable after load and shared read-only by every session pointed at them.
type PoolDescriptor struct {
	Name      string `mapstructure:"name"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Algorithm string `mapstructure:"algorithm"`
	Protocol  string `mapstructure:"protocol"`
}

// Addr returns the host:port dial target.
func (p PoolDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Config is the full relay configuration.
type Config struct {
	Listen      string `mapstructure:"listen"`
	Debug       bool   `mapstructure:"debug"`
	Agent       string `mapstructure:"agent"`
	DefaultPool string `mapstructure:"default_pool"`

	// StrictTarget rejects jobs whose target does not parse instead of
	// defaulting their difficulty to 1.
	StrictTarget bool `mapstructure:"strict_target"`

	Pools map[string]PoolDescriptor `mapstructure:"pools"`

	Heartbeat HeartbeatConfig   `mapstructure:"heartbeat"`
	Upstream  UpstreamConfig    `mapstructure:"upstream"`
	Socks     proxysocks.Config `mapstructure:"socks"`
}

// HeartbeatConfig tunes the registry sweep.
type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StaleTimeout   time.Duration `mapstructure:"stale_timeout"`
	StuckGrace     time.Duration `mapstructure:"stuck_grace"`
	CorrelationTTL time.Duration `mapstructure:"correlation_ttl"`
}

// UpstreamConfig tunes the pool leg of every session.
type UpstreamConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReadIdleTimeout   time.Duration `mapstructure:"read_idle_timeout"`

	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffGrowth     float64       `mapstructure:"backoff_growth"`
	BackoffJitter     time.Duration `mapstructure:"backoff_jitter"`
	MaxReconnectTries int           `mapstructure:"max_reconnect_tries"`
}

// BackoffConfig maps the upstream settings onto a scheduler config.
func (u UpstreamConfig) BackoffConfig() backoff.Config {
	return backoff.Config{
		Base:        u.BackoffBase,
		Max:         u.BackoffMax,
		Growth:      u.BackoffGrowth,
		Jitter:      u.BackoffJitter,
		MaxAttempts: u.MaxReconnectTries,
	}
}

// PoolKeys returns the configured pool keys, sorted, for handshake errors.
func (c *Config) PoolKeys() []string {
	keys := make([]string, 0, len(c.Pools))
	for k := range c.Pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load reads configuration from the given file (optional) plus CNRELAY_*
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CNRELAY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = builtinPools()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	if _, ok := c.Pools[c.DefaultPool]; !ok {
		return fmt.Errorf("default_pool %q is not a configured pool", c.DefaultPool)
	}
	for key, p := range c.Pools {
		if p.Host == "" || p.Port == 0 {
			return fmt.Errorf("pool %q: host and port are required", key)
		}
	}
	if c.Upstream.BackoffMax < c.Upstream.BackoffBase {
		return fmt.Errorf("upstream.backoff_max (%s) must be >= backoff_base (%s)",
			c.Upstream.BackoffMax, c.Upstream.BackoffBase)
	}
	if c.Upstream.MaxReconnectTries <= 0 {
		return fmt.Errorf("upstream.max_reconnect_tries must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	return nil
}
