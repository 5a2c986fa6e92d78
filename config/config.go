package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.pilab.hu/sessionguard/internal/auth"
	"go.pilab.hu/sessionguard/services"
)

// EnvPrefix is prepended to every environment variable, e.g.
// SGUARD_STORE_BACKEND or SGUARD_SERVER_ADDR.
const EnvPrefix = "SGUARD"

// Supported store backends.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongodb"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is shared by the server, the agent and guardctl.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Arbitrator ArbitratorConfig `mapstructure:"arbitrator"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// APIKeys maps an operator key to the actor name recorded in audit events.
	APIKeys         map[string]string `mapstructure:"api_keys"`
	MetricsPath     string            `mapstructure:"metrics_path"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
}

type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

type ArbitratorConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ActivitySpacing     time.Duration `mapstructure:"activity_spacing"`
	FailurePolicy       string        `mapstructure:"failure_policy"`
	ResubscribeAttempts int           `mapstructure:"resubscribe_attempts"`
	ResubscribeBackoff  time.Duration `mapstructure:"resubscribe_backoff"`
	LookupTimeout       time.Duration `mapstructure:"lookup_timeout"`
}

// AgentConfig is used by cmd/agent and guardctl.
type AgentConfig struct {
	Username string         `mapstructure:"username"`
	Password string         `mapstructure:"password"`
	Accounts []auth.Account `mapstructure:"accounts"`
	APIURL   string         `mapstructure:"api_url"`
	APIKey   string         `mapstructure:"api_key"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Services converts the arbitrator section into services.ArbitratorConfig.
func (c ArbitratorConfig) Services() (services.ArbitratorConfig, error) {
	policy, err := services.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return services.ArbitratorConfig{}, err
	}
	return services.ArbitratorConfig{
		HeartbeatInterval:   c.HeartbeatInterval,
		ActivitySpacing:     c.ActivitySpacing,
		FailurePolicy:       policy,
		ResubscribeAttempts: c.ResubscribeAttempts,
		ResubscribeBackoff:  c.ResubscribeBackoff,
		LookupTimeout:       c.LookupTimeout,
	}, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMongo, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.Postgres.DSN == "" {
		return errors.New("store.postgres.dsn is required for the postgres backend")
	}
	if _, err := c.Arbitrator.Services(); err != nil {
		return err
	}
	if c.Sweeper.Enabled && (c.Sweeper.Retention <= 0 || c.Sweeper.Interval <= 0) {
		return errors.New("sweeper.retention and sweeper.interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := services.DefaultArbitratorConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("store.mongo.database", "sessionguard")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "sguard:")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 16)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_keys", map[string]string{})
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.retention", "720h")
	v.SetDefault("sweeper.interval", "1h")

	v.SetDefault("arbitrator.heartbeat_interval", def.HeartbeatInterval.String())
	v.SetDefault("arbitrator.activity_spacing", def.ActivitySpacing.String())
	v.SetDefault("arbitrator.failure_policy", "terminate")
	v.SetDefault("arbitrator.resubscribe_attempts", def.ResubscribeAttempts)
	v.SetDefault("arbitrator.resubscribe_backoff", def.ResubscribeBackoff.String())
	v.SetDefault("arbitrator.lookup_timeout", def.LookupTimeout.String())

	v.SetDefault("agent.username", "")
	v.SetDefault("agent.password", "")
	v.SetDefault("agent.accounts", []auth.Account{})
	v.SetDefault("agent.api_url", "http://localhost:8080")
	v.SetDefault("agent.api_key", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sessionguard")
}

// Loader reads configuration from an optional sessionguard.yaml, SGUARD_
// environment variables and defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches the working directory,
// $HOME/.sessionguard and /etc/sessionguard.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sessionguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sessionguard")
		v.AddConfigPath("/etc/sessionguard/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v}
}

// Viper exposes the underlying instance so commands can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the file on change and hands every valid result to fn.
// Invalid edits are reported through onErr and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		fn(&cfg)
	})
	l.v.WatchConfig()
}

// Load is a shortcut for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
