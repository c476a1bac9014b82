package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory"
	natsbus "github.com/alanyang/agent-coordinator/internal/adapter/nats"
	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/service/breaker"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/tracing"
)

const EnvPrefix = "AGENTCOORD"

// Bus drivers.
const (
	BusMemory   = "memory"
	BusNATS     = "nats"
	BusPostgres = "postgres"
	BusRedis    = "redis"
)

type Config struct {
	Server       ServerConfig               `mapstructure:"server"`
	Logging      LoggingConfig              `mapstructure:"logging"`
	Bus          BusConfig                  `mapstructure:"bus"`
	Database     DatabaseConfig             `mapstructure:"database"`
	Registry     RegistryConfig             `mapstructure:"registry"`
	Breaker      breaker.Config             `mapstructure:"breaker"`
	Orchestrator orchestrator.Config        `mapstructure:"orchestrator"`
	Schedule     coordinator.ScheduleConfig `mapstructure:"schedule"`
	Dedupe       DedupeConfig               `mapstructure:"dedupe"`
	Tracing      tracing.Config             `mapstructure:"tracing"`
	LocalAgents  []LocalAgentConfig         `mapstructure:"local_agents"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type BusConfig struct {
	Driver     string         `mapstructure:"driver"`
	BufferSize int            `mapstructure:"buffer_size"`
	NATS       natsbus.Config `mapstructure:"nats"`
	RedisURL   string         `mapstructure:"redis_url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RegistryConfig struct {
	DegradedAfter time.Duration `mapstructure:"degraded_after"`
	OfflineAfter  time.Duration `mapstructure:"offline_after"`
	EvictionGrace time.Duration `mapstructure:"eviction_grace"`
}

func (r RegistryConfig) Thresholds() domainagent.HealthThresholds {
	return domainagent.HealthThresholds{Degraded: r.DegradedAfter, Offline: r.OfflineAfter}
}

type DedupeConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LocalAgentConfig declares an in-process scoring agent registered at
// startup. Scores are returned for every request it answers.
type LocalAgentConfig struct {
	ID           string             `mapstructure:"id"`
	Type         string             `mapstructure:"type"`
	Capabilities []string           `mapstructure:"capabilities"`
	Scores       map[string]float64 `mapstructure:"scores"`
}

func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info"},
		Bus: BusConfig{
			Driver:     BusMemory,
			BufferSize: memory.DefaultBufferSize,
			NATS:       natsbus.DefaultConfig(),
			RedisURL:   "redis://localhost:6379/0",
		},
		Registry: RegistryConfig{
			DegradedAfter: domainagent.DefaultHealthThresholds.Degraded,
			OfflineAfter:  domainagent.DefaultHealthThresholds.Offline,
			EvictionGrace: registry.DefaultEvictionGrace,
		},
		Breaker:      breaker.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Schedule:     coordinator.DefaultScheduleConfig(),
		Dedupe:       DedupeConfig{TTL: memory.DefaultDedupeTTL},
		Tracing:      tracing.Config{Enabled: false, Exporter: "noop"},
	}
}

// SetDefaults registers every leaf key so environment overrides apply even
// without a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("bus.driver", d.Bus.Driver)
	v.SetDefault("bus.buffer_size", d.Bus.BufferSize)
	v.SetDefault("bus.redis_url", d.Bus.RedisURL)
	v.SetDefault("bus.nats.url", d.Bus.NATS.URL)
	v.SetDefault("bus.nats.name", d.Bus.NATS.Name)
	v.SetDefault("bus.nats.token", d.Bus.NATS.Token)
	v.SetDefault("bus.nats.reconnect_wait", d.Bus.NATS.ReconnectWait)
	v.SetDefault("bus.nats.max_reconnects", d.Bus.NATS.MaxReconnects)
	v.SetDefault("bus.nats.connect_timeout", d.Bus.NATS.ConnectTimeout)

	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("registry.degraded_after", d.Registry.DegradedAfter)
	v.SetDefault("registry.offline_after", d.Registry.OfflineAfter)
	v.SetDefault("registry.eviction_grace", d.Registry.EvictionGrace)

	v.SetDefault("breaker.threshold", d.Breaker.Threshold)
	v.SetDefault("breaker.cooldown", d.Breaker.Cooldown)

	v.SetDefault("orchestrator.sender_id", d.Orchestrator.SenderID)
	v.SetDefault("orchestrator.consensus_threshold", d.Orchestrator.ConsensusThreshold)
	v.SetDefault("orchestrator.consensus_timeout", d.Orchestrator.ConsensusTimeout)
	v.SetDefault("orchestrator.poll_interval", d.Orchestrator.PollInterval)
	v.SetDefault("orchestrator.review_timeout", d.Orchestrator.ReviewTimeout)
	v.SetDefault("orchestrator.default_reviewers", d.Orchestrator.DefaultReviewers)

	v.SetDefault("schedule.health_interval", d.Schedule.HealthInterval)
	v.SetDefault("schedule.eviction_interval", d.Schedule.EvictionInterval)
	v.SetDefault("schedule.stats_interval", d.Schedule.StatsInterval)
	v.SetDefault("schedule.local_heartbeat_interval", d.Schedule.LocalHeartbeatInterval)

	v.SetDefault("dedupe.ttl", d.Dedupe.TTL)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
}

// Init prepares v: defaults, optional config file, AGENTCOORD_* overrides,
// plus the bare DATABASE_URL and PORT variables. A missing file is not an
// error when none was named explicitly.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("coordinator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agent-coordinator")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if !slices.Contains([]string{BusMemory, BusNATS, BusPostgres, BusRedis}, c.Bus.Driver) {
		add("bus.driver %q not one of memory, nats, postgres, redis", c.Bus.Driver)
	}
	if c.Bus.Driver == BusPostgres && c.Database.URL == "" {
		add("bus.driver postgres needs database.url")
	}
	if c.Registry.DegradedAfter <= 0 || c.Registry.OfflineAfter <= c.Registry.DegradedAfter {
		add("registry.offline_after (%s) must exceed registry.degraded_after (%s)", c.Registry.OfflineAfter, c.Registry.DegradedAfter)
	}
	if t := c.Orchestrator.ConsensusThreshold; t <= 0 || t > 1 {
		add("orchestrator.consensus_threshold %v not in (0,1]", t)
	}
	if c.Breaker.Threshold == 0 {
		add("breaker.threshold must be positive")
	}
	if len(c.LocalAgents) > 0 {
		if hb := c.Schedule.LocalHeartbeatInterval; hb <= 0 || hb >= c.Registry.DegradedAfter {
			add("schedule.local_heartbeat_interval (%s) must be positive and below registry.degraded_after (%s)", hb, c.Registry.DegradedAfter)
		}
	}
	for i, a := range c.LocalAgents {
		if a.ID == "" || a.Type == "" {
			add("local_agents[%d] needs id and type", i)
		}
	}
	return errors.Join(errs...)
}
