// Package config loads worker settings from a YAML file and command line
// flags. Flags given explicitly override the file, the file overrides
// Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/pflag"

	"github.com/mirkobrombin/go-sortlock/v1/lock"
)

// BusType selects the lock event bus.
type BusType string

const (
	BusNone   BusType = "none"
	BusMemory BusType = "memory"
	BusRedis  BusType = "redis"
	BusNATS   BusType = "nats"
)

// StoreType selects the score store backend.
type StoreType string

const (
	StoreRedis    StoreType = "redis"
	StorePostgres StoreType = "postgres"
	StoreMemory   StoreType = "memory"
)

// ValidatorMode selects how store audits are reported.
type ValidatorMode string

const (
	ValidatorOff   ValidatorMode = "off"
	ValidatorNoop  ValidatorMode = "noop"
	ValidatorAlert ValidatorMode = "alert"
)

type Config struct {
	Store       StoreType       `json:"store"`
	Redis       RedisConfig     `json:"redis"`
	Postgres    PostgresConfig  `json:"postgres"`
	Bus         BusConfig       `json:"bus"`
	Lock        LockConfig      `json:"lock"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	Validator   ValidatorConfig `json:"validator"`
	MetricsAddr string          `json:"metricsAddr"`
	Tracing     bool            `json:"tracing"`
	Agents      []string        `json:"agents"`
}

type RedisConfig struct {
	Addr      string   `json:"addr"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Namespace string   `json:"namespace"`
	Timeout   Duration `json:"timeout"`
}

type PostgresConfig struct {
	DSN     string   `json:"dsn"`
	Table   string   `json:"table"`
	Timeout Duration `json:"timeout"`
	// Migrate creates the table on startup.
	Migrate bool `json:"migrate"`
}

type BusConfig struct {
	Type    BusType  `json:"type"`
	NATSURL string   `json:"natsURL"`
	Breaker int      `json:"breakerThreshold"`
	Cooloff Duration `json:"breakerCooloff"`
}

type LockConfig struct {
	Interval      Duration `json:"interval"`
	ErrorInterval Duration `json:"errorInterval"`
	Timeout       Duration `json:"timeout"`
}

// Intervals converts c to the lock timing policy.
func (c LockConfig) Intervals() lock.Interval {
	return lock.Interval{
		Interval:      time.Duration(c.Interval),
		ErrorInterval: time.Duration(c.ErrorInterval),
		Timeout:       time.Duration(c.Timeout),
	}
}

type SchedulerConfig struct {
	Parallelism   int      `json:"parallelism"`
	PollInterval  Duration `json:"pollInterval"`
	RefreshPeriod int      `json:"refreshPeriod"`
}

type ValidatorConfig struct {
	Mode     ValidatorMode `json:"mode"`
	Interval Duration      `json:"interval"`
	Grace    Duration      `json:"grace"`
}

// Default returns the settings used when neither file nor flags say
// otherwise.
func Default() Config {
	iv := lock.DefaultInterval
	return Config{
		Store: StoreRedis,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "sortlock",
			Timeout:   Duration(5 * time.Second),
		},
		Postgres: PostgresConfig{
			Table:   "sortlock_units",
			Timeout: Duration(5 * time.Second),
			Migrate: true,
		},
		Bus: BusConfig{
			Type:    BusRedis,
			NATSURL: "nats://localhost:4222",
			Breaker: 5,
			Cooloff: Duration(10 * time.Second),
		},
		Lock: LockConfig{
			Interval:      Duration(iv.Interval),
			ErrorInterval: Duration(iv.ErrorInterval),
			Timeout:       Duration(iv.Timeout),
		},
		Scheduler: SchedulerConfig{
			Parallelism:   -1,
			PollInterval:  Duration(time.Second),
			RefreshPeriod: 30,
		},
		Validator: ValidatorConfig{
			Mode:     ValidatorAlert,
			Interval: Duration(time.Minute),
			Grace:    Duration(time.Minute),
		},
		MetricsAddr: ":9090",
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads args, loads the file named by --config if any, applies the
// flags that were set and validates the result.
func Parse(name string, args []string) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	file := fs.StringP("config", "c", "", "config file")

	def := Default()
	var flagged Config
	fs.StringVar((*string)(&flagged.Store), "store", string(def.Store), "score store: redis, postgres or memory")
	fs.StringVar(&flagged.Postgres.DSN, "postgres-dsn", "", "postgres connection string")
	fs.StringVar(&flagged.Redis.Addr, "redis-addr", def.Redis.Addr, "redis address")
	fs.StringVar(&flagged.Redis.Password, "redis-password", "", "redis password")
	fs.IntVar(&flagged.Redis.DB, "redis-db", 0, "redis database")
	fs.StringVar(&flagged.Redis.Namespace, "namespace", def.Redis.Namespace, "key namespace of the two pools")
	fs.StringVar((*string)(&flagged.Bus.Type), "bus", string(def.Bus.Type), "event bus: none, memory, redis or nats")
	fs.StringVar(&flagged.Bus.NATSURL, "nats-url", def.Bus.NATSURL, "nats server url")
	fs.IntVarP(&flagged.Scheduler.Parallelism, "parallelism", "p", def.Scheduler.Parallelism, "concurrent agents, -1 for unlimited")
	fs.StringVar(&flagged.MetricsAddr, "metrics-addr", def.MetricsAddr, "listen address of /metrics, empty to disable")
	fs.BoolVar(&flagged.Tracing, "tracing", false, "print spans to stdout")
	fs.StringSliceVar(&flagged.Agents, "agent", nil, "agent to schedule, repeatable")
	lockTimeout := fs.Duration("lock-timeout", time.Duration(def.Lock.Timeout), "liveness threshold of a hold")
	poll := fs.Duration("poll-interval", time.Duration(def.Scheduler.PollInterval), "scheduler pass interval")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := def
	if *file != "" {
		var err error
		if cfg, err = Load(*file); err != nil {
			return Config{}, err
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "store":
			cfg.Store = flagged.Store
		case "postgres-dsn":
			cfg.Postgres.DSN = flagged.Postgres.DSN
		case "redis-addr":
			cfg.Redis.Addr = flagged.Redis.Addr
		case "redis-password":
			cfg.Redis.Password = flagged.Redis.Password
		case "redis-db":
			cfg.Redis.DB = flagged.Redis.DB
		case "namespace":
			cfg.Redis.Namespace = flagged.Redis.Namespace
		case "bus":
			cfg.Bus.Type = flagged.Bus.Type
		case "nats-url":
			cfg.Bus.NATSURL = flagged.Bus.NATSURL
		case "parallelism":
			cfg.Scheduler.Parallelism = flagged.Scheduler.Parallelism
		case "metrics-addr":
			cfg.MetricsAddr = flagged.MetricsAddr
		case "tracing":
			cfg.Tracing = flagged.Tracing
		case "agent":
			cfg.Agents = flagged.Agents
		case "lock-timeout":
			cfg.Lock.Timeout = Duration(*lockTimeout)
		case "poll-interval":
			cfg.Scheduler.PollInterval = Duration(*poll)
		}
	})
	return cfg, cfg.Validate()
}

// Validate reports settings the worker cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreRedis, StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("config: postgres store needs a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store type %q", c.Store))
	}
	switch c.Bus.Type {
	case BusNone, BusMemory, BusRedis, BusNATS:
	default:
		errs = append(errs, fmt.Errorf("config: unknown bus type %q", c.Bus.Type))
	}
	switch c.Validator.Mode {
	case ValidatorOff, ValidatorNoop, ValidatorAlert:
	default:
		errs = append(errs, fmt.Errorf("config: unknown validator mode %q", c.Validator.Mode))
	}
	if p := c.Scheduler.Parallelism; p == 0 || p < -1 {
		errs = append(errs, fmt.Errorf("config: parallelism must be positive or -1, got %d", p))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, errors.New("config: lock timeout must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("config: poll interval must be positive"))
	}
	if c.Store == StoreRedis && c.Redis.Namespace == "" {
		errs = append(errs, errors.New("config: namespace must not be empty"))
	}
	return errors.Join(errs...)
}
