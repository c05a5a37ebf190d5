package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-sortlock/v1/config"
	"github.com/mirkobrombin/go-sortlock/v1/lock"
	"github.com/mirkobrombin/go-sortlock/v1/scheduler"
	"github.com/mirkobrombin/go-sortlock/v1/store"
	"github.com/mirkobrombin/go-sortlock/v1/store/memory"
	"github.com/mirkobrombin/go-sortlock/v1/store/postgres"
	redisstore "github.com/mirkobrombin/go-sortlock/v1/store/redis"
	"github.com/mirkobrombin/go-sortlock/v1/syncbus"
	"github.com/mirkobrombin/go-sortlock/v1/validator"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedis creates a lock manager using Redis as both the score store and
// the event bus.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *lock.Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var storeOpts []redisstore.Option
	if opts.Namespace != "" {
		storeOpts = append(storeOpts, redisstore.WithNamespace(opts.Namespace))
	}
	s := redisstore.New(client, storeOpts...)
	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})

	return lock.NewManager(s, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
}

// NewInMemoryStandalone creates a lock manager that runs entirely
// in-memory. Only goroutines sharing the returned manager's store contend,
// which is useful for local development and tests.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.Manager {
	return lock.NewManager(memory.New(), append([]lock.Option{lock.WithBus(syncbus.NewInMemoryBus())}, lockOpts...)...)
}

// Node is everything a worker process runs, built from a config.Config.
type Node struct {
	Store     store.Store
	Bus       syncbus.Bus
	Lock      *lock.Manager
	Scheduler *scheduler.Scheduler
	// Validator is nil when auditing is off.
	Validator *validator.Validator

	closers []func() error
}

// Close releases the connections opened by FromConfig.
func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

// FromConfig wires the configured store and bus, a lock manager, a
// scheduler and optionally a validator.
func FromConfig(cfg config.Config, logger *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{}
	ctx := context.Background()

	var client *redis.Client
	if cfg.Store == config.StoreRedis || cfg.Bus.Type == config.BusRedis {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		n.closers = append(n.closers, client.Close)
	}

	switch cfg.Store {
	case config.StoreRedis:
		n.Store = redisstore.New(client,
			redisstore.WithNamespace(cfg.Redis.Namespace),
			redisstore.WithTimeout(time.Duration(cfg.Redis.Timeout)),
		)
	case config.StorePostgres:
		ps, err := postgres.Open(cfg.Postgres.DSN,
			postgres.WithTable(cfg.Postgres.Table),
			postgres.WithTimeout(time.Duration(cfg.Postgres.Timeout)),
		)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		n.closers = append(n.closers, ps.Close)
		if cfg.Postgres.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = n.Close()
				return nil, err
			}
		}
		n.Store = ps
	case config.StoreMemory:
		n.Store = memory.New()
	}

	bus, err := newBus(cfg.Bus, client, n)
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	n.Bus = bus

	intervals := lock.StaticInterval(cfg.Lock.Intervals())
	lockOpts := []lock.Option{lock.WithIntervals(intervals), lock.WithLogger(logger)}
	if bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(bus))
	}
	n.Lock = lock.NewManager(n.Store, lockOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithParallelism(cfg.Scheduler.Parallelism),
		scheduler.WithPollInterval(time.Duration(cfg.Scheduler.PollInterval)),
		scheduler.WithRefreshPeriod(cfg.Scheduler.RefreshPeriod),
		scheduler.WithIntervals(intervals),
		scheduler.WithLogger(logger),
	}
	if bus != nil {
		schedOpts = append(schedOpts, scheduler.WithBus(bus))
	}
	n.Scheduler, err = scheduler.New(n.Lock, schedOpts...)
	if err != nil {
		_ = n.Close()
		return nil, err
	}

	switch cfg.Validator.Mode {
	case config.ValidatorNoop:
		n.Validator = validator.New(n.Store, validator.ModeNoop, time.Duration(cfg.Validator.Interval), time.Duration(cfg.Validator.Grace))
	case config.ValidatorAlert:
		n.Validator = validator.New(n.Store, validator.ModeAlert, time.Duration(cfg.Validator.Interval), time.Duration(cfg.Validator.Grace))
	}
	if n.Validator != nil {
		n.Validator.WithLogger(logger)
	}
	return n, nil
}

func newBus(cfg config.BusConfig, client *redis.Client, n *Node) (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch cfg.Type {
	case config.BusNone:
		return nil, nil
	case config.BusMemory:
		bus = syncbus.NewInMemoryBus()
	case config.BusRedis:
		rb := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
		n.closers = append(n.closers, rb.Close)
		bus = rb
	case config.BusNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("presets: nats connect: %w", err)
		}
		n.closers = append(n.closers, func() error { conn.Close(); return nil })
		bus = syncbus.NewNATSBus(conn)
	default:
		return nil, fmt.Errorf("presets: unknown bus type %q", cfg.Type)
	}
	if cfg.Breaker > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.Breaker, time.Duration(cfg.Cooloff))
	}
	return bus, nil
}
