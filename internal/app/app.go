package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/auth"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/batcher"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/channels"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/config"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/dedup"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/engine"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/hub"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/ingest"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/ratelimit"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/rules"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/scheduler"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/service"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is everything one pipeline instance needs. Optional parts are nil
// when their backend is not configured.
type components struct {
	store    *storage.Store
	redis    *redis.Client
	rules    *rules.Cache
	memLimit *ratelimit.MemoryLimiter
	dedup    dedup.Store
	engine   *engine.Engine
	registry *channels.Registry
	delivery *delivery.Scheduler
	batcher  *batcher.Batcher
	hub      *hub.Hub
	service  *service.Service

	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.Config.Redis.Addr, err)
	}
	return client, nil
}

// build wires the pipeline. withHub controls whether the websocket hub is
// constructed; simulate runs without it.
func (a *App) build(ctx context.Context, withHub bool) (*components, error) {
	cfg := a.Config
	c := &components{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		c.store = store
		c.closers = append(c.closers, closeStore)
	}

	if cfg.Engine.DedupBackend == config.BackendRedis || cfg.Engine.RateLimitBackend == config.BackendRedis {
		client, err := a.openRedis(ctx)
		if err != nil {
			c.close()
			return nil, err
		}
		c.redis = client
		c.closers = append(c.closers, func() { _ = client.Close() })
	}

	var source rules.Source
	switch cfg.Rules.Source {
	case config.BackendPostgres:
		source = rules.SourceFunc(store.ListRules)
	default:
		source = rules.NewFileSource(cfg.Rules.Path, a.Logger)
	}
	c.rules = rules.NewCache(source, rules.Options{
		RefreshInterval: cfg.Rules.RefreshInterval,
		Watch:           cfg.Rules.Watch,
	}, a.Logger)
	if err := c.rules.Refresh(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("load rules: %w", err)
	}

	var limiter ratelimit.Limiter
	switch cfg.Engine.RateLimitBackend {
	case config.BackendRedis:
		limiter = ratelimit.NewRedisLimiter(c.redis, cfg.Redis.KeyPrefix)
	default:
		c.memLimit = ratelimit.NewMemoryLimiter()
		limiter = c.memLimit
	}

	switch cfg.Engine.DedupBackend {
	case config.BackendRedis:
		c.dedup = dedup.NewRedisStore(c.redis, cfg.Redis.KeyPrefix)
	case config.BackendPostgres:
		c.dedup = store
	default:
		c.dedup = dedup.NewMemoryStore()
	}

	engineOpts := engine.Options{DedupWindow: cfg.Engine.DedupWindow}
	if store != nil {
		engineOpts.Stats = store
	}
	c.engine = engine.New(c.rules, limiter, c.dedup, engineOpts, a.Logger)

	c.registry, err = channels.FromConfig(cfg.Channels, a.Logger)
	if err != nil {
		c.close()
		return nil, err
	}

	var deliveryLog delivery.Log
	if cfg.Delivery.LogBackend == config.BackendPostgres {
		deliveryLog = store
	}
	c.delivery = delivery.NewScheduler(c.registry, deliveryLog, delivery.Options{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff: delivery.Backoff{
			Base:   cfg.Delivery.BaseDelay,
			Max:    cfg.Delivery.MaxDelay,
			Jitter: cfg.Delivery.Jitter,
		},
		Workers:                   cfg.Delivery.Workers,
		ChannelConcurrency:        cfg.Delivery.ChannelConcurrency,
		DefaultChannelConcurrency: cfg.Delivery.DefaultChannelConcurrency,
		SendTimeout:               cfg.Delivery.SendTimeout,
	}, a.Logger)

	c.rules.OnDisable(func(ctx context.Context, ruleID string) {
		n := c.delivery.CancelRule(ctx, ruleID)
		a.Logger.Info().Str("rule_id", ruleID).Int("cancelled", n).Msg("rule disabled, pending deliveries cancelled")
	})

	batchOpts := batcher.Options{Enabled: cfg.Batching.Enabled, Window: cfg.Batching.Window}
	if store != nil {
		batchOpts.Store = store
	}
	c.batcher = batcher.New(c.delivery, batchOpts, a.Logger)

	var broadcaster service.Broadcaster
	if withHub && cfg.Hub.Enabled {
		c.hub = hub.New(a.validator(store), hub.Options{
			Path:         cfg.Hub.Path,
			PingInterval: cfg.Hub.PingInterval,
			WriteTimeout: cfg.Hub.WriteTimeout,
			AuthTimeout:  cfg.Hub.AuthTimeout,
			SendBuffer:   cfg.Hub.SendBuffer,
		}, a.Logger)
		broadcaster = c.hub
	}

	c.service = service.New(c.engine, broadcaster, c.batcher, a.Logger)
	return c, nil
}

func (a *App) validator(store *storage.Store) auth.Validator {
	if a.Config.Hub.AuthBackend == config.BackendPostgres {
		return store.Validator()
	}
	return auth.NewStaticValidator(a.Config.HubTokens())
}

func (a *App) housekeeper(c *components) *scheduler.Housekeeper {
	h := scheduler.NewHousekeeper(a.Logger)
	if sweeper, ok := c.dedup.(dedup.Sweeper); ok {
		h.Add(scheduler.Task{Name: "dedup", Run: sweeper.Sweep})
	}
	if c.memLimit != nil {
		h.Add(scheduler.Task{Name: "ratelimit", Run: func(_ context.Context, now time.Time) (int, error) {
			return c.memLimit.Prune(now, ratelimit.Window), nil
		}})
	}
	if retention := a.Config.Delivery.LogRetention; retention > 0 {
		h.Add(scheduler.Task{Name: "delivery_log", Run: func(ctx context.Context, now time.Time) (int, error) {
			n, err := c.delivery.Prune(ctx, now.Add(-retention))
			return int(n), err
		}})
	}
	return h
}

// Run executes the long-running alert service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	if c.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Housekeeping.Interval,
		AlignToStart: true,
	}, a.Logger)
	if err != nil {
		return err
	}
	var locker service.AdvisoryLocker
	if c.store != nil {
		locker = c.store
	}
	maintenance := service.NewMaintenance(a.housekeeper(c), locker, a.Config.Housekeeping.AdvisoryLockKey, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.rules.Run(gctx) })
	g.Go(func() error { return c.delivery.Run(gctx) })
	g.Go(func() error { return c.batcher.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, maintenance.Tick) })

	if c.hub != nil {
		g.Go(func() error { return c.hub.Run(gctx) })
		g.Go(func() error { return c.hub.ListenAndServe(gctx, a.Config.Hub.Listen) })
	}

	if len(a.Config.Kafka.Brokers) > 0 {
		reader := ingest.NewKafkaReader(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, a.Config.Kafka.GroupID)
		consumer := ingest.NewConsumer(reader, c.service.Handle, ingest.Options{Workers: a.Config.Kafka.Workers}, a.Logger)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		a.Logger.Warn().Msg("kafka.brokers not configured; no event feed attached")
	}

	a.Logger.Info().
		Int("rules", len(c.rules.Rules())).
		Strs("channels", c.registry.IDs()).
		Bool("hub", c.hub != nil).
		Msg("starting alert service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the delivery log.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a dry run over an event file.
type SimulateOptions struct {
	EventsPath string
	Deliver    bool
	Wait       time.Duration
}

// MigrateOptions configure the migrate command.
type MigrateOptions struct {
	RulesPath string
}
