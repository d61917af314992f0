package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/you-humble/taskdispatch/api/internal/infra/config"
	"github.com/you-humble/taskdispatch/api/internal/outbox"
	"github.com/you-humble/taskdispatch/api/internal/transport"
	"github.com/you-humble/taskdispatch/api/internal/usecase"
	"github.com/you-humble/taskdispatch/core/broker"
	pgcli "github.com/you-humble/taskdispatch/core/libs/postgres"
	rediscli "github.com/you-humble/taskdispatch/core/libs/redis"
	"github.com/you-humble/taskdispatch/core/queue"
	statusstore "github.com/you-humble/taskdispatch/core/store/status"
	taskstore "github.com/you-humble/taskdispatch/core/store/task"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const cfgPath = "./api/configs/local.yaml"

type Router interface {
	Routes() http.Handler
}

type taskStore interface {
	usecase.TaskStore
	outbox.Store
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	taskStore   taskStore
	statusCache usecase.StatusCache

	broker    *broker.Manager
	taskQueue usecase.TaskQueue
	sweeper   *outbox.Sweeper

	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(config.Path(cfgPath))
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}

		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) Pool(ctx context.Context) *pgxpool.Pool {
	if di.pool == nil {
		cfg := di.Config().Database
		pool, err := pgcli.NewPool(ctx, pgcli.Config{
			URL:      cfg.URL,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			log.Fatalf("Postgres pool: %+v", err)
		}

		if err := pgcli.Migrate(ctx, pool, taskstore.Migrations()); err != nil {
			log.Fatalf("Postgres migrate: %+v", err)
		}

		di.pool = pool
		di.Logger().Info("connected to postgres")
	}
	return di.pool
}

// RedisClient does not require the cache to be up. Every cache call
// degrades to the durable store on failure.
func (di *dependencyInjector) RedisClient() *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.Open(rediscli.Config{
			URL:      cfg.URL,
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("Redis client: %+v", err)
		}

		if err := rediscli.Ping(client); err != nil {
			di.Logger().Warn("redis unavailable, status reads fall back to postgres",
				slog.String("error", err.Error()),
			)
		} else {
			di.Logger().Info("connected to redis", slog.String("addr", client.Options().Addr))
		}

		di.redis = client
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) taskStore {
	if di.taskStore == nil {
		di.taskStore = taskstore.NewPostgresTaskStore(di.Pool(ctx))
	}
	return di.taskStore
}

func (di *dependencyInjector) StatusCache() usecase.StatusCache {
	if di.statusCache == nil {
		di.statusCache = statusstore.NewRedisStatusStore(di.RedisClient())
	}
	return di.statusCache
}

func (di *dependencyInjector) Broker() *broker.Manager {
	if di.broker == nil {
		cfg := di.Config().Broker
		di.broker = broker.New(broker.Config{
			URL:                  cfg.URL,
			Name:                 cfg.Name,
			Stream:               cfg.Stream,
			Subjects:             []string{cfg.Subject, cfg.DeadSubject},
			StreamMaxAge:         cfg.StreamMaxAge,
			ReconnectInterval:    cfg.ReconnectInterval,
			MaxReconnectInterval: cfg.MaxReconnectInterval,
			PublishTimeout:       cfg.PublishTimeout,
		})
	}
	return di.broker
}

func (di *dependencyInjector) TaskQueue() usecase.TaskQueue {
	if di.taskQueue == nil {
		di.taskQueue = queue.New(di.Broker(), di.Config().Broker.Subject)
	}
	return di.taskQueue
}

func (di *dependencyInjector) Sweeper(ctx context.Context) *outbox.Sweeper {
	if di.sweeper == nil {
		cfg := di.Config().Outbox
		s := outbox.New(di.TaskStore(ctx), di.TaskQueue(), outbox.Config{
			Interval: cfg.Interval,
			Grace:    cfg.Grace,
			Batch:    cfg.Batch,
		})

		di.Broker().OnStateChange(func(st broker.State) {
			if st == broker.StateConnected {
				s.Kick()
			}
		})

		di.sweeper = s
	}
	return di.sweeper
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		di.usecase = usecase.New(
			di.TaskStore(ctx),
			di.StatusCache(),
			di.TaskQueue(),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Config().MaxBodyBytes, di.Usecase(ctx), di.Broker())
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}

// Close releases the clients opened by the injector.
func (di *dependencyInjector) Close() {
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			slog.Warn("redis close", slog.String("error", err.Error()))
		}
	}
	if di.pool != nil {
		di.pool.Close()
	}
}

var _ queue.Publisher = (*broker.Manager)(nil)
