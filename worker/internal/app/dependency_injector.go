package app

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/you-humble/taskdispatch/core/broker"
	mio "github.com/you-humble/taskdispatch/core/libs/minio"
	pgcli "github.com/you-humble/taskdispatch/core/libs/postgres"
	rediscli "github.com/you-humble/taskdispatch/core/libs/redis"
	statusstore "github.com/you-humble/taskdispatch/core/store/status"
	taskstore "github.com/you-humble/taskdispatch/core/store/task"
	"github.com/you-humble/taskdispatch/worker/internal/deadletter"
	"github.com/you-humble/taskdispatch/worker/internal/executor"
	"github.com/you-humble/taskdispatch/worker/internal/infra/config"
	"github.com/you-humble/taskdispatch/worker/internal/service"
	"github.com/you-humble/taskdispatch/worker/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
)

const cfgPath = "./worker/configs/local.yaml"

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	taskStore   worker.TaskStore
	statusCache worker.StatusCache

	broker     *broker.Manager
	deadLetter worker.DeadLetterSink
	executor   worker.Executor
	worker     *worker.Worker

	health     *service.Health
	grpcServer *grpc.Server
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
			di.Logger().Warn("redis unavailable, status cache writes will be skipped",
				slog.String("error", err.Error()),
			)
		} else {
			di.Logger().Info("connected to redis", slog.String("addr", client.Options().Addr))
		}

		di.redis = client
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) worker.TaskStore {
	if di.taskStore == nil {
		di.taskStore = taskstore.NewPostgresTaskStore(di.Pool(ctx))
	}
	return di.taskStore
}

func (di *dependencyInjector) StatusCache() worker.StatusCache {
	if di.statusCache == nil {
		di.statusCache = statusstore.NewRedisStatusStore(di.RedisClient())
	}
	return di.statusCache
}

func (di *dependencyInjector) Broker() *broker.Manager {
	if di.broker == nil {
		cfg := di.Config().Broker
		di.broker = broker.New(broker.Config{
			URL:          cfg.URL,
			Name:         cfg.Name,
			Stream:       cfg.Stream,
			Subjects:     []string{cfg.Subject, cfg.DeadSubject},
			StreamMaxAge: cfg.StreamMaxAge,
			Consumer: &nats.ConsumerConfig{
				Durable:       cfg.Consumer,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				FilterSubject: cfg.Subject,
				MaxAckPending: cfg.Prefetch,
				AckWait:       cfg.AckWait,
			},
			ReconnectInterval:    cfg.ReconnectInterval,
			MaxReconnectInterval: cfg.MaxReconnectInterval,
			PublishTimeout:       cfg.PublishTimeout,
		})
	}
	return di.broker
}

func (di *dependencyInjector) DeadLetter(ctx context.Context) worker.DeadLetterSink {
	if di.deadLetter == nil {
		di.deadLetter = deadletter.Fanout(deadLetterSinks(ctx, di.Config(), di.Broker(), di.Logger())...)
	}
	return di.deadLetter
}

// deadLetterSinks always includes the broker subject. The MinIO archive is
// added only when it is configured and reachable at startup.
func deadLetterSinks(ctx context.Context, cfg *config.Config, pub deadletter.Publisher, logger *slog.Logger) []deadletter.Sink {
	sinks := []deadletter.Sink{
		deadletter.NewJetStreamSink(pub, cfg.Broker.DeadSubject),
	}
	if cfg.MinIO.Endpoint == "" {
		return sinks
	}

	archive, err := deadletter.NewMinIOSink(ctx, mio.Config{
		Endpoint:        cfg.MinIO.Endpoint,
		AccessKeyID:     cfg.MinIO.AccessKeyID,
		SecretAccessKey: cfg.MinIO.SecretAccessKey,
		UseSSL:          cfg.MinIO.UseSSL,
		Bucket:          cfg.MinIO.Bucket,
	}, cfg.MinIO.BasePath)
	if err != nil {
		logger.Warn(
			"minio unavailable, dead letters go to the broker only",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("error", err.Error()),
		)
		return sinks
	}

	logger.Info(
		"dead letters archived to MinIO",
		slog.String("endpoint", cfg.MinIO.Endpoint),
		slog.String("bucket", cfg.MinIO.Bucket),
	)
	return append(sinks, archive)
}

func (di *dependencyInjector) Executor() worker.Executor {
	if di.executor == nil {
		cfg := di.Config().Worker
		di.executor = executor.NewSimulated(executor.Config{
			Delay:       cfg.WorkDuration,
			Jitter:      cfg.WorkJitter,
			FailRate:    cfg.FailRate,
			MaxParallel: di.Config().Broker.Prefetch,
		})
	}
	return di.executor
}

func (di *dependencyInjector) Worker(ctx context.Context) *worker.Worker {
	if di.worker == nil {
		cfg := di.Config()
		di.worker = worker.New(
			worker.Config{
				Stream:        cfg.Broker.Stream,
				Consumer:      cfg.Broker.Consumer,
				Subject:       cfg.Broker.Subject,
				Prefetch:      cfg.Broker.Prefetch,
				FetchTimeout:  cfg.Worker.FetchTimeout,
				MaxAttempts:   cfg.Worker.MaxAttempts,
				RetryDelay:    cfg.Worker.RetryDelay,
				MaxRetryDelay: cfg.Worker.MaxRetryDelay,
				ExecTimeout:   cfg.Worker.ExecTimeout,
				Heartbeat:     cfg.Broker.AckWait / 2,
			},
			di.Broker(),
			di.TaskStore(ctx),
			di.StatusCache(),
			di.Executor(),
			di.DeadLetter(ctx),
		)
	}
	return di.worker
}

func (di *dependencyInjector) Health() *service.Health {
	if di.health == nil {
		di.health = service.NewHealth()
		di.Broker().OnStateChange(di.health.Observe)
	}
	return di.health
}

func (di *dependencyInjector) GRPCServer() *grpc.Server {
	if di.grpcServer == nil {
		logger := di.Logger()
		di.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
			service.RecoveryUnaryInterceptor(logger),
			service.UnaryLoggingInterceptor(logger),
		))
		di.Health().Register(di.grpcServer)
	}
	return di.grpcServer
}

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
