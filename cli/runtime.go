package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"ingest.groundswell.dev/common"
	"ingest.groundswell.dev/config"
	"ingest.groundswell.dev/db"
	"ingest.groundswell.dev/db/repository"
	"ingest.groundswell.dev/pipeline"
	"ingest.groundswell.dev/queue"
)

// registry is the process-wide handler table. Platform packages register
// their services before Execute runs.
var registry = pipeline.NewRegistry()

// RegisterService adds a platform handler service to the process registry.
func RegisterService(svc *pipeline.Service) {
	registry.Register(svc)
}

// runtime bundles the shared dependencies of the pipeline roles.
type runtime struct {
	cfg   *config.Config
	pg    *db.PostgresDB
	redis *redis.Client

	runQueue    *queue.Client
	streamQueue *queue.Client
	dataQueue   *queue.Client
	emitter     *queue.Emitter

	runs         repository.RunRepository
	streams      repository.StreamRepository
	data         repository.DataRepository
	integrations repository.IntegrationRepository
	cacheFor     pipeline.CacheFactory
}

// newRuntime connects to the database, cache and queues and wires the
// repositories and emitter every role shares.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	connString := cfg.Database.URL
	if cfg.Database.MaxConnections > 0 && !strings.Contains(connString, "pool_max_conns") {
		sep := "?"
		if strings.Contains(connString, "?") {
			sep = "&"
		}
		connString += fmt.Sprintf("%spool_max_conns=%d", sep, cfg.Database.MaxConnections)
	}

	pg, err := db.NewPostgresDB(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	redisClient, err := repository.NewRedisClient(ctx, cfg.Cache.URL)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	gdb, err := db.OpenGorm(cfg.Database.URL)
	if err != nil {
		pg.Close()
		redisClient.Close()
		return nil, err
	}

	queueCfg := queue.Config{
		Endpoint:          cfg.Queue.Endpoint,
		Region:            cfg.Queue.Region,
		AccessKey:         cfg.Queue.AccessKey,
		SecretKey:         cfg.Queue.SecretKey,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		WaitTimeSeconds:   cfg.Queue.WaitTimeSeconds,
		RetentionSeconds:  cfg.Queue.RetentionSeconds,
		DeliveryDelay:     cfg.Queue.DeliveryDelay,
	}
	api, err := queue.NewSQSClient(ctx, queueCfg)
	if err != nil {
		pg.Close()
		redisClient.Close()
		return nil, err
	}

	runQueue, err := queue.NewClient(ctx, api, cfg.Queue.RunQueue, queueCfg)
	if err != nil {
		pg.Close()
		redisClient.Close()
		return nil, err
	}
	streamQueue, err := queue.NewClient(ctx, api, cfg.Queue.StreamQueue, queueCfg)
	if err != nil {
		pg.Close()
		redisClient.Close()
		return nil, err
	}
	dataQueue, err := queue.NewClient(ctx, api, cfg.Queue.DataQueue, queueCfg)
	if err != nil {
		pg.Close()
		redisClient.Close()
		return nil, err
	}

	common.Logger.WithField("environment", cfg.Service.Environment).Info("runtime initialized")

	return &runtime{
		cfg:          cfg,
		pg:           pg,
		redis:        redisClient,
		runQueue:     runQueue,
		streamQueue:  streamQueue,
		dataQueue:    dataQueue,
		emitter:      queue.NewEmitter(runQueue, streamQueue, dataQueue),
		runs:         repository.NewPostgresRunRepository(pg),
		streams:      repository.NewPostgresStreamRepository(pg),
		data:         repository.NewPostgresDataRepository(pg),
		integrations: repository.NewGormIntegrationRepository(gdb),
		cacheFor: func(runID string) repository.CacheRepository {
			return repository.NewRunCache(redisClient, runID)
		},
	}, nil
}

// Close releases the runtime's connections.
func (r *runtime) Close() {
	r.pg.Close()
	if err := r.redis.Close(); err != nil {
		common.Logger.WithError(err).Warn("failed to close redis client")
	}
}
