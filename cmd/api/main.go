package main

import (
	"context"
	"os"
	"time"

	"argus/internal/handlers"
	"argus/internal/query"
	"argus/internal/rulepacks"
	"argus/internal/search"
	"argus/internal/storage"
	"argus/pkg/cache"
	"argus/pkg/config"
	"argus/pkg/database"
	"argus/pkg/kafka"
	"argus/pkg/logging"
	"argus/pkg/monitoring"
	redispkg "argus/pkg/redis"
	"argus/pkg/server"
	"argus/pkg/version"
)

// Exit codes: 0 normal, 1 config error (RequireEnv), 2 fatal startup.
const exitFatalStartup = 2

func main() {
	logger := logging.NewLoggerWithService("argus-api")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("Starting Argus API")

	config.RequireEnv("CLICKHOUSE_URL")
	config.RequireEnv("REDIS_ADDRS")
	config.RequireEnv("KAFKA_BROKERS")
	postgresURL := config.RequireEnv("DATABASE_URL")
	ingestTopic := config.GetEnv("KAFKA_TOPIC", "security_events")

	chConfig := database.DefaultClickHouseConfig()
	chConfig.Addr = config.GetEnvSlice("CLICKHOUSE_URL", nil)
	chConfig.Database = config.GetEnv("CLICKHOUSE_DB", "argus")
	chConfig.Username = config.GetEnv("CLICKHOUSE_USER", "default")
	chConfig.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")

	clickhouse, err := database.ConnectClickHouse(chConfig, logger)
	if err != nil {
		logger.WithError(err).Error("ClickHouse is unreachable")
		os.Exit(exitFatalStartup)
	}
	defer clickhouse.Close()

	pgConfig := database.DefaultConfig()
	pgConfig.URL = postgresURL
	postgres, err := database.Connect(pgConfig, logger)
	if err != nil {
		logger.WithError(err).Error("PostgreSQL is unreachable")
		os.Exit(exitFatalStartup)
	}
	defer postgres.Close()

	redisClient, err := redispkg.NewUniversalClient(context.Background(), redispkg.Config{
		Mode:       redispkg.Mode(config.GetEnv("REDIS_MODE", string(redispkg.ModeSingle))),
		Addrs:      config.GetEnvSlice("REDIS_ADDRS", nil),
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
	})
	if err != nil {
		logger.WithError(err).Error("Redis is unreachable")
		os.Exit(exitFatalStartup)
	}
	defer redisClient.Close()

	brokers := config.GetEnvSlice("KAFKA_BROKERS", nil)
	producer, err := kafka.NewProducer(brokers, config.GetEnv("KAFKA_CLIENT_ID", "argus-api"), ingestTopic, logger)
	if err != nil {
		logger.WithError(err).Error("Could not create Kafka producer")
		os.Exit(exitFatalStartup)
	}
	defer producer.Close()

	healthChecker := monitoring.NewHealthChecker("argus-api", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("argus-api", version.Version, version.GitCommit)

	healthChecker.AddCheck("clickhouse", time.Second, monitoring.ClickHouseSQLCheck(clickhouse))
	healthChecker.AddCheck("postgres", time.Second, func(ctx context.Context) monitoring.CheckResult {
		start := time.Now()
		if err := postgres.PingContext(ctx); err != nil {
			return monitoring.CheckResult{
				Status:         monitoring.StatusUnhealthy,
				Message:        "PostgreSQL ping failed: " + err.Error(),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		return monitoring.CheckResult{
			Status:         monitoring.StatusHealthy,
			Message:        "PostgreSQL connection healthy",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	})
	healthChecker.AddCheck("redis", 800*time.Millisecond, monitoring.RedisCheck(redisClient))
	healthChecker.AddCheck("kafka", 2*time.Second, monitoring.KafkaCheck(producer.GetClient()))

	builder := query.NewBuilder(query.Options{
		MaxPageSize: config.GetEnvInt("SEARCH_MAX_PAGE_SIZE", 1000),
		FullText:    config.GetEnvBool("SEARCH_FULL_TEXT", true),
		AllowRegex:  config.GetEnvBool("SEARCH_ALLOW_REGEX", false),
	})

	respCache := cache.New(cache.Options{
		TTL:        config.GetEnvDuration("SEARCH_CACHE_TTL_MS", 60*time.Second),
		MaxEntries: config.GetEnvInt("SEARCH_CACHE_MAX_ENTRIES", 1024),
	}, cache.MetricsHooks{})

	searches, cacheCounter, searchDuration := metricsCollector.CreateSearchMetrics()
	searchSvc := search.NewService(clickhouse, builder, respCache, logger,
		search.Metrics{Searches: searches, Cache: cacheCounter, Duration: searchDuration},
		search.Options{
			DefaultCacheTTL: config.GetEnvDuration("SEARCH_CACHE_TTL_MS", 60*time.Second),
			QueryTimeout:    config.GetEnvDuration("SEARCH_QUERY_TIMEOUT_MS", 30*time.Second),
		})

	deploys, deployDuration := metricsCollector.CreateDeployMetrics()
	engine := rulepacks.NewEngine(
		rulepacks.NewStore(postgres),
		redisClient,
		healthChecker,
		logger,
		rulepacks.Metrics{Deploys: deploys, Duration: deployDuration},
		rulepacks.Config{
			LockTTL:        config.GetEnvDuration("DEPLOY_LOCK_TTL_MS", 5*time.Minute),
			LockWait:       config.GetEnvDuration("DEPLOY_LOCK_WAIT_MS", 0),
			IdempotencyTTL: config.GetEnvDuration("DEPLOY_IDEMPOTENCY_TTL_MS", 24*time.Hour),
		})

	// The API's manager tracks the live-stream backend it reads from;
	// the ingest process owns the authoritative write counters.
	manager := storage.NewManager(logger)
	manager.Register(storage.NewRedisKVDestination("redis", redisClient,
		config.GetEnvDuration("STORAGE_REDIS_KEY_TTL_MS", time.Hour),
		int64(config.GetEnvInt("STORAGE_REDIS_STREAM_MAXLEN", 10000))))

	h := handlers.New(logger, producer, searchSvc, engine, manager, redisClient, healthChecker, handlers.Config{
		HeartbeatInterval:  config.GetEnvDuration("SSE_HEARTBEAT_MS", 15*time.Second),
		StreamPollInterval: config.GetEnvDuration("SSE_POLL_INTERVAL_MS", 2*time.Second),
		MaxBatchEvents:     config.GetEnvInt("MAX_BATCH_EVENTS", 1000),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthChecker.StartScheduler(ctx, config.GetEnvDuration("HEALTH_CHECK_INTERVAL_MS", 30*time.Second))

	router := handlers.SetupRouter(h, logger, metricsCollector)
	if err := server.Start(server.DefaultConfig("argus-api", "18000"), router, logger); err != nil {
		logger.WithError(err).Error("Server error")
		os.Exit(exitFatalStartup)
	}

	logger.Info("Argus API stopped")
}
