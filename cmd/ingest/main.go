package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"

	"argus/internal/enrichment"
	"argus/internal/ingest"
	"argus/internal/parsers"
	"argus/internal/storage"
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
	logger := logging.NewLoggerWithService("argus-ingest")
	config.LoadEnv(logger)

	logger.Info("Starting Argus ingestion worker")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	topic := config.GetEnv("KAFKA_TOPIC", "security_events")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "argus-ingest")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "argus-ingest")
	clickhouseURL := config.RequireEnv("CLICKHOUSE_URL")
	clickhouseDB := config.GetEnv("CLICKHOUSE_DB", "argus")
	eventsTable := config.GetEnv("EVENTS_TABLE_NAME", config.GetEnv("CLICKHOUSE_TABLE", "events"))
	apiURL := config.RequireEnv("API_URL")

	chConfig := database.DefaultClickHouseConfig()
	chConfig.Addr = config.GetEnvSlice("CLICKHOUSE_URL", nil)
	chConfig.Database = clickhouseDB
	chConfig.Username = config.GetEnv("CLICKHOUSE_USER", "default")
	chConfig.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")

	clickhouse, err := database.ConnectClickHouseNative(chConfig, logger)
	if err != nil {
		logger.WithError(err).Error("ClickHouse is unreachable")
		os.Exit(exitFatalStartup)
	}
	defer clickhouse.Close()

	healthChecker := monitoring.NewHealthChecker("argus-ingest", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("argus-ingest", version.Version, version.GitCommit)

	manager := storage.NewManager(logger)
	columnar, err := storage.NewColumnarDestination("clickhouse", eventsTable, clickhouse)
	if err != nil {
		logger.WithError(err).Error("Invalid events table name")
		os.Exit(exitFatalStartup)
	}
	manager.Register(columnar)

	brokers := config.GetEnvSlice("KAFKA_BROKERS", nil)
	secondaries := configureSecondaries(manager, brokers, logger)
	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, []string{topic}, logger)
	if err != nil {
		logger.WithError(err).Error("Could not create Kafka consumer")
		os.Exit(exitFatalStartup)
	}
	defer consumer.Close()

	var dlq ingest.DLQPublisher
	dlqTopic := config.GetEnv("KAFKA_DLQ_TOPIC", "")
	if dlqTopic != "" {
		producer, err := kafka.NewProducer(brokers, clientID+"-dlq", dlqTopic, logger)
		if err != nil {
			logger.WithError(err).Error("Could not create DLQ producer")
			os.Exit(exitFatalStartup)
		}
		defer producer.Close()
		dlq = producer
	}

	// Enrichment caches, primed once and then refreshed periodically.
	caches := enrichment.NewCaches()
	refresher := enrichment.NewRefresher(apiURL, caches, logger)

	var geo *enrichment.GeoResolver
	if path := config.GetEnv("GEOIP_DB_PATH", ""); path != "" {
		geo, err = enrichment.NewGeoResolver(path)
		if err != nil {
			logger.WithError(err).Warn("GeoIP database unavailable, geo enrichment disabled")
		} else {
			defer geo.Close()
		}
	}

	healthChecker.AddCheck("clickhouse", time.Second, monitoring.ClickHouseHTTPCheck(config.GetEnv("CLICKHOUSE_HTTP_URL", "http://"+chConfig.Addr[0])))
	healthChecker.AddCheck("kafka", 2*time.Second, monitoring.KafkaCheck(consumer.GetClient()))
	healthChecker.AddCheck("config", 0, monitoring.ConfigurationCheck(map[string]string{
		"KAFKA_BROKERS":  brokersEnv,
		"CLICKHOUSE_URL": clickhouseURL,
		"API_URL":        apiURL,
	}))

	processed, flushDuration, pending := metricsCollector.CreateIngestMetrics()
	worker := ingest.NewWorker(
		consumer,
		parsers.NewRegistry(logger),
		caches,
		geo,
		columnar,
		manager,
		dlq,
		logger,
		ingest.Metrics{Processed: processed, FlushDuration: flushDuration, Pending: pending},
		ingest.Config{
			BatchSize:    config.GetEnvInt("BATCH_SIZE", 1000),
			BatchTimeout: time.Duration(config.GetEnvInt("BATCH_TIMEOUT_MS", 5000)) * time.Millisecond,
			DLQTopic:     dlqTopic,
			Table:        eventsTable,
			ConsumerName: clientID,
			Secondaries:  secondaries,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher.Start(ctx, config.GetEnvDuration("REFRESH_INTERVAL_MS", 5*time.Minute))
	healthChecker.StartScheduler(ctx, config.GetEnvDuration("HEALTH_CHECK_INTERVAL_MS", 30*time.Second))

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// Side port for health, metrics and write stats while the worker
	// consumes.
	go func() {
		router := server.SetupServiceRouter(logger, "argus-ingest", healthChecker, metricsCollector)
		router.GET("/storage/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, manager.Stats())
		})
		if err := server.Start(server.DefaultConfig("argus-ingest", "18010"), router, logger); err != nil {
			logger.WithError(err).Error("Health server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("Worker exited")
			os.Exit(exitFatalStartup)
		}
	}

	logger.Info("Argus ingestion worker stopped")
}

// configureSecondaries registers the optional mirror destinations from
// the environment and returns their names in registration order. Each
// backend is skipped, not fatal, when its configuration is absent or
// broken: the columnar store remains the system of record.
func configureSecondaries(manager *storage.Manager, brokers []string, logger logging.Logger) []string {
	var names []string

	if redisURL := config.GetEnv("STORAGE_REDIS_URL", ""); redisURL != "" {
		client, err := redispkg.NewClientFromURL(context.Background(), redisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis destination unavailable, skipping")
		} else {
			manager.Register(storage.NewRedisKVDestination("redis", client,
				config.GetEnvDuration("STORAGE_REDIS_KEY_TTL_MS", time.Hour),
				int64(config.GetEnvInt("STORAGE_REDIS_STREAM_MAXLEN", 10000))))
			names = append(names, "redis")
		}
	}

	if path := config.GetEnv("STORAGE_FILE_PATH", ""); path != "" {
		dest, err := storage.NewFileDestination("file", path)
		if err != nil {
			logger.WithError(err).Warn("File destination unavailable, skipping")
		} else {
			manager.Register(dest)
			names = append(names, "file")
		}
	}

	if bucket := config.GetEnv("STORAGE_S3_BUCKET", ""); bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			logger.WithError(err).Warn("S3 destination unavailable, skipping")
		} else {
			client := s3.NewFromConfig(awsCfg)
			manager.Register(storage.NewBlobDestination("s3", bucket,
				config.GetEnv("STORAGE_S3_PREFIX", "events"), client))
			names = append(names, "s3")
		}
	}

	if url := config.GetEnv("STORAGE_HTTP_URL", ""); url != "" {
		dest, err := storage.NewHTTPDestination("http", url,
			config.GetEnv("STORAGE_HTTP_METHOD", "POST"), nil)
		if err != nil {
			logger.WithError(err).Warn("HTTP destination unavailable, skipping")
		} else {
			manager.Register(dest)
			names = append(names, "http")
		}
	}

	if topic := config.GetEnv("STORAGE_KAFKA_TOPIC", ""); topic != "" {
		producer, err := kafka.NewProducer(brokers, "argus-ingest-mirror", topic, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka destination unavailable, skipping")
		} else {
			manager.Register(storage.NewBusDestination("kafka", topic, producer))
			names = append(names, "kafka")
		}
	}

	return names
}
