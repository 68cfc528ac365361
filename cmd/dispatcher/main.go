package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/masgolf/campaign-gateway/internal/config"
	"github.com/masgolf/campaign-gateway/internal/dispatch"
	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/media"
	"github.com/masgolf/campaign-gateway/internal/queue"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/pg"
	"github.com/masgolf/campaign-gateway/pkg/prom"
	"github.com/masgolf/campaign-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	aggregator, err := gateway.NewClient(&gateway.Config{
		BaseURL:    config.Get().AggregatorBaseUrl,
		APIKey:     config.Get().AggregatorAPIKey,
		APISecret:  config.Get().AggregatorAPISecret,
		Sender:     config.Get().AggregatorSender,
		Timeout:    config.Get().AggregatorTimeout,
		MaxRetries: config.Get().AggregatorMaxRetries,
	})
	if err != nil {
		logger.Error("failed to create aggregator client", "error", err)
		return
	}

	campaignRepo := repository.NewCampaignMessageRepository(db)
	deliveryLogRepo := repository.NewDeliveryLogRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)

	resolver := media.NewResolver(aggregator, mediaAssetRepo, config.Get().MediaUploadTimeout)

	dispatcher := dispatch.NewDispatcher(campaignRepo, deliveryLogRepo, aggregator, resolver, dispatch.Config{
		MaxBatchSize: config.Get().DispatchMaxBatchSize,
		ChunkTimeout: config.Get().DispatchChunkTimeout,
		Channel:      config.Get().AggregatorChannel,
	})

	guardConfig := dispatch.DefaultGuardConfig()
	if config.Get().DispatchMaxAttempts > 0 {
		guardConfig.MaxAttempts = config.Get().DispatchMaxAttempts
	}
	guard := dispatch.NewGuard(redisAdap, guardConfig)

	processor := dispatch.NewJobProcessor(dispatcher, guard)

	queueConfig := queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	}

	runner := dispatch.NewRunner(redisAdap, processor, dispatch.RunnerConfig{
		Queue:     queueConfig,
		Consumers: config.Get().DispatchConsumers,
		Workers:   config.Get().DispatchWorkers,
	})

	// the scheduler publishes due drafts onto the same stream the runner
	// consumes, so a single binary covers both scheduled and api dispatch
	publishQueue, err := queue.NewQueue(redisAdap, queueConfig)
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}
	scheduler := dispatch.NewScheduler(campaignRepo, publishQueue, dispatch.SchedulerConfig{
		PollInterval: config.Get().SchedulerPollInterval,
		BatchLimit:   config.Get().SchedulerBatchLimit,
	})

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := runner.Start()
		if err != nil {
			logger.Error("failed to start dispatch runner", "error", err)
		}
	}()

	scheduler.Start()

	select {
	case <-c:
		scheduler.Stop()
		runner.Stop()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
