package main

import (
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/masgolf/campaign-gateway/internal/config"
	"github.com/masgolf/campaign-gateway/internal/dispatch"
	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/handlers"
	"github.com/masgolf/campaign-gateway/internal/media"
	"github.com/masgolf/campaign-gateway/internal/queue"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/internal/services"
	xhttp "github.com/masgolf/campaign-gateway/pkg/http"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/pg"
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

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	q, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

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

	// the api only plans dispatch runs, the dispatcher binary executes them
	dispatcher := dispatch.NewDispatcher(campaignRepo, deliveryLogRepo, aggregator, resolver, dispatch.Config{
		MaxBatchSize: config.Get().DispatchMaxBatchSize,
		ChunkTimeout: config.Get().DispatchChunkTimeout,
		Channel:      config.Get().AggregatorChannel,
	})

	// services
	campaignService := services.NewCampaignService(campaignRepo, deliveryLogRepo, dispatcher, q)
	healthService := services.NewHealthService()

	// v1 handlers
	campaignHandler := handlers.NewCampaignHandler(campaignService)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, campaignHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	// Create new server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
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
