package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/masgolf/campaign-gateway/internal/config"
	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/media"
	"github.com/masgolf/campaign-gateway/internal/repair"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/pg"
)

// Drift repair is run out of band, against the same database the
// dispatcher writes. Routines are idempotent, so re-running a sweep after
// a partial failure is safe.
//
//	repair --env=.env --routine=missing-logs
//	repair --env=.env --routine=missing-logs --message=42
//	repair --env=.env --routine=missing-group-ids --message=42 --groups=G1,G2
//	repair --env=.env --routine=stale-media
func main() {
	envPath := flag.String("env", "", "path to env file")
	routine := flag.String("routine", "", "missing-logs | missing-group-ids | stale-media")
	messageID := flag.Int64("message", 0, "repair a single message instead of sweeping")
	groups := flag.String("groups", "", "comma separated group ids, for missing-group-ids")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	err := config.Load(*envPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
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

	db, err := pg.CreateReadWrite(readConf, writeConf, false)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		os.Exit(1)
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
		os.Exit(1)
	}

	campaignRepo := repository.NewCampaignMessageRepository(db)
	deliveryLogRepo := repository.NewDeliveryLogRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)
	resolver := media.NewResolver(aggregator, mediaAssetRepo, config.Get().MediaUploadTimeout)

	service := repair.NewService(campaignRepo, deliveryLogRepo, aggregator, resolver, config.Get().AggregatorChannel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *routine {
	case "missing-logs":
		if *messageID > 0 {
			result := service.RepairMissingLogs(ctx, *messageID)
			exit(result.Err)
		}
		results, err := service.SweepMissingLogs(ctx)
		logger.Info("missing-logs sweep finished", "messages", len(results))
		exit(err)

	case "missing-group-ids":
		if *messageID <= 0 || *groups == "" {
			logger.Error("missing-group-ids needs --message and --groups")
			os.Exit(2)
		}
		result := service.RepairMissingGroupIDs(ctx, *messageID, strings.Split(*groups, ","))
		exit(result.Err)

	case "stale-media":
		if *messageID > 0 {
			result := service.RepairStaleMedia(ctx, *messageID)
			exit(result.Err)
		}
		results, err := service.SweepStaleMedia(ctx)
		logger.Info("stale-media sweep finished", "messages", len(results))
		exit(err)

	default:
		logger.Error("unknown routine", "routine", *routine)
		os.Exit(2)
	}
}

func exit(err error) {
	if err != nil {
		logger.Error("repair failed", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}
