package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/masgolf/campaign-gateway/internal/batch"
	"github.com/masgolf/campaign-gateway/internal/dispatch"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
)

var (
	ErrNotFound          = errors.New("campaign message not found")
	ErrNoValidRecipients = errors.New("no valid recipients after normalization")
)

type CampaignRepository interface {
	Create(ctx context.Context, msg *model.CampaignMessage) (*model.CampaignMessage, error)
	Get(ctx context.Context, id int64) (*model.CampaignMessage, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error)
}

type DeliveryLogRepository interface {
	ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error)
}

// Planner produces a dry-run report for a dispatch without side effects.
type Planner interface {
	Plan(ctx context.Context, messageID int64) (*dispatch.RunReport, error)
}

// Publisher enqueues dispatch jobs. Satisfied by *queue.Queue.
type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// CampaignService is the API-facing layer: draft creation with recipient
// hygiene, listing, per-recipient history, and dispatch triggering. Actual
// sending happens in the dispatch worker; the API only enqueues.
type CampaignService struct {
	campaigns CampaignRepository
	logs      DeliveryLogRepository
	planner   Planner
	publisher Publisher
}

func NewCampaignService(campaigns CampaignRepository, logs DeliveryLogRepository, planner Planner, publisher Publisher) *CampaignService {
	return &CampaignService{
		campaigns: campaigns,
		logs:      logs,
		planner:   planner,
		publisher: publisher,
	}
}

// Create normalizes the recipient list, classifies the media reference and
// persists a validated draft. Recipients that normalize to something other
// than a mobile number are rejected as a whole so the caller sees exactly
// what will be sent.
func (s *CampaignService) Create(ctx context.Context, req model.CampaignCreateRequest) (*model.CampaignMessage, error) {
	valid, rejected := batch.NormalizeAll(req.Recipients)
	if len(rejected) > 0 {
		return nil, fmt.Errorf("%d recipients failed normalization, first: %q", len(rejected), rejected[0])
	}
	if len(valid) == 0 {
		return nil, ErrNoValidRecipients
	}

	msg := &model.CampaignMessage{
		Text:        req.Text,
		Type:        req.Type,
		Media:       model.ClassifyMediaRef(req.MediaRef),
		Recipients:  valid,
		Status:      model.StatusDraft,
		ScheduledAt: req.ScheduledAt,
	}
	if err := msg.ValidateForDispatch(); err != nil {
		return nil, err
	}

	created, err := s.campaigns.Create(ctx, msg)
	if err != nil {
		return nil, err
	}

	logger.Info("Campaign draft created",
		"message_id", created.ID,
		"type", created.Type,
		"recipients", len(created.Recipients),
		"media_kind", created.Media.Kind)
	return created, nil
}

func (s *CampaignService) Get(ctx context.Context, id int64) (*model.CampaignMessage, error) {
	msg, err := s.campaigns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (s *CampaignService) List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error) {
	return s.campaigns.List(ctx, f)
}

func (s *CampaignService) DeliveryLogs(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return nil, err
	}
	return s.logs.ListByMessage(ctx, messageID)
}

// Dispatch triggers a dispatch run. With dryRun it validates and reports
// the chunk plan without sending; otherwise it enqueues a job for the
// dispatch worker and returns the plan of what was enqueued.
func (s *CampaignService) Dispatch(ctx context.Context, messageID int64, dryRun bool) (*dispatch.RunReport, error) {
	report, err := s.planner.Plan(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if dryRun {
		return report, nil
	}

	jobID, err := s.publisher.PublishJSON(ctx, dispatch.Job{MessageID: messageID}, map[string]string{
		"source": "api",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue dispatch: %w", err)
	}
	report.DryRun = false

	logger.Info("Dispatch enqueued", "message_id", messageID, "job_id", jobID, "chunks", report.Chunks)
	return report, nil
}
