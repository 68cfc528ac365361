package repair

import (
	"context"
	"strconv"
	"time"

	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/prom"
)

// Outcome classifies one message's repair attempt.
type Outcome string

const (
	OutcomeRepaired Outcome = "repaired"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeError    Outcome = "error"
)

// Result reports one routine's verdict for one message. A sweep never stops
// on a single message's error; it is recorded here and the sweep moves on.
type Result struct {
	MessageID int64   `json:"message_id"`
	Routine   string  `json:"routine"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
	Err       error   `json:"-"`
}

const (
	RoutineMissingLogs     = "missing-logs"
	RoutineMissingGroupIDs = "missing-group-ids"
	RoutineStaleMedia      = "stale-media"
)

// MessageStore is the message repository surface the repair routines use.
type MessageStore interface {
	Get(ctx context.Context, id int64) (*model.CampaignMessage, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.CampaignMessage, error)
	UpdateDispatchState(ctx context.Context, id int64, patch repository.DispatchStatePatch) (*model.CampaignMessage, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus) error
}

// LogStore reads and writes delivery log rows.
type LogStore interface {
	ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error)
	UpsertBatch(ctx context.Context, logs []*model.DeliveryLog) error
}

// GroundTruth is the aggregator's message list, consulted so per-recipient
// outcomes can be recovered instead of synthesized where possible.
type GroundTruth interface {
	ListGroupMessages(ctx context.Context, groupID string) ([]gateway.GroupMessage, error)
}

// MediaResolver re-resolves a stale media reference.
type MediaResolver interface {
	Resolve(ctx context.Context, ref model.MediaRef) (string, error)
}

// Service bundles the drift repair routines. Each routine reads persisted
// state, re-derives what it should be, and applies the minimal correction.
// The aggregator client and resolver are optional; routines that need a
// missing collaborator degrade to their offline approximation.
type Service struct {
	messages MessageStore
	logs     LogStore
	truth    GroundTruth
	resolver MediaResolver
	channel  string
	now      func() time.Time
}

func NewService(messages MessageStore, logs LogStore, truth GroundTruth, resolver MediaResolver, channel string) *Service {
	if channel == "" {
		channel = "solapi"
	}
	return &Service{
		messages: messages,
		logs:     logs,
		truth:    truth,
		resolver: resolver,
		channel:  channel,
		now:      time.Now,
	}
}

// RepairMissingLogs restores delivery log rows for a message that reached a
// delivered status with fewer log rows than recipients.
//
// When the message has group ids and the aggregator list endpoint is
// available, the real per-recipient outcomes are used. Otherwise the rows
// are synthesized from the aggregate counters with a single inferred
// status, which cannot tell exactly which recipients failed.
func (s *Service) RepairMissingLogs(ctx context.Context, messageID int64) Result {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return s.report(messageID, RoutineMissingLogs, OutcomeError, "load message", err)
	}

	if msg.Status != model.StatusSent && msg.Status != model.StatusPartial {
		return s.report(messageID, RoutineMissingLogs, OutcomeSkipped, "status "+string(msg.Status), nil)
	}

	existing, err := s.logs.ListByMessage(ctx, messageID)
	if err != nil {
		return s.report(messageID, RoutineMissingLogs, OutcomeError, "load logs", err)
	}
	if len(existing) >= len(msg.Recipients) {
		return s.report(messageID, RoutineMissingLogs, OutcomeSkipped, "no missing logs", nil)
	}

	logged := make(map[string]bool, len(existing))
	for _, l := range existing {
		logged[l.Phone] = true
	}

	outcomes := s.recipientOutcomes(ctx, msg)
	inferred := s.inferredStatus(msg)
	sentAt := msg.UpdatedAt
	if msg.SentAt != nil {
		sentAt = *msg.SentAt
	}

	var missing []*model.DeliveryLog
	for _, phone := range msg.Recipients {
		if logged[phone] {
			continue
		}
		logged[phone] = true // duplicate recipients share one log row
		status := inferred
		if known, ok := outcomes[phone]; ok {
			status = known
		}
		missing = append(missing, &model.DeliveryLog{
			MessageID: messageID,
			Phone:     phone,
			Status:    status,
			Channel:   s.channel,
			SentAt:    sentAt,
		})
	}
	if len(missing) == 0 {
		return s.report(messageID, RoutineMissingLogs, OutcomeSkipped, "no missing logs", nil)
	}

	if err := s.logs.UpsertBatch(ctx, missing); err != nil {
		return s.report(messageID, RoutineMissingLogs, OutcomeError, "upsert logs", err)
	}

	detail := "restored " + strconv.Itoa(len(missing)) + " log rows"
	return s.report(messageID, RoutineMissingLogs, OutcomeRepaired, detail, nil)
}

// SweepMissingLogs runs the missing-log repair over every delivered message.
func (s *Service) SweepMissingLogs(ctx context.Context) ([]Result, error) {
	msgs, err := s.messages.ListByStatus(ctx, model.StatusSent, model.StatusPartial)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, s.RepairMissingLogs(ctx, msg.ID))
	}
	return results, nil
}

// RepairMissingGroupIDs merges a known-correct group id set into the stored
// one and advances a message stuck in Draft to Sent. Text, recipients and
// existing log rows are untouched.
func (s *Service) RepairMissingGroupIDs(ctx context.Context, messageID int64, groupIDs []string) Result {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return s.report(messageID, RoutineMissingGroupIDs, OutcomeError, "load message", err)
	}

	merged, added := msg.GroupIDs.Merge(groupIDs...)
	changed := added > 0
	advance := msg.Status == model.StatusDraft && len(merged) > 0

	if !changed && !advance {
		return s.report(messageID, RoutineMissingGroupIDs, OutcomeSkipped, "nothing to merge", nil)
	}

	if changed {
		if _, err := s.messages.UpdateDispatchState(ctx, messageID, repository.DispatchStatePatch{GroupIDs: merged}); err != nil {
			return s.report(messageID, RoutineMissingGroupIDs, OutcomeError, "merge group ids", err)
		}
	}

	if advance {
		if err := s.messages.TransitionStatus(ctx, messageID, model.StatusDraft, model.StatusSent); err != nil {
			if err == repository.ErrStaleStatus {
				// A live dispatch moved the row first; its state wins.
				return s.report(messageID, RoutineMissingGroupIDs, OutcomeSkipped, "status moved concurrently", nil)
			}
			return s.report(messageID, RoutineMissingGroupIDs, OutcomeError, "advance status", err)
		}
	}

	return s.report(messageID, RoutineMissingGroupIDs, OutcomeRepaired, "merged "+strconv.Itoa(len(groupIDs))+" group ids", nil)
}

// RepairStaleMedia re-resolves a delivered message whose media reference is
// still an unresolved source URL and stores the handle.
func (s *Service) RepairStaleMedia(ctx context.Context, messageID int64) Result {
	if s.resolver == nil {
		return s.report(messageID, RoutineStaleMedia, OutcomeError, "no media resolver configured", nil)
	}

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return s.report(messageID, RoutineStaleMedia, OutcomeError, "load message", err)
	}

	if msg.Status != model.StatusSent && msg.Status != model.StatusPartial {
		return s.report(messageID, RoutineStaleMedia, OutcomeSkipped, "status "+string(msg.Status), nil)
	}
	if msg.Media.Kind != model.MediaURL {
		return s.report(messageID, RoutineStaleMedia, OutcomeSkipped, "media already resolved", nil)
	}

	handle, err := s.resolver.Resolve(ctx, msg.Media)
	if err != nil {
		return s.report(messageID, RoutineStaleMedia, OutcomeError, "resolve media", err)
	}

	media := model.MediaFromHandle(handle)
	if _, err := s.messages.UpdateDispatchState(ctx, messageID, repository.DispatchStatePatch{Media: &media}); err != nil {
		return s.report(messageID, RoutineStaleMedia, OutcomeError, "store handle", err)
	}

	return s.report(messageID, RoutineStaleMedia, OutcomeRepaired, "resolved to handle", nil)
}

// SweepStaleMedia runs the stale-media repair over delivered messages that
// still carry a URL-form media reference.
func (s *Service) SweepStaleMedia(ctx context.Context) ([]Result, error) {
	msgs, err := s.messages.ListByStatus(ctx, model.StatusSent, model.StatusPartial)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, msg := range msgs {
		if msg.Media.Kind != model.MediaURL {
			continue
		}
		results = append(results, s.RepairStaleMedia(ctx, msg.ID))
	}
	return results, nil
}

// recipientOutcomes recovers per-recipient delivery outcomes from the
// aggregator's message list. Returns an empty map when ground truth is
// unavailable; lookups then fall back to the inferred status.
func (s *Service) recipientOutcomes(ctx context.Context, msg *model.CampaignMessage) map[string]model.DeliveryStatus {
	outcomes := make(map[string]model.DeliveryStatus)
	if s.truth == nil {
		return outcomes
	}
	for _, groupID := range msg.GroupIDs {
		records, err := s.truth.ListGroupMessages(ctx, groupID)
		if err != nil {
			logger.Warn("Ground truth lookup failed, falling back to inferred status",
				"message_id", msg.ID,
				"group_id", groupID,
				"error", err)
			continue
		}
		for _, rec := range records {
			if rec.StatusCode == "2000" {
				outcomes[rec.To] = model.DeliverySent
			} else {
				outcomes[rec.To] = model.DeliveryFailed
			}
		}
	}
	return outcomes
}

// inferredStatus is the single status applied to synthesized rows when the
// per-recipient result is lost. With mixed counters it cannot be exact; the
// repair marks them sent and leaves the counters authoritative.
func (s *Service) inferredStatus(msg *model.CampaignMessage) model.DeliveryStatus {
	if msg.SuccessCount == 0 && msg.FailCount > 0 {
		return model.DeliveryFailed
	}
	return model.DeliverySent
}

func (s *Service) report(messageID int64, routine string, outcome Outcome, detail string, err error) Result {
	prom.IncRepairAction(routine, string(outcome))
	switch outcome {
	case OutcomeError:
		logger.Error("Repair routine failed",
			"routine", routine,
			"message_id", messageID,
			"detail", detail,
			"error", err)
	case OutcomeRepaired:
		logger.Info("Repair applied",
			"routine", routine,
			"message_id", messageID,
			"detail", detail)
	default:
		logger.Debug("Repair skipped",
			"routine", routine,
			"message_id", messageID,
			"detail", detail)
	}
	return Result{
		MessageID: messageID,
		Routine:   routine,
		Outcome:   outcome,
		Detail:    detail,
		Err:       err,
	}
}

