package dispatch

import (
	"context"
	"time"

	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
)

// MessageStore is the slice of the campaign message repository the dispatch
// path needs.
type MessageStore interface {
	Get(ctx context.Context, id int64) (*model.CampaignMessage, error)
	UpdateDispatchState(ctx context.Context, id int64, patch repository.DispatchStatePatch) (*model.CampaignMessage, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus) error
}

// DeliveryLogStore writes per-recipient delivery rows.
type DeliveryLogStore interface {
	UpsertBatch(ctx context.Context, logs []*model.DeliveryLog) error
}

// Reconciler merges aggregator batch results into the campaign message and
// its delivery logs. All of its writes are idempotent: group-id appends
// skip duplicates and log writes upsert on (message_id, phone), so a
// resumed dispatch can safely replay a chunk.
type Reconciler struct {
	messages MessageStore
	logs     DeliveryLogStore
	channel  string
	now      func() time.Time
}

func NewReconciler(messages MessageStore, logs DeliveryLogStore, channel string) *Reconciler {
	if channel == "" {
		channel = "solapi"
	}
	return &Reconciler{
		messages: messages,
		logs:     logs,
		channel:  channel,
		now:      time.Now,
	}
}

// ApplyBatch records one successful aggregator call for one chunk. The
// message row is updated before the log rows so a crash in between leaves
// the counts authoritative and the missing logs repairable.
func (r *Reconciler) ApplyBatch(ctx context.Context, msg *model.CampaignMessage, chunk []string, result *gateway.BatchResult) (*model.CampaignMessage, error) {
	now := r.now()

	groupIDs, _ := msg.GroupIDs.Append(result.GroupID)

	sent := msg.SentCount + len(chunk)
	success := msg.SuccessCount + result.SuccessCount
	fail := msg.FailCount + result.FailCount

	patch := repository.DispatchStatePatch{
		GroupIDs:     groupIDs,
		SentCount:    &sent,
		SuccessCount: &success,
		FailCount:    &fail,
	}
	if result.SuccessCount > 0 && msg.SentAt == nil {
		patch.SentAt = &now
	}
	// A scheduled draft stops being due at its first reconciled batch.
	if msg.ScheduledAt != nil {
		patch.ClearSchedule = true
	}

	updated, err := r.messages.UpdateDispatchState(ctx, msg.ID, patch)
	if err != nil {
		return nil, err
	}

	if err := r.logs.UpsertBatch(ctx, r.chunkLogs(msg.ID, chunk, result, now)); err != nil {
		// The message row already reflects this batch; missing log rows
		// are exactly what the missing-log repair recovers.
		logger.Error("Failed to upsert delivery logs", "message_id", msg.ID, "group_id", result.GroupID, "error", err)
		return updated, err
	}

	return updated, nil
}

// ApplyChunkFailure records a chunk whose aggregator call failed outright:
// no group id, every recipient in the chunk counted and logged as failed.
func (r *Reconciler) ApplyChunkFailure(ctx context.Context, msg *model.CampaignMessage, chunk []string) (*model.CampaignMessage, error) {
	now := r.now()

	sent := msg.SentCount + len(chunk)
	fail := msg.FailCount + len(chunk)

	patch := repository.DispatchStatePatch{
		SentCount: &sent,
		FailCount: &fail,
	}
	if msg.ScheduledAt != nil {
		patch.ClearSchedule = true
	}

	updated, err := r.messages.UpdateDispatchState(ctx, msg.ID, patch)
	if err != nil {
		return nil, err
	}

	logs := make([]*model.DeliveryLog, 0, len(chunk))
	seen := make(map[string]bool, len(chunk))
	for _, phone := range chunk {
		if seen[phone] {
			continue
		}
		seen[phone] = true
		logs = append(logs, &model.DeliveryLog{
			MessageID: msg.ID,
			Phone:     phone,
			Status:    model.DeliveryFailed,
			Channel:   r.channel,
			SentAt:    now,
		})
	}
	if err := r.logs.UpsertBatch(ctx, logs); err != nil {
		logger.Error("Failed to upsert delivery logs", "message_id", msg.ID, "error", err)
		return updated, err
	}

	return updated, nil
}

// chunkLogs builds the log rows for one chunk. When the aggregator returned
// per-recipient results they drive the status; otherwise the whole accepted
// chunk is logged as sent. A phone listed twice collapses to one row, last
// occurrence wins: a multi-row upsert must not touch the same
// (message_id, phone) key twice.
func (r *Reconciler) chunkLogs(messageID int64, chunk []string, result *gateway.BatchResult, now time.Time) []*model.DeliveryLog {
	accepted := make(map[string]bool, len(result.Results))
	reported := make(map[string]bool, len(result.Results))
	for _, res := range result.Results {
		reported[res.Phone] = true
		if res.Accepted() {
			accepted[res.Phone] = true
		}
	}

	logs := make([]*model.DeliveryLog, 0, len(chunk))
	seen := make(map[string]int, len(chunk))
	for _, phone := range chunk {
		status := model.DeliverySent
		if reported[phone] && !accepted[phone] {
			status = model.DeliveryFailed
		}
		if i, ok := seen[phone]; ok {
			logs[i].Status = status
			continue
		}
		seen[phone] = len(logs)
		logs = append(logs, &model.DeliveryLog{
			MessageID: messageID,
			Phone:     phone,
			Status:    status,
			Channel:   r.channel,
			SentAt:    now,
		})
	}
	return logs
}
