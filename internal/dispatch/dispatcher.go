package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/masgolf/campaign-gateway/internal/batch"
	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/prom"
)

// BatchSender sends one recipient chunk to the aggregator.
type BatchSender interface {
	SendBatch(ctx context.Context, req *gateway.BatchRequest) (*gateway.BatchResult, error)
}

// MediaResolver turns a media reference into an aggregator handle.
type MediaResolver interface {
	Resolve(ctx context.Context, ref model.MediaRef) (string, error)
}

type Config struct {
	MaxBatchSize int
	ChunkTimeout time.Duration
	Channel      string
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = batch.DefaultMaxBatchSize
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher runs the full send pipeline for one campaign message:
// validation, media resolution, chunking, per-chunk aggregator calls and
// reconciliation, then the terminal status transition.
type Dispatcher struct {
	messages   MessageStore
	sender     BatchSender
	media      MediaResolver
	reconciler *Reconciler
	config     Config
}

func NewDispatcher(messages MessageStore, logs DeliveryLogStore, sender BatchSender, media MediaResolver, config Config) *Dispatcher {
	config = config.withDefaults()
	return &Dispatcher{
		messages:   messages,
		sender:     sender,
		media:      media,
		reconciler: NewReconciler(messages, logs, config.Channel),
		config:     config,
	}
}

// RunReport summarizes one dispatch run.
type RunReport struct {
	MessageID    int64                `json:"message_id"`
	Chunks       int                  `json:"chunks"`
	ChunksFailed int                  `json:"chunks_failed"`
	GroupIDs     model.GroupIDSet     `json:"group_ids"`
	SentCount    int                  `json:"sent_count"`
	SuccessCount int                  `json:"success_count"`
	FailCount    int                  `json:"fail_count"`
	Status       model.CampaignStatus `json:"status"`
	DryRun       bool                 `json:"dry_run,omitempty"`
}

// Plan validates a message and reports what a dispatch would do, without
// touching the aggregator or the database.
func (d *Dispatcher) Plan(ctx context.Context, messageID int64) (*RunReport, error) {
	msg, err := d.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := msg.ValidateForDispatch(); err != nil {
		return nil, err
	}
	chunks := batch.Chunk(msg.Recipients, d.config.MaxBatchSize)
	return &RunReport{
		MessageID: msg.ID,
		Chunks:    len(chunks),
		GroupIDs:  msg.GroupIDs,
		SentCount: len(msg.Recipients),
		Status:    msg.Status,
		DryRun:    true,
	}, nil
}

// Dispatch executes the pipeline for one message id.
//
// The message enters Dispatching on the first accepted chunk, so a
// validation or media failure leaves the row exactly as it was. A failed
// chunk does not stop the remaining chunks; its recipients are counted and
// logged as failed. Replays are safe: group-id appends and log writes are
// idempotent, and a resume from Dispatching starts its counters over so a
// replayed chunk is never counted twice.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID int64) (*RunReport, error) {
	msg, err := d.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if err := msg.ValidateForDispatch(); err != nil {
		return nil, err
	}

	mediaHandle, err := d.media.Resolve(ctx, msg.Media)
	if err != nil {
		return nil, err
	}
	if msg.Media.Kind == model.MediaURL && mediaHandle != "" {
		// Persist the resolved handle so a retry skips the upload.
		media := model.MediaFromHandle(mediaHandle)
		if updated, patchErr := d.messages.UpdateDispatchState(ctx, msg.ID, repository.DispatchStatePatch{Media: &media}); patchErr != nil {
			logger.Warn("Failed to persist resolved media handle", "message_id", msg.ID, "error", patchErr)
		} else {
			msg = updated
		}
	}

	preStatus := msg.Status
	chunks := batch.Chunk(msg.Recipients, d.config.MaxBatchSize)

	logger.Info("Dispatching campaign message",
		"message_id", msg.ID,
		"type", msg.Type,
		"recipients", len(msg.Recipients),
		"chunks", len(chunks),
		"status", preStatus)

	report := &RunReport{MessageID: msg.ID, Chunks: len(chunks)}
	entered := preStatus == model.StatusDispatching

	if entered && (msg.SentCount > 0 || msg.SuccessCount > 0 || msg.FailCount > 0) {
		// A resume replays every chunk, so the interrupted run's partial
		// counters are discarded before they accumulate twice. Log rows
		// stay and upsert idempotently.
		zero := 0
		msg, err = d.messages.UpdateDispatchState(ctx, msg.ID, repository.DispatchStatePatch{
			SentCount:    &zero,
			SuccessCount: &zero,
			FailCount:    &zero,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reset counters on resume of message %d: %w", messageID, err)
		}
	}

	for i, chunk := range chunks {
		result, sendErr := d.sendChunk(ctx, msg, chunk)
		if sendErr != nil {
			logger.Error("Chunk dispatch failed",
				"message_id", msg.ID,
				"chunk", i,
				"size", len(chunk),
				"error", sendErr)
			report.ChunksFailed++
			msg, err = d.reconciler.ApplyChunkFailure(ctx, msg, chunk)
			if err != nil {
				return nil, fmt.Errorf("failed to reconcile chunk %d: %w", i, err)
			}
			continue
		}

		if !entered {
			if err := d.enterDispatching(ctx, msg, preStatus); err != nil {
				return nil, err
			}
			entered = true
			if preStatus == model.StatusDraft {
				msg.Status = model.StatusDispatching
			}
		}

		msg, err = d.reconciler.ApplyBatch(ctx, msg, chunk, result)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile chunk %d: %w", i, err)
		}
	}

	final, err := d.finalize(ctx, msg, preStatus, entered)
	if err != nil {
		return nil, err
	}

	report.GroupIDs = final.GroupIDs
	report.SentCount = final.SentCount
	report.SuccessCount = final.SuccessCount
	report.FailCount = final.FailCount
	report.Status = final.Status
	return report, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, msg *model.CampaignMessage, chunk []string) (*gateway.BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ChunkTimeout)
	defer cancel()

	start := time.Now()
	result, err := d.sender.SendBatch(ctx, &gateway.BatchRequest{
		Type:        msg.Type,
		Text:        msg.Text,
		MediaHandle: msg.Media.Handle(),
		Recipients:  chunk,
	})
	prom.AddDispatchBatchDuration(time.Since(start).Seconds(), string(msg.Type))
	return result, err
}

// enterDispatching moves a Draft message into Dispatching with a CAS so a
// concurrent run on the same message loses instead of double-reconciling.
func (d *Dispatcher) enterDispatching(ctx context.Context, msg *model.CampaignMessage, preStatus model.CampaignStatus) error {
	if preStatus != model.StatusDraft {
		return nil
	}
	err := d.messages.TransitionStatus(ctx, msg.ID, model.StatusDraft, model.StatusDispatching)
	if err == repository.ErrStaleStatus {
		return fmt.Errorf("message %d: concurrent dispatch in progress: %w", msg.ID, err)
	}
	return err
}

// finalize computes the terminal status from the message counters and
// applies it with a CAS. A run that never got a chunk accepted and started
// from Draft goes straight to Failed. Terminal starting states are left
// alone so a re-dispatch never regresses them.
func (d *Dispatcher) finalize(ctx context.Context, msg *model.CampaignMessage, preStatus model.CampaignStatus, entered bool) (*model.CampaignMessage, error) {
	if preStatus.Terminal() {
		return msg, nil
	}

	target := model.DeriveStatus(len(msg.Recipients), msg.SuccessCount, msg.FailCount)
	from := model.StatusDispatching
	if !entered {
		from = preStatus
		target = model.StatusFailed
	}
	if from == target {
		return msg, nil
	}

	if err := d.messages.TransitionStatus(ctx, msg.ID, from, target); err != nil {
		return nil, fmt.Errorf("failed to finalize message %d: %w", msg.ID, err)
	}
	msg.Status = target

	logger.Info("Dispatch complete",
		"message_id", msg.ID,
		"status", target,
		"success", msg.SuccessCount,
		"fail", msg.FailCount,
		"group_ids", msg.GroupIDs.String())
	return msg, nil
}
