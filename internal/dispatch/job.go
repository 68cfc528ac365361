package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/masgolf/campaign-gateway/internal/media"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/queue"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/prom"
)

// Job is the queue payload for one dispatch run.
type Job struct {
	MessageID int64 `json:"message_id"`
}

// JobProcessor consumes dispatch jobs from the queue and runs the pipeline
// for each, guarded by the per-message redis lock.
type JobProcessor struct {
	dispatcher *Dispatcher
	guard      *Guard
}

func NewJobProcessor(dispatcher *Dispatcher, guard *Guard) *JobProcessor {
	return &JobProcessor{
		dispatcher: dispatcher,
		guard:      guard,
	}
}

func (p *JobProcessor) GetType() string {
	return "campaign-dispatch"
}

// Process runs one queued dispatch job.
//
// Return nil to ack the queue message, an error to leave it pending for a
// retry. Permanent conditions (bad payload, validation failure, exhausted
// attempts) are acked: they will not succeed on replay.
func (p *JobProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job Job
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		logger.Error("Failed to unmarshal dispatch job", "error", err)
		return err // malformed payload moves to DLQ
	}
	if job.MessageID <= 0 {
		logger.Error("Dispatch job missing message id", "queue_message_id", queueMessage.ID)
		return errors.New("dispatch job missing message id")
	}

	lease, err := p.guard.Acquire(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, ErrMaxAttemptsReached) {
			logger.Error("Dropping dispatch job, attempts exhausted", "message_id", job.MessageID)
			prom.IncDispatchRun("attempts_exhausted")
			return nil // ack so the poison job stops cycling
		}
		if errors.Is(err, ErrDispatchLocked) {
			return err // another worker owns the message, retry later
		}
		logger.Error("Failed to acquire dispatch lock", "message_id", job.MessageID, "error", err)
		return err
	}
	defer p.guard.Release(ctx, lease)

	logger.Info("Running dispatch job",
		"message_id", job.MessageID,
		"attempt", lease.Attempt)

	report, err := p.dispatcher.Dispatch(ctx, job.MessageID)
	if err != nil {
		var validationErr *model.ValidationError
		var mediaErr *media.ResolutionError
		if errors.As(err, &validationErr) || errors.As(err, &mediaErr) {
			// Deterministic pre-send failures: a replay would hit the
			// same wall, so ack and surface through logs and metrics.
			logger.Error("Dispatch rejected before any send",
				"message_id", job.MessageID,
				"error", err)
			p.guard.MarkCompleted(ctx, lease)
			prom.IncDispatchRun("rejected")
			return nil
		}

		p.guard.MarkFailure(ctx, lease, err)
		prom.IncDispatchRun("error")
		return err
	}

	p.guard.MarkCompleted(ctx, lease)
	prom.IncDispatchRun(string(report.Status))
	prom.AddDispatchRecipients(float64(report.SuccessCount), "accepted")
	prom.AddDispatchRecipients(float64(report.FailCount), "failed")

	logger.Info("Dispatch job finished",
		"message_id", job.MessageID,
		"status", report.Status,
		"chunks", report.Chunks,
		"chunks_failed", report.ChunksFailed,
		"success", report.SuccessCount,
		"fail", report.FailCount)
	return nil
}
