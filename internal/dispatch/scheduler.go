package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/pkg/logger"
)

// DueLister finds draft messages whose scheduled time has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.CampaignMessage, error)
}

// Publisher enqueues dispatch jobs. Satisfied by *queue.Queue.
type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type SchedulerConfig struct {
	PollInterval time.Duration
	BatchLimit   int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// Scheduler polls for due scheduled messages and enqueues a dispatch job
// for each. Enqueueing is fire-and-forget: the dispatch guard and the
// status CAS make a double enqueue harmless.
type Scheduler struct {
	messages  DueLister
	publisher Publisher
	config    SchedulerConfig
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewScheduler(messages DueLister, publisher Publisher, config SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		messages:  messages,
		publisher: publisher,
		config:    config.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	logger.Info("Dispatch scheduler started", "poll_interval", s.config.PollInterval)
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("Dispatch scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.EnqueueDue(s.ctx); err != nil {
				logger.Error("Scheduled dispatch sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("Enqueued scheduled dispatches", "count", n)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// EnqueueDue publishes one dispatch job per due message and returns how
// many were enqueued.
func (s *Scheduler) EnqueueDue(ctx context.Context) (int, error) {
	due, err := s.messages.ListDue(ctx, time.Now(), s.config.BatchLimit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, msg := range due {
		_, err := s.publisher.PublishJSON(ctx, Job{MessageID: msg.ID}, map[string]string{
			"source": "scheduler",
		})
		if err != nil {
			logger.Error("Failed to enqueue scheduled dispatch", "message_id", msg.ID, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
