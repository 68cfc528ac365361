package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/masgolf/campaign-gateway/internal/queue"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/redis"
	"github.com/masgolf/campaign-gateway/pkg/worker"
)

const (
	// JobTimeout bounds one full dispatch run, chunks included.
	JobTimeout      = 5 * time.Minute
	HealthInterval  = 30 * time.Second
	ShutdownTimeout = time.Minute
)

// Processor handles one queue message.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type RunnerConfig struct {
	Queue       queue.QueueConfig
	Consumers   int
	Workers     int
	WorkerQueue int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Consumers <= 0 {
		c.Consumers = 4
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = 10_000
	}
	return c
}

// Runner consumes dispatch jobs from the redis stream and executes them on
// a bounded worker pool. Dispatch runs are long compared to single sends,
// so the pool stays small and the queue's visibility timeout does the
// back-pressure.
type Runner struct {
	adapter   redis.RedisAdapter
	queues    []*queue.Queue
	processor Processor
	metrics   *RunnerMetrics
	config    RunnerConfig
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewRunner(redisAdapter redis.RedisAdapter, processor Processor, config RunnerConfig) *Runner {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		adapter:   redisAdapter,
		queues:    make([]*queue.Queue, 0, config.Consumers),
		processor: processor,
		metrics:   NewRunnerMetrics(),
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(config.WorkerQueue, config.Workers, nil),
	}
}

func (r *Runner) Start() error {
	logger.Info("Starting dispatch runner", "processor", r.processor.GetType())

	r.worker.SetWorker(r.workerHandler)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	for i := 0; i < r.config.Consumers; i++ {
		queueConfig := r.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(r.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}

		if err := q.Consume(r.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		r.queues = append(r.queues, q)
		logger.Info("Started dispatch consumer", "instance", i)
	}

	r.wg.Add(2)
	go r.metricsReporter()
	go r.healthChecker()

	logger.Info("Dispatch runner started",
		"consumers", len(r.queues),
		"workers", r.config.Workers)
	return nil
}

func (r *Runner) metricsReporter() {
	defer r.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reportMetrics()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Runner) reportMetrics() {
	stats := r.metrics.GetStats()

	logger.Info("Dispatch runner metrics",
		"total_runs", stats["total_runs"],
		"total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"])

	for i, q := range r.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("Queue stats", "queue", i, "total", qStats.TotalMessages, "pending", qStats.PendingMessages)
		}
	}
}

func (r *Runner) healthChecker() {
	defer r.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.performHealthCheck()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Runner) performHealthCheck() {
	if err := r.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	for i, q := range r.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingMessages > 1000 {
			logger.Warn("HEALTH CHECK WARNING: Dispatch queue has high lag", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}

	logger.Info("HEALTH CHECK: OK - Dispatch runner healthy")
}

// Stop gracefully drains the consumers and the worker pool.
func (r *Runner) Stop() {
	logger.Info("Shutting down dispatch runner...")

	r.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(r.queues))

	for i, q := range r.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range r.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	r.worker.Exit()
	r.wg.Wait()
	r.reportMetrics()

	logger.Info("Dispatch runner stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands the queue message to the worker pool and blocks for
// the result so the queue's ack semantics stay intact.
func (r *Runner) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, JobTimeout+time.Second)
	defer cancel()

	job := &jobResult{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	}

	r.worker.Enqueue(job)

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to run dispatch job: %w", msgCtx.Err())
	}
}

func (r *Runner) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	msg := jobRes.msg
	start := time.Now()
	var resultErr error

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before dispatch started", "worker", workerIndex)
		return
	default:
	}

	if err := r.processor.Process(jobRes.ctx, msg); err != nil {
		r.metrics.RecordFailure()
		logger.Error("Failed to run dispatch job", "worker", workerIndex, "error", err)
		resultErr = err
	} else {
		r.metrics.RecordRun(time.Since(start))
	}

	// messageHandler may already have timed out and left no receiver.
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("Context cancelled while sending result, message handler timed out", "worker", workerIndex)
	}
}
