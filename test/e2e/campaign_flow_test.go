package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/masgolf/campaign-gateway/internal/dispatch"
	gateway "github.com/masgolf/campaign-gateway/internal/gateways"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/queue"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/internal/services"
	"github.com/masgolf/campaign-gateway/pkg/pg"
	"github.com/masgolf/campaign-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubSender accepts every recipient unless rejectPhones marks them.
type stubSender struct {
	mu           sync.Mutex
	calls        int
	rejectPhones map[string]bool
}

func (s *stubSender) SendBatch(ctx context.Context, req *gateway.BatchRequest) (*gateway.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	result := &gateway.BatchResult{GroupID: fmt.Sprintf("E2E-G%d", s.calls)}
	for _, phone := range req.Recipients {
		r := gateway.RecipientResult{Phone: phone, StatusCode: "2000"}
		if s.rejectPhones[phone] {
			r.StatusCode = "3025"
			result.FailCount++
		} else {
			result.SuccessCount++
		}
		result.Results = append(result.Results, r)
	}
	return result, nil
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, ref model.MediaRef) (string, error) {
	if ref.Kind == model.MediaURL {
		return "ST-e2e-handle", nil
	}
	return ref.Value, nil
}

type TestEnvironment struct {
	DB           *pg.DB
	Redis        *miniredis.Miniredis
	RedisAdapter redis.RedisAdapter
	Queue        *queue.Queue
	CampaignRepo *repository.CampaignMessageRepository
	LogRepo      *repository.DeliveryLogRepository
	Sender       *stubSender
	Dispatcher   *dispatch.Dispatcher
	Processor    *dispatch.JobProcessor
	Service      *services.CampaignService
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Each pooled connection to ":memory:" gets its own empty database;
	// pin the pool to one connection so every query sees the same DB.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&repository.CampaignMessageEntity{},
		&repository.DeliveryLogEntity{},
		&repository.MediaAssetEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	redisAdapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	q, err := queue.NewQueue(redisAdapter, queue.QueueConfig{
		Name:              "test:dispatch",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	})
	require.NoError(t, err)

	campaignRepo := repository.NewCampaignMessageRepository(pgDB)
	logRepo := repository.NewDeliveryLogRepository(pgDB)

	sender := &stubSender{rejectPhones: map[string]bool{}}
	dispatcher := dispatch.NewDispatcher(campaignRepo, logRepo, sender, stubResolver{}, dispatch.Config{
		MaxBatchSize: 100,
		Channel:      "solapi",
	})

	guard := dispatch.NewGuard(redisAdapter, dispatch.DefaultGuardConfig())
	processor := dispatch.NewJobProcessor(dispatcher, guard)

	service := services.NewCampaignService(campaignRepo, logRepo, dispatcher, q)

	return &TestEnvironment{
		DB:           pgDB,
		Redis:        mr,
		RedisAdapter: redisAdapter,
		Queue:        q,
		CampaignRepo: campaignRepo,
		LogRepo:      logRepo,
		Sender:       sender,
		Dispatcher:   dispatcher,
		Processor:    processor,
		Service:      service,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop queue first (gracefully drain messages)
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

// consumeJobs wires the queue to the job processor, like the runner does
// in production but without the worker pool.
func (env *TestEnvironment) consumeJobs(t *testing.T) {
	err := env.Queue.Consume(func(ctx context.Context, msg *queue.Message) error {
		return env.Processor.Process(ctx, msg)
	})
	require.NoError(t, err)
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = fmt.Sprintf("010%08d", i+1)
	}
	return out
}

func TestE2E_DraftCreationAndEnqueue(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:       "spring sale starts monday",
		Type:       model.MessageTypeSMS,
		Recipients: []string{"010-1234-5678", "01087654321"},
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, model.StatusDraft, msg.Status)
	assert.Equal(t, []string{"01012345678", "01087654321"}, msg.Recipients)

	report, err := env.Service.Dispatch(ctx, msg.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)

	stats, err := env.Queue.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalMessages, int64(1))

	// enqueueing alone must not move the draft
	stored, err := env.CampaignRepo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, stored.Status)
}

func TestE2E_FullDispatchFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:       "full flow",
		Type:       model.MessageTypeSMS,
		Recipients: recipients(250),
	})
	require.NoError(t, err)

	env.consumeJobs(t)

	_, err = env.Service.Dispatch(ctx, msg.ID, false)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := env.CampaignRepo.Get(ctx, msg.ID)
		require.NoError(t, err)
		if stored.Status == model.StatusSent {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	stored, err := env.CampaignRepo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, 250, stored.SentCount)
	assert.Equal(t, 250, stored.SuccessCount)
	assert.Equal(t, 0, stored.FailCount)
	assert.Len(t, stored.GroupIDs, 3) // 250 recipients at chunk size 100
	assert.NotNil(t, stored.SentAt)

	logs, err := env.LogRepo.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 250)
	for _, entry := range logs {
		assert.Equal(t, model.DeliverySent, entry.Status)
		assert.Equal(t, "solapi", entry.Channel)
	}
}

func TestE2E_PartialDispatch(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	recips := recipients(10)
	env.Sender.rejectPhones[recips[3]] = true
	env.Sender.rejectPhones[recips[7]] = true

	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:       "partial flow",
		Type:       model.MessageTypeSMS,
		Recipients: recips,
	})
	require.NoError(t, err)

	env.consumeJobs(t)

	_, err = env.Service.Dispatch(ctx, msg.ID, false)
	require.NoError(t, err)

	var stored *model.CampaignMessage
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err = env.CampaignRepo.Get(ctx, msg.ID)
		require.NoError(t, err)
		if stored.Status != model.StatusDraft && stored.Status != model.StatusDispatching {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, model.StatusPartial, stored.Status)
	assert.Equal(t, 10, stored.SentCount)
	assert.Equal(t, 8, stored.SuccessCount)
	assert.Equal(t, 2, stored.FailCount)

	logs, err := env.LogRepo.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	failed := 0
	for _, entry := range logs {
		if entry.Status == model.DeliveryFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestE2E_InvalidDraftNeverReachesAggregator(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	// Bypass the service to get an invalid row on disk: an over-long SMS.
	created, err := env.CampaignRepo.Create(ctx, &model.CampaignMessage{
		Text:       strings.Repeat("x", 200),
		Type:       model.MessageTypeSMS,
		Recipients: recipients(2),
		Status:     model.StatusDraft,
	})
	require.NoError(t, err)

	env.consumeJobs(t)

	job, err := json.Marshal(dispatch.Job{MessageID: created.ID})
	require.NoError(t, err)
	_, err = env.Queue.Publish(ctx, job, nil)
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	stored, err := env.CampaignRepo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, stored.Status)
	assert.Zero(t, stored.SentCount)
	assert.Zero(t, env.Sender.callCount())

	logs, err := env.LogRepo.ListByMessage(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestE2E_RerunAppendsGroupIDs(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:       "rerun flow",
		Type:       model.MessageTypeSMS,
		Recipients: recipients(5),
	})
	require.NoError(t, err)

	_, err = env.Dispatcher.Dispatch(ctx, msg.ID)
	require.NoError(t, err)

	first, err := env.CampaignRepo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, first.Status)
	require.Len(t, first.GroupIDs, 1)

	// a rerun of a terminal message is a new send to the same audience
	_, err = env.Dispatcher.Dispatch(ctx, msg.ID)
	require.NoError(t, err)

	second, err := env.CampaignRepo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, second.Status)
	assert.Len(t, second.GroupIDs, 2)
	assert.Equal(t, 10, second.SentCount)

	// log upserts keep one row per (message, phone)
	logs, err := env.LogRepo.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestE2E_DryRunHasNoSideEffects(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:       "dry run",
		Type:       model.MessageTypeSMS,
		Recipients: recipients(150),
	})
	require.NoError(t, err)

	report, err := env.Service.Dispatch(ctx, msg.ID, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Chunks)

	stats, err := env.Queue.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMessages)
	assert.Zero(t, env.Sender.callCount())
}

func TestE2E_ScheduledDispatch(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	msg, err := env.Service.Create(ctx, model.CampaignCreateRequest{
		Text:        "scheduled flow",
		Type:        model.MessageTypeSMS,
		Recipients:  recipients(3),
		ScheduledAt: &past,
	})
	require.NoError(t, err)

	env.consumeJobs(t)

	scheduler := dispatch.NewScheduler(env.CampaignRepo, env.Queue, dispatch.SchedulerConfig{})
	published, err := scheduler.EnqueueDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := env.CampaignRepo.Get(ctx, msg.ID)
		require.NoError(t, err)
		if stored.Status == model.StatusSent {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	stored, err := env.CampaignRepo.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, 3, stored.SuccessCount)
}
