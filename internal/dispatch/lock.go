package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/masgolf/campaign-gateway/pkg/redis"
)

var (
	ErrDispatchLocked     = errors.New("dispatch lock held by another worker")
	ErrMaxAttemptsReached = errors.New("maximum dispatch attempts reached")
)

type GuardConfig struct {
	// LockTTL bounds how long a crashed worker can hold a message.
	LockTTL time.Duration

	// AttemptTTL is how long the per-message attempt counter survives.
	AttemptTTL time.Duration

	// MaxAttempts caps queue-driven dispatch retries per message.
	MaxAttempts int

	LockKeyPrefix    string
	AttemptKeyPrefix string
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		LockTTL:          2 * time.Minute,
		AttemptTTL:       24 * time.Hour,
		MaxAttempts:      3,
		LockKeyPrefix:    "dispatch:lock:",
		AttemptKeyPrefix: "dispatch:attempts:",
	}
}

// Guard serializes dispatch runs per message with a redis lock. The status
// CAS in the repository is the correctness backstop; the guard keeps a
// second worker from burning aggregator calls on a message already being
// dispatched, and caps how often a failing message is retried.
type Guard struct {
	redis  redis.RedisAdapter
	config GuardConfig
}

func NewGuard(redisAdapter redis.RedisAdapter, config GuardConfig) *Guard {
	return &Guard{
		redis:  redisAdapter,
		config: config,
	}
}

// Lease is one held dispatch lock.
type Lease struct {
	MessageID int64
	Attempt   int
	held      bool
	guard     *Guard
}

func (g *Guard) Acquire(ctx context.Context, messageID int64) (*Lease, error) {
	attemptKey := g.attemptKey(messageID)
	attempts := 0
	if raw, err := g.redis.Get(attemptKey); err == nil && len(raw) > 0 {
		fmt.Sscanf(string(raw), "%d", &attempts)
	}

	if attempts >= g.config.MaxAttempts {
		logger.Error("Dispatch attempts exhausted", "message_id", messageID, "attempts", attempts)
		return nil, fmt.Errorf("%w: message_id=%d, attempts=%d", ErrMaxAttemptsReached, messageID, attempts)
	}

	lockKey := g.lockKey(messageID)
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := g.redis.SetNX(lockKey, lockValue, g.config.LockTTL)
	if err != nil {
		logger.Error("Failed to acquire dispatch lock", "message_id", messageID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDispatchLocked, err)
	}
	if !acquired {
		logger.Info("Dispatch lock held by another worker", "message_id", messageID)
		return nil, ErrDispatchLocked
	}

	logger.Debug("Dispatch lock acquired",
		"message_id", messageID,
		"attempt", attempts,
		"lock_ttl", g.config.LockTTL)

	return &Lease{
		MessageID: messageID,
		Attempt:   attempts,
		held:      true,
		guard:     g,
	}, nil
}

// MarkCompleted drops the lock and the attempt counter after a run that
// finished, successfully or not, so a later explicit re-dispatch starts
// from a clean slate.
func (g *Guard) MarkCompleted(ctx context.Context, lease *Lease) {
	if err := g.redis.Del(g.attemptKey(lease.MessageID)); err != nil {
		logger.Warn("Failed to clear attempt counter", "message_id", lease.MessageID, "error", err)
	}
	g.release(lease)
}

// MarkFailure bumps the attempt counter and frees the lock so the queue can
// retry the message.
func (g *Guard) MarkFailure(ctx context.Context, lease *Lease, reason error) {
	next := lease.Attempt + 1
	if err := g.redis.Set(g.attemptKey(lease.MessageID), []byte(fmt.Sprintf("%d", next)), g.config.AttemptTTL); err != nil {
		logger.Error("Failed to bump attempt counter", "message_id", lease.MessageID, "error", err)
	}
	g.release(lease)

	logger.Warn("Dispatch run failed, eligible for retry",
		"message_id", lease.MessageID,
		"attempt", next,
		"max_attempts", g.config.MaxAttempts,
		"reason", reason)
}

// Release frees the lock without touching the attempt counter.
func (g *Guard) Release(ctx context.Context, lease *Lease) {
	g.release(lease)
}

func (g *Guard) release(lease *Lease) {
	if lease == nil || !lease.held {
		return
	}
	if err := g.redis.Del(g.lockKey(lease.MessageID)); err != nil {
		logger.Warn("Failed to release dispatch lock", "message_id", lease.MessageID, "error", err)
		return
	}
	lease.held = false
}

func (g *Guard) AttemptCount(ctx context.Context, messageID int64) (int, error) {
	raw, err := g.redis.Get(g.attemptKey(messageID))
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}
	attempts := 0
	fmt.Sscanf(string(raw), "%d", &attempts)
	return attempts, nil
}

func (g *Guard) lockKey(messageID int64) string {
	return fmt.Sprintf("%s%d", g.config.LockKeyPrefix, messageID)
}

func (g *Guard) attemptKey(messageID int64) string {
	return fmt.Sprintf("%s%d", g.config.AttemptKeyPrefix, messageID)
}
