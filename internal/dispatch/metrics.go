package dispatch

import (
	"sync/atomic"
	"time"
)

// RunnerMetrics tracks dispatch run throughput for the queue worker.
type RunnerMetrics struct {
	totalRuns       int64
	totalFailed     int64
	totalDurationNs int64
	lastResetNs     int64
}

func NewRunnerMetrics() *RunnerMetrics {
	return &RunnerMetrics{
		lastResetNs: time.Now().UnixNano(),
	}
}

func (m *RunnerMetrics) RecordRun(duration time.Duration) {
	atomic.AddInt64(&m.totalRuns, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

func (m *RunnerMetrics) RecordFailure() {
	atomic.AddInt64(&m.totalFailed, 1)
}

func (m *RunnerMetrics) GetStats() map[string]interface{} {
	runs := atomic.LoadInt64(&m.totalRuns)
	failed := atomic.LoadInt64(&m.totalFailed)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)
	lastResetNs := atomic.LoadInt64(&m.lastResetNs)

	elapsed := time.Since(time.Unix(0, lastResetNs)).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(runs) / elapsed
	}

	avgDuration := time.Duration(0)
	if runs > 0 {
		avgDuration = time.Duration(durationNs / runs)
	}

	return map[string]interface{}{
		"total_runs":      runs,
		"total_failed":    failed,
		"rate_per_second": rate,
		"avg_duration_ms": avgDuration.Milliseconds(),
		"uptime_seconds":  elapsed,
	}
}

func (m *RunnerMetrics) Reset() {
	atomic.StoreInt64(&m.totalRuns, 0)
	atomic.StoreInt64(&m.totalFailed, 0)
	atomic.StoreInt64(&m.totalDurationNs, 0)
	atomic.StoreInt64(&m.lastResetNs, time.Now().UnixNano())
}
