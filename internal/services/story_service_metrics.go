// internal/services/story_service_metrics.go
package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// StoryServiceMetrics 回合引擎的进程内统计，供 /story/stats 查看
type StoryServiceMetrics struct {
	mutex             sync.RWMutex
	totalTurns        int64
	failedTurns       int64
	sessionsStarted   int64
	sessionsConcluded int64
	averageTurnTime   time.Duration
	inFlight          int32
	lastMetricsReset  time.Time
}

// NewStoryServiceMetrics 创建统计
func NewStoryServiceMetrics() *StoryServiceMetrics {
	return &StoryServiceMetrics{lastMetricsReset: time.Now()}
}

// Begin 标记一次进行中的生成，返回结束函数
func (m *StoryServiceMetrics) Begin() func() {
	atomic.AddInt32(&m.inFlight, 1)
	return func() { atomic.AddInt32(&m.inFlight, -1) }
}

// RecordTurn 记录一次回合推进
func (m *StoryServiceMetrics) RecordTurn(duration time.Duration, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err != nil {
		m.failedTurns++
		return
	}
	m.totalTurns++
	m.averageTurnTime = (m.averageTurnTime*time.Duration(m.totalTurns-1) + duration) / time.Duration(m.totalTurns)
}

// RecordSessionStarted 记录新会话
func (m *StoryServiceMetrics) RecordSessionStarted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessionsStarted++
}

// RecordSessionConcluded 记录结局回合完成
func (m *StoryServiceMetrics) RecordSessionConcluded() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessionsConcluded++
}

// GetMetrics 获取统计快照
func (m *StoryServiceMetrics) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"total_turns":          m.totalTurns,
		"failed_turns":         m.failedTurns,
		"sessions_started":     m.sessionsStarted,
		"sessions_concluded":   m.sessionsConcluded,
		"average_turn_time_ms": m.averageTurnTime.Milliseconds(),
		"in_flight":            atomic.LoadInt32(&m.inFlight),
		"last_reset":           m.lastMetricsReset,
	}
}

// ResetMetrics 重置统计
func (m *StoryServiceMetrics) ResetMetrics() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.totalTurns = 0
	m.failedTurns = 0
	m.sessionsStarted = 0
	m.sessionsConcluded = 0
	m.averageTurnTime = 0
	m.lastMetricsReset = time.Now()
}
