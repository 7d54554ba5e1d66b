// internal/services/usage_service.go
package services

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/utils"
)

// UsageRecorder 接收每次生成调用的用量
type UsageRecorder interface {
	RecordGeneration(tokens int)
}

// UsageStats 生成调用的日/月用量，进程重启后保留
type UsageStats struct {
	TodayRequests int            `json:"today_requests"`
	MonthlyTokens int            `json:"monthly_tokens"`
	DailyStats    map[string]int `json:"daily_stats"`   // 日期 -> 请求数
	MonthlyStats  map[string]int `json:"monthly_stats"` // 月份 -> token 数
	LastUpdated   time.Time      `json:"last_updated"`
}

// UsageService 在内存中累计用量并定期写入 usage_stats.json
type UsageService struct {
	statsFile    string
	saveInterval time.Duration
	logger       *utils.Logger
	now          func() time.Time

	mutex        sync.Mutex
	stats        *UsageStats
	isDirty      bool
	lastSaveTime time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUsageService 加载 dir 下已有的统计；saveInterval 为 0 时只在 Close 时保存
func NewUsageService(dir string, saveInterval time.Duration, logger *utils.Logger) (*UsageService, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}

	s := &UsageService{
		statsFile:    filepath.Join(dir, "usage_stats.json"),
		saveInterval: saveInterval,
		logger:       logger,
		now:          time.Now,
		done:         make(chan struct{}),
	}

	stats, err := s.loadStats()
	switch {
	case err == nil:
		s.stats = stats
	case os.IsNotExist(err):
		s.stats = newUsageStats(s.now())
	default:
		// 文件损坏时从零开始，不阻止启动
		logger.Warn("failed to load usage stats, starting fresh", map[string]interface{}{
			"file":  s.statsFile,
			"error": err,
		})
		s.stats = newUsageStats(s.now())
	}
	s.rollPeriod(s.now())

	if saveInterval > 0 {
		s.wg.Add(1)
		go s.periodicSave()
	}
	return s, nil
}

func newUsageStats(now time.Time) *UsageStats {
	return &UsageStats{
		DailyStats:   make(map[string]int),
		MonthlyStats: make(map[string]int),
		LastUpdated:  now,
	}
}

// RecordGeneration 记录一次生成调用
func (s *UsageService) RecordGeneration(tokens int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	s.rollPeriod(now)

	s.stats.TodayRequests++
	s.stats.MonthlyTokens += tokens
	s.stats.DailyStats[now.Format("2006-01-02")]++
	s.stats.MonthlyStats[now.Format("2006-01")] += tokens
	s.stats.LastUpdated = now
	s.isDirty = true
}

// GetUsageStats 返回深度副本
func (s *UsageService) GetUsageStats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rollPeriod(s.now())
	return &UsageStats{
		TodayRequests: s.stats.TodayRequests,
		MonthlyTokens: s.stats.MonthlyTokens,
		DailyStats:    copyIntMap(s.stats.DailyStats),
		MonthlyStats:  copyIntMap(s.stats.MonthlyStats),
		LastUpdated:   s.stats.LastUpdated,
	}
}

// rollPeriod 跨日清零今日请求，跨月清零月度 token。调用方持锁
func (s *UsageService) rollPeriod(now time.Time) {
	last := s.stats.LastUpdated
	if now.Format("2006-01-02") != last.Format("2006-01-02") {
		s.stats.TodayRequests = 0
		s.isDirty = true
	}
	if now.Format("2006-01") != last.Format("2006-01") {
		s.stats.MonthlyTokens = 0
		s.isDirty = true
	}
	if s.isDirty {
		s.stats.LastUpdated = now
	}
}

func (s *UsageService) loadStats() (*UsageStats, error) {
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return nil, err
	}

	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse stats data: %w", err)
	}
	if stats.DailyStats == nil {
		stats.DailyStats = make(map[string]int)
	}
	if stats.MonthlyStats == nil {
		stats.MonthlyStats = make(map[string]int)
	}
	return &stats, nil
}

// saveLocked 先写临时文件再重命名。调用方持锁
func (s *UsageService) saveLocked() error {
	if !s.isDirty {
		return nil
	}
	data, err := json.MarshalIndent(s.stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize stats: %w", err)
	}

	tempFile := s.statsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp stats file: %w", err)
	}
	if err := os.Rename(tempFile, s.statsFile); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to replace stats file: %w", err)
	}

	s.isDirty = false
	s.lastSaveTime = s.now()
	return nil
}

func (s *UsageService) periodicSave() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mutex.Lock()
			if err := s.saveLocked(); err != nil {
				s.logger.Warn("periodic usage save failed", map[string]interface{}{"error": err})
			}
			s.mutex.Unlock()
		}
	}
}

// Close 停止定时保存并写入未保存的数据
func (s *UsageService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mutex.Lock()
		defer s.mutex.Unlock()
		err = s.saveLocked()
	})
	return err
}

func copyIntMap(original map[string]int) map[string]int {
	if original == nil {
		return make(map[string]int)
	}
	copied := make(map[string]int, len(original))
	maps.Copy(copied, original)
	return copied
}
