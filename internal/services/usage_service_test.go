package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageServiceRecordAndPersist(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	usage, err := NewUsageService(dir, 0, quietLogger())
	require.NoError(t, err)
	usage.now = func() time.Time { return clock }

	usage.RecordGeneration(30)
	usage.RecordGeneration(12)

	stats := usage.GetUsageStats()
	assert.Equal(t, 2, stats.TodayRequests)
	assert.Equal(t, 42, stats.MonthlyTokens)
	assert.Equal(t, 2, stats.DailyStats["2025-03-01"])
	assert.Equal(t, 42, stats.MonthlyStats["2025-03"])

	// 副本不影响内部状态
	stats.DailyStats["2025-03-01"] = 100
	assert.Equal(t, 2, usage.GetUsageStats().DailyStats["2025-03-01"])

	require.NoError(t, usage.Close())
	require.NoError(t, usage.Close())
	_, err = os.Stat(filepath.Join(dir, "usage_stats.json"))
	require.NoError(t, err)

	reloaded, err := NewUsageService(dir, 0, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close() })
	assert.Equal(t, 42, reloaded.GetUsageStats().MonthlyStats["2025-03"])
}

func TestUsageServiceRollsOverPeriods(t *testing.T) {
	usage, err := NewUsageService(t.TempDir(), 0, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })

	clock := time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)
	usage.now = func() time.Time { return clock }
	usage.RecordGeneration(50)

	clock = clock.Add(2 * time.Hour)
	stats := usage.GetUsageStats()
	assert.Equal(t, 0, stats.TodayRequests)
	assert.Equal(t, 0, stats.MonthlyTokens)
	assert.Equal(t, 1, stats.DailyStats["2025-03-31"])
	assert.Equal(t, 50, stats.MonthlyStats["2025-03"])
}

func TestUsageServiceIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usage_stats.json"), []byte("{broken"), 0644))

	usage, err := NewUsageService(dir, 0, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })
	assert.Equal(t, 0, usage.GetUsageStats().TodayRequests)
}

func TestLLMServiceRecordsUsage(t *testing.T) {
	usage, err := NewUsageService(t.TempDir(), 0, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })

	provider := (&scriptedProvider{}).fail(errors.New("connection reset")).push(turnJSON("Fog rolls in."))
	svc := newTestLLM(t, provider)
	svc.SetUsageRecorder(usage)

	var reply models.TurnReply
	_, err = svc.Generate(context.Background(), systemLog(), llm.TurnSchema(), &reply)
	require.NoError(t, err)

	// 失败的尝试不计入
	stats := usage.GetUsageStats()
	assert.Equal(t, 1, stats.TodayRequests)
	assert.Equal(t, 30, stats.MonthlyTokens)
}
