// internal/storage/memory_store.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/models"
)

// MemoryStore 进程内会话存储，带过期时间和最近最少使用淘汰
type MemoryStore struct {
	entries    map[string]*memoryEntry
	mutex      sync.RWMutex
	maxSize    int           // 最大会话数
	expiration time.Duration // 自最后访问起的过期时间，0 表示不过期
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// memoryEntry 保存序列化后的会话，读写都经过编解码，不与调用方共享内存
type memoryEntry struct {
	Data       []byte
	CreatedAt  time.Time
	LastAccess time.Time
}

// NewMemoryStore 创建内存会话存储
func NewMemoryStore(maxSize int, expiration time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}

	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		maxSize:    maxSize,
		expiration: expiration,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	if expiration > 0 {
		go s.cleanupLoop(cleanupInterval(expiration))
	}
	return s
}

func cleanupInterval(expiration time.Duration) time.Duration {
	interval := expiration / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	return interval
}

// Create 新建会话
func (s *MemoryStore) Create(_ context.Context, state *models.SessionState) error {
	data, err := encodeSession(state)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry, exists := s.entries[state.SessionID]; exists && !s.expired(entry) {
		return ErrSessionExists
	}

	now := s.now()
	s.entries[state.SessionID] = &memoryEntry{Data: data, CreatedAt: now, LastAccess: now}

	// 超出容量时清理最少使用的条目
	if len(s.entries) > s.maxSize {
		s.cleanupLRU(max(1, s.maxSize/5), state.SessionID)
	}
	return nil
}

// Get 读取会话副本
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*models.SessionState, error) {
	s.mutex.Lock()
	entry, exists := s.entries[sessionID]
	if !exists {
		s.mutex.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.expired(entry) {
		delete(s.entries, sessionID)
		s.mutex.Unlock()
		return nil, ErrSessionNotFound
	}
	entry.LastAccess = s.now()
	data := entry.Data
	s.mutex.Unlock()

	return decodeSession(data)
}

// Update 覆盖已有会话
func (s *MemoryStore) Update(_ context.Context, state *models.SessionState) error {
	data, err := encodeSession(state)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.entries[state.SessionID]
	if !exists || s.expired(entry) {
		delete(s.entries, state.SessionID)
		return ErrSessionNotFound
	}
	entry.Data = data
	entry.LastAccess = s.now()
	return nil
}

// Len 当前保存的会话数（包括尚未清理的过期会话）
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// Close 停止后台清理
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) expired(entry *memoryEntry) bool {
	return s.expiration > 0 && s.now().Sub(entry.LastAccess) > s.expiration
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stop:
			return
		}
	}
}

// cleanupExpired 清理过期会话
func (s *MemoryStore) cleanupExpired() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, id)
		}
	}
}

// cleanupLRU 清理最少使用的条目，keep 不参与淘汰
func (s *MemoryStore) cleanupLRU(count int, keep string) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.entries))
	for k, v := range s.entries {
		if k == keep {
			continue
		}
		entries = append(entries, keyAge{k, v.LastAccess})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(s.entries, entries[i].key)
	}
}
