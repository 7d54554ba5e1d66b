// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按会话ID分配互斥锁，同一会话的回合推进串行执行
type LockManager struct {
	sessionLocks  map[string]*LockInfo
	globalLock    sync.Mutex
	lockTimeout   time.Duration
	maxLocks      int
	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
	onSizeChange  func(int)
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex          *sync.Mutex
	LastUsed       time.Time
	ReferenceCount int32 // 正在等待或持有该锁的调用数，大于0时不会被清理
}

// NewLockManager 创建锁管理器并启动清理
func NewLockManager() *LockManager {
	lm := newLockManager(30*time.Minute, 200)
	lm.startCleanup(5 * time.Minute)
	return lm
}

func newLockManager(lockTimeout time.Duration, maxLocks int) *LockManager {
	return &LockManager{
		sessionLocks: make(map[string]*LockInfo),
		lockTimeout:  lockTimeout,
		maxLocks:     maxLocks,
		stop:         make(chan struct{}),
	}
}

// OnSizeChange 锁数量变化时回调，用于上报指标
func (lm *LockManager) OnSizeChange(fn func(int)) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	lm.onSizeChange = fn
}

func (lm *LockManager) acquire(sessionID string) *LockInfo {
	lm.globalLock.Lock()
	info, exists := lm.sessionLocks[sessionID]
	if !exists {
		info = &LockInfo{Mutex: &sync.Mutex{}}
		lm.sessionLocks[sessionID] = info
		lm.notifyLocked()
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	lm.globalLock.Unlock()

	info.Mutex.Lock()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	info.Mutex.Unlock()

	lm.globalLock.Lock()
	info.ReferenceCount--
	info.LastUsed = time.Now()
	lm.globalLock.Unlock()
}

// ExecuteWithSessionLock 在会话锁保护下执行操作
func (lm *LockManager) ExecuteWithSessionLock(sessionID string, fn func() error) error {
	info := lm.acquire(sessionID)
	defer lm.release(info)
	return fn()
}

// Size 当前跟踪的锁数量
func (lm *LockManager) Size() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.sessionLocks)
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

func (lm *LockManager) startCleanup(interval time.Duration) {
	lm.cleanupTicker = time.NewTicker(interval)
	go func() {
		defer lm.cleanupTicker.Stop()
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks()
			case <-lm.stop:
				return
			}
		}
	}()
}

// cleanupUnusedLocks 锁数量过多时清理长时间未使用且无人持有的锁
func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	if len(lm.sessionLocks) <= lm.maxLocks {
		return
	}

	now := time.Now()
	for sessionID, info := range lm.sessionLocks {
		if info.ReferenceCount == 0 && now.Sub(info.LastUsed) > lm.lockTimeout {
			delete(lm.sessionLocks, sessionID)
		}
	}
	lm.notifyLocked()
}

func (lm *LockManager) notifyLocked() {
	if lm.onSizeChange != nil {
		lm.onSizeChange(len(lm.sessionLocks))
	}
}
