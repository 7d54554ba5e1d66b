// internal/storage/session_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Corphon/StoryForge/internal/models"
)

var (
	// ErrSessionNotFound 会话不存在或已过期
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists 创建时会话ID已存在
	ErrSessionExists = errors.New("session already exists")
	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("session store closed")
)

// SessionStore 会话状态存储。
// 实现必须对不同会话ID并发安全，Get 返回的状态与存储内部不共享内存。
type SessionStore interface {
	Create(ctx context.Context, state *models.SessionState) error
	Get(ctx context.Context, sessionID string) (*models.SessionState, error)
	Update(ctx context.Context, state *models.SessionState) error
	Close() error
}

func encodeSession(state *models.SessionState) ([]byte, error) {
	if state == nil || state.SessionID == "" {
		return nil, errors.New("session state without id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("序列化会话失败: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*models.SessionState, error) {
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	return &state, nil
}
