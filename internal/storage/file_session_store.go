// internal/storage/file_session_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Corphon/StoryForge/internal/models"
)

const sessionsDir = "sessions"

// FileSessionStore 每个会话一个JSON文件，没有过期策略
type FileSessionStore struct {
	files *FileStorage
	// 防止同一ID并发 Create
	createMu sync.Mutex
}

// NewFileSessionStore 基于 FileStorage 创建会话存储
func NewFileSessionStore(files *FileStorage) *FileSessionStore {
	return &FileSessionStore{files: files}
}

func sessionFile(sessionID string) string {
	return sessionID + ".json"
}

// validSessionID 会话ID直接作文件名，不能带路径成分
func validSessionID(sessionID string) bool {
	return sessionID != "" && sessionID != "." && sessionID != ".." &&
		!strings.ContainsAny(sessionID, `/\`)
}

func (s *FileSessionStore) Create(_ context.Context, state *models.SessionState) error {
	data, err := encodeSession(state)
	if err != nil {
		return err
	}

	if !validSessionID(state.SessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, state.SessionID)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if s.files.FileExists(sessionsDir, sessionFile(state.SessionID)) {
		return ErrSessionExists
	}
	return s.files.SaveFile(sessionsDir, sessionFile(state.SessionID), data)
}

func (s *FileSessionStore) Get(_ context.Context, sessionID string) (*models.SessionState, error) {
	if !validSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}
	data, err := s.files.LoadFile(sessionsDir, sessionFile(sessionID))
	if err != nil {
		if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrInvalidPath) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return decodeSession(data)
}

func (s *FileSessionStore) Update(_ context.Context, state *models.SessionState) error {
	if state != nil && !validSessionID(state.SessionID) {
		return ErrSessionNotFound
	}
	data, err := encodeSession(state)
	if err != nil {
		return err
	}
	if !s.files.FileExists(sessionsDir, sessionFile(state.SessionID)) {
		return ErrSessionNotFound
	}
	return s.files.SaveFile(sessionsDir, sessionFile(state.SessionID), data)
}

func (s *FileSessionStore) Close() error {
	return nil
}
