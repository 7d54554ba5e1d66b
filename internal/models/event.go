// internal/models/event.go
package models

import "time"

// 会话事件类型
const (
	EventSessionStarted = "session_started"
	EventTurnCompleted  = "turn_completed"
	EventImageReady     = "image_ready"
)

// SessionEvent 推送给订阅者的会话事件
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	IsFinal   bool      `json:"is_final"`
	Story     string    `json:"story,omitempty"`
	Choices   []Choice  `json:"choices,omitempty"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
