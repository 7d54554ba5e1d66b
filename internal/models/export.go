// internal/models/export.go
package models

import (
	"encoding/json"
	"time"
)

// 支持的导出格式
const (
	ExportJSON     = "json"
	ExportMarkdown = "markdown"
	ExportText     = "txt"
)

// ExportResult 导出结果
type ExportResult struct {
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Format      string    `json:"format"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
	TurnCount   int       `json:"turn_count"`
	Concluded   bool      `json:"concluded"`
	FilePath    string    `json:"file_path,omitempty"` // 导出文件路径
	FileSize    int64     `json:"file_size,omitempty"`
}

// TranscriptTurn 一个回合及玩家在该回合做出的选择
type TranscriptTurn struct {
	Number      int      `json:"number"`
	Story       string   `json:"story"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	Choices     []Choice `json:"choices,omitempty"`
	Chosen      *Choice  `json:"chosen,omitempty"`
}

// SessionTranscript 按回合整理的会话记录
type SessionTranscript struct {
	SessionID string           `json:"session_id"`
	Story     SelectedStory    `json:"story"`
	MaxTurns  int              `json:"max_turns"`
	Concluded bool             `json:"concluded"`
	Turns     []TranscriptTurn `json:"turns"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Transcript 从对话日志还原回合。system 条目被跳过，
// 无法解析的 assistant 条目原样作为故事文本
func (s *SessionState) Transcript() SessionTranscript {
	transcript := SessionTranscript{
		SessionID: s.SessionID,
		Story:     s.Story,
		MaxTurns:  s.MaxTurns,
		Concluded: s.IsConcluded(),
		Turns:     []TranscriptTurn{},
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}

	for _, entry := range s.ConversationLog {
		switch entry.Role {
		case RoleAssistant:
			turn := TranscriptTurn{Number: len(transcript.Turns) + 1}
			var reply TurnReply
			if err := json.Unmarshal([]byte(entry.Content), &reply); err == nil {
				turn.Story = reply.Story
				turn.ImagePrompt = reply.ImagePrompt
				turn.Choices = reply.Choices
			} else {
				turn.Story = entry.Content
			}
			transcript.Turns = append(transcript.Turns, turn)

		case RoleUser:
			if len(transcript.Turns) == 0 {
				continue
			}
			var msg ChoiceMessage
			if err := json.Unmarshal([]byte(entry.Content), &msg); err != nil {
				continue
			}
			transcript.Turns[len(transcript.Turns)-1].Chosen = &Choice{
				Description: msg.Choice,
				Outcome:     msg.Outcome,
			}
		}
	}
	return transcript
}
